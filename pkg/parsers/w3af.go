package parsers

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/semver"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// w3af does not report CWE ids, so common vulnerability names are mapped here.
var w3afCWE = map[string]int{
	"sql injection":                       89,
	"blind sql injection vulnerability":   89,
	"cross site scripting vulnerability":  79,
	"os commanding vulnerability":         78,
	"local file inclusion vulnerability":  98,
	"remote file inclusion vulnerability": 98,
	"path disclosure vulnerability":       200,
	"csrf vulnerability":                  352,
	"unhandled error in web application":  209,
	"click-jacking vulnerability":         1021,
	"open redirect":                       601,
	"xpath injection vulnerability":       643,
	"ldap injection vulnerability":        90,
}

type w3afRun struct {
	XMLName         xml.Name `xml:"w3af-run"`
	Version         string   `xml:"version,attr"`
	Vulnerabilities []struct {
		Name        string `xml:"name,attr"`
		Severity    string `xml:"severity,attr"`
		URL         string `xml:"url,attr"`
		Var         string `xml:"var,attr"`
		Method      string `xml:"method,attr"`
		Plugin      string `xml:"plugin,attr"`
		Description string `xml:"description"`
		LongDesc    string `xml:"long-description"`
		FixGuidance string `xml:"fix-guidance"`
		References  []struct {
			URL string `xml:"url,attr"`
		} `xml:"references>reference"`
		Transactions []struct {
			RequestStatus  string `xml:"http-request>status"`
			RequestBody    string `xml:"http-request>body"`
			ResponseStatus string `xml:"http-response>status"`
			ResponseBody   string `xml:"http-response>body"`
		} `xml:"http-transactions>http-transaction"`
	} `xml:"vulnerability"`
}

// W3afParser reads w3af XML output.
type W3afParser struct{}

func (W3afParser) Tool() string             { return detect.ToolW3af }
func (W3afParser) Formats() []detect.Format { return markupFormats }

// Parse implements Parser.
func (p W3afParser) Parse(body []byte, _ types.Template) (*types.ParsedReport, error) {
	var run w3afRun
	if err := newXMLDecoder(body).Decode(&run); err != nil {
		return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding w3af report: %w", err))
	}
	out := &types.ParsedReport{Tool: p.Tool(), ToolVersion: semver.Normalize(run.Version)}
	index := map[string]int{}
	for _, v := range run.Vulnerabilities {
		ev := types.Evidence{URL: v.URL, Name: firstNonEmpty(v.Var, v.Method), Param: v.Var}
		if len(v.Transactions) > 0 {
			tx := v.Transactions[0]
			ev.Request = strings.TrimSpace(tx.RequestStatus + "\n" + tx.RequestBody)
			ev.Response = strings.TrimSpace(tx.ResponseStatus + "\n" + tx.ResponseBody)
		}
		if i, ok := index[v.Name]; ok {
			out.Findings[i].Evidences = append(out.Findings[i].Evidences, ev)
			continue
		}
		f := types.Finding{
			Name:        strings.TrimSpace(v.Name),
			Description: strings.TrimSpace(firstNonEmpty(v.LongDesc, v.Description)),
			Remediation: strings.TrimSpace(v.FixGuidance),
			Severity:    v.Severity,
			CWE:         w3afCWE[strings.ToLower(strings.TrimSpace(v.Name))],
			VulType:     v.Plugin,
			URL:         v.URL,
			Evidences:   []types.Evidence{ev},
		}
		if len(v.References) > 0 {
			f.URL = v.References[0].URL
		}
		index[v.Name] = len(out.Findings)
		out.Findings = append(out.Findings, f)
	}
	return out, nil
}
