package parsers

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/semver"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

type burpReport struct {
	XMLName     xml.Name    `xml:"issues"`
	BurpVersion string      `xml:"burpVersion,attr"`
	Issues      []burpIssue `xml:"issue"`
}

type burpIssue struct {
	Name                  string `xml:"name"`
	Host                  string `xml:"host"`
	Path                  string `xml:"path"`
	Location              string `xml:"location"`
	Severity              string `xml:"severity"`
	Confidence            string `xml:"confidence"`
	IssueBackground       string `xml:"issueBackground"`
	IssueDetail           string `xml:"issueDetail"`
	RemediationBackground string `xml:"remediationBackground"`
	RemediationDetail     string `xml:"remediationDetail"`
	Classifications       string `xml:"vulnerabilityClassifications"`
	RequestResponse       []struct {
		Request  burpMessage `xml:"request"`
		Response burpMessage `xml:"response"`
	} `xml:"requestresponse"`
}

type burpMessage struct {
	Base64 bool   `xml:"base64,attr"`
	Body   string `xml:",chardata"`
}

// BurpParser reads Burp Suite XML issue exports.
type BurpParser struct{}

func (BurpParser) Tool() string             { return detect.ToolBurp }
func (BurpParser) Formats() []detect.Format { return markupFormats }

// Parse implements Parser. Issues sharing a name are merged into one finding with several evidences.
func (p BurpParser) Parse(body []byte, _ types.Template) (*types.ParsedReport, error) {
	var report burpReport
	if err := newXMLDecoder(body).Decode(&report); err != nil {
		return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding burp report: %w", err))
	}
	out := &types.ParsedReport{Tool: p.Tool(), ToolVersion: semver.Normalize(report.BurpVersion)}
	index := map[string]int{}
	for _, issue := range report.Issues {
		url := strings.TrimRight(strings.TrimSpace(issue.Host), "/") + strings.TrimSpace(issue.Path)
		ev := types.Evidence{URL: url, Name: firstNonEmpty(issue.Location, issue.Path)}
		if len(issue.RequestResponse) > 0 {
			rr := issue.RequestResponse[0]
			ev.Request = maybeBase64(rr.Request.Body, rr.Request.Base64)
			ev.Response = maybeBase64(rr.Response.Body, rr.Response.Base64)
		}
		if i, ok := index[issue.Name]; ok {
			out.Findings[i].Evidences = append(out.Findings[i].Evidences, ev)
			continue
		}
		index[issue.Name] = len(out.Findings)
		out.Findings = append(out.Findings, types.Finding{
			Name:        strings.TrimSpace(issue.Name),
			Description: flattenHTML(firstNonEmpty(issue.IssueBackground, issue.IssueDetail)),
			Remediation: flattenHTML(firstNonEmpty(issue.RemediationBackground, issue.RemediationDetail)),
			Severity:    strings.TrimSpace(issue.Severity),
			Confidence:  strings.TrimSpace(issue.Confidence),
			CWE:         parseCWE(issue.Classifications),
			URL:         url,
			Evidences:   []types.Evidence{ev},
		})
	}
	return out, nil
}
