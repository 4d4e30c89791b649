package parsers

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/semver"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

type checkmarxReport struct {
	XMLName          xml.Name `xml:"CxXMLResults"`
	CheckmarxVersion string   `xml:"CheckmarxVersion,attr"`
	ProjectName      string   `xml:"ProjectName,attr"`
	Queries          []struct {
		Name     string `xml:"name,attr"`
		CweID    string `xml:"cweId,attr"`
		Group    string `xml:"group,attr"`
		Severity string `xml:"Severity,attr"`
		Language string `xml:"Language,attr"`
		Results  []struct {
			FileName      string `xml:"FileName,attr"`
			Line          string `xml:"Line,attr"`
			DeepLink      string `xml:"DeepLink,attr"`
			FalsePositive string `xml:"FalsePositive,attr"`
			Severity      string `xml:"Severity,attr"`
			Nodes         []struct {
				FileName string `xml:"FileName"`
				Line     string `xml:"Line"`
				Name     string `xml:"Name"`
				Code     string `xml:"Snippet>Line>Code"`
			} `xml:"Path>PathNode"`
		} `xml:"Result"`
	} `xml:"Query"`
}

// CheckmarxParser reads Checkmarx CxSAST XML reports.
type CheckmarxParser struct{}

func (CheckmarxParser) Tool() string             { return detect.ToolCheckmarx }
func (CheckmarxParser) Formats() []detect.Format { return markupFormats }

// Parse implements Parser. Each query becomes one finding; its results become evidences.
// Results Checkmarx already marked as false positives are skipped.
func (p CheckmarxParser) Parse(body []byte, _ types.Template) (*types.ParsedReport, error) {
	var report checkmarxReport
	if err := newXMLDecoder(body).Decode(&report); err != nil {
		return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding checkmarx report: %w", err))
	}
	out := &types.ParsedReport{Tool: p.Tool(), ToolVersion: semver.Normalize(report.CheckmarxVersion)}
	for _, q := range report.Queries {
		f := types.Finding{
			Name:     strings.ReplaceAll(q.Name, "_", " "),
			Severity: q.Severity,
			CWE:      parseCWE(q.CweID),
			VulType:  q.Group,
		}
		for _, r := range q.Results {
			if strings.EqualFold(r.FalsePositive, "true") {
				continue
			}
			ev := types.Evidence{
				URL:  fmt.Sprintf("%s:%s", r.FileName, r.Line),
				Name: r.FileName,
			}
			var trace []string
			for _, n := range r.Nodes {
				trace = append(trace, fmt.Sprintf("%s:%s %s %s", n.FileName, n.Line, n.Name, strings.TrimSpace(n.Code)))
			}
			ev.Log = strings.Join(trace, "\n")
			if f.URL == "" {
				f.URL = r.DeepLink
			}
			f.Evidences = append(f.Evidences, ev)
		}
		if len(f.Evidences) == 0 {
			continue
		}
		f.Description = fmt.Sprintf("%s (%s) found in %d location(s) of %s.", f.Name, q.Language, len(f.Evidences), report.ProjectName)
		out.Findings = append(out.Findings, f)
	}
	return out, nil
}
