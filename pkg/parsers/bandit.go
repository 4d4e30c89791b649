package parsers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

type banditResult struct {
	Code            string `json:"code"`
	Filename        string `json:"filename"`
	IssueConfidence string `json:"issue_confidence"`
	IssueSeverity   string `json:"issue_severity"`
	IssueText       string `json:"issue_text"`
	LineNumber      int    `json:"line_number"`
	MoreInfo        string `json:"more_info"`
	TestID          string `json:"test_id"`
	TestName        string `json:"test_name"`
	IssueCWE        struct {
		ID   int    `json:"id"`
		Link string `json:"link"`
	} `json:"issue_cwe"`
}

// BanditParser reads Bandit (Python SAST) JSON reports.
type BanditParser struct{}

func (BanditParser) Tool() string             { return detect.ToolBandit }
func (BanditParser) Formats() []detect.Format { return []detect.Format{detect.FormatJSON} }

// Parse implements Parser.
func (p BanditParser) Parse(body []byte, tmpl types.Template) (*types.ParsedReport, error) {
	doc, err := decodeDocument(body)
	if err != nil {
		return nil, types.NewParseError(p.Tool(), err)
	}
	return p.ParseDocument(doc, tmpl)
}

// ParseDocument implements DocumentParser. Results of the same test are merged into one finding.
func (p BanditParser) ParseDocument(doc map[string]json.RawMessage, _ types.Template) (*types.ParsedReport, error) {
	var results []banditResult
	if err := json.Unmarshal(doc["results"], &results); err != nil {
		return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding bandit results: %w", err))
	}
	out := &types.ParsedReport{Tool: p.Tool()}
	index := map[string]int{}
	for _, r := range results {
		ev := types.Evidence{
			URL:  fmt.Sprintf("%s:%d", r.Filename, r.LineNumber),
			Name: r.TestID,
			Log:  strings.TrimRight(r.Code, "\n"),
		}
		if i, ok := index[r.TestID]; ok {
			out.Findings[i].Evidences = append(out.Findings[i].Evidences, ev)
			continue
		}
		index[r.TestID] = len(out.Findings)
		out.Findings = append(out.Findings, types.Finding{
			Name:        firstNonEmpty(r.TestName, r.TestID),
			Description: r.IssueText,
			Remediation: r.MoreInfo,
			Severity:    r.IssueSeverity,
			Confidence:  r.IssueConfidence,
			CWE:         r.IssueCWE.ID,
			URL:         r.MoreInfo,
			Evidences:   []types.Evidence{ev},
		})
	}
	return out, nil
}
