package parsers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/semver"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

type arachniIssue struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Remediation string `json:"remediation_guidance"`
	Severity    string `json:"severity"`
	CWE         int    `json:"cwe"`
	Trusted     *bool  `json:"trusted"`
	Proof       string `json:"proof"`
	Vector      struct {
		Action            string `json:"action"`
		Method            string `json:"method"`
		AffectedInputName string `json:"affected_input_name"`
		Seed              string `json:"seed"`
	} `json:"vector"`
	Request struct {
		URL           string `json:"url"`
		HeadersString string `json:"headers_string"`
		Body          string `json:"body"`
	} `json:"request"`
	Response struct {
		HeadersString string `json:"headers_string"`
		Body          string `json:"body"`
	} `json:"response"`
}

// ArachniParser reads Arachni JSON reports.
type ArachniParser struct{}

func (ArachniParser) Tool() string             { return detect.ToolArachni }
func (ArachniParser) Formats() []detect.Format { return []detect.Format{detect.FormatJSON} }

// Parse implements Parser.
func (p ArachniParser) Parse(body []byte, tmpl types.Template) (*types.ParsedReport, error) {
	doc, err := decodeDocument(body)
	if err != nil {
		return nil, types.NewParseError(p.Tool(), err)
	}
	return p.ParseDocument(doc, tmpl)
}

// ParseDocument implements DocumentParser. Issues sharing a name and CWE are merged.
func (p ArachniParser) ParseDocument(doc map[string]json.RawMessage, _ types.Template) (*types.ParsedReport, error) {
	var issues []arachniIssue
	if err := json.Unmarshal(doc["issues"], &issues); err != nil {
		return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding arachni issues: %w", err))
	}
	var version string
	if raw, ok := doc["version"]; ok {
		_ = json.Unmarshal(raw, &version)
	}
	out := &types.ParsedReport{Tool: p.Tool(), ToolVersion: semver.Normalize(version)}
	index := map[string]int{}
	for _, is := range issues {
		ev := types.Evidence{
			URL:      firstNonEmpty(is.Vector.Action, is.Request.URL),
			Name:     firstNonEmpty(is.Vector.AffectedInputName, is.Name),
			Param:    is.Vector.Seed,
			Request:  strings.TrimSpace(is.Request.HeadersString + "\n" + is.Request.Body),
			Response: strings.TrimSpace(is.Response.HeadersString),
			Log:      is.Proof,
		}
		key := fmt.Sprintf("%s|%d", is.Name, is.CWE)
		if i, ok := index[key]; ok {
			out.Findings[i].Evidences = append(out.Findings[i].Evidences, ev)
			continue
		}
		confidence := "Tentative"
		if is.Trusted == nil || *is.Trusted {
			confidence = "Certain"
		}
		index[key] = len(out.Findings)
		out.Findings = append(out.Findings, types.Finding{
			Name:        strings.TrimSpace(is.Name),
			Description: flattenHTML(is.Description),
			Remediation: flattenHTML(is.Remediation),
			Severity:    is.Severity,
			Confidence:  confidence,
			CWE:         is.CWE,
			URL:         ev.URL,
			Evidences:   []types.Evidence{ev},
		})
	}
	return out, nil
}
