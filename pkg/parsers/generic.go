package parsers

import (
	"encoding/json"
	"fmt"

	"github.com/defenseunicorns/uds-vuln-hub/internal/external"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// GenericJSONParser reads the tool-agnostic envelope {"tool": ..., "vulnerabilities": [...]}.
// The envelope's tool name, not "JSON", is recorded on the findings and the scan.
type GenericJSONParser struct{}

func (GenericJSONParser) Tool() string             { return detect.ToolGenericJSON }
func (GenericJSONParser) Formats() []detect.Format { return []detect.Format{detect.FormatJSON} }

// Parse implements Parser.
func (p GenericJSONParser) Parse(body []byte, _ types.Template) (*types.ParsedReport, error) {
	var env external.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding envelope: %w", err))
	}
	return p.fromEnvelope(env), nil
}

// ParseDocument implements DocumentParser.
func (p GenericJSONParser) ParseDocument(doc map[string]json.RawMessage, _ types.Template) (*types.ParsedReport, error) {
	var env external.Envelope
	if raw, ok := doc["tool"]; ok {
		if err := json.Unmarshal(raw, &env.Tool); err != nil {
			return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding tool name: %w", err))
		}
	}
	if raw, ok := doc["vulnerabilities"]; ok {
		if err := json.Unmarshal(raw, &env.Vulnerabilities); err != nil {
			return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding vulnerabilities: %w", err))
		}
	}
	return p.fromEnvelope(env), nil
}

// ParseEnvelope converts an already-decoded envelope, as submitted directly over the JSON intake.
func (p GenericJSONParser) ParseEnvelope(env external.Envelope) *types.ParsedReport {
	return p.fromEnvelope(env)
}

func (GenericJSONParser) fromEnvelope(env external.Envelope) *types.ParsedReport {
	tool := env.ToolName()
	out := &types.ParsedReport{Tool: tool}
	for _, v := range env.Vulnerabilities {
		f := types.Finding{
			Name:        v.Name,
			Description: v.Description,
			Remediation: v.Remediation,
			Tool:        tool,
			Confidence:  v.Confidence,
			Severity:    v.Severity,
			CVSS:        float64(v.CVSS),
			CWE:         int(v.CWE),
			OWASP:       v.OWASP,
			VulType:     v.VulType,
			URL:         v.URL,
		}
		for _, e := range v.Evidences {
			f.Evidences = append(f.Evidences, types.Evidence{
				URL:      e.URL,
				Name:     e.Name,
				Param:    e.Param,
				Request:  e.Request,
				Response: e.Response,
				Log:      e.Log,
			})
		}
		out.Findings = append(out.Findings, f)
	}
	return out
}
