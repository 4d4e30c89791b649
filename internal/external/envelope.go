// Package external holds the data transfer objects of JSON report formats
// that are accepted as-is from outside tools.
package external

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UnknownTool is used when an envelope does not name its tool.
const UnknownTool = "Unknown"

// Envelope is the generic JSON submission: a tool name and a list of findings.
type Envelope struct {
	Tool            string            `json:"tool"`
	Vulnerabilities []EnvelopeFinding `json:"vulnerabilities"`
}

// EnvelopeFinding is one finding in an Envelope.
type EnvelopeFinding struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Remediation string             `json:"remediation"`
	Severity    string             `json:"severity"`
	Confidence  string             `json:"confidence"`
	CVSS        Number             `json:"cvss"`
	CWE         Number             `json:"cwe"`
	OWASP       string             `json:"owasp"`
	VulType     string             `json:"vul_type"`
	URL         string             `json:"url"`
	Evidences   []EnvelopeEvidence `json:"evidences"`
}

// EnvelopeEvidence is one evidence entry of an EnvelopeFinding.
type EnvelopeEvidence struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Param    string `json:"param"`
	Request  string `json:"request"`
	Response string `json:"response"`
	Log      string `json:"log"`
}

// ToolName returns the declared tool, or UnknownTool.
func (e Envelope) ToolName() string {
	if strings.TrimSpace(e.Tool) == "" {
		return UnknownTool
	}
	return e.Tool
}

// Number accepts a JSON number or a numeric string ("89", "CWE-89", "9.8").
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*n = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(str)), "CWE-")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", string(b), err)
	}
	*n = Number(f)
	return nil
}
