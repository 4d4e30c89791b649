package parsers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/defenseunicorns/uds-vuln-hub/internal/external"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// TrivyParser reads Trivy JSON reports. Each CVE is one finding; affected packages are evidences.
type TrivyParser struct{}

func (TrivyParser) Tool() string             { return detect.ToolTrivy }
func (TrivyParser) Formats() []detect.Format { return []detect.Format{detect.FormatJSON} }

// Parse implements Parser.
func (p TrivyParser) Parse(body []byte, _ types.Template) (*types.ParsedReport, error) {
	var report external.TrivyReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding trivy report: %w", err))
	}
	return p.fromReport(&report), nil
}

func (p TrivyParser) fromReport(report *external.TrivyReport) *types.ParsedReport {
	out := &types.ParsedReport{Tool: p.Tool()}
	index := map[string]int{}
	for _, v := range external.FlattenTrivyReport(report) {
		ev := types.Evidence{
			URL:  v.Target,
			Name: fmt.Sprintf("%s@%s", v.PkgName, v.InstalledVersion),
			Log:  fmt.Sprintf("%s %s installed %s fixed %s", v.Type, v.PkgName, v.InstalledVersion, firstNonEmpty(v.FixedVersion, "none")),
		}
		if i, ok := index[v.VulnerabilityID]; ok {
			out.Findings[i].Evidences = append(out.Findings[i].Evidences, ev)
			continue
		}
		cwe := 0
		if len(v.CweIDs) > 0 {
			cwe = parseCWE(v.CweIDs[0])
		}
		remediation := "No fixed version is available."
		if v.FixedVersion != "" {
			remediation = fmt.Sprintf("Upgrade %s to %s.", v.PkgName, v.FixedVersion)
		}
		index[v.VulnerabilityID] = len(out.Findings)
		out.Findings = append(out.Findings, types.Finding{
			Name:        v.VulnerabilityID,
			Description: strings.TrimSpace(firstNonEmpty(v.Title, v.Description)),
			Remediation: remediation,
			Severity:    v.Severity,
			Confidence:  "Certain",
			CVSS:        v.BestScore(),
			CWE:         cwe,
			VulType:     v.Class,
			URL:         v.PrimaryURL,
			Evidences:   []types.Evidence{ev},
		})
	}
	return out
}
