package parsers

import (
	"fmt"
	"strings"

	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/semver"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// The root element is namespaced by schema version, so only local names are matched.
type depCheckReport struct {
	EngineVersion string `xml:"scanInfo>engineVersion"`
	Dependencies  []struct {
		FileName        string `xml:"fileName"`
		FilePath        string `xml:"filePath"`
		Vulnerabilities []struct {
			Name        string   `xml:"name"`
			Severity    string   `xml:"severity"`
			Description string   `xml:"description"`
			CVSSv2      string   `xml:"cvssV2>score"`
			CVSSv3      string   `xml:"cvssV3>baseScore"`
			CWEs        []string `xml:"cwes>cwe"`
			CWE         string   `xml:"cwe"`
			References  []struct {
				URL string `xml:"url"`
			} `xml:"references>reference"`
		} `xml:"vulnerabilities>vulnerability"`
	} `xml:"dependencies>dependency"`
}

// DependencyCheckParser reads OWASP Dependency-Check XML reports.
type DependencyCheckParser struct{}

func (DependencyCheckParser) Tool() string             { return detect.ToolDependencyScan }
func (DependencyCheckParser) Formats() []detect.Format { return markupFormats }

// Parse implements Parser. A CVE found in several dependencies is one finding with one evidence per dependency.
func (p DependencyCheckParser) Parse(body []byte, _ types.Template) (*types.ParsedReport, error) {
	var report depCheckReport
	if err := newXMLDecoder(body).Decode(&report); err != nil {
		return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding dependency-check report: %w", err))
	}
	out := &types.ParsedReport{Tool: p.Tool(), ToolVersion: semver.Normalize(report.EngineVersion)}
	index := map[string]int{}
	for _, dep := range report.Dependencies {
		for _, v := range dep.Vulnerabilities {
			ev := types.Evidence{URL: dep.FilePath, Name: dep.FileName}
			if i, ok := index[v.Name]; ok {
				out.Findings[i].Evidences = append(out.Findings[i].Evidences, ev)
				continue
			}
			cwe := v.CWE
			if len(v.CWEs) > 0 {
				cwe = v.CWEs[0]
			}
			cvss := parseFloat(v.CVSSv3)
			if cvss == 0 {
				cvss = parseFloat(v.CVSSv2)
			}
			f := types.Finding{
				Name:        strings.TrimSpace(v.Name),
				Description: strings.TrimSpace(v.Description),
				Remediation: fmt.Sprintf("Upgrade %s to a version that is not affected by %s.", dep.FileName, v.Name),
				Severity:    v.Severity,
				Confidence:  "Certain",
				CVSS:        cvss,
				CWE:         parseCWE(cwe),
				VulType:     "Vulnerable Dependency",
				Evidences:   []types.Evidence{ev},
			}
			if len(v.References) > 0 {
				f.URL = v.References[0].URL
			}
			index[v.Name] = len(out.Findings)
			out.Findings = append(out.Findings, f)
		}
	}
	return out, nil
}
