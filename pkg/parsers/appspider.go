package parsers

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

type appSpiderSummary struct {
	XMLName xml.Name `xml:"VulnSummary"`
	Vulns   []struct {
		VulnType       string `xml:"VulnType"`
		Description    string `xml:"Description"`
		Recommendation string `xml:"Recommendation"`
		URL            string `xml:"Url"`
		VulnParam      string `xml:"VulnParam"`
		AttackScore    string `xml:"AttackScore"`
		AttackValue    string `xml:"AttackValue"`
		CweID          string `xml:"CweId"`
		OWASP2017      string `xml:"OWASP2017"`
		OWASP2013      string `xml:"OWASP2013"`
		Confidence     string `xml:"Confidence"`
		Attacks        []struct {
			Request  string `xml:"AttackRequest>Request"`
			Response string `xml:"AttackResponse>Response"`
		} `xml:"AttackList>Attack"`
	} `xml:"Vulnerabilities>Vuln"`
}

// AppSpiderParser reads Rapid7 AppSpider VulnerabilitiesSummary.xml reports.
type AppSpiderParser struct{}

func (AppSpiderParser) Tool() string             { return detect.ToolAppSpider }
func (AppSpiderParser) Formats() []detect.Format { return markupFormats }

// Parse implements Parser. AttackScore looks like "3-High"; the word is the raw severity.
func (p AppSpiderParser) Parse(body []byte, _ types.Template) (*types.ParsedReport, error) {
	var summary appSpiderSummary
	if err := newXMLDecoder(body).Decode(&summary); err != nil {
		return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding appspider report: %w", err))
	}
	out := &types.ParsedReport{Tool: p.Tool()}
	index := map[string]int{}
	for _, v := range summary.Vulns {
		ev := types.Evidence{URL: v.URL, Name: firstNonEmpty(v.VulnParam, v.VulnType), Param: v.AttackValue}
		if len(v.Attacks) > 0 {
			ev.Request = strings.TrimSpace(v.Attacks[0].Request)
			ev.Response = strings.TrimSpace(v.Attacks[0].Response)
		}
		key := v.VulnType + "|" + v.CweID
		if i, ok := index[key]; ok {
			out.Findings[i].Evidences = append(out.Findings[i].Evidences, ev)
			continue
		}
		sev := v.AttackScore
		if i := strings.Index(sev, "-"); i >= 0 {
			sev = sev[i+1:]
		}
		index[key] = len(out.Findings)
		out.Findings = append(out.Findings, types.Finding{
			Name:        strings.TrimSpace(v.VulnType),
			Description: flattenHTML(v.Description),
			Remediation: flattenHTML(v.Recommendation),
			Severity:    strings.TrimSpace(sev),
			Confidence:  v.Confidence,
			CWE:         parseCWE(v.CweID),
			OWASP:       firstNonEmpty(v.OWASP2017, v.OWASP2013),
			URL:         v.URL,
			Evidences:   []types.Evidence{ev},
		})
	}
	return out, nil
}
