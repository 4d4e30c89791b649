package parsers

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/semver"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

var zapRisk = map[string]string{"0": "info", "1": "low", "2": "medium", "3": "high"}

var zapConfidence = map[string]string{"0": "False Positive", "1": "Low", "2": "Medium", "3": "High", "4": "Confirmed"}

type zapXMLReport struct {
	XMLName xml.Name `xml:"OWASPZAPReport"`
	Version string   `xml:"version,attr"`
	Sites   []struct {
		Name   string         `xml:"name,attr"`
		Alerts []zapAlertItem `xml:"alerts>alertitem"`
	} `xml:"site"`
}

type zapAlertItem struct {
	Alert      string `xml:"alert" json:"Alert"`
	Name       string `xml:"name" json:"Name"`
	RiskCode   string `xml:"riskcode" json:"RiskCode"`
	Confidence string `xml:"confidence" json:"Confidence"`
	RiskDesc   string `xml:"riskdesc" json:"RiskDesc"`
	Desc       string `xml:"desc" json:"Desc"`
	Solution   string `xml:"solution" json:"Solution"`
	OtherInfo  string `xml:"otherinfo" json:"OtherInfo"`
	CWEID      string `xml:"cweid" json:"CWEID"`
	URI        string `xml:"uri" json:"URI"`
	Param      string `xml:"param" json:"Param"`
	Attack     string `xml:"attack" json:"Attack"`
	Evidence   string `xml:"evidence" json:"Evidence"`
	Instances  []struct {
		URI      string `xml:"uri" json:"URI"`
		Method   string `xml:"method" json:"Method"`
		Param    string `xml:"param" json:"Param"`
		Attack   string `xml:"attack" json:"Attack"`
		Evidence string `xml:"evidence" json:"Evidence"`
	} `xml:"instances>instance" json:"-"`
}

func (a zapAlertItem) finding(site string) types.Finding {
	name := firstNonEmpty(a.Alert, a.Name)
	sev := zapRisk[strings.TrimSpace(a.RiskCode)]
	if sev == "" {
		// "High (Medium)" carries the risk first and the confidence in parentheses.
		sev = strings.TrimSpace(strings.SplitN(a.RiskDesc, "(", 2)[0])
	}
	f := types.Finding{
		Name:        name,
		Description: flattenHTML(a.Desc),
		Remediation: flattenHTML(a.Solution),
		Severity:    sev,
		Confidence:  firstNonEmpty(zapConfidence[strings.TrimSpace(a.Confidence)], a.Confidence),
		CWE:         parseCWE(a.CWEID),
		URL:         site,
	}
	for _, in := range a.Instances {
		f.Evidences = append(f.Evidences, types.Evidence{
			URL:   strings.TrimSpace(in.URI),
			Name:  firstNonEmpty(in.Param, in.Method),
			Param: firstNonEmpty(in.Attack, in.Param),
			Log:   strings.TrimSpace(in.Evidence),
		})
	}
	if len(f.Evidences) == 0 && a.URI != "" {
		f.Evidences = append(f.Evidences, types.Evidence{
			URL:   strings.TrimSpace(a.URI),
			Name:  firstNonEmpty(a.Param, name),
			Param: firstNonEmpty(a.Attack, a.Param),
			Log:   strings.TrimSpace(firstNonEmpty(a.Evidence, a.OtherInfo)),
		})
	}
	return f
}

// ZAPXMLParser reads OWASP ZAP XML reports.
type ZAPXMLParser struct{}

func (ZAPXMLParser) Tool() string             { return detect.ToolZAP }
func (ZAPXMLParser) Formats() []detect.Format { return markupFormats }

// Parse implements Parser.
func (p ZAPXMLParser) Parse(body []byte, _ types.Template) (*types.ParsedReport, error) {
	var report zapXMLReport
	if err := newXMLDecoder(body).Decode(&report); err != nil {
		return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding zap report: %w", err))
	}
	out := &types.ParsedReport{Tool: p.Tool(), ToolVersion: semver.Normalize(report.Version)}
	for _, site := range report.Sites {
		for _, a := range site.Alerts {
			out.Findings = append(out.Findings, a.finding(site.Name))
		}
	}
	return out, nil
}

// oneOrMany decodes a JSON value that is either a single object or an array of them.
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*o = nil
		return nil
	}
	if b[0] == '[' {
		var many []T
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*o = []T{one}
	return nil
}

type zapJSONAlert struct {
	zapAlertItem
	Item oneOrMany[struct {
		URI      string `json:"URI"`
		Param    string `json:"Param"`
		Attack   string `json:"Attack"`
		Evidence string `json:"Evidence"`
	}] `json:"Item"`
}

type zapJSONReport struct {
	Version string `json:"@Version"`
	Sites   oneOrMany[struct {
		Host   string `json:"@Name"`
		Alerts struct {
			AlertItem oneOrMany[zapJSONAlert] `json:"AlertItem"`
		} `json:"Alerts"`
	}] `json:"Sites"`
}

// ZAPJSONParser reads the JSON variant of the ZAP report.
type ZAPJSONParser struct{}

func (ZAPJSONParser) Tool() string             { return detect.ToolZAP }
func (ZAPJSONParser) Formats() []detect.Format { return []detect.Format{detect.FormatJSON} }

// Parse implements Parser.
func (p ZAPJSONParser) Parse(body []byte, tmpl types.Template) (*types.ParsedReport, error) {
	doc, err := decodeDocument(body)
	if err != nil {
		return nil, types.NewParseError(p.Tool(), err)
	}
	return p.ParseDocument(doc, tmpl)
}

// ParseDocument implements DocumentParser.
func (p ZAPJSONParser) ParseDocument(doc map[string]json.RawMessage, _ types.Template) (*types.ParsedReport, error) {
	var report zapJSONReport
	if err := json.Unmarshal(doc["Report"], &report); err != nil {
		return nil, types.NewParseError(p.Tool(), fmt.Errorf("error decoding zap report: %w", err))
	}
	out := &types.ParsedReport{Tool: p.Tool(), ToolVersion: semver.Normalize(report.Version)}
	for _, site := range report.Sites {
		for _, a := range site.Alerts.AlertItem {
			f := a.finding(site.Host)
			for _, it := range a.Item {
				f.Evidences = append(f.Evidences, types.Evidence{
					URL:   strings.TrimSpace(it.URI),
					Name:  firstNonEmpty(it.Param, f.Name),
					Param: firstNonEmpty(it.Attack, it.Param),
					Log:   strings.TrimSpace(it.Evidence),
				})
			}
			out.Findings = append(out.Findings, f)
		}
	}
	return out, nil
}
