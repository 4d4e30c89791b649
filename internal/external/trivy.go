package external

import "time"

// TrivyReport is the JSON report written by `trivy image --format json`.
type TrivyReport struct {
	SchemaVersion int           `json:"SchemaVersion"`
	CreatedAt     time.Time     `json:"CreatedAt"`
	ArtifactName  string        `json:"ArtifactName"`
	ArtifactType  string        `json:"ArtifactType"`
	Metadata      TrivyMetadata `json:"Metadata"`
	Results       []TrivyResult `json:"Results"`
}

// TrivyMetadata is the subset of artifact metadata carried onto findings.
type TrivyMetadata struct {
	OS struct {
		Family string `json:"Family"`
		Name   string `json:"Name"`
	} `json:"OS"`
	ImageID  string   `json:"ImageID"`
	RepoTags []string `json:"RepoTags"`
}

// TrivyResult groups the vulnerabilities found in one target.
type TrivyResult struct {
	Target          string               `json:"Target"`
	Class           string               `json:"Class"`
	Type            string               `json:"Type"`
	Vulnerabilities []TrivyVulnerability `json:"Vulnerabilities"`
}

// TrivyVulnerability is one CVE affecting one installed package.
type TrivyVulnerability struct {
	VulnerabilityID  string               `json:"VulnerabilityID"`
	PkgName          string               `json:"PkgName"`
	InstalledVersion string               `json:"InstalledVersion"`
	FixedVersion     string               `json:"FixedVersion"`
	PrimaryURL       string               `json:"PrimaryURL"`
	Title            string               `json:"Title"`
	Description      string               `json:"Description"`
	Severity         string               `json:"Severity"`
	CweIDs           []string             `json:"CweIDs"`
	CVSS             map[string]TrivyCVSS `json:"CVSS"`
	PublishedDate    *time.Time           `json:"PublishedDate"`
}

// TrivyCVSS holds the scores a single vendor assigned.
type TrivyCVSS struct {
	V2Score float64 `json:"V2Score"`
	V3Score float64 `json:"V3Score"`
}

// TrivyFinding is a flattened vulnerability with its target context.
type TrivyFinding struct {
	Target string
	Class  string
	Type   string
	TrivyVulnerability
}

// FlattenTrivyReport lists every vulnerability with the target it was found in.
func FlattenTrivyReport(report *TrivyReport) []TrivyFinding {
	var out []TrivyFinding
	for _, res := range report.Results {
		for _, v := range res.Vulnerabilities {
			out = append(out, TrivyFinding{
				Target:             res.Target,
				Class:              res.Class,
				Type:               res.Type,
				TrivyVulnerability: v,
			})
		}
	}
	return out
}

// BestScore returns the highest V3 score across vendors, falling back to V2.
func (v TrivyVulnerability) BestScore() float64 {
	var v3, v2 float64
	for _, s := range v.CVSS {
		if s.V3Score > v3 {
			v3 = s.V3Score
		}
		if s.V2Score > v2 {
			v2 = s.V2Score
		}
	}
	if v3 > 0 {
		return v3
	}
	return v2
}
