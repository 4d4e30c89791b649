package types

// Evidence is a supporting artifact attached to a finding.
type Evidence struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Param    string `json:"param,omitempty"`
	Request  string `json:"request,omitempty"`
	Response string `json:"response,omitempty"`
	Log      string `json:"log,omitempty"`
	Image    []byte `json:"image,omitempty"`
}

// Finding is one security issue reported by a scanning tool, before normalization.
type Finding struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Remediation string `json:"remediation"`
	Tool        string `json:"tool"`
	Confidence  string `json:"confidence"`
	// Severity is the tool's own severity word; it is only used when CVSS is zero.
	Severity string  `json:"severity"`
	CVSS     float64 `json:"cvss"`
	CWE      int     `json:"cwe"`
	OWASP    string  `json:"owasp"`
	VulType  string  `json:"vul_type"`
	URL      string  `json:"url"`
	// SubmittedBy is the user who uploaded the report.
	SubmittedBy string     `json:"submitted_by"`
	Evidences   []Evidence `json:"evidences"`
}

// Template carries the fields shared by every finding of one report.
type Template struct {
	Tool          string
	User          string
	ApplicationID uint
	ScanName      string
}

// Apply fills in the template fields that the parser left empty.
func (t Template) Apply(f *Finding) {
	if f.Tool == "" {
		f.Tool = t.Tool
	}
	if f.SubmittedBy == "" {
		f.SubmittedBy = t.User
	}
}

// ParsedReport is the output of a tool parser.
type ParsedReport struct {
	Tool        string
	ToolVersion string
	Findings    []Finding
}
