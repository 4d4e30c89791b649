package model

import (
	"math"
	"time"
)

// Vulnerability is the canonical, deduplicated record of a finding on an application.
// (ApplicationID, CWE, Name) is unique among records that are not remediated.
type Vulnerability struct {
	CreatedAt         time.Time                 `json:"CreatedAt" gorm:"autoCreateTime"`
	UpdatedAt         time.Time                 `json:"UpdatedAt" gorm:"autoUpdateTime"`
	OpenSince         time.Time                 `json:"OpenSince" gorm:"not null"`
	LastSeen          time.Time                 `json:"LastSeen" gorm:"not null"`
	Name              string                    `json:"Name" gorm:"not null;index:idx_vul_identity,unique,where:is_remediated = false"`
	Description       string                    `json:"Description" gorm:"type:text"`
	Remediation       string                    `json:"Remediation" gorm:"type:text"`
	Tool              string                    `json:"Tool"`
	Confidence        string                    `json:"Confidence"`
	VulType           string                    `json:"VulType"`
	OWASP             string                    `json:"OWASP" gorm:"column:owasp"`
	TicketKey         string                    `json:"TicketKey"`
	TicketStatus      string                    `json:"TicketStatus"`
	Evidences         []VulnerabilityEvidence   `json:"Evidences,omitempty" gorm:"foreignKey:VulnerabilityID;constraint:OnDelete:CASCADE"`
	RemediationRecord *VulnerabilityRemediation `json:"RemediationRecord,omitempty" gorm:"foreignKey:VulnerabilityID;constraint:OnDelete:CASCADE"`
	CVSS              float64                   `json:"CVSS" gorm:"column:cvss"`
	ID                uint                      `json:"ID" gorm:"primaryKey;autoIncrement"`
	ApplicationID     uint                      `json:"ApplicationID" gorm:"not null;index:idx_vul_identity,unique,where:is_remediated = false"`
	ScanID            uint                      `json:"ScanID" gorm:"index"`
	CWE               int                       `json:"CWE" gorm:"column:cwe;index:idx_vul_identity,unique,where:is_remediated = false"`
	Severity          int                       `json:"Severity" gorm:"not null;default:0"`
	IsFalsePositive   bool                      `json:"IsFalsePositive" gorm:"not null;default:false"`
	IsRemediated      bool                      `json:"IsRemediated" gorm:"not null;default:false"`
}

// OpenFor returns the whole days between OpenSince and now.
func (v *Vulnerability) OpenFor(now time.Time) int {
	if v.OpenSince.IsZero() || now.Before(v.OpenSince) {
		return 0
	}
	return int(math.Floor(now.Sub(v.OpenSince).Hours() / 24))
}

// VulnerabilityEvidence is one location or request that demonstrates a vulnerability.
type VulnerabilityEvidence struct {
	CreatedAt       time.Time `json:"CreatedAt" gorm:"autoCreateTime"`
	URL             string    `json:"URL"`
	Name            string    `json:"Name"`
	Param           string    `json:"Param"`
	Request         string    `json:"Request" gorm:"type:text"`
	Response        string    `json:"Response" gorm:"type:text"`
	Log             string    `json:"Log" gorm:"type:text"`
	Image           []byte    `json:"Image,omitempty"`
	ID              uint      `json:"ID" gorm:"primaryKey;autoIncrement"`
	VulnerabilityID uint      `json:"VulnerabilityID" gorm:"index;not null"`
}

// VulnerabilityRemediation records that a vulnerability was fixed. Remediation is terminal.
type VulnerabilityRemediation struct {
	RemediatedOn    time.Time `json:"RemediatedOn" gorm:"not null"`
	Description     string    `json:"Description" gorm:"type:text"`
	RemediatedBy    string    `json:"RemediatedBy"`
	ID              uint      `json:"ID" gorm:"primaryKey;autoIncrement"`
	VulnerabilityID uint      `json:"VulnerabilityID" gorm:"uniqueIndex;not null"`
}

// CategorySummary aggregates the vulnerabilities of one CWE.
type CategorySummary struct {
	CWE                    int      `json:"cwe"`
	Name                   string   `json:"name"`
	ToolCount              int      `json:"tool_count"`
	Instances              int      `json:"instances"`
	TicketKeys             []string `json:"ticket_keys"`
	TicketStatuses         []string `json:"ticket_statuses"`
	Severity               int      `json:"severity"`
	CVSS                   float64  `json:"cvss"`
	OpenFor                int      `json:"open_for"`
	EvidenceURLs           []string `json:"evidence_urls"`
	PotentialFalsePositive bool     `json:"potential_false_positive"`
}
