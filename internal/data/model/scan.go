package model

import "time"

// ScanType says how a report reached the system.
type ScanType string

const (
	ScanTypeManual  ScanType = "Manual"
	ScanTypeWebhook ScanType = "Webhook"
)

// ScanStatus is the lifecycle state recorded on a ScanLog.
type ScanStatus string

const (
	ScanStatusPending    ScanStatus = "Pending"
	ScanStatusInProgress ScanStatus = "In Progress"
	ScanStatusCompleted  ScanStatus = "Completed"
	ScanStatusKilled     ScanStatus = "Killed"
)

// Terminal reports whether no further transition is allowed.
func (s ScanStatus) Terminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusKilled
}

// Scan is one ingestion of one report for an application.
// It is deleted when ingestion fails.
type Scan struct {
	CreatedAt     time.Time `json:"CreatedAt" gorm:"autoCreateTime"`
	UpdatedAt     time.Time `json:"UpdatedAt" gorm:"autoUpdateTime"`
	Name          string    `json:"Name" gorm:"uniqueIndex;not null"`
	Tool          string    `json:"Tool"`
	ToolVersion   string    `json:"ToolVersion"`
	ScanType      ScanType  `json:"ScanType" gorm:"not null;default:Manual"`
	CreatedBy     string    `json:"CreatedBy"`
	ID            uint      `json:"ID" gorm:"primaryKey;autoIncrement"`
	ApplicationID uint      `json:"ApplicationID" gorm:"index;not null"`
}

// ScanLog tracks a scan's status. It outlives the scan, so it keeps the scan's id and
// name without a foreign key.
type ScanLog struct {
	CreatedAt time.Time  `json:"CreatedAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time  `json:"UpdatedAt" gorm:"autoUpdateTime"`
	ScanName  string     `json:"ScanName" gorm:"uniqueIndex;not null"`
	Status    ScanStatus `json:"Status" gorm:"not null"`
	Message   string     `json:"Message"`
	ID        uint       `json:"ID" gorm:"primaryKey;autoIncrement"`
	ScanID    uint       `json:"ScanID" gorm:"index"`
}
