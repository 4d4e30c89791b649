package model

import "time"

// Report is a snapshot of an application's open vulnerability counts per severity.
type Report struct {
	CreatedAt       time.Time `json:"CreatedAt" gorm:"autoCreateTime"`
	ApplicationName string    `json:"ApplicationName" gorm:"not null"`
	ID              uint      `json:"ID" gorm:"primaryKey;autoIncrement"`
	ApplicationID   uint      `json:"ApplicationID" gorm:"index;not null"`
	High            int       `json:"High"`
	Medium          int       `json:"Medium"`
	Low             int       `json:"Low"`
	Info            int       `json:"Info"`
	Total           int       `json:"Total"`
	Grade           int       `json:"Grade"`
}
