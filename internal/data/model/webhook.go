package model

import (
	"errors"
	"fmt"
	"time"
)

// ExceptionDetail is the structured form of an error stored on a WebhookLog.
type ExceptionDetail struct {
	Type    string   `json:"type,omitempty"`
	Message string   `json:"message,omitempty"`
	Chain   []string `json:"chain,omitempty"`
}

// NewExceptionDetail captures err's type, message and unwrap chain. A nil err gives the zero value.
func NewExceptionDetail(err error) ExceptionDetail {
	if err == nil {
		return ExceptionDetail{}
	}
	d := ExceptionDetail{Type: fmt.Sprintf("%T", err), Message: err.Error()}
	for inner := errors.Unwrap(err); inner != nil; inner = errors.Unwrap(inner) {
		d.Chain = append(d.Chain, inner.Error())
	}
	return d
}

// IsZero reports whether no exception is recorded.
func (d ExceptionDetail) IsZero() bool {
	return d.Type == "" && d.Message == "" && len(d.Chain) == 0
}

// WebhookLog follows a webhook-submitted report through upload, scan processing and
// vulnerability processing.
type WebhookLog struct {
	CreatedAt            time.Time       `json:"CreatedAt" gorm:"autoCreateTime"`
	FileUploadDatetime   *time.Time      `json:"file_upload_datetime"`
	ScanProcessDatetime  *time.Time      `json:"scan_process_datetime"`
	VulProcessDatetime   *time.Time      `json:"vul_process_datetime"`
	User                 string          `json:"user"`
	ScanID               string          `json:"scan_id"`
	ScanProcessException ExceptionDetail `json:"scan_process_exception" gorm:"type:text;serializer:json"`
	VulProcessException  ExceptionDetail `json:"vul_process_exception" gorm:"type:text;serializer:json"`
	ID                   uint            `json:"ID" gorm:"primaryKey;autoIncrement"`
	ApplicationID        uint            `json:"ApplicationID" gorm:"index"`
	FileUploadEvent      bool            `json:"file_upload_event"`
	ScanProcessEvent     bool            `json:"scan_process_event"`
	VulProcessEvent      bool            `json:"vul_process_event"`
}
