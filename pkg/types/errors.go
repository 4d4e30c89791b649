package types

import (
	"errors"
	"fmt"
)

var (
	// ErrUnrecognizedFormat means no parser matches the submitted report.
	ErrUnrecognizedFormat = errors.New("unrecognized report format")
	// ErrMalformedReport means the report is not structurally valid XML/HTML/JSON.
	ErrMalformedReport = errors.New("malformed report")
	// ErrParseFailure means a tool parser failed during field extraction.
	ErrParseFailure = errors.New("parse failure")
	// ErrPersistenceNotFound means a referenced Application, Scan or ScanLog is missing.
	ErrPersistenceNotFound = errors.New("record not found")
	// ErrIntegrationFailure means the tracker or knowledge base was unreachable or rejected a request.
	ErrIntegrationFailure = errors.New("integration failure")
)

// MalformedReportError records which user submitted a report that could not be decoded.
type MalformedReportError struct {
	User string
	Path string
	Err  error
}

func (e *MalformedReportError) Error() string {
	return fmt.Sprintf("malformed report %q submitted by %q: %v", e.Path, e.User, e.Err)
}

func (e *MalformedReportError) Unwrap() error { return e.Err }

// Is reports ErrMalformedReport as a match.
func (e *MalformedReportError) Is(target error) bool { return target == ErrMalformedReport }

// ParseError is returned when a tool parser cannot extract findings.
type ParseError struct {
	Tool string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s parser: %v", e.Tool, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is reports ErrParseFailure as a match.
func (e *ParseError) Is(target error) bool { return target == ErrParseFailure }

// NewParseError wraps err as a ParseError for tool, leaving nil untouched.
func NewParseError(tool string, err error) error {
	if err == nil {
		return nil
	}
	return &ParseError{Tool: tool, Err: err}
}
