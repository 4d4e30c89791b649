package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/severity"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// InsertReport inserts a new report into the database.
func InsertReport(db *gorm.DB, report *model.Report) error {
	return db.Create(report).Error
}

// GetReport retrieves a report by its ID from the database.
func GetReport(db *gorm.DB, id uint) (*model.Report, error) {
	var report model.Report
	if err := db.First(&report, id).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

// BuildReport counts an application's open, non-false-positive vulnerabilities per severity
// and stores the snapshot.
func BuildReport(ctx context.Context, db *gorm.DB, applicationID uint) (*model.Report, error) {
	var app model.Application
	if err := db.WithContext(ctx).First(&app, applicationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("application %d: %w", applicationID, types.ErrPersistenceNotFound)
		}
		return nil, fmt.Errorf("error retrieving application: %w", err)
	}

	var vuls []model.Vulnerability
	err := db.WithContext(ctx).Select("severity", "cvss").
		Where("application_id = ? AND is_remediated = ? AND is_false_positive = ?", applicationID, false, false).
		Find(&vuls).Error
	if err != nil {
		return nil, fmt.Errorf("error listing vulnerabilities: %w", err)
	}

	report := &model.Report{ApplicationID: app.ID, ApplicationName: app.Name, Total: len(vuls)}
	scores := make([]float64, 0, len(vuls))
	for _, v := range vuls {
		scores = append(scores, v.CVSS)
		switch severity.Level(v.Severity) {
		case severity.High:
			report.High++
		case severity.Medium:
			report.Medium++
		case severity.Low:
			report.Low++
		default:
			report.Info++
		}
	}
	report.Grade = severity.Grade(scores)
	if err := InsertReport(db.WithContext(ctx), report); err != nil {
		return nil, fmt.Errorf("error saving report: %w", err)
	}
	return report, nil
}
