package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// ErrInvalidTransition is returned when a ScanLog status change is not allowed.
var ErrInvalidTransition = errors.New("invalid scan status transition")

var allowedTransitions = map[model.ScanStatus][]model.ScanStatus{
	model.ScanStatusPending:    {model.ScanStatusInProgress, model.ScanStatusKilled},
	model.ScanStatusInProgress: {model.ScanStatusInProgress, model.ScanStatusCompleted, model.ScanStatusKilled},
}

// ScanManager defines the interface for managing scans and their logs in the database.
type ScanManager interface {
	// CreateScan stores a new scan with a Pending ScanLog.
	CreateScan(ctx context.Context, scan *model.Scan) (*model.ScanLog, error)
	// GetScanByName retrieves a scan by its unique name.
	GetScanByName(ctx context.Context, name string) (*model.Scan, error)
	// GetScanLog retrieves the log of the named scan.
	GetScanLog(ctx context.Context, scanName string) (*model.ScanLog, error)
	// SetScanLogStatus moves the named scan's log to status.
	SetScanLogStatus(ctx context.Context, scanName string, status model.ScanStatus, message string) error
	// DeleteScan removes a scan. Its log is kept.
	DeleteScan(ctx context.Context, id uint) error
}

// GormScanManager implements the ScanManager interface using a GORM DB connection.
type GormScanManager struct {
	db *gorm.DB
}

// NewGormScanManager creates a new GormScanManager.
func NewGormScanManager(db *gorm.DB) (*GormScanManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	return &GormScanManager{db: db}, nil
}

// CreateScan stores scan and a Pending ScanLog in one transaction.
// A scan without a name gets a random UUID. The application must exist.
func (manager *GormScanManager) CreateScan(ctx context.Context, scan *model.Scan) (*model.ScanLog, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx cannot be nil")
	}
	if scan == nil {
		return nil, fmt.Errorf("scan cannot be nil")
	}
	if scan.Name == "" {
		scan.Name = uuid.NewString()
	}
	if scan.ScanType == "" {
		scan.ScanType = model.ScanTypeManual
	}
	logger := log.NewLogger(ctx)
	logger.Debug("CreateScan", zap.String("scan", scan.Name), zap.Uint("application", scan.ApplicationID))

	scanLog := &model.ScanLog{ScanName: scan.Name, Status: model.ScanStatusPending}
	err := manager.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app model.Application
		if err := tx.First(&app, scan.ApplicationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("application %d: %w", scan.ApplicationID, types.ErrPersistenceNotFound)
			}
			return fmt.Errorf("error finding application: %w", err)
		}
		if err := tx.Create(scan).Error; err != nil {
			return fmt.Errorf("error creating scan: %w", err)
		}
		scanLog.ScanID = scan.ID
		if err := tx.Create(scanLog).Error; err != nil {
			return fmt.Errorf("error creating scan log: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transaction failed: %w", err)
	}
	return scanLog, nil
}

// GetScanByName retrieves a scan by its unique name.
func (manager *GormScanManager) GetScanByName(ctx context.Context, name string) (*model.Scan, error) {
	var scan model.Scan
	if err := manager.db.WithContext(ctx).Where("name = ?", name).First(&scan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("scan %s: %w", name, types.ErrPersistenceNotFound)
		}
		return nil, fmt.Errorf("error retrieving scan: %w", err)
	}
	return &scan, nil
}

// GetScanLog retrieves the log of the named scan.
func (manager *GormScanManager) GetScanLog(ctx context.Context, scanName string) (*model.ScanLog, error) {
	var scanLog model.ScanLog
	if err := manager.db.WithContext(ctx).Where("scan_name = ?", scanName).First(&scanLog).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("scan log %s: %w", scanName, types.ErrPersistenceNotFound)
		}
		return nil, fmt.Errorf("error retrieving scan log: %w", err)
	}
	return &scanLog, nil
}

// SetScanLogStatus moves the named scan's log to status.
// Completed and Killed are terminal.
func (manager *GormScanManager) SetScanLogStatus(ctx context.Context, scanName string, status model.ScanStatus, message string) error {
	logger := log.NewLogger(ctx)
	logger.Debug("SetScanLogStatus", zap.String("scan", scanName), zap.String("status", string(status)))

	return manager.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var scanLog model.ScanLog
		if err := tx.Where("scan_name = ?", scanName).First(&scanLog).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("scan log %s: %w", scanName, types.ErrPersistenceNotFound)
			}
			return fmt.Errorf("error retrieving scan log: %w", err)
		}
		if !transitionAllowed(scanLog.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, scanLog.Status, status)
		}
		err := tx.Model(&scanLog).Updates(map[string]interface{}{"status": status, "message": message}).Error
		if err != nil {
			return fmt.Errorf("error updating scan log: %w", err)
		}
		return nil
	})
}

func transitionAllowed(from, to model.ScanStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DeleteScan removes a scan. Its log is kept.
func (manager *GormScanManager) DeleteScan(ctx context.Context, id uint) error {
	if err := manager.db.WithContext(ctx).Delete(&model.Scan{}, id).Error; err != nil {
		return fmt.Errorf("error deleting scan: %w", err)
	}
	return nil
}
