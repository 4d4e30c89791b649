package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// WebhookLogManager records the progress of webhook-submitted reports.
type WebhookLogManager interface {
	RecordUpload(ctx context.Context, applicationID uint, user string, at time.Time) (*model.WebhookLog, error)
	RecordSuccess(ctx context.Context, id uint, scanName string, at time.Time) error
	RecordFailure(ctx context.Context, id uint, cause error, at time.Time) error
	Get(ctx context.Context, id uint) (*model.WebhookLog, error)
}

// GormWebhookLogManager implements WebhookLogManager using a GORM DB connection.
type GormWebhookLogManager struct {
	db *gorm.DB
}

// NewGormWebhookLogManager creates a new GormWebhookLogManager.
func NewGormWebhookLogManager(db *gorm.DB) (*GormWebhookLogManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	return &GormWebhookLogManager{db: db}, nil
}

// RecordUpload creates the log entry acknowledging that a file was received.
func (m *GormWebhookLogManager) RecordUpload(ctx context.Context, applicationID uint, user string, at time.Time) (*model.WebhookLog, error) {
	hook := &model.WebhookLog{ApplicationID: applicationID, User: user, FileUploadEvent: true, FileUploadDatetime: &at}
	if err := m.db.WithContext(ctx).Create(hook).Error; err != nil {
		return nil, fmt.Errorf("error creating webhook log: %w", err)
	}
	return hook, nil
}

// RecordSuccess marks scan and vulnerability processing as done for scanName.
func (m *GormWebhookLogManager) RecordSuccess(ctx context.Context, id uint, scanName string, at time.Time) error {
	return m.update(ctx, id, func(h *model.WebhookLog) {
		h.ScanProcessEvent = true
		h.ScanProcessException = model.ExceptionDetail{}
		h.ScanProcessDatetime = &at
		h.ScanID = scanName
		h.VulProcessEvent = true
		h.VulProcessException = model.ExceptionDetail{}
		h.VulProcessDatetime = &at
	})
}

// RecordFailure clears the success flags, stores cause on both stages and blanks the scan id.
func (m *GormWebhookLogManager) RecordFailure(ctx context.Context, id uint, cause error, at time.Time) error {
	detail := model.NewExceptionDetail(cause)
	return m.update(ctx, id, func(h *model.WebhookLog) {
		h.ScanProcessEvent = false
		h.ScanProcessException = detail
		h.ScanProcessDatetime = &at
		h.ScanID = ""
		h.VulProcessEvent = false
		h.VulProcessException = detail
		h.VulProcessDatetime = &at
	})
}

func (m *GormWebhookLogManager) update(ctx context.Context, id uint, mutate func(*model.WebhookLog)) error {
	hook, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	mutate(hook)
	if err := m.db.WithContext(ctx).Save(hook).Error; err != nil {
		return fmt.Errorf("error saving webhook log: %w", err)
	}
	return nil
}

// Get retrieves a webhook log.
func (m *GormWebhookLogManager) Get(ctx context.Context, id uint) (*model.WebhookLog, error) {
	var hook model.WebhookLog
	if err := m.db.WithContext(ctx).First(&hook, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("webhook log %d: %w", id, types.ErrPersistenceNotFound)
		}
		return nil, fmt.Errorf("error retrieving webhook log: %w", err)
	}
	return &hook, nil
}
