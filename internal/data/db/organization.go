package db

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// OrganizationManager reads and writes organizations, their applications and integration settings.
type OrganizationManager interface {
	CreateOrganization(ctx context.Context, org *model.Organization) error
	GetOrganization(ctx context.Context, id uint) (*model.Organization, error)
	CreateApplication(ctx context.Context, app *model.Application) error
	GetApplication(ctx context.Context, id uint) (*model.Application, error)
	OrganizationForApplication(ctx context.Context, applicationID uint) (*model.Organization, error)
	TrackerEnabledOrganizations(ctx context.Context) ([]model.Organization, error)
	ReplaceTrackerGroup(ctx context.Context, trackerConfigID uint, group string, users []model.TrackerUser) error
	TrackerUserExists(ctx context.Context, trackerConfigID uint, name string) (bool, error)
}

// GormOrganizationManager implements OrganizationManager using a GORM DB connection.
type GormOrganizationManager struct {
	db *gorm.DB
}

// NewGormOrganizationManager creates a new GormOrganizationManager.
func NewGormOrganizationManager(db *gorm.DB) (*GormOrganizationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	return &GormOrganizationManager{db: db}, nil
}

// CreateOrganization stores an organization with its nested configuration and applications.
func (m *GormOrganizationManager) CreateOrganization(ctx context.Context, org *model.Organization) error {
	if err := m.db.WithContext(ctx).Create(org).Error; err != nil {
		return fmt.Errorf("error creating organization: %w", err)
	}
	return nil
}

// GetOrganization loads an organization with its configuration, tracker and knowledge base.
func (m *GormOrganizationManager) GetOrganization(ctx context.Context, id uint) (*model.Organization, error) {
	var org model.Organization
	err := m.db.WithContext(ctx).
		Preload("Configuration").Preload("TrackerConfig").Preload("KnowledgeBase").
		First(&org, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("organization %d: %w", id, types.ErrPersistenceNotFound)
		}
		return nil, fmt.Errorf("error retrieving organization: %w", err)
	}
	return &org, nil
}

// CreateApplication stores an application.
func (m *GormOrganizationManager) CreateApplication(ctx context.Context, app *model.Application) error {
	if err := m.db.WithContext(ctx).Create(app).Error; err != nil {
		return fmt.Errorf("error creating application: %w", err)
	}
	return nil
}

// GetApplication retrieves an application.
func (m *GormOrganizationManager) GetApplication(ctx context.Context, id uint) (*model.Application, error) {
	var app model.Application
	if err := m.db.WithContext(ctx).First(&app, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("application %d: %w", id, types.ErrPersistenceNotFound)
		}
		return nil, fmt.Errorf("error retrieving application: %w", err)
	}
	return &app, nil
}

// OrganizationForApplication loads the organization owning an application.
func (m *GormOrganizationManager) OrganizationForApplication(ctx context.Context, applicationID uint) (*model.Organization, error) {
	app, err := m.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	return m.GetOrganization(ctx, app.OrganizationID)
}

// TrackerEnabledOrganizations lists organizations with tracker integration switched on and configured.
func (m *GormOrganizationManager) TrackerEnabledOrganizations(ctx context.Context) ([]model.Organization, error) {
	var orgs []model.Organization
	err := m.db.WithContext(ctx).
		Joins("JOIN organization_configurations ON organization_configurations.organization_id = organizations.id").
		Joins("JOIN tracker_configs ON tracker_configs.organization_id = organizations.id").
		Where("organization_configurations.enable_tracker = ?", true).
		Preload("Configuration").Preload("TrackerConfig").
		Order("organizations.id").
		Find(&orgs).Error
	if err != nil {
		return nil, fmt.Errorf("error listing tracker organizations: %w", err)
	}
	return orgs, nil
}

// ReplaceTrackerGroup makes users the exact membership of group: new users are inserted,
// known users are refreshed and users no longer in the group are removed.
func (m *GormOrganizationManager) ReplaceTrackerGroup(ctx context.Context, trackerConfigID uint, group string, users []model.TrackerUser) error {
	logger := log.NewLogger(ctx)
	logger.Debug("ReplaceTrackerGroup", zap.Uint("tracker", trackerConfigID), zap.String("group", group), zap.Int("users", len(users)))

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		names := make([]string, 0, len(users))
		for i := range users {
			users[i].TrackerConfigID = trackerConfigID
			users[i].Group = group
			names = append(names, users[i].Name)
		}
		stale := tx.Where("tracker_config_id = ? AND group_name = ?", trackerConfigID, group)
		if len(names) > 0 {
			stale = stale.Where("name NOT IN ?", names)
		}
		if err := stale.Delete(&model.TrackerUser{}).Error; err != nil {
			return fmt.Errorf("error removing stale tracker users: %w", err)
		}
		if len(users) == 0 {
			return nil
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tracker_config_id"}, {Name: "group_name"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "email", "updated_at"}),
		}).Create(&users).Error
		if err != nil {
			return fmt.Errorf("error upserting tracker users: %w", err)
		}
		return nil
	})
}

// TrackerUserExists reports whether name was found in any group during the last sync.
func (m *GormOrganizationManager) TrackerUserExists(ctx context.Context, trackerConfigID uint, name string) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&model.TrackerUser{}).
		Where("tracker_config_id = ? AND name = ?", trackerConfigID, name).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("error looking up tracker user: %w", err)
	}
	return count > 0, nil
}
