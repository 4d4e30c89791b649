package model

import (
	"fmt"

	"gorm.io/gorm"
)

// All lists every model in migration order.
func All() []interface{} {
	return []interface{}{
		&Organization{},
		&OrganizationConfiguration{},
		&TrackerConfig{},
		&TrackerUser{},
		&KnowledgeBaseConfig{},
		&Application{},
		&Scan{},
		&ScanLog{},
		&Vulnerability{},
		&VulnerabilityEvidence{},
		&VulnerabilityRemediation{},
		&WebhookLog{},
		&Report{},
	}
}

// Migrate creates or updates the schema for every model.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(All()...); err != nil {
		return fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	return nil
}
