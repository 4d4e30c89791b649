package model

import "time"

// Organization is a tenant. Applications, tracker settings and knowledge-base settings belong to it.
type Organization struct {
	CreatedAt     time.Time                 `json:"CreatedAt" gorm:"autoCreateTime"`
	Name          string                    `json:"Name" gorm:"uniqueIndex;not null"`
	Configuration OrganizationConfiguration `json:"Configuration" gorm:"foreignKey:OrganizationID;constraint:OnDelete:CASCADE"`
	TrackerConfig *TrackerConfig            `json:"TrackerConfig,omitempty" gorm:"foreignKey:OrganizationID;constraint:OnDelete:CASCADE"`
	KnowledgeBase *KnowledgeBaseConfig      `json:"KnowledgeBase,omitempty" gorm:"foreignKey:OrganizationID;constraint:OnDelete:CASCADE"`
	Applications  []Application             `json:"Applications,omitempty" gorm:"foreignKey:OrganizationID;constraint:OnDelete:CASCADE"`
	ID            uint                      `json:"ID" gorm:"primaryKey;autoIncrement"`
}

// OrganizationConfiguration holds the per-organization integration switches.
type OrganizationConfiguration struct {
	// AutoTicketSeverity is the lowest severity that is ticketed automatically after ingestion.
	// Nil disables automatic ticketing.
	AutoTicketSeverity  *int `json:"AutoTicketSeverity"`
	ID                  uint `json:"ID" gorm:"primaryKey;autoIncrement"`
	OrganizationID      uint `json:"OrganizationID" gorm:"uniqueIndex;not null"`
	EnableTracker       bool `json:"EnableTracker"`
	EnableEmail         bool `json:"EnableEmail"`
	EnableKnowledgeBase bool `json:"EnableKnowledgeBase"`
}

// TrackerConfig is the connection to an organization's issue tracker.
type TrackerConfig struct {
	URL               string        `json:"URL" gorm:"not null"`
	Username          string        `json:"Username"`
	Password          string        `json:"-"`
	Token             string        `json:"-"`
	DefaultProjectKey string        `json:"DefaultProjectKey"`
	DefaultIssueType  string        `json:"DefaultIssueType"`
	Users             []TrackerUser `json:"Users,omitempty" gorm:"foreignKey:TrackerConfigID;constraint:OnDelete:CASCADE"`
	ID                uint          `json:"ID" gorm:"primaryKey;autoIncrement"`
	OrganizationID    uint          `json:"OrganizationID" gorm:"uniqueIndex;not null"`
}

// TrackerUser is an active tracker user found in a group during the last sync.
type TrackerUser struct {
	UpdatedAt       time.Time `json:"UpdatedAt" gorm:"autoUpdateTime"`
	Group           string    `json:"Group" gorm:"column:group_name;uniqueIndex:idx_tracker_user;not null"`
	Name            string    `json:"Name" gorm:"uniqueIndex:idx_tracker_user;not null"`
	DisplayName     string    `json:"DisplayName"`
	Email           string    `json:"Email"`
	ID              uint      `json:"ID" gorm:"primaryKey;autoIncrement"`
	TrackerConfigID uint      `json:"TrackerConfigID" gorm:"uniqueIndex:idx_tracker_user;not null"`
}

// KnowledgeBaseConfig locates the external CWE knowledge base.
type KnowledgeBaseConfig struct {
	Protocol       string `json:"Protocol" gorm:"default:https"`
	Host           string `json:"Host" gorm:"not null"`
	ID             uint   `json:"ID" gorm:"primaryKey;autoIncrement"`
	OrganizationID uint   `json:"OrganizationID" gorm:"uniqueIndex;not null"`
	Port           int    `json:"Port" gorm:"default:443"`
}

// Application is a scanned target owned by exactly one organization.
type Application struct {
	CreatedAt      time.Time `json:"CreatedAt" gorm:"autoCreateTime"`
	Name           string    `json:"Name" gorm:"not null"`
	URL            string    `json:"URL"`
	ID             uint      `json:"ID" gorm:"primaryKey;autoIncrement"`
	OrganizationID uint      `json:"OrganizationID" gorm:"index;not null"`
}
