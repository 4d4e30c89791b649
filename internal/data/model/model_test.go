package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestOrganizationGraph(t *testing.T) {
	db := openTestDB(t)
	level := 2
	org := Organization{
		Name:          "acme",
		Configuration: OrganizationConfiguration{EnableTracker: true, AutoTicketSeverity: &level},
		TrackerConfig: &TrackerConfig{URL: "https://jira.example", Username: "bot", DefaultProjectKey: "SEC"},
		KnowledgeBase: &KnowledgeBaseConfig{Host: "kb.example"},
		Applications:  []Application{{Name: "shop", URL: "https://shop.example"}},
	}
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("failed to create organization: %v", err)
	}

	var got Organization
	err := db.Preload("Configuration").Preload("TrackerConfig").Preload("KnowledgeBase").Preload("Applications").
		First(&got, org.ID).Error
	if err != nil {
		t.Fatalf("failed to load organization: %v", err)
	}
	if !got.Configuration.EnableTracker || got.Configuration.AutoTicketSeverity == nil || *got.Configuration.AutoTicketSeverity != 2 {
		t.Errorf("configuration not persisted: %+v", got.Configuration)
	}
	if got.TrackerConfig == nil || got.TrackerConfig.DefaultProjectKey != "SEC" {
		t.Errorf("tracker config not persisted: %+v", got.TrackerConfig)
	}
	if got.KnowledgeBase == nil || got.KnowledgeBase.Protocol != "https" || got.KnowledgeBase.Port != 443 {
		t.Errorf("knowledge base defaults not applied: %+v", got.KnowledgeBase)
	}
	if len(got.Applications) != 1 || got.Applications[0].OrganizationID != org.ID {
		t.Errorf("application not linked: %+v", got.Applications)
	}
}

func TestTrackerUserUnique(t *testing.T) {
	db := openTestDB(t)
	u := TrackerUser{TrackerConfigID: 1, Group: "devs", Name: "alice"}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("failed to create tracker user: %v", err)
	}
	dup := TrackerUser{TrackerConfigID: 1, Group: "devs", Name: "alice"}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatal("expected unique violation for duplicate tracker user")
	}
	other := TrackerUser{TrackerConfigID: 1, Group: "ops", Name: "alice"}
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("same user in another group should be allowed: %v", err)
	}
}

func TestVulnerabilityIdentityIndex(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	open := Vulnerability{ApplicationID: 1, CWE: 89, Name: "SQL Injection", OpenSince: now, LastSeen: now}
	if err := db.Create(&open).Error; err != nil {
		t.Fatalf("failed to create vulnerability: %v", err)
	}
	dup := Vulnerability{ApplicationID: 1, CWE: 89, Name: "SQL Injection", OpenSince: now, LastSeen: now}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatal("expected the identity index to reject a second open record")
	}

	if err := db.Model(&open).Update("is_remediated", true).Error; err != nil {
		t.Fatalf("failed to remediate: %v", err)
	}
	reopened := Vulnerability{ApplicationID: 1, CWE: 89, Name: "SQL Injection", OpenSince: now, LastSeen: now}
	if err := db.Create(&reopened).Error; err != nil {
		t.Fatalf("a remediated record must not block a new open one: %v", err)
	}
}

func TestVulnerabilityOpenFor(t *testing.T) {
	since := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	v := Vulnerability{OpenSince: since}
	if got := v.OpenFor(since.Add(49 * time.Hour)); got != 2 {
		t.Errorf("expected 2 days, got %d", got)
	}
	if got := v.OpenFor(since.Add(-time.Hour)); got != 0 {
		t.Errorf("expected 0 days before OpenSince, got %d", got)
	}
	if got := (&Vulnerability{}).OpenFor(since); got != 0 {
		t.Errorf("expected 0 days for an unset OpenSince, got %d", got)
	}
}

func TestScanStatusTerminal(t *testing.T) {
	for status, want := range map[ScanStatus]bool{
		ScanStatusPending:    false,
		ScanStatusInProgress: false,
		ScanStatusCompleted:  true,
		ScanStatusKilled:     true,
	} {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestWebhookLogException(t *testing.T) {
	db := openTestDB(t)
	base := errors.New("unexpected EOF")
	wrapped := fmt.Errorf("error decoding report: %w", base)

	log := WebhookLog{ApplicationID: 1, User: "ci", ScanProcessException: NewExceptionDetail(wrapped)}
	if err := db.Create(&log).Error; err != nil {
		t.Fatalf("failed to create webhook log: %v", err)
	}
	var got WebhookLog
	if err := db.First(&got, log.ID).Error; err != nil {
		t.Fatalf("failed to load webhook log: %v", err)
	}
	want := ExceptionDetail{Type: "*fmt.wrapError", Message: "error decoding report: unexpected EOF", Chain: []string{"unexpected EOF"}}
	if diff := cmp.Diff(want, got.ScanProcessException); diff != "" {
		t.Errorf("exception mismatch (-want +got):\n%s", diff)
	}
	if !got.VulProcessException.IsZero() {
		t.Errorf("expected empty vul exception, got %+v", got.VulProcessException)
	}
	if diff := cmp.Diff(ExceptionDetail{}, NewExceptionDetail(nil), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("nil error should give zero detail: %s", diff)
	}
}
