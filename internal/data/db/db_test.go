package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

func setupSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper() // Mark this function as a test helper
	// Using a unique identifier for each database instance to ensure it's unique
	uniqueDBIdentifier := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(uniqueDBIdentifier), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := model.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}
	return db
}

func testContext() context.Context {
	return log.WithLogger(context.Background(), &types.MockLogger{})
}

// seedApplication creates an organization with one application and returns the application.
func seedApplication(t *testing.T, db *gorm.DB, name string) *model.Application {
	t.Helper()
	org := model.Organization{Name: name + "-org", Applications: []model.Application{{Name: name, URL: "https://" + name + ".example"}}}
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("failed to seed organization: %v", err)
	}
	return &org.Applications[0]
}

func seedScan(t *testing.T, db *gorm.DB, app *model.Application) *model.Scan {
	t.Helper()
	manager, err := NewGormScanManager(db)
	if err != nil {
		t.Fatalf("failed to create scan manager: %v", err)
	}
	scan := &model.Scan{ApplicationID: app.ID, CreatedBy: "alice"}
	if _, err := manager.CreateScan(testContext(), scan); err != nil {
		t.Fatalf("failed to seed scan: %v", err)
	}
	return scan
}
