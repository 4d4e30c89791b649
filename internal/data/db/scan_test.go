package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

func TestNewGormScanManagerNilDB(t *testing.T) {
	_, err := NewGormScanManager(nil)
	require.Error(t, err)
}

func TestCreateScan(t *testing.T) {
	db := setupSQLiteDB(t)
	app := seedApplication(t, db, "shop")
	manager, err := NewGormScanManager(db)
	require.NoError(t, err)
	ctx := testContext()

	scan := &model.Scan{ApplicationID: app.ID, CreatedBy: "alice"}
	scanLog, err := manager.CreateScan(ctx, scan)
	require.NoError(t, err)
	assert.NotEmpty(t, scan.Name)
	assert.Equal(t, model.ScanTypeManual, scan.ScanType)
	assert.Equal(t, model.ScanStatusPending, scanLog.Status)
	assert.Equal(t, scan.ID, scanLog.ScanID)

	got, err := manager.GetScanByName(ctx, scan.Name)
	require.NoError(t, err)
	assert.Equal(t, scan.ID, got.ID)

	_, err = manager.CreateScan(ctx, &model.Scan{ApplicationID: 9999})
	assert.ErrorIs(t, err, types.ErrPersistenceNotFound)

	_, err = manager.GetScanByName(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrPersistenceNotFound)
}

func TestScanLogTransitions(t *testing.T) {
	db := setupSQLiteDB(t)
	app := seedApplication(t, db, "shop")
	manager, err := NewGormScanManager(db)
	require.NoError(t, err)
	ctx := testContext()

	tests := []struct {
		name  string
		steps []model.ScanStatus
		// wantErrAt is the index of the first step expected to fail, or -1.
		wantErrAt int
	}{
		{"happy path", []model.ScanStatus{model.ScanStatusInProgress, model.ScanStatusCompleted}, -1},
		{"killed while running", []model.ScanStatus{model.ScanStatusInProgress, model.ScanStatusKilled}, -1},
		{"retry while running", []model.ScanStatus{model.ScanStatusInProgress, model.ScanStatusInProgress, model.ScanStatusCompleted}, -1},
		{"skip in progress", []model.ScanStatus{model.ScanStatusCompleted}, 0},
		{"completed is terminal", []model.ScanStatus{model.ScanStatusInProgress, model.ScanStatusCompleted, model.ScanStatusKilled}, 2},
		{"killed is terminal", []model.ScanStatus{model.ScanStatusKilled, model.ScanStatusInProgress}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scan := seedScan(t, db, app)
			for i, status := range tt.steps {
				err := manager.SetScanLogStatus(ctx, scan.Name, status, "")
				if i == tt.wantErrAt {
					require.ErrorIs(t, err, ErrInvalidTransition)
					return
				}
				require.NoError(t, err, "step %d", i)
			}
			scanLog, err := manager.GetScanLog(ctx, scan.Name)
			require.NoError(t, err)
			assert.Equal(t, tt.steps[len(tt.steps)-1], scanLog.Status)
		})
	}
}

func TestDeleteScanKeepsLog(t *testing.T) {
	db := setupSQLiteDB(t)
	app := seedApplication(t, db, "shop")
	manager, err := NewGormScanManager(db)
	require.NoError(t, err)
	ctx := testContext()

	scan := seedScan(t, db, app)
	require.NoError(t, manager.SetScanLogStatus(ctx, scan.Name, model.ScanStatusInProgress, ""))
	require.NoError(t, manager.SetScanLogStatus(ctx, scan.Name, model.ScanStatusKilled, "boom"))
	require.NoError(t, manager.DeleteScan(ctx, scan.ID))

	_, err = manager.GetScanByName(ctx, scan.Name)
	assert.ErrorIs(t, err, types.ErrPersistenceNotFound)
	scanLog, err := manager.GetScanLog(ctx, scan.Name)
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusKilled, scanLog.Status)
	assert.Equal(t, "boom", scanLog.Message)
}
