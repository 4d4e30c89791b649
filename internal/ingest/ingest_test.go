package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/db"
	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/internal/lock"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/internal/metrics"
	"github.com/defenseunicorns/uds-vuln-hub/internal/tracker"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/parsers"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

var fixtures = filepath.Join("..", "..", "pkg", "parsers", "testdata")

type recordingDispatcher struct {
	err  error
	reqs []tracker.TicketRequest
}

func (d *recordingDispatcher) EnqueueTicket(_ context.Context, req tracker.TicketRequest) error {
	if d.err != nil {
		return d.err
	}
	d.reqs = append(d.reqs, req)
	return nil
}

type harness struct {
	db      *gorm.DB
	orch    *Orchestrator
	deps    Dependencies
	scans   *db.GormScanManager
	vulns   *db.GormVulnerabilityManager
	hooks   *db.GormWebhookLogManager
	locker  *lock.MemoryLocker
	metrics *metrics.Collector
	tickets *recordingDispatcher
	logger  *types.MockLogger
	app     *model.Application
	ctx     context.Context
	dir     string
}

func newHarness(t *testing.T, autoTicket *int) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, model.Migrate(database))

	h := &harness{db: database, logger: &types.MockLogger{}, locker: lock.NewMemoryLocker(), tickets: &recordingDispatcher{}, dir: t.TempDir()}
	h.ctx = log.WithLogger(context.Background(), h.logger)
	h.metrics = metrics.NewCollector("vulnhub_test")

	h.scans, err = db.NewGormScanManager(database)
	require.NoError(t, err)
	h.vulns, err = db.NewGormVulnerabilityManager(database)
	require.NoError(t, err)
	h.hooks, err = db.NewGormWebhookLogManager(database)
	require.NoError(t, err)
	orgs, err := db.NewGormOrganizationManager(database)
	require.NoError(t, err)

	org := &model.Organization{
		Name:          "acme",
		Configuration: model.OrganizationConfiguration{EnableTracker: true, AutoTicketSeverity: autoTicket},
		TrackerConfig: &model.TrackerConfig{URL: "https://jira.example", Token: "t", DefaultProjectKey: "SEC"},
		Applications:  []model.Application{{Name: "shop", URL: "https://shop.example"}},
	}
	require.NoError(t, orgs.CreateOrganization(h.ctx, org))
	h.app = &org.Applications[0]

	h.deps = Dependencies{
		Scans:    h.scans,
		Vulns:    h.vulns,
		Webhooks: h.hooks,
		Orgs:     orgs,
		Detector: detect.New(detect.DefaultConfig(), h.logger),
		Parsers:  parsers.DefaultRegistry(),
		Locker:   h.locker,
		Metrics:  h.metrics,
		Tickets:  h.tickets,
	}
	h.orch, err = New(h.ctx, h.deps)
	require.NoError(t, err)
	return h
}

// completionFailingScans fails the first attempts to mark a scan Completed.
type completionFailingScans struct {
	*db.GormScanManager
	failures int
}

func (s *completionFailingScans) SetScanLogStatus(ctx context.Context, scanName string, status model.ScanStatus, message string) error {
	if status == model.ScanStatusCompleted && s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	return s.GormScanManager.SetScanLogStatus(ctx, scanName, status, message)
}

// withScans builds an orchestrator sharing the harness database but using scans.
func (h *harness) withScans(t *testing.T, scans db.ScanManager) *Orchestrator {
	t.Helper()
	deps := h.deps
	deps.Scans = scans
	deps.Metrics = nil
	o, err := New(h.ctx, deps)
	require.NoError(t, err)
	return o
}

// stage copies a parser fixture into the upload dir.
func (h *harness) stage(t *testing.T, fixture string) string {
	t.Helper()
	path, err := Stage(h.dir, filepath.Join(fixtures, fixture))
	require.NoError(t, err)
	return path
}

func (h *harness) write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func (h *harness) accept(t *testing.T, scanType model.ScanType) *Receipt {
	t.Helper()
	r, err := h.orch.Accept(h.ctx, Submission{ApplicationID: h.app.ID, User: "alice", ScanType: scanType})
	require.NoError(t, err)
	return r
}

func (h *harness) status(t *testing.T, scanName string) model.ScanStatus {
	t.Helper()
	l, err := h.scans.GetScanLog(h.ctx, scanName)
	require.NoError(t, err)
	return l.Status
}

func (h *harness) metricsText(t *testing.T) string {
	t.Helper()
	rr := httptest.NewRecorder()
	h.metrics.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func request(r *Receipt) Request {
	return Request{ScanName: r.ScanName, User: "alice", UserHost: "10.0.0.7", WebhookLogID: r.WebhookLogID}
}

func TestProcessFileCompletes(t *testing.T) {
	h := newHarness(t, nil)
	r := h.accept(t, model.ScanTypeWebhook)
	require.NotZero(t, r.WebhookLogID)
	assert.Equal(t, model.ScanStatusPending, h.status(t, r.ScanName))

	path := h.stage(t, "zap.xml")
	out := h.orch.ProcessFile(h.ctx, FileRequest{Request: request(r), Path: path})

	require.NoError(t, out.Err)
	assert.Equal(t, model.ScanStatusCompleted, out.Status)
	assert.Equal(t, detect.ToolZAP, out.Tool)
	assert.Equal(t, 2, out.Findings)
	assert.Len(t, out.Created, 2)
	assert.Equal(t, model.ScanStatusCompleted, h.status(t, r.ScanName))
	assert.NoFileExists(t, path)

	scan, err := h.scans.GetScanByName(h.ctx, r.ScanName)
	require.NoError(t, err)
	assert.Equal(t, "ZAP", scan.Tool)
	assert.Equal(t, "2.9.0", scan.ToolVersion)

	sqli, err := h.vulns.Get(h.ctx, out.Created[0])
	require.NoError(t, err)
	assert.Equal(t, "SQL Injection", sqli.Name)
	assert.Equal(t, 89, sqli.CWE)
	assert.Equal(t, 3, sqli.Severity)

	hook, err := h.hooks.Get(h.ctx, r.WebhookLogID)
	require.NoError(t, err)
	assert.True(t, hook.FileUploadEvent)
	assert.True(t, hook.ScanProcessEvent)
	assert.True(t, hook.VulProcessEvent)
	assert.Equal(t, r.ScanName, hook.ScanID)

	assert.Contains(t, h.metricsText(t), `vulnhub_test_scans_total{status="Completed",tool="ZAP"} 1`)
	assert.Contains(t, h.metricsText(t), `vulnhub_test_findings_total{tool="ZAP"} 2`)

	_, err = h.locker.Acquire(h.ctx, "scan:"+r.ScanName, time.Minute)
	assert.NoError(t, err, "the scan lock is released")
}

func TestProcessFileReingestUpdates(t *testing.T) {
	h := newHarness(t, nil)
	first := h.accept(t, model.ScanTypeManual)
	out := h.orch.ProcessFile(h.ctx, FileRequest{Request: request(first), Path: h.stage(t, "zap.xml")})
	require.NoError(t, out.Err)

	second := h.accept(t, model.ScanTypeManual)
	out = h.orch.ProcessFile(h.ctx, FileRequest{Request: request(second), Path: h.stage(t, "zap.xml")})
	require.NoError(t, out.Err)
	assert.Empty(t, out.Created)
	assert.Len(t, out.Updated, 2)

	var count int64
	require.NoError(t, h.db.Model(&model.Vulnerability{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestProcessFileRetryOfCompletedScanIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	r := h.accept(t, model.ScanTypeManual)
	out := h.orch.ProcessFile(h.ctx, FileRequest{Request: request(r), Path: h.stage(t, "bandit.json")})
	require.NoError(t, out.Err)

	path := h.stage(t, "bandit.json")
	again := h.orch.ProcessFile(h.ctx, FileRequest{Request: request(r), Path: path})
	assert.NoError(t, again.Err)
	assert.True(t, again.Skipped)
	assert.Equal(t, model.ScanStatusCompleted, again.Status)
	assert.NoFileExists(t, path, "the file is removed on the no-op path too")
}

func TestProcessFileFailuresKillTheScan(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		fixture string
		wantErr error
	}{
		{name: "unrecognized xml", file: "report.xml", body: `<nessus><host/></nessus>`, wantErr: types.ErrUnrecognizedFormat},
		{name: "unrecognized json", file: "report.json", body: `{"hello": "world"}`, wantErr: types.ErrUnrecognizedFormat},
		{name: "unsupported extension", file: "report.csv", body: "a,b", wantErr: types.ErrUnrecognizedFormat},
		{name: "malformed xml", file: "report.xml", body: `<issues><issue>`, wantErr: types.ErrMalformedReport},
		{name: "parser failure", file: "report.json", body: `{"results": "not a list"}`, wantErr: types.ErrParseFailure},
		{name: "missing file", file: "", wantErr: types.ErrMalformedReport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			r := h.accept(t, model.ScanTypeWebhook)
			path := filepath.Join(h.dir, "absent.xml")
			if tt.file != "" {
				path = h.write(t, tt.file, tt.body)
			}

			out := h.orch.ProcessFile(h.ctx, FileRequest{Request: request(r), Path: path})

			require.ErrorIs(t, out.Err, tt.wantErr)
			assert.Equal(t, model.ScanStatusKilled, out.Status)
			assert.Equal(t, model.ScanStatusKilled, h.status(t, r.ScanName))
			_, err := h.scans.GetScanByName(h.ctx, r.ScanName)
			assert.ErrorIs(t, err, types.ErrPersistenceNotFound, "the scan is rolled back")
			assert.NoFileExists(t, path)

			hook, err := h.hooks.Get(h.ctx, r.WebhookLogID)
			require.NoError(t, err)
			assert.True(t, hook.FileUploadEvent)
			assert.False(t, hook.ScanProcessEvent)
			assert.False(t, hook.VulProcessEvent)
			assert.Empty(t, hook.ScanID)
			assert.Equal(t, out.Err.Error(), hook.ScanProcessException.Message)

			var count int64
			require.NoError(t, h.db.Model(&model.Vulnerability{}).Count(&count).Error)
			assert.Zero(t, count)
			assert.Contains(t, h.logger.Messages("error"), "scan killed")
		})
	}
}

func TestProcessFileUnknownScan(t *testing.T) {
	h := newHarness(t, nil)
	path := h.stage(t, "zap.xml")
	out := h.orch.ProcessFile(h.ctx, FileRequest{Request: Request{ScanName: "no-such-scan", User: "alice"}, Path: path})

	require.ErrorIs(t, out.Err, types.ErrPersistenceNotFound)
	assert.Empty(t, out.Status)
	assert.NoFileExists(t, path)
	_, err := h.scans.GetScanLog(h.ctx, "no-such-scan")
	assert.ErrorIs(t, err, types.ErrPersistenceNotFound, "no scan log is invented")
	assert.Contains(t, h.logger.Messages("error"), "scan killed")
}

func TestProcessFileLocked(t *testing.T) {
	h := newHarness(t, nil)
	r := h.accept(t, model.ScanTypeManual)
	_, err := h.locker.Acquire(h.ctx, "scan:"+r.ScanName, time.Minute)
	require.NoError(t, err)

	path := h.stage(t, "zap.xml")
	out := h.orch.ProcessFile(h.ctx, FileRequest{Request: request(r), Path: path})
	assert.ErrorIs(t, out.Err, lock.ErrLocked)
	assert.Equal(t, model.ScanStatusPending, h.status(t, r.ScanName))
	assert.FileExists(t, path)
}

func TestProcessFileApplicationDeleted(t *testing.T) {
	h := newHarness(t, nil)
	r := h.accept(t, model.ScanTypeWebhook)
	require.NoError(t, h.db.Delete(&model.Application{}, h.app.ID).Error)

	path := h.stage(t, "zap.xml")
	out := h.orch.ProcessFile(h.ctx, FileRequest{Request: request(r), Path: path})

	require.ErrorIs(t, out.Err, types.ErrPersistenceNotFound)
	assert.Equal(t, model.ScanStatusKilled, out.Status)
	assert.Equal(t, model.ScanStatusKilled, h.status(t, r.ScanName))
	_, err := h.scans.GetScanByName(h.ctx, r.ScanName)
	assert.ErrorIs(t, err, types.ErrPersistenceNotFound, "the scan is rolled back")
	assert.NoFileExists(t, path)

	var count int64
	require.NoError(t, h.db.Model(&model.Vulnerability{}).Count(&count).Error)
	assert.Zero(t, count)

	hook, err := h.hooks.Get(h.ctx, r.WebhookLogID)
	require.NoError(t, err)
	assert.False(t, hook.ScanProcessEvent)
	assert.Equal(t, out.Err.Error(), hook.ScanProcessException.Message)
}

func TestProcessFileCompletionFailureResumes(t *testing.T) {
	h := newHarness(t, nil)
	r := h.accept(t, model.ScanTypeWebhook)
	orch := h.withScans(t, &completionFailingScans{GormScanManager: h.scans, failures: 1})

	path := h.stage(t, "zap.xml")
	out := orch.ProcessFile(h.ctx, FileRequest{Request: request(r), Path: path})
	require.Error(t, out.Err)
	assert.True(t, out.Retryable())
	assert.Equal(t, model.ScanStatusInProgress, h.status(t, r.ScanName))
	assert.NoFileExists(t, path, "the retry does not need the report")

	again := orch.ProcessFile(h.ctx, FileRequest{Request: request(r), Path: path})
	require.NoError(t, again.Err)
	assert.Equal(t, model.ScanStatusCompleted, again.Status)
	assert.Equal(t, "ZAP", again.Tool)
	assert.Equal(t, model.ScanStatusCompleted, h.status(t, r.ScanName))

	var count int64
	require.NoError(t, h.db.Model(&model.Vulnerability{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	hook, err := h.hooks.Get(h.ctx, r.WebhookLogID)
	require.NoError(t, err)
	assert.True(t, hook.ScanProcessEvent)
	assert.Equal(t, r.ScanName, hook.ScanID)
	assert.Contains(t, h.logger.Messages("info"), "scan completed on retry")
}

func TestAbandon(t *testing.T) {
	h := newHarness(t, nil)
	r := h.accept(t, model.ScanTypeWebhook)
	orch := h.withScans(t, &completionFailingScans{GormScanManager: h.scans, failures: 1})
	out := orch.ProcessFile(h.ctx, FileRequest{Request: request(r), Path: h.stage(t, "zap.xml")})
	require.True(t, out.Retryable())

	gaveUp := h.orch.Abandon(h.ctx, request(r), out.Err)
	require.Error(t, gaveUp.Err)
	assert.Contains(t, gaveUp.Err.Error(), "database is locked")
	assert.Equal(t, model.ScanStatusKilled, gaveUp.Status)
	assert.Equal(t, model.ScanStatusKilled, h.status(t, r.ScanName))
	_, err := h.scans.GetScanByName(h.ctx, r.ScanName)
	assert.ErrorIs(t, err, types.ErrPersistenceNotFound)

	hook, err := h.hooks.Get(h.ctx, r.WebhookLogID)
	require.NoError(t, err)
	assert.False(t, hook.ScanProcessEvent)

	again := h.orch.Abandon(h.ctx, request(r), nil)
	assert.NoError(t, again.Err)
	assert.True(t, again.Skipped, "a finished scan is left alone")
}

func TestAbandonPendingAndLocked(t *testing.T) {
	h := newHarness(t, nil)
	r := h.accept(t, model.ScanTypeManual)
	token, err := h.locker.Acquire(h.ctx, "scan:"+r.ScanName, time.Minute)
	require.NoError(t, err)

	out := h.orch.Abandon(h.ctx, request(r), nil)
	assert.ErrorIs(t, out.Err, lock.ErrLocked)
	assert.Equal(t, model.ScanStatusPending, h.status(t, r.ScanName))

	require.NoError(t, h.locker.Release(h.ctx, "scan:"+r.ScanName, token))
	out = h.orch.Abandon(h.ctx, request(r), nil)
	assert.EqualError(t, out.Err, "giving up on scan: scan abandoned")
	assert.Equal(t, model.ScanStatusKilled, h.status(t, r.ScanName))
}

func TestProcessJSON(t *testing.T) {
	h := newHarness(t, nil)
	r := h.accept(t, model.ScanTypeManual)
	payload, err := os.ReadFile(filepath.Join(fixtures, "generic.json"))
	require.NoError(t, err)

	out := h.orch.ProcessJSON(h.ctx, JSONRequest{Request: request(r), Payload: payload})
	require.NoError(t, out.Err)
	assert.Equal(t, "CustomScanner", out.Tool)
	require.Len(t, out.Created, 1)

	v, err := h.vulns.Get(h.ctx, out.Created[0])
	require.NoError(t, err)
	assert.Equal(t, "SQL Injection", v.Name)
	assert.Equal(t, 89, v.CWE)
	assert.Equal(t, 3, v.Severity)
	assert.Equal(t, "CustomScanner", v.Tool)
	require.Len(t, v.Evidences, 1)
	assert.Equal(t, "https://shop.example/search", v.Evidences[0].URL)
}

func TestProcessJSONBadPayload(t *testing.T) {
	h := newHarness(t, nil)
	r := h.accept(t, model.ScanTypeManual)
	out := h.orch.ProcessJSON(h.ctx, JSONRequest{Request: request(r), Payload: []byte(`{"vulnerabilities": 7}`)})
	require.ErrorIs(t, out.Err, types.ErrParseFailure)
	assert.Equal(t, model.ScanStatusKilled, h.status(t, r.ScanName))
}

func TestAutoTicket(t *testing.T) {
	threshold := 2
	h := newHarness(t, &threshold)
	r := h.accept(t, model.ScanTypeManual)
	out := h.orch.ProcessFile(h.ctx, FileRequest{Request: request(r), Path: h.stage(t, "zap.xml")})
	require.NoError(t, out.Err)

	assert.Equal(t, 1, out.Dispatched)
	require.Len(t, h.tickets.reqs, 1)
	assert.Equal(t, tracker.TicketRequest{ApplicationID: h.app.ID, Name: "SQL Injection", CWE: 89}, h.tickets.reqs[0])

	second := h.accept(t, model.ScanTypeManual)
	out = h.orch.ProcessFile(h.ctx, FileRequest{Request: request(second), Path: h.stage(t, "zap.xml")})
	require.NoError(t, out.Err)
	assert.Zero(t, out.Dispatched, "only new vulnerabilities are ticketed")
}

func TestAutoTicketDispatchFailureIsLogged(t *testing.T) {
	threshold := 0
	h := newHarness(t, &threshold)
	h.tickets.err = errors.New("redis down")
	r := h.accept(t, model.ScanTypeManual)
	out := h.orch.ProcessFile(h.ctx, FileRequest{Request: request(r), Path: h.stage(t, "zap.xml")})
	require.NoError(t, out.Err)
	assert.Equal(t, model.ScanStatusCompleted, out.Status)
	assert.Zero(t, out.Dispatched)
	assert.Contains(t, h.logger.Messages("error"), "error dispatching ticket")
}

func TestAcceptUnknownApplication(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Accept(h.ctx, Submission{ApplicationID: 999, User: "alice"})
	assert.ErrorIs(t, err, types.ErrPersistenceNotFound)
}

func TestNewValidates(t *testing.T) {
	_, err := New(context.Background(), Dependencies{})
	assert.Error(t, err)
}

func TestStage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	src := filepath.Join(fixtures, "zap.xml")
	dst, err := Stage(dir, src)
	require.NoError(t, err)
	assert.FileExists(t, src)
	assert.Equal(t, ".xml", filepath.Ext(dst))
	want, err := os.ReadFile(src)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = Stage(dir, filepath.Join(fixtures, "absent.xml"))
	assert.Error(t, err)
}
