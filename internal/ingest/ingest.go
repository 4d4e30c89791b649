// Package ingest drives a submitted report through detection, parsing and normalization,
// keeping the scan's lifecycle state and webhook log truthful on every path.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/db"
	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/internal/external"
	"github.com/defenseunicorns/uds-vuln-hub/internal/lock"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/internal/metrics"
	"github.com/defenseunicorns/uds-vuln-hub/internal/tracker"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/parsers"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/semver"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// DefaultLockTTL bounds how long one worker may hold a scan.
const DefaultLockTTL = 15 * time.Minute

// Metric names registered by the orchestrator.
const (
	MetricScans    = "scans_total"
	MetricFindings = "findings_total"
	MetricDuration = "ingest_duration_seconds"
)

// Detector identifies the tool behind a report file.
type Detector interface {
	Detect(path, user string) (detect.Detection, error)
}

// TicketDispatcher hands a ticket request to the background runner.
type TicketDispatcher interface {
	EnqueueTicket(ctx context.Context, req tracker.TicketRequest) error
}

// Request identifies the scan to process and who asked for it.
// UserHost is the requester's address, logged with failures.
type Request struct {
	ScanName     string `json:"scan_name" validate:"required"`
	User         string `json:"user"`
	UserHost     string `json:"user_host,omitempty"`
	WebhookLogID uint   `json:"webhook_log_id,omitempty"`
}

// FileRequest processes an uploaded report file. The file is removed afterwards unless another
// worker holds the scan, in which case that worker removes it.
type FileRequest struct {
	Request
	Path string `json:"path" validate:"required"`
}

// JSONRequest processes a generic JSON envelope submitted directly.
type JSONRequest struct {
	Request
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// Outcome is the end state of one processing attempt.
type Outcome struct {
	Err        error
	ScanName   string
	Tool       string
	Status     model.ScanStatus
	Created    []uint
	Updated    []uint
	Findings   int
	Dispatched int
	Duration   time.Duration
	// Skipped is set when the scan had already finished and nothing was done.
	Skipped bool
}

// Retryable reports whether running the same request again can succeed: the scan was locked
// by another worker, or its findings were committed but the scan could not be marked Completed.
// A retry of the latter only marks the scan Completed and does not need the report again.
func (o Outcome) Retryable() bool {
	if o.Err == nil {
		return false
	}
	return errors.Is(o.Err, lock.ErrLocked) || o.Status == model.ScanStatusInProgress
}

// Dependencies wires an Orchestrator.
type Dependencies struct {
	Scans    db.ScanManager
	Vulns    db.VulnerabilityManager
	Webhooks db.WebhookLogManager
	Orgs     db.OrganizationManager
	Detector Detector
	Parsers  *parsers.Registry
	Locker   lock.Locker
	// Metrics is optional.
	Metrics  *metrics.Collector
	// Tickets is optional. Without it automatic ticketing is off.
	Tickets  TicketDispatcher
	LockTTL  time.Duration
	Now      func() time.Time
}

// Orchestrator runs ingestion units.
type Orchestrator struct {
	deps Dependencies
}

// New validates deps and registers the ingestion metrics.
func New(ctx context.Context, deps Dependencies) (*Orchestrator, error) {
	if deps.Scans == nil || deps.Vulns == nil || deps.Webhooks == nil || deps.Orgs == nil {
		return nil, fmt.Errorf("managers cannot be nil")
	}
	if deps.Detector == nil || deps.Parsers == nil {
		return nil, fmt.Errorf("detector and parsers cannot be nil")
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = DefaultLockTTL
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics != nil {
		if err := registerMetrics(ctx, deps.Metrics); err != nil {
			return nil, err
		}
	}
	return &Orchestrator{deps: deps}, nil
}

func registerMetrics(ctx context.Context, c *metrics.Collector) error {
	var errs []error
	_, err := c.RegisterCounter(ctx, MetricScans, "Ingestion attempts by tool and final status.", "tool", "status")
	errs = append(errs, err)
	_, err = c.RegisterCounter(ctx, MetricFindings, "Findings parsed by tool.", "tool")
	errs = append(errs, err)
	_, err = c.RegisterHistogram(ctx, MetricDuration, "Ingestion time in seconds by tool.", nil, "tool")
	errs = append(errs, err)
	for _, err := range errs {
		if err != nil && !errors.Is(err, metrics.ErrAlreadyRegistered) {
			return fmt.Errorf("error registering ingestion metrics: %w", err)
		}
	}
	return nil
}

// Submission describes a report being accepted.
type Submission struct {
	User          string
	ScanName      string
	ScanType      model.ScanType
	ApplicationID uint
}

// Receipt acknowledges an accepted report.
type Receipt struct {
	ScanName     string `json:"scan_name"`
	WebhookLogID uint   `json:"webhook_log_id,omitempty"`
}

// Accept creates the Pending scan for sub. Webhook submissions also get a WebhookLog
// recording the upload.
func (o *Orchestrator) Accept(ctx context.Context, sub Submission) (*Receipt, error) {
	scan := &model.Scan{Name: sub.ScanName, ApplicationID: sub.ApplicationID, CreatedBy: sub.User, ScanType: sub.ScanType}
	if _, err := o.deps.Scans.CreateScan(ctx, scan); err != nil {
		return nil, fmt.Errorf("error accepting report: %w", err)
	}
	receipt := &Receipt{ScanName: scan.Name}
	if sub.ScanType == model.ScanTypeWebhook {
		hook, err := o.deps.Webhooks.RecordUpload(ctx, sub.ApplicationID, sub.User, o.deps.Now())
		if err != nil {
			return nil, fmt.Errorf("error recording webhook upload: %w", err)
		}
		receipt.WebhookLogID = hook.ID
	}
	return receipt, nil
}

// ProcessFile detects, parses and normalizes the report at req.Path. The file is always
// removed, except when another worker holds the scan lock and is processing the same file.
func (o *Orchestrator) ProcessFile(ctx context.Context, req FileRequest) (out Outcome) {
	defer func() {
		if !errors.Is(out.Err, lock.ErrLocked) {
			removeFile(ctx, req.Path)
		}
	}()
	return o.run(ctx, req.Request, "process_file", func(scan *model.Scan) (*types.ParsedReport, error) {
		det, err := o.deps.Detector.Detect(req.Path, req.User)
		if err != nil {
			return nil, err
		}
		if !det.Matched() {
			return nil, fmt.Errorf("%w: %s", types.ErrUnrecognizedFormat, filepath.Base(req.Path))
		}
		return o.deps.Parsers.Parse(det, template(req.Request, scan, ""))
	})
}

// ProcessJSON normalizes a generic JSON envelope.
func (o *Orchestrator) ProcessJSON(ctx context.Context, req JSONRequest) Outcome {
	return o.run(ctx, req.Request, "process_json", func(scan *model.Scan) (*types.ParsedReport, error) {
		var env external.Envelope
		if err := json.Unmarshal(req.Payload, &env); err != nil {
			return nil, types.NewParseError(detect.ToolGenericJSON, fmt.Errorf("error decoding envelope: %w", err))
		}
		report := parsers.GenericJSONParser{}.ParseEnvelope(env)
		tmpl := template(req.Request, scan, report.Tool)
		for i := range report.Findings {
			tmpl.Apply(&report.Findings[i])
		}
		return report, nil
	})
}

func template(req Request, scan *model.Scan, tool string) types.Template {
	return types.Template{Tool: tool, User: req.User, ApplicationID: scan.ApplicationID, ScanName: scan.Name}
}

func removeFile(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.NewLogger(ctx).Error("error removing report file", zap.String("path", path), zap.Error(err))
	}
}

type parseFunc func(scan *model.Scan) (*types.ParsedReport, error)

func (o *Orchestrator) run(ctx context.Context, req Request, event string, parse parseFunc) (out Outcome) {
	start := o.deps.Now()
	out.ScanName = req.ScanName
	logger := log.NewLogger(ctx).With(
		zap.String("scan", req.ScanName),
		zap.String("user", req.User),
		zap.String("user_host", req.UserHost),
		zap.String("event", event),
	)
	ctx = log.WithLogger(ctx, logger)

	token, err := o.deps.Locker.Acquire(ctx, "scan:"+req.ScanName, o.deps.LockTTL)
	if err != nil {
		logger.Warn("scan is locked by another worker", zap.Error(err))
		out.Err = err
		return out
	}
	defer func() {
		if err := o.deps.Locker.Release(context.WithoutCancel(ctx), "scan:"+req.ScanName, token); err != nil {
			logger.Warn("error releasing scan lock", zap.Error(err))
		}
	}()

	scanLog, err := o.deps.Scans.GetScanLog(ctx, req.ScanName)
	if err != nil {
		return o.fail(ctx, req, nil, false, err, start)
	}
	if scanLog.Status.Terminal() {
		logger.Info("scan already finished, nothing to do", zap.String("status", string(scanLog.Status)))
		out.Status = scanLog.Status
		out.Skipped = true
		return out
	}
	scan, err := o.deps.Scans.GetScanByName(ctx, req.ScanName)
	if err != nil {
		return o.fail(ctx, req, nil, true, err, start)
	}
	if _, err := o.deps.Orgs.GetApplication(ctx, scan.ApplicationID); err != nil {
		return o.fail(ctx, req, scan, true, err, start)
	}
	// Normalize saves the tool on the scan in its transaction, so an In Progress scan with a
	// tool was committed by an earlier attempt that could not record Completed.
	if scanLog.Status == model.ScanStatusInProgress && scan.Tool != "" {
		return o.resume(ctx, req, scan, start)
	}
	if err := o.deps.Scans.SetScanLogStatus(ctx, req.ScanName, model.ScanStatusInProgress, ""); err != nil {
		return o.fail(ctx, req, scan, true, err, start)
	}

	report, err := parse(scan)
	if err != nil {
		return o.fail(ctx, req, scan, true, err, start)
	}
	scan.ToolVersion = semver.Normalize(report.ToolVersion)
	res, err := o.deps.Vulns.Normalize(ctx, scan, report.Tool, report.Findings, start)
	if err != nil {
		return o.fail(ctx, req, scan, true, err, start)
	}
	msg := fmt.Sprintf("%d findings: %d new, %d updated", len(report.Findings), len(res.Created), len(res.Updated))
	if err := o.deps.Scans.SetScanLogStatus(ctx, req.ScanName, model.ScanStatusCompleted, msg); err != nil {
		// The vulnerabilities are committed. A retry only marks the scan Completed.
		logger.Error("error completing scan", zap.Error(err))
		out.Err = err
		out.Status = model.ScanStatusInProgress
		return out
	}

	out = Outcome{
		ScanName: req.ScanName,
		Tool:     report.Tool,
		Status:   model.ScanStatusCompleted,
		Created:  res.Created,
		Updated:  res.Updated,
		Findings: len(report.Findings),
		Duration: o.deps.Now().Sub(start),
	}
	if req.WebhookLogID != 0 {
		if err := o.deps.Webhooks.RecordSuccess(ctx, req.WebhookLogID, req.ScanName, o.deps.Now()); err != nil {
			logger.Error("error recording webhook success", zap.Error(err))
		}
	}
	o.observe(ctx, out)
	out.Dispatched = o.autoTicket(ctx, scan.ApplicationID, res.Created)
	logger.Info("scan completed", zap.String("tool", out.Tool), zap.Int("findings", out.Findings),
		zap.Int("created", len(out.Created)), zap.Int("updated", len(out.Updated)))
	return out
}

// resume marks a scan whose findings are already committed as Completed.
func (o *Orchestrator) resume(ctx context.Context, req Request, scan *model.Scan, start time.Time) Outcome {
	logger := log.NewLogger(ctx)
	out := Outcome{ScanName: req.ScanName, Tool: scan.Tool, Status: model.ScanStatusInProgress}
	if err := o.deps.Scans.SetScanLogStatus(ctx, req.ScanName, model.ScanStatusCompleted, "completed on retry"); err != nil {
		logger.Error("error completing scan", zap.Error(err))
		out.Err = err
		return out
	}
	out.Status = model.ScanStatusCompleted
	out.Duration = o.deps.Now().Sub(start)
	if req.WebhookLogID != 0 {
		if err := o.deps.Webhooks.RecordSuccess(ctx, req.WebhookLogID, req.ScanName, o.deps.Now()); err != nil {
			logger.Error("error recording webhook success", zap.Error(err))
		}
	}
	o.observe(ctx, out)
	logger.Info("scan completed on retry", zap.String("tool", out.Tool))
	return out
}

// Abandon kills a scan left In Progress by a retryable outcome once no retry will follow.
// A scan held by another worker is left to that worker, and a finished scan is left alone.
func (o *Orchestrator) Abandon(ctx context.Context, req Request, cause error) Outcome {
	start := o.deps.Now()
	logger := log.NewLogger(ctx).With(zap.String("scan", req.ScanName), zap.String("user", req.User), zap.String("event", "abandon"))
	ctx = log.WithLogger(ctx, logger)

	token, err := o.deps.Locker.Acquire(ctx, "scan:"+req.ScanName, o.deps.LockTTL)
	if err != nil {
		logger.Warn("scan is locked by another worker, leaving it", zap.Error(err))
		return Outcome{ScanName: req.ScanName, Err: err}
	}
	defer func() {
		if err := o.deps.Locker.Release(context.WithoutCancel(ctx), "scan:"+req.ScanName, token); err != nil {
			logger.Warn("error releasing scan lock", zap.Error(err))
		}
	}()

	scanLog, err := o.deps.Scans.GetScanLog(ctx, req.ScanName)
	if err != nil {
		return o.fail(ctx, req, nil, false, err, start)
	}
	if scanLog.Status.Terminal() {
		return Outcome{ScanName: req.ScanName, Status: scanLog.Status, Skipped: true}
	}
	if cause == nil {
		cause = errors.New("scan abandoned")
	}
	scan, err := o.deps.Scans.GetScanByName(ctx, req.ScanName)
	if err != nil {
		scan = nil
	}
	return o.fail(ctx, req, scan, true, fmt.Errorf("giving up on scan: %w", cause), start)
}

// fail rolls back the attempt: the scan is deleted and its log, when it exists, is Killed.
func (o *Orchestrator) fail(ctx context.Context, req Request, scan *model.Scan, hasLog bool, cause error, start time.Time) Outcome {
	logger := log.NewLogger(ctx)
	out := Outcome{ScanName: req.ScanName, Status: model.ScanStatusKilled, Err: cause, Duration: o.deps.Now().Sub(start)}
	if scan != nil {
		out.Tool = scan.Tool
		if err := o.deps.Scans.DeleteScan(ctx, scan.ID); err != nil {
			logger.Error("error deleting failed scan", zap.Error(err))
		}
	}
	if hasLog {
		if err := o.deps.Scans.SetScanLogStatus(ctx, req.ScanName, model.ScanStatusKilled, cause.Error()); err != nil {
			logger.Error("error killing scan log", zap.Error(err))
		}
	} else {
		out.Status = ""
	}
	if req.WebhookLogID != 0 {
		if err := o.deps.Webhooks.RecordFailure(ctx, req.WebhookLogID, cause, o.deps.Now()); err != nil {
			logger.Error("error recording webhook failure", zap.Error(err))
		}
	}
	o.observe(ctx, out)
	logger.Error("scan killed", zap.Error(cause),
		zap.Bool("unrecognized_format", errors.Is(cause, types.ErrUnrecognizedFormat)),
		zap.Bool("malformed_report", errors.Is(cause, types.ErrMalformedReport)),
		zap.Bool("parse_failure", errors.Is(cause, types.ErrParseFailure)),
		zap.Bool("not_found", errors.Is(cause, types.ErrPersistenceNotFound)))
	return out
}

func (o *Orchestrator) observe(ctx context.Context, out Outcome) {
	c := o.deps.Metrics
	if c == nil {
		return
	}
	tool := out.Tool
	if tool == "" {
		tool = "unknown"
	}
	status := string(out.Status)
	if status == "" {
		status = "Rejected"
	}
	err := errors.Join(
		c.AddCounter(ctx, MetricScans, 1, tool, status),
		c.AddCounter(ctx, MetricFindings, float64(out.Findings), tool),
		c.ObserveHistogram(ctx, MetricDuration, out.Duration.Seconds(), tool),
	)
	if err != nil {
		log.NewLogger(ctx).Warn("error recording ingestion metrics", zap.Error(err))
	}
}

// autoTicket dispatches one ticket per new (name, CWE) at or above the organization's threshold.
// Failures are only logged.
func (o *Orchestrator) autoTicket(ctx context.Context, applicationID uint, created []uint) int {
	if o.deps.Tickets == nil || len(created) == 0 {
		return 0
	}
	logger := log.NewLogger(ctx)
	org, err := o.deps.Orgs.OrganizationForApplication(ctx, applicationID)
	if err != nil {
		logger.Warn("error loading organization for auto ticketing", zap.Error(err))
		return 0
	}
	threshold := org.Configuration.AutoTicketSeverity
	if threshold == nil || !org.Configuration.EnableTracker || org.TrackerConfig == nil {
		return 0
	}

	type identity struct {
		name string
		cwe  int
	}
	seen := map[identity]bool{}
	dispatched := 0
	for _, id := range created {
		v, err := o.deps.Vulns.Get(ctx, id)
		if err != nil {
			logger.Warn("error loading vulnerability for auto ticketing", zap.Uint("id", id), zap.Error(err))
			continue
		}
		key := identity{v.Name, v.CWE}
		if v.Severity < *threshold || v.IsFalsePositive || seen[key] {
			continue
		}
		seen[key] = true
		req := tracker.TicketRequest{ApplicationID: applicationID, Name: v.Name, CWE: v.CWE}
		if err := o.deps.Tickets.EnqueueTicket(ctx, req); err != nil {
			logger.Error("error dispatching ticket", zap.String("vulnerability", v.Name), zap.Error(err))
			continue
		}
		dispatched++
	}
	return dispatched
}
