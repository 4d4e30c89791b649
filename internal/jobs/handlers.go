package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/defenseunicorns/uds-vuln-hub/internal/ingest"
	"github.com/defenseunicorns/uds-vuln-hub/internal/lock"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/internal/tracker"
)

// Ingestor runs ingestion units.
type Ingestor interface {
	ProcessFile(ctx context.Context, req ingest.FileRequest) ingest.Outcome
	ProcessJSON(ctx context.Context, req ingest.JSONRequest) ingest.Outcome
	Abandon(ctx context.Context, req ingest.Request, cause error) ingest.Outcome
}

// Ticketer raises tickets and syncs tracker users.
type Ticketer interface {
	RaiseTicket(ctx context.Context, req tracker.TicketRequest) tracker.Result
	SyncUsers(ctx context.Context, organizationID uint) tracker.SyncResult
}

// Handlers processes the tasks of this package.
type Handlers struct {
	ingestor    Ingestor
	ticketer    Ticketer
	// lastAttempt reports whether asynq will not retry the running task again.
	lastAttempt func(ctx context.Context) bool
}

// NewHandlers creates Handlers. A nil ticketer leaves the tracker tasks unregistered.
func NewHandlers(ingestor Ingestor, ticketer Ticketer) (*Handlers, error) {
	if ingestor == nil {
		return nil, fmt.Errorf("ingestor cannot be nil")
	}
	return &Handlers{ingestor: ingestor, ticketer: ticketer, lastAttempt: lastAttempt}, nil
}

func lastAttempt(ctx context.Context) bool {
	n, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return ok && n >= maxRetry
}

// Register adds the handlers to mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeIngestFile, h.HandleIngestFile)
	mux.HandleFunc(TypeIngestJSON, h.HandleIngestJSON)
	if h.ticketer != nil {
		mux.HandleFunc(TypeRaiseTicket, h.HandleRaiseTicket)
		mux.HandleFunc(TypeSyncUsers, h.HandleSyncUsers)
	}
}

// HandleIngestFile processes an ingest:file task.
func (h *Handlers) HandleIngestFile(ctx context.Context, t *asynq.Task) error {
	var req ingest.FileRequest
	if err := decode(t, &req); err != nil {
		return err
	}
	ctx = taskContext(ctx, t)
	return outcomeError(h.giveUp(ctx, req.Request, h.ingestor.ProcessFile(ctx, req)))
}

// HandleIngestJSON processes an ingest:json task.
func (h *Handlers) HandleIngestJSON(ctx context.Context, t *asynq.Task) error {
	var req ingest.JSONRequest
	if err := decode(t, &req); err != nil {
		return err
	}
	ctx = taskContext(ctx, t)
	return outcomeError(h.giveUp(ctx, req.Request, h.ingestor.ProcessJSON(ctx, req)))
}

// giveUp kills a scan whose retryable outcome came from the final attempt, so it does not stay
// In Progress once asynq archives the task. A locked scan belongs to the worker holding it.
func (h *Handlers) giveUp(ctx context.Context, req ingest.Request, out ingest.Outcome) ingest.Outcome {
	if !out.Retryable() || errors.Is(out.Err, lock.ErrLocked) || !h.lastAttempt(ctx) {
		return out
	}
	log.NewLogger(ctx).Warn("retries exhausted, abandoning scan", zap.Error(out.Err))
	return h.ingestor.Abandon(ctx, req, out.Err)
}

// outcomeError maps an ingestion outcome onto asynq's retry semantics. A killed scan is already
// rolled back, so it is never retried.
func outcomeError(out ingest.Outcome) error {
	switch {
	case out.Err == nil:
		return nil
	case out.Retryable():
		return fmt.Errorf("scan %s: %w", out.ScanName, out.Err)
	default:
		return fmt.Errorf("scan %s: %v: %w", out.ScanName, out.Err, asynq.SkipRetry)
	}
}

// HandleRaiseTicket processes a tracker:raise_ticket task.
func (h *Handlers) HandleRaiseTicket(ctx context.Context, t *asynq.Task) error {
	var req tracker.TicketRequest
	if err := decode(t, &req); err != nil {
		return err
	}
	res := h.ticketer.RaiseTicket(taskContext(ctx, t), req)
	switch {
	case !res.OK:
		return fmt.Errorf("ticket not raised: %s: %w", res.Message, asynq.SkipRetry)
	case res.Message != "":
		// The issue exists; only a follow-up step failed.
		log.NewLogger(ctx).Warn("ticket raised with errors", zap.String("issue", res.IssueKey), zap.String("errors", res.Message))
	}
	return nil
}

// HandleSyncUsers processes a tracker:sync_users task. Partial failures are retried as a whole.
func (h *Handlers) HandleSyncUsers(ctx context.Context, t *asynq.Task) error {
	var p SyncUsersPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	res := h.ticketer.SyncUsers(taskContext(ctx, t), p.OrganizationID)
	if res.OK {
		return nil
	}
	if reason, ok := res.Failed["*"]; ok {
		return fmt.Errorf("sync users for organization %d: %s", p.OrganizationID, reason)
	}
	groups := make([]string, 0, len(res.Failed))
	for g := range res.Failed {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return fmt.Errorf("sync users for organization %d: failed groups %s", p.OrganizationID, strings.Join(groups, ", "))
}

// taskContext tags the context logger with the task identity.
func taskContext(ctx context.Context, t *asynq.Task) context.Context {
	fields := []interface{}{zap.String("task", t.Type())}
	if id, ok := asynq.GetTaskID(ctx); ok {
		fields = append(fields, zap.String("task_id", id))
	}
	if n, ok := asynq.GetRetryCount(ctx); ok {
		fields = append(fields, zap.Int("retry", n))
	}
	return log.WithLogger(ctx, log.NewLogger(ctx).With(fields...))
}
