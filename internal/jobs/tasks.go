// Package jobs runs ingestion and ticketing as asynq tasks on redis.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/defenseunicorns/uds-vuln-hub/internal/ingest"
	"github.com/defenseunicorns/uds-vuln-hub/internal/tracker"
)

// Task types.
const (
	TypeIngestFile  = "ingest:file"
	TypeIngestJSON  = "ingest:json"
	TypeRaiseTicket = "tracker:raise_ticket"
	TypeSyncUsers   = "tracker:sync_users"
)

// Queue names.
const (
	QueueIngest  = "ingest"
	QueueTracker = "tracker"
)

const syncUniqueWindow = 10 * time.Minute

// Queues weights the queues served by a Worker.
var Queues = map[string]int{
	QueueIngest:  6,
	QueueTracker: 3,
	"default":    1,
}

// SyncUsersPayload names the organization whose tracker users are synced.
type SyncUsersPayload struct {
	OrganizationID uint `json:"organization_id" validate:"required"`
}

// TaskOptions are applied to every task built by this package.
type TaskOptions struct {
	MaxRetry int
	Timeout  time.Duration
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (o TaskOptions) with(queue string, extra ...asynq.Option) []asynq.Option {
	opts := []asynq.Option{asynq.Queue(queue), asynq.MaxRetry(o.MaxRetry)}
	if o.Timeout > 0 {
		opts = append(opts, asynq.Timeout(o.Timeout))
	}
	return append(opts, extra...)
}

func newTask(typename string, payload any, opts []asynq.Option) (*asynq.Task, error) {
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", typename, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", typename, err)
	}
	return asynq.NewTask(typename, data, opts...), nil
}

// NewIngestFileTask builds the task processing an uploaded report. The task id is the scan
// name, so a scan is never queued twice.
func NewIngestFileTask(req ingest.FileRequest, o TaskOptions) (*asynq.Task, error) {
	return newTask(TypeIngestFile, req, o.with(QueueIngest, asynq.TaskID(req.ScanName)))
}

// NewIngestJSONTask builds the task processing a generic JSON envelope.
func NewIngestJSONTask(req ingest.JSONRequest, o TaskOptions) (*asynq.Task, error) {
	return newTask(TypeIngestJSON, req, o.with(QueueIngest, asynq.TaskID(req.ScanName)))
}

// NewRaiseTicketTask builds a ticketing task. It is never retried: a retry could open a second issue.
func NewRaiseTicketTask(req tracker.TicketRequest, o TaskOptions) (*asynq.Task, error) {
	o.MaxRetry = 0
	return newTask(TypeRaiseTicket, req, o.with(QueueTracker))
}

// NewSyncUsersTask builds a user sync task, unique per organization for a few minutes.
func NewSyncUsersTask(organizationID uint, o TaskOptions) (*asynq.Task, error) {
	return newTask(TypeSyncUsers, SyncUsersPayload{OrganizationID: organizationID},
		o.with(QueueTracker, asynq.Unique(syncUniqueWindow), asynq.Retention(time.Hour)))
}

func decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
