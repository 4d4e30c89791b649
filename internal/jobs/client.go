package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/defenseunicorns/uds-vuln-hub/internal/ingest"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/internal/tracker"
)

// Enqueuer is the part of *asynq.Client used by Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client enqueues background tasks. It implements ingest.TicketDispatcher.
type Client struct {
	enqueuer Enqueuer
	opts     TaskOptions
}

// NewClient wraps enqueuer, usually an *asynq.Client.
func NewClient(enqueuer Enqueuer, opts TaskOptions) (*Client, error) {
	if enqueuer == nil {
		return nil, fmt.Errorf("enqueuer cannot be nil")
	}
	return &Client{enqueuer: enqueuer, opts: opts}, nil
}

// RedisOpt builds the asynq connection options for a redis address.
func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}

// EnqueueFile queues an uploaded report. Queuing the same scan twice is not an error.
func (c *Client) EnqueueFile(ctx context.Context, req ingest.FileRequest) error {
	task, err := NewIngestFileTask(req, c.opts)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return c.enqueue(ctx, task, zap.String("scan", req.ScanName))
}

// EnqueueJSON queues a generic JSON envelope.
func (c *Client) EnqueueJSON(ctx context.Context, req ingest.JSONRequest) error {
	task, err := NewIngestJSONTask(req, c.opts)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return c.enqueue(ctx, task, zap.String("scan", req.ScanName))
}

// EnqueueTicket queues a ticketing request.
func (c *Client) EnqueueTicket(ctx context.Context, req tracker.TicketRequest) error {
	task, err := NewRaiseTicketTask(req, c.opts)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return c.enqueue(ctx, task, zap.Uint("application", req.ApplicationID), zap.String("vulnerability", req.Name))
}

// EnqueueSyncUsers queues a tracker user sync. A sync already queued for the organization is not an error.
func (c *Client) EnqueueSyncUsers(ctx context.Context, organizationID uint) error {
	task, err := NewSyncUsersTask(organizationID, c.opts)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return c.enqueue(ctx, task, zap.Uint("organization", organizationID))
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, fields ...interface{}) error {
	logger := log.NewLogger(ctx).With(fields...)
	info, err := c.enqueuer.EnqueueContext(ctx, task)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		logger.Info("task already queued", zap.String("type", task.Type()))
		return nil
	case err != nil:
		logger.Error("failed to enqueue task", zap.String("type", task.Type()), zap.Error(err))
		return fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}
	logger.Info("task queued", zap.String("type", task.Type()), zap.String("task_id", info.ID), zap.String("queue", info.Queue))
	return nil
}

var _ ingest.TicketDispatcher = (*Client)(nil)
