package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// OrganizationLister lists the organizations whose tracker users are synced.
type OrganizationLister interface {
	TrackerEnabledOrganizations(ctx context.Context) ([]model.Organization, error)
}

// SyncEnqueuer queues tracker user syncs.
type SyncEnqueuer interface {
	EnqueueSyncUsers(ctx context.Context, organizationID uint) error
}

// Scheduler periodically queues a tracker user sync for every tracker-enabled organization.
type Scheduler struct {
	cron     *cron.Cron
	orgs     OrganizationLister
	enqueuer SyncEnqueuer
}

// NewScheduler creates a Scheduler running on the standard cron spec.
func NewScheduler(ctx context.Context, spec string, orgs OrganizationLister, enqueuer SyncEnqueuer) (*Scheduler, error) {
	if orgs == nil || enqueuer == nil {
		return nil, fmt.Errorf("organizations and enqueuer cannot be nil")
	}
	logger := cronLogger{log.NewLogger(ctx).With(zap.String("component", "scheduler"))}
	s := &Scheduler{
		cron:     cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		orgs:     orgs,
		enqueuer: enqueuer,
	}
	base := context.WithoutCancel(ctx)
	if _, err := s.cron.AddFunc(spec, func() { _, _ = s.SyncAll(base) }); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return s, nil
}

// SyncAll queues one sync per tracker-enabled organization and returns how many were queued.
func (s *Scheduler) SyncAll(ctx context.Context) (int, error) {
	logger := log.NewLogger(ctx)
	orgs, err := s.orgs.TrackerEnabledOrganizations(ctx)
	if err != nil {
		logger.Error("error listing tracker organizations", zap.Error(err))
		return 0, fmt.Errorf("error listing tracker organizations: %w", err)
	}
	var errs []error
	queued := 0
	for _, org := range orgs {
		if err := s.enqueuer.EnqueueSyncUsers(ctx, org.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		queued++
	}
	logger.Info("scheduled tracker user syncs", zap.Int("queued", queued), zap.Int("failed", len(errs)))
	return queued, errors.Join(errs...)
}

// Start runs the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule. The returned context is done once a running sync returns.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// cronLogger adapts a types.Logger to cron.Logger.
type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
