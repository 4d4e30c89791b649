package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

type fakeOrgs struct {
	orgs []model.Organization
	err  error
}

func (f fakeOrgs) TrackerEnabledOrganizations(context.Context) ([]model.Organization, error) {
	return f.orgs, f.err
}

type fakeSyncs struct {
	queued []uint
	fail   map[uint]bool
}

func (f *fakeSyncs) EnqueueSyncUsers(_ context.Context, id uint) error {
	if f.fail[id] {
		return errors.New("redis down")
	}
	f.queued = append(f.queued, id)
	return nil
}

func orgs(ids ...uint) []model.Organization {
	out := make([]model.Organization, 0, len(ids))
	for _, id := range ids {
		o := model.Organization{Name: "org"}
		o.ID = id
		out = append(out, o)
	}
	return out
}

func TestSchedulerSyncAll(t *testing.T) {
	ctx, _ := testContext()
	syncs := &fakeSyncs{fail: map[uint]bool{2: true}}
	s, err := NewScheduler(ctx, "@hourly", fakeOrgs{orgs: orgs(1, 2, 3)}, syncs)
	require.NoError(t, err)

	n, err := s.SyncAll(ctx)
	assert.Equal(t, 2, n)
	assert.ErrorContains(t, err, "redis down")
	assert.Equal(t, []uint{1, 3}, syncs.queued)
}

func TestSchedulerListFailure(t *testing.T) {
	ctx, logger := testContext()
	s, err := NewScheduler(ctx, "*/5 * * * *", fakeOrgs{err: errors.New("db gone")}, &fakeSyncs{})
	require.NoError(t, err)

	n, err := s.SyncAll(ctx)
	assert.Zero(t, n)
	assert.Error(t, err)
	assert.Contains(t, logger.Messages("error"), "error listing tracker organizations")
}

func TestNewSchedulerValidates(t *testing.T) {
	ctx, _ := testContext()
	_, err := NewScheduler(ctx, "every tuesday", fakeOrgs{}, &fakeSyncs{})
	assert.ErrorContains(t, err, "invalid sync schedule")
	_, err = NewScheduler(ctx, "@hourly", nil, &fakeSyncs{})
	assert.Error(t, err)
}

func TestSchedulerStartStop(t *testing.T) {
	ctx, _ := testContext()
	s, err := NewScheduler(ctx, "@daily", fakeOrgs{}, &fakeSyncs{})
	require.NoError(t, err)
	s.Start()
	<-s.Stop().Done()
}

func TestCronLogger(t *testing.T) {
	logger := &types.MockLogger{}
	l := cronLogger{logger}
	l.Info("schedule", "entry", 1)
	l.Error(errors.New("boom"), "job panicked")
	assert.Equal(t, []string{"schedule"}, logger.Messages("debug"))
	assert.Equal(t, []string{"job panicked"}, logger.Messages("error"))
}
