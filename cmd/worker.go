package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/defenseunicorns/uds-vuln-hub/internal/jobs"
	"github.com/defenseunicorns/uds-vuln-hub/internal/lock"
	"github.com/defenseunicorns/uds-vuln-hub/internal/metrics"
	"github.com/defenseunicorns/uds-vuln-hub/internal/pprof"
)

func newWorkerCmd() *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued ingestion and ticketing tasks",
		Long: `Process queued ingestion and ticketing tasks until interrupted.
The worker also queues a tracker user sync for every tracker-enabled organization on the
configured schedule, and serves pprof and prometheus metrics when --pprof-addr is set.`,
		Args: cobra.NoArgs,
		RunE: runWorker,
	}
	f := workerCmd.Flags()
	f.Int("worker-concurrency", 10, "Tasks processed concurrently")
	f.Int("worker-max-retry", 3, "Retries for a failed ingestion task")
	f.Duration("worker-task-timeout", 0, "Per-task timeout; the config default applies when unset")
	f.Duration("worker-lock-ttl", 0, "Per-scan lock lifetime; the config default applies when unset")
	f.String("worker-sync-schedule", "@hourly", "Cron schedule of the tracker user sync")
	f.String("pprof-addr", "", "Address serving /debug/pprof and /metrics, e.g. localhost:6060")
	return workerCmd
}

// dialTaskQueue connects to the configured redis. Tests replace it.
var dialTaskQueue = func(rt *runtime) (jobs.Enqueuer, func() error) {
	r := rt.cfg.Redis
	ac := asynq.NewClient(jobs.RedisOpt(r.Addr, r.Password, r.DB))
	return ac, ac.Close
}

// newJobsClient connects a task client to the configured redis.
func newJobsClient(rt *runtime) (*jobs.Client, func(), error) {
	enqueuer, closeQueue := dialTaskQueue(rt)
	closeFn := func() {
		if err := closeQueue(); err != nil {
			rt.logger.Warn("error closing task client", zap.Error(err))
		}
	}
	client, err := jobs.NewClient(enqueuer, jobs.TaskOptions{MaxRetry: rt.cfg.Worker.MaxRetry, Timeout: rt.cfg.Worker.TaskTimeout})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return client, closeFn, nil
}

func runWorker(cmd *cobra.Command, _ []string) error {
	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(rt.ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	rt.ctx = ctx

	s, err := openStore(rt)
	if err != nil {
		return err
	}
	tickets, err := trackerService(rt, s)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: rt.cfg.Redis.Addr, Password: rt.cfg.Redis.Password, DB: rt.cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("error connecting to redis: %w", err)
	}
	locker, err := lock.NewRedisLocker(rdb)
	if err != nil {
		return err
	}

	client, closeClient, err := newJobsClient(rt)
	if err != nil {
		return err
	}
	defer closeClient()

	collector := metrics.NewCollector(metrics.DefaultNamespace)
	if err := registerBuildInfo(ctx, collector); err != nil {
		return err
	}
	ctx = metrics.WithMetrics(ctx, collector)
	rt.ctx = ctx

	orch, err := newOrchestrator(rt, s, locker, client, collector)
	if err != nil {
		return err
	}
	handlers, err := jobs.NewHandlers(orch, tickets)
	if err != nil {
		return err
	}
	worker, err := jobs.NewWorker(ctx, jobs.WorkerConfig{
		Redis:       jobs.RedisOpt(rt.cfg.Redis.Addr, rt.cfg.Redis.Password, rt.cfg.Redis.DB),
		Concurrency: rt.cfg.Worker.Concurrency,
	}, handlers)
	if err != nil {
		return err
	}
	scheduler, err := jobs.NewScheduler(ctx, rt.cfg.Worker.SyncSchedule, s.orgs, client)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	if addr := rt.cfg.PprofAddr; addr != "" {
		g.Go(func() error { return pprof.StartPprofServer(gctx, addr, collector.MetricsHandler()) })
	}
	return g.Wait()
}

func registerBuildInfo(ctx context.Context, c *metrics.Collector) error {
	if _, err := c.RegisterGauge(ctx, "build_info", "Build information of the running worker.", "version"); err != nil {
		return err
	}
	return c.AddGauge(ctx, "build_info", 1, Version)
}
