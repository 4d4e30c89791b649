package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/defenseunicorns/uds-vuln-hub/internal/lock"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// WorkerConfig holds the configuration for the task server.
type WorkerConfig struct {
	Redis           asynq.RedisConnOpt
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Worker serves the task queues.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger types.Logger
}

// NewWorker creates a Worker serving handlers.
func NewWorker(ctx context.Context, cfg WorkerConfig, handlers *Handlers) (*Worker, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis connection cannot be nil")
	}
	if handlers == nil {
		return nil, fmt.Errorf("handlers cannot be nil")
	}
	logger := log.NewLogger(ctx).With(zap.String("component", "worker"))
	server := asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          Queues,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          asynqLogger{logger},
		IsFailure:       IsFailure,
		BaseContext:     func() context.Context { return log.WithLogger(context.Background(), logger) },
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})
	mux := asynq.NewServeMux()
	handlers.Register(mux)
	return &Worker{server: server, mux: mux, logger: logger}, nil
}

// IsFailure reports whether err counts against a task's retry budget. Lock contention does not.
func IsFailure(err error) bool {
	return err != nil && !errors.Is(err, lock.ErrLocked)
}

// Run serves tasks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting job worker")
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	<-ctx.Done()
	w.logger.Info("stopping job worker")
	w.server.Shutdown()
	return nil
}

// asynqLogger adapts a types.Logger to asynq.Logger.
type asynqLogger struct {
	logger types.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatalf(fmt.Sprint(args...)) }
