package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
)

// JobRunner executes one task payload to a terminal job state. An error
// return means the task must be redelivered, not that the job failed.
type JobRunner interface {
	Run(ctx domain.Context, p domain.TaskPayload) (domain.TaskResult, error)
}

// Worker drains the three routing queues. Each queue gets its own asynq
// server so its concurrency is a hard cap, not a weighted share: tripo_other
// and tripo_refine must never borrow idle default-queue slots.
type Worker struct {
	servers []*asynq.Server
	mux     *asynq.ServeMux
}

func NewWorker(redisURL string, runner JobRunner, cfg config.Config) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=worker.new: redis: %w", err)
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskGenerate, handleGenerate(runner))

	lanes := []struct {
		queue       string
		concurrency int
	}{
		{domain.QueueDefault, cfg.WorkerDefaultConcurrency},
		{domain.QueueTripoOther, cfg.WorkerTripoConcurrency},
		{domain.QueueTripoRefine, cfg.WorkerTripoRefineConcurrency},
	}

	w := &Worker{mux: mux}
	for _, lane := range lanes {
		concurrency := lane.concurrency
		if concurrency < 1 {
			concurrency = 1
		}
		srv := asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{lane.queue: 1},
			// A worker torn down mid-job returns context.Canceled; the task
			// is requeued without consuming its zero retry budget.
			IsFailure: func(err error) bool {
				return !errors.Is(err, context.Canceled)
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
				id, _ := asynq.GetTaskID(ctx)
				slog.Error("task handler error",
					slog.String("task_id", id),
					slog.String("type", t.Type()),
					slog.Any("error", err))
			}),
			Logger:          newAsynqLogger(),
			ShutdownTimeout: cfg.ServerShutdownTimeout,
		})
		w.servers = append(w.servers, srv)
	}
	return w, nil
}

// handleGenerate decodes the payload, runs the job and records the task
// result. A decode failure archives the task immediately; the job row, if
// any, is picked up by the stuck-job sweeper.
func handleGenerate(runner JobRunner) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "GenerateJob")
		defer span.End()

		var p domain.TaskPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("op=worker.decode: %v: %w", err, asynq.SkipRetry)
		}

		res, err := runner.Run(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("op=worker.handle job=%s: surrendered mid-job: %w", p.JobID, context.Canceled)
			}
			return fmt.Errorf("op=worker.handle job=%s: %w", p.JobID, err)
		}

		b, err := json.Marshal(res)
		if err != nil {
			slog.Error("task result encode failed", slog.String("job_id", p.JobID), slog.Any("error", err))
			return nil
		}
		if rw := t.ResultWriter(); rw != nil {
			if _, err := rw.Write(b); err != nil {
				slog.Error("task result write failed", slog.String("job_id", p.JobID), slog.Any("error", err))
			}
		}
		return nil
	}
}

// Start launches all queue servers. On partial failure the started ones are
// shut down again.
func (w *Worker) Start() error {
	for i, srv := range w.servers {
		if err := srv.Start(w.mux); err != nil {
			for _, started := range w.servers[:i] {
				started.Shutdown()
			}
			return fmt.Errorf("op=worker.start: %w", err)
		}
	}
	return nil
}

// Stop gracefully shuts down all queue servers; in-flight tasks get the
// shutdown timeout to finish or surrender.
func (w *Worker) Stop() {
	for _, srv := range w.servers {
		srv.Shutdown()
	}
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct{}

func newAsynqLogger() asynqLogger { return asynqLogger{} }

func (asynqLogger) Debug(args ...any) { slog.Debug(fmt.Sprint(args...), slog.String("source", "asynq")) }
func (asynqLogger) Info(args ...any)  { slog.Info(fmt.Sprint(args...), slog.String("source", "asynq")) }
func (asynqLogger) Warn(args ...any)  { slog.Warn(fmt.Sprint(args...), slog.String("source", "asynq")) }
func (asynqLogger) Error(args ...any) { slog.Error(fmt.Sprint(args...), slog.String("source", "asynq")) }
func (asynqLogger) Fatal(args ...any) { slog.Error(fmt.Sprint(args...), slog.String("source", "asynq"), slog.Bool("fatal", true)) }
