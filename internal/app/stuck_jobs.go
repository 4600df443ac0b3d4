package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/genmedia/gateway/internal/adapter/observability"
	"github.com/genmedia/gateway/internal/domain"
)

// StuckJobSweeper fails jobs that have sat in processing past their
// deadline. Workers already enforce per-job deadlines in-process; the
// sweeper covers crashed workers and lost task acks, so its age limits
// run a grace period past the in-process ones.
type StuckJobSweeper struct {
	jobs     domain.JobStore
	events   domain.EventSink
	maxAge   map[domain.Kind]time.Duration
	interval time.Duration
}

func NewStuckJobSweeper(jobs domain.JobStore, events domain.EventSink, imageMaxAge, modelMaxAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if imageMaxAge <= 0 {
		imageMaxAge = 5 * time.Minute
	}
	if modelMaxAge <= 0 {
		modelMaxAge = 20 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{
		jobs:   jobs,
		events: events,
		maxAge: map[domain.Kind]time.Duration{
			domain.KindImage: imageMaxAge,
			domain.KindModel: modelMaxAge,
		},
		interval: interval,
	}
}

func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	totalChecked := 0
	totalMarkedFailed := 0
	for _, kind := range []domain.Kind{domain.KindImage, domain.KindModel} {
		checked, marked := s.sweepKind(ctx, tracer, kind)
		totalChecked += checked
		totalMarkedFailed += marked
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", totalChecked),
		attribute.Int("jobs.total_marked_failed", totalMarkedFailed),
	)
	if totalMarkedFailed > 0 {
		slog.Warn("stuck job sweep marked jobs failed",
			slog.Int("checked", totalChecked),
			slog.Int("marked_failed", totalMarkedFailed))
	}
}

func (s *StuckJobSweeper) sweepKind(ctx context.Context, tracer trace.Tracer, kind domain.Kind) (checked, marked int) {
	const pageSize = 100
	cutoff := time.Now().Add(-s.maxAge[kind])

	for {
		pageCtx, pageSpan := tracer.Start(ctx, "StuckJobSweeper.sweepPage")
		pageSpan.SetAttributes(
			attribute.String("job.kind", string(kind)),
			attribute.Int("jobs.page_size", pageSize),
		)

		jobs, err := s.jobs.ListStuckProcessing(pageCtx, kind, cutoff, pageSize)
		if err != nil {
			pageSpan.RecordError(err)
			pageSpan.End()
			slog.Error("stuck job sweep failed to list jobs",
				slog.String("kind", string(kind)), slog.Any("error", err))
			return checked, marked
		}
		checked += len(jobs)
		if len(jobs) == 0 {
			pageSpan.End()
			return checked, marked
		}

		markedThisPage := 0
		for _, j := range jobs {
			if s.markFailed(pageCtx, tracer, j) {
				markedThisPage++
			}
		}
		marked += markedThisPage
		pageSpan.End()

		// Failed jobs drop out of the next listing; a page where nothing
		// could be marked would repeat forever, so stop and retry on the
		// next tick.
		if markedThisPage == 0 || len(jobs) < pageSize {
			return checked, marked
		}
	}
}

func (s *StuckJobSweeper) markFailed(ctx context.Context, tracer trace.Tracer, j domain.Job) bool {
	jobCtx, jobSpan := tracer.Start(ctx, "StuckJobSweeper.markFailed")
	defer jobSpan.End()
	jobSpan.SetAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.kind", string(j.Kind)),
		attribute.String("job.provider", string(j.Provider)),
	)

	failed := domain.JobFailed
	patch := domain.JobPatch{
		Status:   &failed,
		Metadata: map[string]any{domain.MetaError: "timeout"},
	}
	if err := s.jobs.Update(jobCtx, j.Kind, j.ID, patch); err != nil {
		jobSpan.RecordError(err)
		slog.Error("stuck job sweep failed to update job",
			slog.String("job_id", j.ID), slog.Any("error", err))
		return false
	}

	route, ok := domain.RouteFor(j.Provider, j.Operation)
	queue := domain.QueueDefault
	if ok {
		queue = route.Queue
	}
	observability.FailJob(queue, string(j.Provider), string(j.Operation), "timeout")

	if s.events != nil {
		s.events.Publish(jobCtx, domain.JobEvent{
			JobID:     j.ID,
			Kind:      j.Kind,
			Provider:  j.Provider,
			Operation: j.Operation,
			TenantID:  j.TenantID,
			Status:    domain.JobFailed,
			Error:     "timeout",
			At:        time.Now().UTC(),
		})
	}

	slog.Info("stuck job marked failed",
		slog.String("job_id", j.ID),
		slog.String("kind", string(j.Kind)),
		slog.Duration("max_age", s.maxAge[j.Kind]))
	return true
}
