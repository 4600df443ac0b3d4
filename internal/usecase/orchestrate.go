package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/genmedia/gateway/internal/adapter/observability"
	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
)

// terminalWriteTimeout bounds the detached context used for final job
// updates, which must land even when the job deadline has just expired.
const terminalWriteTimeout = 10 * time.Second

// Orchestrator drives one job from processing to a terminal state: submit to
// the provider, poll if the work is remote, ingest the artifact, finalize
// the row. Every failure inside Run is recovered into a failed job plus a
// task result; Run itself only errors when the surrounding worker is being
// torn down and the task should be redelivered.
type Orchestrator struct {
	Jobs      domain.JobStore
	Artifacts ArtifactPipeline
	Drivers   DriverRegistry
	Gate      domain.SubmitLimiter
	Events    domain.EventSink
	Cfg       config.Config

	// pollEvery overrides the route's poll interval when positive. Tests
	// only; production always takes the routing table value.
	pollEvery time.Duration
}

// NewOrchestrator wires an Orchestrator. Gate and Events may be nil.
func NewOrchestrator(jobs domain.JobStore, artifacts ArtifactPipeline, drivers DriverRegistry, gate domain.SubmitLimiter, events domain.EventSink, cfg config.Config) Orchestrator {
	return Orchestrator{Jobs: jobs, Artifacts: artifacts, Drivers: drivers, Gate: gate, Events: events, Cfg: cfg}
}

// Run executes the payload's job to a terminal state and returns the result
// to record against the worker task.
func (o Orchestrator) Run(ctx domain.Context, p domain.TaskPayload) (domain.TaskResult, error) {
	start := time.Now()
	lg := slog.With(
		slog.String("job_id", p.JobID),
		slog.String("provider", string(p.Provider)),
		slog.String("operation", string(p.Operation)))

	route, ok := domain.RouteFor(p.Provider, p.Operation)
	if !ok {
		// Submission validates routing, so this is a poisoned payload.
		lg.Error("unroutable payload")
		return domain.TaskResult{JobID: p.JobID, Kind: p.Kind, Status: domain.JobFailed, Error: "unroutable job"}, nil
	}

	job, err := o.Jobs.Get(ctx, p.Kind, p.JobID)
	if err != nil {
		lg.Error("job row missing", slog.Any("error", err))
		return domain.TaskResult{JobID: p.JobID, Kind: p.Kind, Status: domain.JobFailed, Error: "job not found"}, nil
	}
	if job.Status.Terminal() {
		// Redelivered task for a job that already finished.
		return o.resultFor(job), nil
	}

	processing := domain.JobProcessing
	if err := o.Jobs.Update(ctx, job.Kind, job.ID, domain.JobPatch{Status: &processing}); err != nil {
		lg.Warn("could not mark job processing", slog.Any("error", err))
	}
	observability.StartProcessingJob(route.Queue)

	deadline := o.Cfg.JobDeadline(deadlineClass(route, p.Params))
	jctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	drv, ok := o.Drivers.Driver(p.Provider, p.Operation)
	if !ok {
		return o.fail(ctx, job, route, start, "no driver registered", domain.ErrInvalidRequest), nil
	}

	in, err := decodeInputs(p)
	if err != nil {
		return o.fail(ctx, job, route, start, "input decode failed", domain.ErrInvalidRequest), nil
	}

	if err := o.waitSubmitGate(jctx, string(p.Provider)); err != nil {
		if parentCanceled(ctx) {
			return o.redeliver(route, err)
		}
		return o.fail(ctx, job, route, start, "timeout", domain.ErrTimeout), nil
	}

	out, err := drv.Submit(jctx, job, in)
	if err != nil {
		if parentCanceled(ctx) {
			return o.redeliver(route, err)
		}
		if jctx.Err() != nil {
			return o.fail(ctx, job, route, start, "timeout", domain.ErrTimeout), nil
		}
		lg.Warn("provider submit failed", slog.Any("error", err))
		return o.fail(ctx, job, route, start, failMessage(err), err), nil
	}

	switch out.Kind {
	case domain.OutcomeFailed:
		return o.fail(ctx, job, route, start, nonEmptyReason(out.Reason, "provider rejected job"), domain.ErrProviderTaskFailed), nil
	case domain.OutcomeSynchronous:
		return o.finalizeBytes(jctx, job, route, start, out)
	case domain.OutcomeRemoteTask:
		return o.pollUntilDone(jctx, ctx, job, route, start, drv, out, lg)
	default:
		return o.fail(ctx, job, route, start, "unknown driver outcome", domain.ErrProviderTaskFailed), nil
	}
}

// pollUntilDone records the provider task id, then polls at the route's
// interval until the provider reports a terminal state or the deadline
// expires. Transport errors during polling are treated as still-in-progress.
func (o Orchestrator) pollUntilDone(jctx, parent domain.Context, job domain.Job, route domain.Route, start time.Time, drv domain.Driver, out domain.DriverOutcome, lg *slog.Logger) (domain.TaskResult, error) {
	if out.ProviderTaskID != "" {
		if err := o.Jobs.Update(jctx, job.Kind, job.ID, domain.JobPatch{AIServiceTaskID: &out.ProviderTaskID}); err != nil {
			lg.Warn("could not record provider task id", slog.Any("error", err))
		}
		lg.Info("provider task started", slog.String("provider_task_id", out.ProviderTaskID))
	}

	interval := route.PollEvery
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if o.pollEvery > 0 {
		interval = o.pollEvery
	}
	ref := domain.PollRef{ProviderTaskID: out.ProviderTaskID, PollURL: out.PollURL}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastProgress := -1

	for {
		select {
		case <-jctx.Done():
			if parentCanceled(parent) {
				return o.redeliver(route, parent.Err())
			}
			return o.fail(parent, job, route, start, "timeout", domain.ErrTimeout), nil
		case <-ticker.C:
		}

		res, err := drv.Poll(jctx, ref)
		if err != nil {
			if jctx.Err() != nil {
				continue // deadline branch handles it on the next select
			}
			lg.Warn("poll failed, treating as in progress", slog.Any("error", err))
			continue
		}

		switch res.Kind {
		case domain.PollInProgress:
			if res.Progress != lastProgress {
				lastProgress = res.Progress
				if err := o.Jobs.Update(jctx, job.Kind, job.ID, domain.JobPatch{
					Metadata: map[string]any{domain.MetaProgress: res.Progress},
				}); err != nil {
					lg.Warn("could not record progress", slog.Any("error", err))
				}
			}
		case domain.PollFailed:
			return o.fail(parent, job, route, start, nonEmptyReason(res.Reason, "provider task failed"), domain.ErrProviderTaskFailed), nil
		case domain.PollReady:
			return o.finalizeReady(jctx, parent, job, route, start, res)
		}
	}
}

// finalizeReady ingests a ready poll result: inline bytes when the driver
// fetched them, otherwise the artifact URL. Ready with neither is a provider
// contract violation and fails the job.
func (o Orchestrator) finalizeReady(jctx, parent domain.Context, job domain.Job, route domain.Route, start time.Time, res domain.PollResult) (domain.TaskResult, error) {
	var assetURL string
	var size int
	var err error
	switch {
	case len(res.ArtifactBytes) > 0:
		size = len(res.ArtifactBytes)
		assetURL, err = o.Artifacts.IngestInlineBytes(jctx, job, res.ArtifactBytes, res.ArtifactContentType, artifactName(0, res.ArtifactContentType))
	case res.ArtifactURL != "":
		assetURL, err = o.Artifacts.IngestFromURL(jctx, job, res.ArtifactURL, artifactName(0, res.ArtifactContentType))
	default:
		return o.fail(parent, job, route, start, "no_artifact_url", domain.ErrProviderTaskFailed), nil
	}
	if err != nil {
		if parentCanceled(parent) {
			return o.redeliver(route, parent.Err())
		}
		return o.fail(parent, job, route, start, failMessage(err), err), nil
	}
	return o.complete(parent, job, route, start, assetURL, nil, size), nil
}

// finalizeBytes persists a synchronous outcome: index 0 becomes the primary
// artifact, the rest are uploaded as {i}.{ext} and surfaced through
// metadata.extra_asset_urls.
func (o Orchestrator) finalizeBytes(jctx domain.Context, job domain.Job, route domain.Route, start time.Time, out domain.DriverOutcome) (domain.TaskResult, error) {
	assetURL, err := o.Artifacts.IngestInlineBytes(jctx, job, out.Bytes, out.ContentType, artifactName(0, out.ContentType))
	if err != nil {
		return o.fail(jctx, job, route, start, failMessage(err), err), nil
	}
	var extraURLs []string
	for i, ex := range out.Extras {
		u, err := o.Artifacts.IngestInlineBytes(jctx, job, ex.Bytes, ex.ContentType, artifactName(i+1, ex.ContentType))
		if err != nil {
			slog.Warn("extra artifact dropped",
				slog.String("job_id", job.ID), slog.Int("index", i+1), slog.Any("error", err))
			continue
		}
		extraURLs = append(extraURLs, u)
	}
	return o.complete(jctx, job, route, start, assetURL, extraURLs, len(out.Bytes)), nil
}

// complete writes the terminal complete state. The write runs on a detached
// context so a just-expired job deadline cannot strand a finished artifact.
func (o Orchestrator) complete(ctx domain.Context, job domain.Job, route domain.Route, start time.Time, assetURL string, extraURLs []string, size int) domain.TaskResult {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	status := domain.JobComplete
	patch := domain.JobPatch{Status: &status, AssetURL: &assetURL}
	if len(extraURLs) > 0 {
		patch.Metadata = map[string]any{domain.MetaExtraAssetURLs: extraURLs}
	}
	if err := o.Jobs.Update(wctx, job.Kind, job.ID, patch); err != nil {
		slog.Error("terminal complete write failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return o.fail(ctx, job, route, start, "persistence failed", domain.ErrPersistence)
	}
	observability.CompleteJob(route.Queue, string(job.Provider), string(job.Operation))
	observability.ObserveJobOutcome(string(job.Provider), string(job.Operation), string(job.Kind), time.Since(start), size)
	o.publish(wctx, job, domain.JobComplete, "")
	slog.Info("job complete",
		slog.String("job_id", job.ID),
		slog.String("asset_url", assetURL),
		slog.Duration("took", time.Since(start)))
	return domain.TaskResult{JobID: job.ID, Kind: job.Kind, Status: domain.JobComplete, AssetURL: assetURL}
}

// fail writes the terminal failed state with metadata.error and returns the
// matching task result.
func (o Orchestrator) fail(ctx domain.Context, job domain.Job, route domain.Route, start time.Time, errMsg string, cause error) domain.TaskResult {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	status := domain.JobFailed
	patch := domain.JobPatch{Status: &status, Metadata: map[string]any{domain.MetaError: errMsg}}
	if err := o.Jobs.Update(wctx, job.Kind, job.ID, patch); err != nil {
		slog.Error("terminal failed write failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.FailJob(route.Queue, string(job.Provider), string(job.Operation), errCode(cause))
	observability.ObserveJobOutcome(string(job.Provider), string(job.Operation), string(job.Kind), time.Since(start), 0)
	o.publish(wctx, job, domain.JobFailed, errMsg)
	slog.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("error", errMsg),
		slog.Duration("took", time.Since(start)))
	return domain.TaskResult{JobID: job.ID, Kind: job.Kind, Status: domain.JobFailed, Error: errMsg}
}

// redeliver surrenders the task when the worker is shutting down mid-job:
// the job row is left as-is and the queue's lease redelivers the task.
func (o Orchestrator) redeliver(route domain.Route, err error) (domain.TaskResult, error) {
	observability.JobsProcessing.WithLabelValues(route.Queue).Dec()
	return domain.TaskResult{}, err
}

// waitSubmitGate blocks until the provider class token bucket admits the
// submission. A nil or unreachable gate admits immediately.
func (o Orchestrator) waitSubmitGate(ctx domain.Context, class string) error {
	if o.Gate == nil {
		return nil
	}
	for {
		allowed, retryAfter, err := o.Gate.Allow(ctx, class)
		if err != nil {
			slog.Warn("submit gate unavailable, failing open",
				slog.String("class", class), slog.Any("error", err))
			return nil
		}
		if allowed {
			return nil
		}
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		observability.SubmitGateWaitsTotal.WithLabelValues(class).Inc()
		t := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (o Orchestrator) publish(ctx domain.Context, job domain.Job, status domain.JobStatus, errMsg string) {
	if o.Events == nil {
		return
	}
	o.Events.Publish(ctx, domain.JobEvent{
		JobID: job.ID, Kind: job.Kind, Provider: job.Provider, Operation: job.Operation,
		TenantID: job.TenantID, Status: status, Error: errMsg,
	})
}

// resultFor reconstructs the task result for a job that is already terminal.
func (o Orchestrator) resultFor(job domain.Job) domain.TaskResult {
	res := domain.TaskResult{JobID: job.ID, Kind: job.Kind, Status: job.Status}
	if job.Status == domain.JobComplete {
		res.AssetURL = job.AssetURL
		return res
	}
	if msg, ok := job.Metadata[domain.MetaError].(string); ok {
		res.Error = msg
	}
	return res
}

func decodeInputs(p domain.TaskPayload) (domain.SubmitInputs, error) {
	in := domain.SubmitInputs{Params: p.Params, ContentType: p.InputContentType, Filename: p.InputName}
	if p.InputB64 != "" {
		b, err := base64.StdEncoding.DecodeString(p.InputB64)
		if err != nil {
			return domain.SubmitInputs{}, fmt.Errorf("op=orchestrate.decode: %w", err)
		}
		in.Bytes = b
	}
	if p.MaskB64 != "" {
		b, err := base64.StdEncoding.DecodeString(p.MaskB64)
		if err != nil {
			return domain.SubmitInputs{}, fmt.Errorf("op=orchestrate.decode mask: %w", err)
		}
		in.MaskBytes = b
	}
	return in, nil
}

// deadlineClass reads the promoted class recorded at submission, falling
// back to the route's own class.
func deadlineClass(route domain.Route, params map[string]any) string {
	if c, ok := params["deadline_class"].(string); ok && c != "" {
		return c
	}
	return string(route.Class)
}

func parentCanceled(ctx domain.Context) bool {
	return ctx.Err() != nil
}

func nonEmptyReason(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

// failMessage keeps metadata.error short and stable across retries of the
// same failure class.
func failMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrArtifactFetch):
		return "artifact fetch failed"
	case errors.Is(err, domain.ErrArtifactStore):
		return "artifact store failed"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return "upstream unavailable"
	case errors.Is(err, domain.ErrProviderTaskFailed):
		return "provider task failed"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid request"
	case errors.Is(err, domain.ErrPersistence):
		return "persistence failed"
	default:
		return "internal error"
	}
}

// errCode labels failure metrics.
func errCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrArtifactFetch):
		return "artifact_fetch"
	case errors.Is(err, domain.ErrArtifactStore):
		return "artifact_store"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, domain.ErrProviderTaskFailed):
		return "provider_failed"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}

// artifactName builds the canonical per-index artifact filename.
func artifactName(index int, contentType string) string {
	return fmt.Sprintf("%d.%s", index, extFor(contentType))
}

func extFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return "png"
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		return "jpg"
	case strings.Contains(contentType, "webp"):
		return "webp"
	case strings.Contains(contentType, "gltf-binary"), strings.Contains(contentType, "glb"):
		return "glb"
	case strings.Contains(contentType, "gltf"):
		return "gltf"
	default:
		return "bin"
	}
}
