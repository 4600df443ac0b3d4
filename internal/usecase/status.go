package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/genmedia/gateway/internal/domain"
)

// Status service identifiers accepted by the query string. "openai" covers
// every synchronous provider; "tripoai" additionally reports live progress.
const (
	StatusServiceOpenAI = "openai"
	StatusServiceTripo  = "tripoai"
)

// liveProgressTimeout bounds the optional provider poll a tripoai status
// request makes while the task is still active.
const liveProgressTimeout = 5 * time.Second

// StatusService answers GET status requests from worker task state, falling
// through to the job row for terminal detail.
type StatusService struct {
	Jobs      domain.JobStore
	Inspector domain.TaskInspector
	Drivers   DriverRegistry
}

// NewStatusService wires a StatusService. Drivers may be nil when live
// progress is not wanted (the HTTP-only deployment).
func NewStatusService(jobs domain.JobStore, insp domain.TaskInspector, drivers DriverRegistry) StatusService {
	return StatusService{Jobs: jobs, Inspector: insp, Drivers: drivers}
}

// Get resolves the client-facing view of one worker task.
func (s StatusService) Get(ctx domain.Context, workerTaskID, service string) (domain.StatusView, error) {
	if workerTaskID == "" {
		return domain.StatusView{}, fmt.Errorf("op=status: task id is required: %w", domain.ErrInvalidRequest)
	}
	if service == "" {
		service = StatusServiceOpenAI
	}
	if service != StatusServiceOpenAI && service != StatusServiceTripo {
		return domain.StatusView{}, fmt.Errorf("op=status: unknown service %q: %w", service, domain.ErrInvalidRequest)
	}

	snap, err := s.Inspector.Snapshot(ctx, workerTaskID)
	if err != nil {
		return domain.StatusView{}, err
	}

	view := domain.StatusView{WorkerTaskID: workerTaskID}
	switch snap.State {
	case domain.TaskStatePending:
		view.Status = domain.JobPending
	case domain.TaskStateActive:
		view.Status = domain.JobProcessing
		if service == StatusServiceTripo {
			s.attachLiveProgress(ctx, snap, &view)
		}
	case domain.TaskStateArchived:
		view.Status = domain.JobFailed
		view.Error = snap.LastErr
		if view.Error == "" {
			view.Error = "task archived"
		}
	case domain.TaskStateCompleted:
		s.fillFromResult(ctx, snap, &view)
	default:
		return domain.StatusView{}, fmt.Errorf("op=status: task %s in unknown state %q: %w", workerTaskID, snap.State, domain.ErrNotFound)
	}
	return view, nil
}

// fillFromResult projects a terminal worker task through its recorded
// result. The job row is consulted for the freshest asset URL; the result
// payload is the fallback when the row read fails.
func (s StatusService) fillFromResult(ctx domain.Context, snap domain.TaskSnapshot, view *domain.StatusView) {
	var res domain.TaskResult
	if err := json.Unmarshal(snap.Result, &res); err != nil || res.JobID == "" {
		view.Status = domain.JobFailed
		view.Error = "task result unreadable"
		return
	}
	if res.Status == domain.JobFailed {
		view.Status = domain.JobFailed
		view.Error = res.Error
		return
	}
	view.Status = domain.JobComplete
	view.AssetURL = res.AssetURL
	if job, err := s.Jobs.Get(ctx, res.Kind, res.JobID); err == nil && job.AssetURL != "" {
		view.AssetURL = job.AssetURL
	}
}

// attachLiveProgress reads metadata.progress and, when the job row already
// carries the provider's own task id, asks the provider directly. Any
// failure leaves the view without progress; status never errors on it.
func (s StatusService) attachLiveProgress(ctx domain.Context, snap domain.TaskSnapshot, view *domain.StatusView) {
	var p domain.TaskPayload
	if err := json.Unmarshal(snap.Payload, &p); err != nil || p.JobID == "" {
		return
	}
	job, err := s.Jobs.Get(ctx, p.Kind, p.JobID)
	if err != nil {
		return
	}
	if v, ok := metaInt(job.Metadata[domain.MetaProgress]); ok {
		view.Progress = &v
	}
	if job.Provider != domain.ProviderTripo || s.Drivers == nil {
		return
	}
	if job.AIServiceTaskID == "" || job.AIServiceTaskID == view.WorkerTaskID {
		// The provider task has not been registered yet.
		return
	}
	drv, ok := s.Drivers.Driver(job.Provider, job.Operation)
	if !ok {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, liveProgressTimeout)
	defer cancel()
	res, err := drv.Poll(pctx, domain.PollRef{ProviderTaskID: job.AIServiceTaskID})
	if err != nil {
		return
	}
	progress := res.Progress
	view.Progress = &progress
}

// metaInt coerces a metadata value that crossed a JSON boundary.
func metaInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
