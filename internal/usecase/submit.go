package usecase

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/genmedia/gateway/internal/adapter/observability"
	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
	"github.com/genmedia/gateway/pkg/textx"
)

// DriverRegistry resolves the driver registered for a (provider, operation)
// pair. The registry is the runtime face of the routing table: a pair
// without a driver is a pair the gateway does not offer.
type DriverRegistry interface {
	Driver(p domain.Provider, op domain.Operation) (domain.Driver, bool)
}

// SubmitRequest is a normalized submission after HTTP decoding. Fields not
// used by the requested operation are ignored.
type SubmitRequest struct {
	ClientTaskID string
	Operation    domain.Operation
	Provider     domain.Provider // empty selects the operation default

	Prompt          string
	Style           string
	OutputFormat    string
	SourceAssetURL  string
	MaskAssetURL    string
	N               int
	Background      string
	ControlStrength float64
	SelectPrompt    string
	MaxSizeMB       float64
	InputImageURLs  []string
	Multiview       bool
	DraftTaskID     string
	IsPublic        bool

	Tenant domain.TenantContext
}

// Hard cap on any fetched input, matching the downscale budget ceiling.
const maxInputBytes = 20 << 20

const maxPromptRunes = 4000

// SubmitService validates a generation request against the routing table,
// stages input bytes for drivers that want them, persists the job envelope
// and hands the work to the queue.
type SubmitService struct {
	Jobs      domain.JobStore
	Queue     domain.Queue
	Drivers   DriverRegistry
	Artifacts ArtifactPipeline
	Events    domain.EventSink
	Cfg       config.Config
}

// NewSubmitService wires a SubmitService. Events may be a no-op sink.
func NewSubmitService(jobs domain.JobStore, q domain.Queue, drivers DriverRegistry, artifacts ArtifactPipeline, events domain.EventSink, cfg config.Config) SubmitService {
	return SubmitService{Jobs: jobs, Queue: q, Drivers: drivers, Artifacts: artifacts, Events: events, Cfg: cfg}
}

// Submit runs the submission pipeline and returns the worker task handle the
// client polls with. A job row is never left pending: enqueue failure marks
// it failed before the error is returned.
func (s SubmitService) Submit(ctx domain.Context, req SubmitRequest) (domain.TaskHandle, error) {
	req.ClientTaskID = strings.TrimSpace(req.ClientTaskID)
	if req.ClientTaskID == "" {
		return domain.TaskHandle{}, fmt.Errorf("op=submit: task_id is required: %w", domain.ErrInvalidRequest)
	}

	provider, route, err := s.resolveRoute(req)
	if err != nil {
		return domain.TaskHandle{}, err
	}
	req.Provider = provider

	drv, ok := s.Drivers.Driver(provider, req.Operation)
	if !ok {
		return domain.TaskHandle{}, fmt.Errorf("op=submit: no driver for %s/%s: %w", provider, req.Operation, domain.ErrInvalidRequest)
	}

	if err := s.checkConstraints(ctx, &req); err != nil {
		return domain.TaskHandle{}, err
	}

	kind := domain.KindOf(req.Operation)
	payload := domain.TaskPayload{
		Kind:      kind,
		Provider:  provider,
		Operation: req.Operation,
		Params:    s.buildParams(req, route),
	}

	if drv.Capabilities().NeedsInputBytes {
		if err := s.stageInput(ctx, req, &payload); err != nil {
			return domain.TaskHandle{}, err
		}
	}

	job := domain.Job{
		ClientTaskID:   req.ClientTaskID,
		TenantID:       s.tenantID(req.Tenant),
		Kind:           kind,
		Provider:       provider,
		Operation:      req.Operation,
		Status:         domain.JobPending,
		Prompt:         textx.ClampRunes(textx.SanitizeText(req.Prompt), maxPromptRunes),
		Style:          textx.SanitizeText(req.Style),
		SourceAssetURL: s.sourceURL(req),
		AssetURL:       domain.AssetURLPending,
		IsPublic:       req.IsPublic,
	}
	jobID, err := s.Jobs.Create(ctx, job)
	if err != nil {
		return domain.TaskHandle{}, fmt.Errorf("op=submit.create: %v: %w", err, domain.ErrPersistence)
	}
	payload.JobID = jobID

	workerTaskID, err := s.Queue.Enqueue(ctx, payload)
	if err != nil {
		failed := domain.JobFailed
		if uerr := s.Jobs.Update(ctx, kind, jobID, domain.JobPatch{
			Status:   &failed,
			Metadata: map[string]any{domain.MetaError: "enqueue failed"},
		}); uerr != nil {
			slog.Error("failed to mark job failed after enqueue error",
				slog.String("job_id", jobID), slog.Any("error", uerr))
		}
		return domain.TaskHandle{}, fmt.Errorf("op=submit.enqueue: %v: %w", err, domain.ErrQueueFull)
	}
	observability.EnqueueJob(route.Queue)

	processing := domain.JobProcessing
	if err := s.Jobs.Update(ctx, kind, jobID, domain.JobPatch{
		Status:          &processing,
		AIServiceTaskID: &workerTaskID,
	}); err != nil {
		// The worker repeats this transition when it picks the task up, so
		// the submission still succeeds from the client's point of view.
		slog.Warn("could not mark job processing at enqueue time",
			slog.String("job_id", jobID), slog.Any("error", err))
	}

	if s.Events != nil {
		s.Events.Publish(ctx, domain.JobEvent{
			JobID: jobID, Kind: kind, Provider: provider, Operation: req.Operation,
			TenantID: job.TenantID, Status: domain.JobProcessing,
		})
	}

	slog.Info("job submitted",
		slog.String("job_id", jobID),
		slog.String("worker_task_id", workerTaskID),
		slog.String("provider", string(provider)),
		slog.String("operation", string(req.Operation)),
		slog.String("queue", route.Queue),
		slog.String("tenant_id", job.TenantID))
	return domain.TaskHandle{WorkerTaskID: workerTaskID}, nil
}

// resolveRoute applies the provider default and validates the pair against
// the routing table. ProviderLocal is internal and only reachable through
// downscale's default.
func (s SubmitService) resolveRoute(req SubmitRequest) (domain.Provider, domain.Route, error) {
	provider := req.Provider
	if req.Operation == domain.OpDownscale {
		provider = domain.ProviderLocal
	}
	if provider == "" {
		p, ok := domain.DefaultProvider(req.Operation)
		if !ok {
			return "", domain.Route{}, fmt.Errorf("op=submit: unknown operation %q: %w", req.Operation, domain.ErrInvalidRequest)
		}
		provider = p
	}
	if provider == domain.ProviderLocal && req.Operation != domain.OpDownscale {
		return "", domain.Route{}, fmt.Errorf("op=submit: provider %q is not selectable: %w", provider, domain.ErrInvalidRequest)
	}
	route, ok := domain.RouteFor(provider, req.Operation)
	if !ok {
		return "", domain.Route{}, fmt.Errorf("op=submit: %s does not support %s: %w", provider, req.Operation, domain.ErrInvalidRequest)
	}
	return provider, route, nil
}

// checkConstraints enforces the operation-specific request rules that the
// routing table cannot express.
func (s SubmitService) checkConstraints(ctx domain.Context, req *SubmitRequest) error {
	op := req.Operation
	needsPrompt := map[domain.Operation]bool{
		domain.OpTextToImage:      true,
		domain.OpImageToImage:     true,
		domain.OpSketchToImage:    true,
		domain.OpInpaint:          true,
		domain.OpSearchAndRecolor: true,
		domain.OpTextToModel:      true,
	}
	if needsPrompt[op] && strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("op=submit: prompt is required for %s: %w", op, domain.ErrInvalidRequest)
	}
	needsSource := map[domain.Operation]bool{
		domain.OpImageToImage:     true,
		domain.OpSketchToImage:    true,
		domain.OpRemoveBackground: true,
		domain.OpInpaint:          true,
		domain.OpSearchAndRecolor: true,
		domain.OpUpscale:          true,
		domain.OpDownscale:        true,
	}
	if needsSource[op] && strings.TrimSpace(req.SourceAssetURL) == "" {
		return fmt.Errorf("op=submit: source_asset_url is required for %s: %w", op, domain.ErrInvalidRequest)
	}

	switch op {
	case domain.OpImageToImage:
		if req.N == 0 {
			req.N = 1
		}
		if req.N < 1 || req.N > 10 {
			return fmt.Errorf("op=submit: n must be between 1 and 10: %w", domain.ErrInvalidRequest)
		}
	case domain.OpSearchAndRecolor:
		if strings.TrimSpace(req.SelectPrompt) == "" {
			return fmt.Errorf("op=submit: select_prompt is required: %w", domain.ErrInvalidRequest)
		}
	case domain.OpDownscale:
		if req.MaxSizeMB <= 0 || req.MaxSizeMB > 20 {
			return fmt.Errorf("op=submit: max_size_mb must be in (0, 20]: %w", domain.ErrInvalidRequest)
		}
	case domain.OpImageToModel:
		urls := nonEmpty(req.InputImageURLs)
		if len(urls) == 0 || len(req.InputImageURLs) > 4 {
			return fmt.Errorf("op=submit: input_image_asset_urls must carry 1-4 non-empty URLs: %w", domain.ErrInvalidRequest)
		}
		if (req.Multiview || len(req.InputImageURLs) > 1) && strings.TrimSpace(req.InputImageURLs[0]) == "" {
			return fmt.Errorf("op=submit: multiview requires a front view in slot 0: %w", domain.ErrInvalidRequest)
		}
	case domain.OpRefineModel:
		if strings.TrimSpace(req.DraftTaskID) == "" {
			return fmt.Errorf("op=submit: draft_task_id is required: %w", domain.ErrInvalidRequest)
		}
		draft, err := s.Jobs.LatestByClientTaskID(ctx, domain.KindModel, req.DraftTaskID)
		if err != nil {
			return fmt.Errorf("op=submit: draft model %q not found: %w", req.DraftTaskID, domain.ErrInvalidRequest)
		}
		if draft.Provider != domain.ProviderTripo || draft.Status != domain.JobComplete || draft.AIServiceTaskID == "" {
			return fmt.Errorf("op=submit: draft model %q is not a completed tripo job: %w", req.DraftTaskID, domain.ErrInvalidRequest)
		}
		// Carried forward into the payload by buildParams via the request.
		req.SourceAssetURL = draft.AssetURL
		req.DraftTaskID = draft.AIServiceTaskID
	}
	return nil
}

// buildParams snapshots every driver-facing knob into the process-boundary
// payload. Values must survive a JSON round trip.
func (s SubmitService) buildParams(req SubmitRequest, route domain.Route) map[string]any {
	p := map[string]any{}
	set := func(k string, v any) { p[k] = v }
	if req.Prompt != "" {
		set("prompt", textx.ClampRunes(textx.SanitizeText(req.Prompt), maxPromptRunes))
	}
	if req.Style != "" {
		set("style_preset", textx.SanitizeText(req.Style))
	}
	if req.OutputFormat != "" {
		set("output_format", strings.ToLower(req.OutputFormat))
	}
	if req.N > 0 {
		set("n", req.N)
	}
	if req.Background != "" {
		set("background", req.Background)
	}
	if req.ControlStrength > 0 {
		set("control_strength", req.ControlStrength)
	}
	if req.SelectPrompt != "" {
		set("select_prompt", textx.SanitizeText(req.SelectPrompt))
	}
	if req.MaxSizeMB > 0 {
		set("max_size_mb", req.MaxSizeMB)
	}
	if len(req.InputImageURLs) > 0 {
		set("input_image_urls", req.InputImageURLs)
	}
	multiview := req.Operation == domain.OpImageToModel && req.Provider == domain.ProviderTripo &&
		(req.Multiview || len(req.InputImageURLs) > 1)
	if multiview {
		set("multiview", true)
	}
	if req.Operation == domain.OpRefineModel && req.DraftTaskID != "" {
		set("draft_provider_task_id", req.DraftTaskID)
	}
	class := route.Class
	if multiview {
		class = domain.DeadlineMultiview
	}
	set("deadline_class", string(class))
	return p
}

// stageInput fetches the bytes a synchronous driver consumes and carries
// them across the process boundary base64-encoded.
func (s SubmitService) stageInput(ctx domain.Context, req SubmitRequest, payload *domain.TaskPayload) error {
	src := s.sourceURL(req)
	if src == "" {
		return fmt.Errorf("op=submit: no input image for %s: %w", req.Operation, domain.ErrInvalidRequest)
	}
	data, ct, err := s.Artifacts.FetchInput(ctx, src)
	if err != nil {
		return err
	}
	if len(data) > maxInputBytes {
		return fmt.Errorf("op=submit: input exceeds %d MB: %w", maxInputBytes>>20, domain.ErrInvalidRequest)
	}
	payload.InputB64 = base64.StdEncoding.EncodeToString(data)
	payload.InputContentType = ct
	payload.InputName = inputName(src, ct)

	if req.Operation == domain.OpInpaint && strings.TrimSpace(req.MaskAssetURL) != "" {
		mask, _, err := s.Artifacts.FetchInput(ctx, req.MaskAssetURL)
		if err != nil {
			return fmt.Errorf("op=submit.mask: %w", err)
		}
		if len(mask) > maxInputBytes {
			return fmt.Errorf("op=submit: mask exceeds %d MB: %w", maxInputBytes>>20, domain.ErrInvalidRequest)
		}
		payload.MaskB64 = base64.StdEncoding.EncodeToString(mask)
	}
	return nil
}

// sourceURL picks the input URL for the operation: image operations carry
// source_asset_url, model-from-image operations the first slot.
func (s SubmitService) sourceURL(req SubmitRequest) string {
	if req.Operation == domain.OpImageToModel {
		for _, u := range req.InputImageURLs {
			if strings.TrimSpace(u) != "" {
				return u
			}
		}
		return ""
	}
	return req.SourceAssetURL
}

func (s SubmitService) tenantID(t domain.TenantContext) string {
	if t.TenantID == "" {
		return domain.DevelopmentTenantID
	}
	return t.TenantID
}

func nonEmpty(urls []string) []string {
	var out []string
	for _, u := range urls {
		if strings.TrimSpace(u) != "" {
			out = append(out, u)
		}
	}
	return out
}

// inputName derives a filename for multipart uploads from the source URL,
// falling back to an extension guessed off the content type.
func inputName(src, contentType string) string {
	if u, err := url.Parse(src); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && strings.Contains(base, ".") {
			return textx.SafeFilename(base)
		}
	}
	switch {
	case strings.Contains(contentType, "jpeg"):
		return "input.jpg"
	case strings.Contains(contentType, "webp"):
		return "input.webp"
	default:
		return "input.png"
	}
}
