package provider

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/genmedia/gateway/internal/domain"
)

// FluxDriver talks to the BFL API. Submissions return a task id plus a
// polling URL, so outcomes are remote and the orchestrator polls at the
// route's five-second interval.
type FluxDriver struct {
	apiKey string
	base   string
	op     domain.Operation
	hc     *http.Client
}

func NewFluxDriver(apiKey, baseURL string, op domain.Operation, hc *http.Client) *FluxDriver {
	if hc == nil {
		hc = newClient(timeoutShort)
	}
	return &FluxDriver{apiKey: apiKey, base: baseURL, op: op, hc: hc}
}

func (d *FluxDriver) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		NeedsInputBytes: d.op == domain.OpImageToImage,
		Synchronous:     false,
		ContentTypeHint: "image/jpeg",
	}
}

func (d *FluxDriver) Submit(ctx domain.Context, job domain.Job, in domain.SubmitInputs) (domain.DriverOutcome, error) {
	payload := map[string]any{
		"prompt": paramString(in.Params, "prompt"),
	}
	if f := paramString(in.Params, "output_format"); f != "" {
		payload["output_format"] = f
	}
	path := "/v1/flux-pro-1.1"
	if d.op == domain.OpImageToImage {
		path = "/v1/flux-kontext-pro"
		payload["input_image"] = base64.StdEncoding.EncodeToString(in.Bytes)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=flux.submit: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+path, bytes.NewReader(body))
	if err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=flux.submit: %w", err)
	}
	req.Header.Set("x-key", d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	status, respBody, _, err := do(d.hc, req, domain.ProviderFlux, d.op)
	if err != nil {
		return domain.DriverOutcome{}, err
	}
	if retryableStatus(status) {
		return domain.DriverOutcome{}, fmt.Errorf("op=flux.submit: status=%d body=%s: %w", status, snippet(respBody), domain.ErrUpstreamUnavailable)
	}
	if status != http.StatusOK {
		return domain.DriverOutcome{Kind: domain.OutcomeFailed, Reason: fluxErrorMessage(respBody, status)}, nil
	}

	var out struct {
		ID         string `json:"id"`
		PollingURL string `json:"polling_url"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.ID == "" {
		return domain.DriverOutcome{}, fmt.Errorf("op=flux.submit: decode response: %w", domain.ErrUpstreamUnavailable)
	}
	slog.Debug("flux task accepted",
		slog.String("job_id", job.ID),
		slog.String("flux_id", out.ID))
	return domain.DriverOutcome{Kind: domain.OutcomeRemoteTask, ProviderTaskID: out.ID, PollURL: out.PollingURL}, nil
}

func (d *FluxDriver) Poll(ctx domain.Context, ref domain.PollRef) (domain.PollResult, error) {
	url := ref.PollURL
	if url == "" {
		url = d.base + "/v1/get_result?id=" + ref.ProviderTaskID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PollResult{}, fmt.Errorf("op=flux.poll: %w", err)
	}
	req.Header.Set("x-key", d.apiKey)

	status, respBody, _, err := do(d.hc, req, domain.ProviderFlux, d.op)
	if err != nil {
		return domain.PollResult{}, err
	}
	if status != http.StatusOK {
		return domain.PollResult{}, fmt.Errorf("op=flux.poll: status=%d body=%s: %w", status, snippet(respBody), domain.ErrUpstreamUnavailable)
	}

	var out struct {
		Status   string   `json:"status"`
		Progress *float64 `json:"progress"`
		Result   struct {
			Sample string `json:"sample"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.PollResult{}, fmt.Errorf("op=flux.poll: decode response: %w", domain.ErrUpstreamUnavailable)
	}

	switch strings.ToLower(out.Status) {
	case "pending", "running":
		progress := 0
		if out.Progress != nil {
			progress = int(*out.Progress * 100)
		}
		return domain.PollResult{Kind: domain.PollInProgress, Progress: progress}, nil
	case "ready":
		return domain.PollResult{
			Kind:                domain.PollReady,
			Progress:            100,
			ArtifactURL:         out.Result.Sample,
			ArtifactContentType: d.Capabilities().ContentTypeHint,
		}, nil
	case "error", "failed", "task not found":
		return domain.PollResult{Kind: domain.PollFailed, Reason: "flux task " + strings.ToLower(out.Status)}, nil
	case "request moderated", "content moderated":
		return domain.PollResult{Kind: domain.PollFailed, Reason: "flux moderation rejected the request"}, nil
	default:
		// Unknown states keep the loop alive until the job deadline.
		return domain.PollResult{Kind: domain.PollInProgress}, nil
	}
}

func fluxErrorMessage(body []byte, status int) string {
	var e struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Detail != "" {
		return snippet([]byte(e.Detail))
	}
	return fmt.Sprintf("flux status %d", status)
}
