package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/genmedia/gateway/internal/domain"
)

// StabilityDriver serves the v2beta stable-image endpoints plus Stable Fast
// 3D. Every operation answers with the artifact bytes in the response body,
// so all of them are synchronous. One instance serves one operation.
type StabilityDriver struct {
	apiKey string
	base   string
	op     domain.Operation
	hc     *http.Client
}

func NewStabilityDriver(apiKey, baseURL string, op domain.Operation, hc *http.Client) *StabilityDriver {
	if hc == nil {
		hc = newClient(timeoutGenerate)
	}
	return &StabilityDriver{apiKey: apiKey, base: baseURL, op: op, hc: hc}
}

func (d *StabilityDriver) Capabilities() domain.Capabilities {
	caps := domain.Capabilities{
		NeedsInputBytes: d.op != domain.OpTextToImage,
		Synchronous:     true,
		ContentTypeHint: "image/png",
	}
	if d.op == domain.OpImageToModel {
		caps.ContentTypeHint = "model/gltf-binary"
	}
	return caps
}

// endpoint returns the operation's path and the Accept header that selects a
// binary body.
func (d *StabilityDriver) endpoint() (string, string, error) {
	switch d.op {
	case domain.OpTextToImage:
		return "/v2beta/stable-image/generate/core", "image/*", nil
	case domain.OpImageToImage:
		return "/v2beta/stable-image/generate/sd3", "image/*", nil
	case domain.OpSketchToImage:
		return "/v2beta/stable-image/control/sketch", "image/*", nil
	case domain.OpRemoveBackground:
		return "/v2beta/stable-image/edit/remove-background", "image/*", nil
	case domain.OpSearchAndRecolor:
		return "/v2beta/stable-image/edit/search-and-recolor", "image/*", nil
	case domain.OpUpscale:
		return "/v2beta/stable-image/upscale/fast", "image/*", nil
	case domain.OpImageToModel:
		return "/v2beta/3d/stable-fast-3d", "model/gltf-binary", nil
	default:
		return "", "", fmt.Errorf("op=stability: unsupported operation %q", d.op)
	}
}

func (d *StabilityDriver) Submit(ctx domain.Context, job domain.Job, in domain.SubmitInputs) (domain.DriverOutcome, error) {
	path, accept, err := d.endpoint()
	if err != nil {
		return domain.DriverOutcome{}, err
	}

	form := newMultipartForm()
	if d.Capabilities().NeedsInputBytes {
		if err := form.file("image", in.Filename, in.ContentType, in.Bytes); err != nil {
			return domain.DriverOutcome{}, fmt.Errorf("op=stability.submit: build form: %w", err)
		}
	}
	outputFormat := paramString(in.Params, "output_format")
	switch d.op {
	case domain.OpTextToImage:
		form.field("prompt", paramString(in.Params, "prompt"))
		if s := paramString(in.Params, "style_preset"); s != "" {
			form.field("style_preset", s)
		}
	case domain.OpImageToImage:
		form.field("prompt", paramString(in.Params, "prompt"))
		form.field("mode", "image-to-image")
		form.field("strength", "0.65")
		if s := paramString(in.Params, "style_preset"); s != "" {
			form.field("style_preset", s)
		}
	case domain.OpSketchToImage:
		form.field("prompt", paramString(in.Params, "prompt"))
		if cs := paramFloat(in.Params, "control_strength", 0); cs > 0 {
			form.field("control_strength", strconv.FormatFloat(cs, 'f', -1, 64))
		}
	case domain.OpSearchAndRecolor:
		form.field("prompt", paramString(in.Params, "prompt"))
		form.field("select_prompt", paramString(in.Params, "select_prompt"))
	case domain.OpRemoveBackground, domain.OpUpscale, domain.OpImageToModel:
		// Image part only.
	}
	if outputFormat != "" && d.op != domain.OpImageToModel {
		form.field("output_format", outputFormat)
	}
	body, contentType := form.close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+path, bytes.NewReader(body))
	if err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=stability.submit: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", accept)

	status, respBody, hdr, err := do(d.hc, req, domain.ProviderStability, d.op)
	if err != nil {
		return domain.DriverOutcome{}, err
	}
	if retryableStatus(status) {
		return domain.DriverOutcome{}, fmt.Errorf("op=stability.submit: status=%d body=%s: %w", status, snippet(respBody), domain.ErrUpstreamUnavailable)
	}
	if status != http.StatusOK {
		return domain.DriverOutcome{Kind: domain.OutcomeFailed, Reason: stabilityErrorMessage(respBody, status)}, nil
	}
	if len(respBody) == 0 {
		return domain.DriverOutcome{Kind: domain.OutcomeFailed, Reason: "empty artifact body"}, nil
	}

	ct := hdr.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = outputContentType(outputFormat, d.Capabilities().ContentTypeHint)
	}
	slog.Debug("stability call done",
		slog.String("job_id", job.ID),
		slog.String("operation", string(d.op)),
		slog.Int("bytes", len(respBody)))
	return domain.DriverOutcome{Kind: domain.OutcomeSynchronous, Bytes: respBody, ContentType: ct}, nil
}

func (d *StabilityDriver) Poll(domain.Context, domain.PollRef) (domain.PollResult, error) {
	return domain.PollResult{}, errors.New("stability driver is synchronous")
}

// stabilityErrorMessage flattens the v2beta error envelope.
func stabilityErrorMessage(body []byte, status int) string {
	var e struct {
		Name   string   `json:"name"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(body, &e); err == nil && len(e.Errors) > 0 {
		return snippet([]byte(e.Errors[0]))
	}
	return fmt.Sprintf("stability status %d", status)
}
