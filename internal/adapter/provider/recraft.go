package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/genmedia/gateway/internal/domain"
)

// RecraftDriver serves imageToImage and inpaint. Recraft answers with result
// URLs; the driver fetches the first one so the orchestrator still sees a
// synchronous outcome with bytes.
type RecraftDriver struct {
	apiKey string
	base   string
	op     domain.Operation
	hc     *http.Client
	dl     downloader
}

func NewRecraftDriver(apiKey, baseURL string, op domain.Operation, hc *http.Client, dl downloader) *RecraftDriver {
	if hc == nil {
		hc = newClient(timeoutGenerate)
	}
	return &RecraftDriver{apiKey: apiKey, base: baseURL, op: op, hc: hc, dl: dl}
}

func (d *RecraftDriver) Capabilities() domain.Capabilities {
	return domain.Capabilities{NeedsInputBytes: true, Synchronous: true, ContentTypeHint: "image/png"}
}

func (d *RecraftDriver) path() (string, error) {
	switch d.op {
	case domain.OpImageToImage:
		return "/v1/images/imageToImage", nil
	case domain.OpInpaint:
		return "/v1/images/inpaint", nil
	default:
		return "", fmt.Errorf("op=recraft: unsupported operation %q", d.op)
	}
}

func (d *RecraftDriver) Submit(ctx domain.Context, job domain.Job, in domain.SubmitInputs) (domain.DriverOutcome, error) {
	path, err := d.path()
	if err != nil {
		return domain.DriverOutcome{}, err
	}

	form := newMultipartForm()
	if err := form.file("image", in.Filename, in.ContentType, in.Bytes); err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=recraft.submit: build form: %w", err)
	}
	if d.op == domain.OpInpaint && len(in.MaskBytes) > 0 {
		if err := form.file("mask", "mask.png", "image/png", in.MaskBytes); err != nil {
			return domain.DriverOutcome{}, fmt.Errorf("op=recraft.submit: build mask: %w", err)
		}
	}
	form.field("prompt", paramString(in.Params, "prompt"))
	if d.op == domain.OpImageToImage {
		form.field("strength", "0.4")
	}
	if s := paramString(in.Params, "style_preset"); s != "" {
		form.field("style", s)
	}
	form.field("response_format", "url")
	body, contentType := form.close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+path, bytes.NewReader(body))
	if err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=recraft.submit: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", contentType)

	status, respBody, _, err := do(d.hc, req, domain.ProviderRecraft, d.op)
	if err != nil {
		return domain.DriverOutcome{}, err
	}
	if retryableStatus(status) {
		return domain.DriverOutcome{}, fmt.Errorf("op=recraft.submit: status=%d body=%s: %w", status, snippet(respBody), domain.ErrUpstreamUnavailable)
	}
	if status != http.StatusOK {
		return domain.DriverOutcome{Kind: domain.OutcomeFailed, Reason: recraftErrorMessage(respBody, status)}, nil
	}

	var out struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=recraft.submit: decode response: %v: %w", err, domain.ErrUpstreamUnavailable)
	}
	if len(out.Data) == 0 || out.Data[0].URL == "" {
		return domain.DriverOutcome{Kind: domain.OutcomeFailed, Reason: "no result url"}, nil
	}

	data, ct, err := d.dl.fetch(ctx, out.Data[0].URL)
	if err != nil {
		return domain.DriverOutcome{}, err
	}
	slog.Debug("recraft result fetched",
		slog.String("job_id", job.ID),
		slog.String("operation", string(d.op)),
		slog.Int("bytes", len(data)))
	return domain.DriverOutcome{Kind: domain.OutcomeSynchronous, Bytes: data, ContentType: ct}, nil
}

func (d *RecraftDriver) Poll(domain.Context, domain.PollRef) (domain.PollResult, error) {
	return domain.PollResult{}, errors.New("recraft driver is synchronous")
}

func recraftErrorMessage(body []byte, status int) string {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return snippet([]byte(e.Message))
	}
	return fmt.Sprintf("recraft status %d", status)
}
