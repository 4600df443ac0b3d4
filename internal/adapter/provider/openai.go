package provider

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/genmedia/gateway/internal/domain"
)

const openaiImageModel = "gpt-image-1"

// OpenAIDriver serves image_to_image through the images/edits endpoint. The
// call blocks until every requested variant is rendered, so the driver is
// synchronous and the worker's wall clock absorbs the latency.
type OpenAIDriver struct {
	apiKey string
	base   string
	hc     *http.Client
}

func NewOpenAIDriver(apiKey, baseURL string, hc *http.Client) *OpenAIDriver {
	if hc == nil {
		hc = newClient(timeoutGenerate)
	}
	return &OpenAIDriver{apiKey: apiKey, base: baseURL, hc: hc}
}

func (d *OpenAIDriver) Capabilities() domain.Capabilities {
	return domain.Capabilities{NeedsInputBytes: true, Synchronous: true, ContentTypeHint: "image/png"}
}

func (d *OpenAIDriver) Submit(ctx domain.Context, job domain.Job, in domain.SubmitInputs) (domain.DriverOutcome, error) {
	form := newMultipartForm()
	if err := form.file("image", in.Filename, in.ContentType, in.Bytes); err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=openai.submit: build form: %w", err)
	}
	form.field("model", openaiImageModel)
	form.field("prompt", paramString(in.Params, "prompt"))
	if n := paramInt(in.Params, "n", 1); n > 1 {
		form.field("n", strconv.Itoa(n))
	}
	if bg := paramString(in.Params, "background"); bg != "" {
		form.field("background", bg)
	}
	body, contentType := form.close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/v1/images/edits", bytes.NewReader(body))
	if err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=openai.submit: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", contentType)

	status, respBody, _, err := do(d.hc, req, domain.ProviderOpenAI, job.Operation)
	if err != nil {
		return domain.DriverOutcome{}, err
	}
	if retryableStatus(status) {
		return domain.DriverOutcome{}, fmt.Errorf("op=openai.submit: status=%d body=%s: %w", status, snippet(respBody), domain.ErrUpstreamUnavailable)
	}
	if status != http.StatusOK {
		return domain.DriverOutcome{Kind: domain.OutcomeFailed, Reason: openaiErrorMessage(respBody, status)}, nil
	}

	var out struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=openai.submit: decode response: %v: %w", err, domain.ErrUpstreamUnavailable)
	}
	if len(out.Data) == 0 {
		return domain.DriverOutcome{Kind: domain.OutcomeFailed, Reason: "no image returned"}, nil
	}

	result := domain.DriverOutcome{Kind: domain.OutcomeSynchronous, ContentType: "image/png"}
	for i, item := range out.Data {
		decoded, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return domain.DriverOutcome{}, fmt.Errorf("op=openai.submit: decode image %d: %v: %w", i, err, domain.ErrUpstreamUnavailable)
		}
		if i == 0 {
			result.Bytes = decoded
			continue
		}
		result.Extras = append(result.Extras, domain.ExtraArtifact{Bytes: decoded, ContentType: "image/png"})
	}
	slog.Debug("openai edit done",
		slog.String("job_id", job.ID),
		slog.Int("images", len(out.Data)))
	return result, nil
}

func (d *OpenAIDriver) Poll(domain.Context, domain.PollRef) (domain.PollResult, error) {
	return domain.PollResult{}, errors.New("openai driver is synchronous")
}

// openaiErrorMessage pulls the human message out of the error envelope.
func openaiErrorMessage(body []byte, status int) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return snippet([]byte(e.Error.Message))
	}
	return fmt.Sprintf("openai status %d", status)
}
