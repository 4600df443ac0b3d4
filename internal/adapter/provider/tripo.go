package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/genmedia/gateway/internal/domain"
)

// TripoDriver creates and polls Tripo3D tasks. Image inputs travel as blob
// store URLs with a file-type tag, never as raw bytes; the model file behind
// a finished task is downloaded later by the artifact pipeline.
type TripoDriver struct {
	apiKey string
	base   string
	op     domain.Operation
	hc     *http.Client
}

func NewTripoDriver(apiKey, baseURL string, op domain.Operation, hc *http.Client) *TripoDriver {
	if hc == nil {
		hc = newClient(timeoutShort)
	}
	return &TripoDriver{apiKey: apiKey, base: baseURL, op: op, hc: hc}
}

func (d *TripoDriver) Capabilities() domain.Capabilities {
	return domain.Capabilities{NeedsInputBytes: false, Synchronous: false, ContentTypeHint: "model/gltf-binary"}
}

func (d *TripoDriver) Submit(ctx domain.Context, job domain.Job, in domain.SubmitInputs) (domain.DriverOutcome, error) {
	task, err := d.taskRequest(job, in)
	if err != nil {
		return domain.DriverOutcome{}, err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=tripo.submit: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/v2/openapi/task", bytes.NewReader(body))
	if err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=tripo.submit: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	status, respBody, _, err := do(d.hc, req, domain.ProviderTripo, d.op)
	if err != nil {
		return domain.DriverOutcome{}, err
	}
	if retryableStatus(status) {
		return domain.DriverOutcome{}, fmt.Errorf("op=tripo.submit: status=%d body=%s: %w", status, snippet(respBody), domain.ErrUpstreamUnavailable)
	}

	var out struct {
		Code int `json:"code"`
		Data struct {
			TaskID string `json:"task_id"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.DriverOutcome{}, fmt.Errorf("op=tripo.submit: decode response: %v: %w", err, domain.ErrUpstreamUnavailable)
	}
	if status != http.StatusOK || out.Code != 0 || out.Data.TaskID == "" {
		reason := out.Message
		if reason == "" {
			reason = fmt.Sprintf("tripo status %d code %d", status, out.Code)
		}
		return domain.DriverOutcome{Kind: domain.OutcomeFailed, Reason: snippet([]byte(reason))}, nil
	}
	slog.Debug("tripo task accepted",
		slog.String("job_id", job.ID),
		slog.String("tripo_task_id", out.Data.TaskID),
		slog.String("type", task["type"].(string)))
	return domain.DriverOutcome{Kind: domain.OutcomeRemoteTask, ProviderTaskID: out.Data.TaskID}, nil
}

// taskRequest builds the create-task body for the driver's operation.
// Multiview encodes four slots [front, left, back, right]; absent views are
// empty objects, the front slot is always populated.
func (d *TripoDriver) taskRequest(job domain.Job, in domain.SubmitInputs) (map[string]any, error) {
	switch d.op {
	case domain.OpTextToModel:
		return map[string]any{
			"type":   "text_to_model",
			"prompt": paramString(in.Params, "prompt"),
		}, nil
	case domain.OpImageToModel:
		urls := paramStrings(in.Params, "input_image_urls")
		if len(urls) == 0 {
			return nil, fmt.Errorf("op=tripo.submit: no input urls: %w", domain.ErrInvalidRequest)
		}
		if paramBool(in.Params, "multiview") {
			files := make([]map[string]any, 4)
			for i := range files {
				files[i] = map[string]any{}
				if i < len(urls) && strings.TrimSpace(urls[i]) != "" {
					files[i] = map[string]any{"type": fileTag(urls[i]), "url": urls[i]}
				}
			}
			return map[string]any{
				"type":  "multiview_to_model",
				"files": files,
			}, nil
		}
		return map[string]any{
			"type": "image_to_model",
			"file": map[string]any{"type": fileTag(urls[0]), "url": urls[0]},
		}, nil
	case domain.OpRefineModel:
		draft := paramString(in.Params, "draft_provider_task_id")
		if draft == "" {
			return nil, fmt.Errorf("op=tripo.submit: missing draft task id: %w", domain.ErrInvalidRequest)
		}
		return map[string]any{
			"type":                "refine_model",
			"draft_model_task_id": draft,
		}, nil
	default:
		return nil, fmt.Errorf("op=tripo.submit: unsupported operation %q", d.op)
	}
}

func (d *TripoDriver) Poll(ctx domain.Context, ref domain.PollRef) (domain.PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/v2/openapi/task/"+ref.ProviderTaskID, nil)
	if err != nil {
		return domain.PollResult{}, fmt.Errorf("op=tripo.poll: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	status, respBody, _, err := do(d.hc, req, domain.ProviderTripo, d.op)
	if err != nil {
		return domain.PollResult{}, err
	}
	if status != http.StatusOK {
		return domain.PollResult{}, fmt.Errorf("op=tripo.poll: status=%d body=%s: %w", status, snippet(respBody), domain.ErrUpstreamUnavailable)
	}

	var out struct {
		Code int `json:"code"`
		Data struct {
			Status   string `json:"status"`
			Progress int    `json:"progress"`
			Output   struct {
				Model     string `json:"model"`
				BaseModel string `json:"base_model"`
				PBRModel  string `json:"pbr_model"`
			} `json:"output"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.PollResult{}, fmt.Errorf("op=tripo.poll: decode response: %v: %w", err, domain.ErrUpstreamUnavailable)
	}
	if out.Code != 0 {
		return domain.PollResult{}, fmt.Errorf("op=tripo.poll: code=%d: %w", out.Code, domain.ErrUpstreamUnavailable)
	}

	artifact := pickTripoArtifact(out.Data.Output.PBRModel, out.Data.Output.BaseModel, out.Data.Output.Model)
	switch out.Data.Status {
	case "queued", "running":
		return domain.PollResult{Kind: domain.PollInProgress, Progress: out.Data.Progress}, nil
	case "success":
		return domain.PollResult{
			Kind:                domain.PollReady,
			Progress:            100,
			ArtifactURL:         artifact,
			ArtifactContentType: "model/gltf-binary",
		}, nil
	case "failed", "cancelled", "banned", "expired":
		return domain.PollResult{Kind: domain.PollFailed, Reason: "tripo task " + out.Data.Status}, nil
	default:
		// Tripo has reported undocumented states with the work finished;
		// a present artifact at full progress is treated as success.
		if out.Data.Progress >= 100 && artifact != "" {
			return domain.PollResult{
				Kind:                domain.PollReady,
				Progress:            100,
				ArtifactURL:         artifact,
				ArtifactContentType: "model/gltf-binary",
			}, nil
		}
		return domain.PollResult{Kind: domain.PollInProgress, Progress: out.Data.Progress}, nil
	}
}

// pickTripoArtifact returns the first populated output slot in priority
// order: textured PBR model, base mesh, legacy model field.
func pickTripoArtifact(pbr, base, model string) string {
	switch {
	case pbr != "":
		return pbr
	case base != "":
		return base
	default:
		return model
	}
}

// fileTag derives the tag Tripo expects next to an image URL.
func fileTag(raw string) string {
	ext := ""
	if u, err := url.Parse(raw); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	switch ext {
	case ".png":
		return "png"
	case ".webp":
		return "webp"
	default:
		return "jpg"
	}
}
