package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not found")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrArtifactFetch       = errors.New("artifact fetch failed")
	ErrArtifactStore       = errors.New("artifact store failed")
	ErrProviderTaskFailed  = errors.New("provider task failed")
	ErrTimeout             = errors.New("job timeout")
	ErrPersistence         = errors.New("persistence failed")
	ErrQueueFull           = errors.New("queue full")
)

// Kind discriminates the two physical job tables.
type Kind string

const (
	KindImage Kind = "image"
	KindModel Kind = "model"
)

// AssetTypePlural is the path segment used by the artifact pipeline.
func (k Kind) AssetTypePlural() string {
	if k == KindModel {
		return "models"
	}
	return "images"
}

// Provider identifies the upstream generation service. ProviderLocal is
// internal: it backs the in-process downscale transform and is never
// accepted from a client request.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderStability Provider = "stability"
	ProviderRecraft   Provider = "recraft"
	ProviderFlux      Provider = "flux"
	ProviderTripo     Provider = "tripo"
	ProviderLocal     Provider = "local"
)

type Operation string

const (
	OpTextToImage      Operation = "text_to_image"
	OpImageToImage     Operation = "image_to_image"
	OpSketchToImage    Operation = "sketch_to_image"
	OpRemoveBackground Operation = "remove_background"
	OpInpaint          Operation = "inpaint"
	OpSearchAndRecolor Operation = "search_and_recolor"
	OpUpscale          Operation = "upscale"
	OpDownscale        Operation = "downscale"
	OpTextToModel      Operation = "text_to_model"
	OpImageToModel     Operation = "image_to_model"
	OpRefineModel      Operation = "refine_model"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// ValidTransition enforces the status DAG:
// pending -> processing -> {complete|failed}, pending -> failed.
// A same-state update of a non-terminal status is a no-op and allowed,
// because submission marks the job processing at enqueue time and the
// orchestrator repeats that transition when the worker picks it up.
func ValidTransition(from, to JobStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case JobPending:
		return to == JobProcessing || to == JobFailed
	case JobProcessing:
		return to == JobComplete || to == JobFailed
	default:
		return false
	}
}

// AssetURLPending is the asset_url placeholder carried by every job that has
// not reached complete.
const AssetURLPending = "pending"

// DevelopmentTenantID is the sentinel owner for dev-mode submissions.
const DevelopmentTenantID = "development"

// Metadata keys written by the orchestrator.
const (
	MetaError          = "error"
	MetaProgress       = "progress"
	MetaExtraAssetURLs = "extra_asset_urls"
)

// Job is the persisted envelope shared by the images and models tables.
type Job struct {
	ID              string
	ClientTaskID    string
	TenantID        string
	Kind            Kind
	Provider        Provider
	Operation       Operation
	Status          JobStatus
	Prompt          string
	Style           string
	SourceAssetURL  string
	AIServiceTaskID string
	AssetURL        string
	Metadata        map[string]any
	IsPublic        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JobPatch is a partial update; nil fields are left untouched. Metadata keys
// are merged into the stored map, not replaced wholesale.
type JobPatch struct {
	Status          *JobStatus
	AIServiceTaskID *string
	AssetURL        *string
	Prompt          *string
	Style           *string
	Metadata        map[string]any
}

// TaskHandle is what the client polls with.
type TaskHandle struct {
	WorkerTaskID string
}

// TenantType enumerates credential classes.
const (
	TenantShopify     = "shopify"
	TenantSupabaseApp = "supabase_app"
	TenantCustom      = "custom"
	TenantDevelopment = "development"
)

// TenantContext is produced by the credential oracle and attached to every
// authenticated request.
type TenantContext struct {
	TenantID   string
	TenantType string
	Metadata   map[string]any
}

// Tenant is the persisted credential record. KeyHash is an argon2id digest;
// the plaintext key is returned exactly once at registration.
type Tenant struct {
	ID        string
	Type      string
	KeyID     string
	KeyHash   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// TaskPayload crosses the process boundary to the worker. It must stay
// JSON-serializable; staged input bytes travel base64-encoded.
type TaskPayload struct {
	JobID            string         `json:"job_id"`
	Kind             Kind           `json:"kind"`
	Provider         Provider       `json:"provider"`
	Operation        Operation      `json:"operation"`
	Params           map[string]any `json:"params,omitempty"`
	InputB64         string         `json:"input_bytes_b64,omitempty"`
	InputContentType string         `json:"input_content_type,omitempty"`
	InputName        string         `json:"input_name,omitempty"`
	MaskB64          string         `json:"mask_bytes_b64,omitempty"`
}

// TaskResult is the terminal record a worker writes against its task so the
// status endpoint can answer without re-reading queue internals.
type TaskResult struct {
	JobID    string    `json:"job_id"`
	Kind     Kind      `json:"kind"`
	Status   JobStatus `json:"status"`
	AssetURL string    `json:"asset_url,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// StatusView is the client-facing status projection.
type StatusView struct {
	WorkerTaskID string
	Status       JobStatus
	AssetURL     string
	Error        string
	Progress     *int
}

// JobEvent is the lifecycle record published to the event feed.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Kind      Kind      `json:"kind"`
	Provider  Provider  `json:"provider"`
	Operation Operation `json:"operation"`
	TenantID  string    `json:"tenant_id"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
