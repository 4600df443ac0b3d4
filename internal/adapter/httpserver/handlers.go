package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
	"github.com/genmedia/gateway/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Submit  usecase.SubmitService
	Status  usecase.StatusService
	Tenants domain.TenantStore

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	BlobCheck  func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, status usecase.StatusService, tenants domain.TenantStore, dbCheck, redisCheck, blobCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:     cfg,
		Submit:  submit,
		Status:  status,
		Tenants: tenants,

		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		BlobCheck:  blobCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// imageRequest is the JSON body shared by the image submit endpoints. Fields
// an operation does not use are ignored by the submit service.
type imageRequest struct {
	TaskID          string  `json:"task_id" validate:"required,max=100"`
	Provider        string  `json:"provider" validate:"omitempty,oneof=openai stability recraft flux"`
	Prompt          string  `json:"prompt" validate:"omitempty,max=4000"`
	StylePreset     string  `json:"style_preset" validate:"omitempty,max=100"`
	OutputFormat    string  `json:"output_format" validate:"omitempty,oneof=png jpeg webp"`
	SourceAssetURL  string  `json:"source_asset_url" validate:"omitempty,url,max=2000"`
	MaskAssetURL    string  `json:"mask_asset_url" validate:"omitempty,url,max=2000"`
	N               int     `json:"n" validate:"omitempty,min=1,max=10"`
	Background      string  `json:"background" validate:"omitempty,oneof=transparent opaque auto"`
	ControlStrength float64 `json:"control_strength" validate:"omitempty,gt=0,lte=1"`
	SelectPrompt    string  `json:"select_prompt" validate:"omitempty,max=4000"`
	MaxSizeMB       float64 `json:"max_size_mb" validate:"omitempty,gt=0,lte=20"`
	IsPublic        bool    `json:"is_public"`
}

// modelRequest is the JSON body shared by the model submit endpoints.
type modelRequest struct {
	TaskID              string   `json:"task_id" validate:"required,max=100"`
	Provider            string   `json:"provider" validate:"omitempty,oneof=tripo stability"`
	Prompt              string   `json:"prompt" validate:"omitempty,max=4000"`
	Style               string   `json:"style" validate:"omitempty,max=100"`
	InputImageAssetURLs []string `json:"input_image_asset_urls" validate:"omitempty,max=4,dive,omitempty,url"`
	Multiview           bool     `json:"multiview"`
	DraftTaskID         string   `json:"draft_task_id" validate:"omitempty,max=100"`
	IsPublic            bool     `json:"is_public"`
}

// statusResponse is the wire shape of a StatusView.
type statusResponse struct {
	WorkerTaskID string `json:"worker_task_id"`
	Status       string `json:"status"`
	AssetURL     string `json:"asset_url,omitempty"`
	Error        string `json:"error,omitempty"`
	Progress     *int   `json:"progress,omitempty"`
}

// decodeBody enforces JSON negotiation, the body size cap and validator
// tags. It writes the error response itself and reports success.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	// Accept negotiation: only JSON responses supported
	if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
		writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
			Code: "INVALID_REQUEST", Message: "not acceptable", Details: map[string]any{"accept": a},
		}})
		return false
	}
	maxMB := s.Cfg.MaxRequestBodyMB
	if maxMB <= 0 {
		maxMB = 1
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxMB<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("op=http: invalid json: %w", domain.ErrInvalidRequest), nil)
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("op=http: validation failed: %w", domain.ErrInvalidRequest), verrs)
		return false
	}
	return true
}

// SubmitImageHandler decodes an image submission for op and hands it to the
// submit service. The response is the worker task handle the client polls.
func (s *Server) SubmitImageHandler(op domain.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req imageRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		if !ValidClientTaskID(req.TaskID) {
			writeError(w, r, fmt.Errorf("op=http: task_id must be a path-safe identifier: %w", domain.ErrInvalidRequest), map[string]string{"field": "task_id"})
			return
		}
		tc, _ := TenantFrom(r.Context())
		handle, err := s.Submit.Submit(r.Context(), usecase.SubmitRequest{
			ClientTaskID:    req.TaskID,
			Operation:       op,
			Provider:        domain.Provider(req.Provider),
			Prompt:          req.Prompt,
			Style:           req.StylePreset,
			OutputFormat:    req.OutputFormat,
			SourceAssetURL:  req.SourceAssetURL,
			MaskAssetURL:    req.MaskAssetURL,
			N:               req.N,
			Background:      req.Background,
			ControlStrength: req.ControlStrength,
			SelectPrompt:    req.SelectPrompt,
			MaxSizeMB:       req.MaxSizeMB,
			IsPublic:        req.IsPublic,
			Tenant:          tc,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": handle.WorkerTaskID})
	}
}

// SubmitModelHandler decodes a 3D model submission for op.
func (s *Server) SubmitModelHandler(op domain.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req modelRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		if !ValidClientTaskID(req.TaskID) {
			writeError(w, r, fmt.Errorf("op=http: task_id must be a path-safe identifier: %w", domain.ErrInvalidRequest), map[string]string{"field": "task_id"})
			return
		}
		tc, _ := TenantFrom(r.Context())
		handle, err := s.Submit.Submit(r.Context(), usecase.SubmitRequest{
			ClientTaskID:   req.TaskID,
			Operation:      op,
			Provider:       domain.Provider(req.Provider),
			Prompt:         req.Prompt,
			Style:          req.Style,
			InputImageURLs: req.InputImageAssetURLs,
			Multiview:      req.Multiview,
			DraftTaskID:    req.DraftTaskID,
			IsPublic:       req.IsPublic,
			Tenant:         tc,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": handle.WorkerTaskID})
	}
}

// StatusHandler reports the live view of one worker task.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "worker_task_id")
		if !ValidWorkerTaskID(id) {
			writeError(w, r, fmt.Errorf("op=status: unknown task id: %w", domain.ErrNotFound), nil)
			return
		}
		view, err := s.Status.Get(r.Context(), id, r.URL.Query().Get("service"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{
			WorkerTaskID: view.WorkerTaskID,
			Status:       string(view.Status),
			AssetURL:     view.AssetURL,
			Error:        view.Error,
			Progress:     view.Progress,
		})
	}
}

// registerTenantRequest is the registration body. Metadata is stored
// verbatim on the tenant row.
type registerTenantRequest struct {
	TenantType string         `json:"tenant_type" validate:"required,oneof=shopify supabase_app custom"`
	TenantID   string         `json:"tenant_id" validate:"required,min=3,max=200"`
	Metadata   map[string]any `json:"metadata"`
}

// RegisterTenantHandler mints an API key for a new tenant. The plaintext key
// appears in this response and nowhere else; only its hash is stored.
func (s *Server) RegisterTenantHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.registrationAllowed(r) {
			writeError(w, r, fmt.Errorf("op=register: registration secret rejected: %w", domain.ErrUnauthorized), nil)
			return
		}
		var req registerTenantRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		if req.TenantType == domain.TenantShopify && !IsShopifyDomain(req.TenantID) {
			writeError(w, r, fmt.Errorf("op=register: shopify tenant id must be a .myshopify.com domain: %w", domain.ErrInvalidRequest), map[string]string{"field": "tenant_id"})
			return
		}
		plaintext, keyID, secret, err := GenerateAPIKey()
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		hash, err := HashAPIKey(secret, defaultArgon2Params)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=register: key hash: %w", err), nil)
			return
		}
		t := domain.Tenant{
			ID:       req.TenantID,
			Type:     req.TenantType,
			KeyID:    keyID,
			KeyHash:  hash,
			Metadata: req.Metadata,
		}
		if err := s.Tenants.Create(r.Context(), t); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"tenant_id": req.TenantID,
			"api_key":   plaintext,
		})
	}
}

// registrationAllowed compares X-Registration-Secret in constant time. An
// unset secret keeps registration open only in dev.
func (s *Server) registrationAllowed(r *http.Request) bool {
	secret := s.Cfg.RegistrationSecret
	if secret == "" {
		return s.Cfg.IsDev()
	}
	presented := r.Header.Get("X-Registration-Secret")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes postgres, redis and the blob store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		if s.BlobCheck != nil {
			if err := s.BlobCheck(ctx); err != nil {
				checks = append(checks, check{Name: "blobstore", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "blobstore", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
