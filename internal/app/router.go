package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/genmedia/gateway/internal/adapter/httpserver"
	"github.com/genmedia/gateway/internal/adapter/observability"
	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, auth *httpserver.Authenticator) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Image submissions: authenticated, rate limited per client IP.
	r.Group(func(ir chi.Router) {
		ir.Use(httprate.LimitByIP(cfg.BFFImageRequestsPerMinute, 1*time.Minute))
		ir.Use(auth.RequireTenant)
		ir.Post("/images/text_to_image", srv.SubmitImageHandler(domain.OpTextToImage))
		ir.Post("/images/image_to_image", srv.SubmitImageHandler(domain.OpImageToImage))
		ir.Post("/images/sketch_to_image", srv.SubmitImageHandler(domain.OpSketchToImage))
		ir.Post("/images/remove_background", srv.SubmitImageHandler(domain.OpRemoveBackground))
		ir.Post("/images/inpaint", srv.SubmitImageHandler(domain.OpInpaint))
		ir.Post("/images/search_and_recolor", srv.SubmitImageHandler(domain.OpSearchAndRecolor))
		ir.Post("/images/upscale", srv.SubmitImageHandler(domain.OpUpscale))
		ir.Post("/images/downscale", srv.SubmitImageHandler(domain.OpDownscale))
	})

	// Model submissions: stricter limit, same auth.
	r.Group(func(mr chi.Router) {
		mr.Use(httprate.LimitByIP(cfg.BFFModelRequestsPerMinute, 1*time.Minute))
		mr.Use(auth.RequireTenant)
		mr.Post("/models/text_to_model", srv.SubmitModelHandler(domain.OpTextToModel))
		mr.Post("/models/image_to_model", srv.SubmitModelHandler(domain.OpImageToModel))
		mr.Post("/models/refine_model", srv.SubmitModelHandler(domain.OpRefineModel))
	})

	// Status polling: no auth required, generous limit.
	r.Group(func(sr chi.Router) {
		sr.Use(httprate.LimitByIP(cfg.BFFStatusRequestsPerMinute, 1*time.Minute))
		sr.Get("/tasks/{worker_task_id}/status", srv.StatusHandler())
	})

	// Tenant registration is guarded by the registration secret inside the
	// handler, not by tenant auth.
	r.Post("/tenants/register", srv.RegisterTenantHandler())

	// Health and metrics
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
