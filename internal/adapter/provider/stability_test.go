package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genmedia/gateway/internal/domain"
)

func TestStabilityTextToImageReturnsBinaryBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2beta/stable-image/generate/core", r.URL.Path)
		require.Equal(t, "image/*", r.Header.Get("Accept"))
		require.NoError(t, r.ParseMultipartForm(32<<20))
		require.Equal(t, "a red chair", r.FormValue("prompt"))
		require.Equal(t, "digital-art", r.FormValue("style_preset"))
		require.Equal(t, "webp", r.FormValue("output_format"))

		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("webp-bytes"))
	}))
	defer srv.Close()

	d := NewStabilityDriver("sk", srv.URL, domain.OpTextToImage, srv.Client())
	out, err := d.Submit(context.Background(), domain.Job{ID: "j1"}, domain.SubmitInputs{
		Params: map[string]any{"prompt": "a red chair", "style_preset": "digital-art", "output_format": "webp"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSynchronous, out.Kind)
	require.Equal(t, []byte("webp-bytes"), out.Bytes)
	require.Equal(t, "image/webp", out.ContentType)
}

func TestStabilityImageToImageSendsModeAndStrength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2beta/stable-image/generate/sd3", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(32<<20))
		require.Equal(t, "image-to-image", r.FormValue("mode"))
		require.Equal(t, "0.65", r.FormValue("strength"))
		_, _, err := r.FormFile("image")
		require.NoError(t, err)
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	d := NewStabilityDriver("sk", srv.URL, domain.OpImageToImage, srv.Client())
	out, err := d.Submit(context.Background(), domain.Job{}, domain.SubmitInputs{
		Bytes: []byte("in"), ContentType: "image/png", Filename: "in.png",
		Params: map[string]any{"prompt": "p"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSynchronous, out.Kind)
}

func TestStabilitySketchCarriesControlStrength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2beta/stable-image/control/sketch", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(32<<20))
		require.Equal(t, "0.7", r.FormValue("control_strength"))
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	d := NewStabilityDriver("sk", srv.URL, domain.OpSketchToImage, srv.Client())
	_, err := d.Submit(context.Background(), domain.Job{}, domain.SubmitInputs{
		Bytes: []byte("in"), Filename: "in.png",
		Params: map[string]any{"prompt": "p", "control_strength": float64(0.7)},
	})
	require.NoError(t, err)
}

func TestStabilityImageToModelFallsBackToModelContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2beta/3d/stable-fast-3d", r.URL.Path)
		require.Equal(t, "model/gltf-binary", r.Header.Get("Accept"))
		require.NoError(t, r.ParseMultipartForm(32<<20))
		require.Empty(t, r.FormValue("output_format"))
		_, _ = w.Write([]byte{0x67, 0x6c, 0x54, 0x46, 0x02, 0x00, 0x00, 0x00})
	}))
	defer srv.Close()

	d := NewStabilityDriver("sk", srv.URL, domain.OpImageToModel, srv.Client())
	out, err := d.Submit(context.Background(), domain.Job{}, domain.SubmitInputs{
		Bytes: []byte("photo"), ContentType: "image/jpeg", Filename: "photo.jpg",
		Params: map[string]any{"output_format": "glb"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSynchronous, out.Kind)
	require.Equal(t, "model/gltf-binary", out.ContentType)
}

func TestStabilityRejectedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":   "bad_request",
			"errors": []string{"prompt violates the content policy"},
		})
	}))
	defer srv.Close()

	d := NewStabilityDriver("sk", srv.URL, domain.OpTextToImage, srv.Client())
	out, err := d.Submit(context.Background(), domain.Job{}, domain.SubmitInputs{
		Params: map[string]any{"prompt": "p"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeFailed, out.Kind)
	require.Equal(t, "prompt violates the content policy", out.Reason)
}

func TestStabilityServerErrorIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewStabilityDriver("sk", srv.URL, domain.OpTextToImage, srv.Client())
	_, err := d.Submit(context.Background(), domain.Job{}, domain.SubmitInputs{
		Params: map[string]any{"prompt": "p"},
	})
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}
