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

func tripoTaskServer(t *testing.T, capture *map[string]any, resp map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/openapi/task", r.URL.Path)
		require.Equal(t, "Bearer tk", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestTripoTextToModelSubmit(t *testing.T) {
	var got map[string]any
	srv := tripoTaskServer(t, &got, map[string]any{
		"code": 0, "data": map[string]any{"task_id": "tripo-1"},
	})
	defer srv.Close()

	d := NewTripoDriver("tk", srv.URL, domain.OpTextToModel, srv.Client())
	out, err := d.Submit(context.Background(), domain.Job{ID: "j1"}, domain.SubmitInputs{
		Params: map[string]any{"prompt": "a wooden rocking chair"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeRemoteTask, out.Kind)
	require.Equal(t, "tripo-1", out.ProviderTaskID)
	require.Equal(t, "text_to_model", got["type"])
	require.Equal(t, "a wooden rocking chair", got["prompt"])
}

func TestTripoSingleImageSubmit(t *testing.T) {
	var got map[string]any
	srv := tripoTaskServer(t, &got, map[string]any{
		"code": 0, "data": map[string]any{"task_id": "tripo-2"},
	})
	defer srv.Close()

	d := NewTripoDriver("tk", srv.URL, domain.OpImageToModel, srv.Client())
	_, err := d.Submit(context.Background(), domain.Job{}, domain.SubmitInputs{
		Params: map[string]any{
			"input_image_urls": []any{"http://blobs.local/bucket/in/front.png"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "image_to_model", got["type"])
	file := got["file"].(map[string]any)
	require.Equal(t, "png", file["type"])
	require.Equal(t, "http://blobs.local/bucket/in/front.png", file["url"])
}

func TestTripoMultiviewSlots(t *testing.T) {
	var got map[string]any
	srv := tripoTaskServer(t, &got, map[string]any{
		"code": 0, "data": map[string]any{"task_id": "tripo-3"},
	})
	defer srv.Close()

	d := NewTripoDriver("tk", srv.URL, domain.OpImageToModel, srv.Client())
	_, err := d.Submit(context.Background(), domain.Job{}, domain.SubmitInputs{
		Params: map[string]any{
			"input_image_urls": []any{"http://b/front.png", "http://b/left.jpeg"},
			"multiview":        true,
		},
	})
	require.NoError(t, err)
	require.Equal(t, "multiview_to_model", got["type"])
	files := got["files"].([]any)
	require.Len(t, files, 4)
	front := files[0].(map[string]any)
	require.Equal(t, "png", front["type"])
	left := files[1].(map[string]any)
	require.Equal(t, "jpg", left["type"])
	require.Empty(t, files[2].(map[string]any))
	require.Empty(t, files[3].(map[string]any))
}

func TestTripoRefineCarriesDraftTaskID(t *testing.T) {
	var got map[string]any
	srv := tripoTaskServer(t, &got, map[string]any{
		"code": 0, "data": map[string]any{"task_id": "tripo-4"},
	})
	defer srv.Close()

	d := NewTripoDriver("tk", srv.URL, domain.OpRefineModel, srv.Client())
	_, err := d.Submit(context.Background(), domain.Job{}, domain.SubmitInputs{
		Params: map[string]any{"draft_provider_task_id": "tripo-draft-7"},
	})
	require.NoError(t, err)
	require.Equal(t, "refine_model", got["type"])
	require.Equal(t, "tripo-draft-7", got["draft_model_task_id"])
}

func TestTripoSubmitNonZeroCodeFails(t *testing.T) {
	var got map[string]any
	srv := tripoTaskServer(t, &got, map[string]any{
		"code": 2010, "message": "prompt rejected",
	})
	defer srv.Close()

	d := NewTripoDriver("tk", srv.URL, domain.OpTextToModel, srv.Client())
	out, err := d.Submit(context.Background(), domain.Job{}, domain.SubmitInputs{
		Params: map[string]any{"prompt": "p"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeFailed, out.Kind)
	require.Equal(t, "prompt rejected", out.Reason)
}

func tripoPollServer(_ *testing.T, data map[string]any) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": data})
	}))
}

func TestTripoPollRunning(t *testing.T) {
	srv := tripoPollServer(t, map[string]any{"status": "running", "progress": 35})
	defer srv.Close()

	d := NewTripoDriver("tk", srv.URL, domain.OpTextToModel, srv.Client())
	res, err := d.Poll(context.Background(), domain.PollRef{ProviderTaskID: "tripo-1"})
	require.NoError(t, err)
	require.Equal(t, domain.PollInProgress, res.Kind)
	require.Equal(t, 35, res.Progress)
}

func TestTripoPollSuccessPrefersPBRModel(t *testing.T) {
	srv := tripoPollServer(t, map[string]any{
		"status": "success", "progress": 100,
		"output": map[string]any{
			"model":     "https://tripo-data/model.glb",
			"pbr_model": "https://tripo-data/pbr.glb",
		},
	})
	defer srv.Close()

	d := NewTripoDriver("tk", srv.URL, domain.OpTextToModel, srv.Client())
	res, err := d.Poll(context.Background(), domain.PollRef{ProviderTaskID: "tripo-1"})
	require.NoError(t, err)
	require.Equal(t, domain.PollReady, res.Kind)
	require.Equal(t, "https://tripo-data/pbr.glb", res.ArtifactURL)
	require.Equal(t, "model/gltf-binary", res.ArtifactContentType)
}

func TestTripoPollFailedStates(t *testing.T) {
	srv := tripoPollServer(t, map[string]any{"status": "banned", "progress": 10})
	defer srv.Close()

	d := NewTripoDriver("tk", srv.URL, domain.OpTextToModel, srv.Client())
	res, err := d.Poll(context.Background(), domain.PollRef{ProviderTaskID: "tripo-1"})
	require.NoError(t, err)
	require.Equal(t, domain.PollFailed, res.Kind)
	require.Equal(t, "tripo task banned", res.Reason)
}

func TestTripoPollUnknownStateWithArtifactIsReady(t *testing.T) {
	srv := tripoPollServer(t, map[string]any{
		"status": "finalizing", "progress": 100,
		"output": map[string]any{"base_model": "https://tripo-data/base.glb"},
	})
	defer srv.Close()

	d := NewTripoDriver("tk", srv.URL, domain.OpTextToModel, srv.Client())
	res, err := d.Poll(context.Background(), domain.PollRef{ProviderTaskID: "tripo-1"})
	require.NoError(t, err)
	require.Equal(t, domain.PollReady, res.Kind)
	require.Equal(t, "https://tripo-data/base.glb", res.ArtifactURL)
}

func TestTripoPollAPIErrorIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 1004})
	}))
	defer srv.Close()

	d := NewTripoDriver("tk", srv.URL, domain.OpTextToModel, srv.Client())
	_, err := d.Poll(context.Background(), domain.PollRef{ProviderTaskID: "tripo-1"})
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}
