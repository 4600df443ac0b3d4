package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genmedia/gateway/internal/domain"
)

func TestWriteErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("op=submit: %w", domain.ErrInvalidRequest), http.StatusBadRequest, "INVALID_REQUEST"},
		{fmt.Errorf("op=auth: %w", domain.ErrUnauthorized), http.StatusUnauthorized, "UNAUTHORIZED"},
		{fmt.Errorf("op=status: %w", domain.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("op=submit.enqueue: %w", domain.ErrQueueFull), http.StatusTooManyRequests, "QUEUE_FULL"},
		{fmt.Errorf("op=driver: %w", domain.ErrUpstreamUnavailable), http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},
		{fmt.Errorf("op=artifact: %w", domain.ErrArtifactFetch), http.StatusBadGateway, "ARTIFACT_FETCH"},
		{fmt.Errorf("op=orchestrate: %w", domain.ErrTimeout), http.StatusGatewayTimeout, "TIMEOUT"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), tc.err, nil)
		resp := w.Result()
		require.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
		var env errorEnvelope
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		_ = resp.Body.Close()
		require.Equal(t, tc.code, env.Error.Code)
		require.NotEmpty(t, env.Error.Message)
	}
}

func TestWriteErrorCarriesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, httptest.NewRequest(http.MethodGet, "/", nil),
		fmt.Errorf("op=http: validation failed: %w", domain.ErrInvalidRequest),
		map[string]string{"prompt": "required"})
	var m map[string]any
	require.NoError(t, json.NewDecoder(w.Result().Body).Decode(&m))
	details := m["error"].(map[string]any)["details"].(map[string]any)
	require.Equal(t, "required", details["prompt"])
}

func TestWriteJSONSetsContentType(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": "01HZX"})
	resp := w.Result()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
}
