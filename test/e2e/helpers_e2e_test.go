//go:build e2e
// +build e2e

// Package e2e_test exercises a running gateway stack end to end: HTTP
// server, worker, Postgres, Redis and the blob store, plus whichever
// provider keys the environment supplies. Tests are lenient about provider
// availability: an upstream failure is logged, a protocol violation fails.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

var (
	baseURL = getenv("E2E_BASE_URL", "http://localhost:8080")
	// apiKey may be empty when the stack runs in dev mode (anonymous
	// submissions fall through to the development tenant).
	apiKey = os.Getenv("E2E_API_KEY")
)

// durenv parses a duration from the environment with a fallback.
func durenv(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// waitForAppReady polls /readyz until the stack reports ready or the
// timeout elapses, in which case the test is skipped rather than failed.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		resp, err := client.Get(baseURL + "/readyz")
		if err == nil {
			code := resp.StatusCode
			_ = resp.Body.Close()
			if code == http.StatusOK {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Skipf("app not ready after %v; skipping", timeout)
		}
		time.Sleep(time.Second)
	}
}

// submitJSON posts a submission body and decodes the response envelope. The
// returned status code lets callers assert on rejections too.
func submitJSON(t *testing.T, client *http.Client, path string, body map[string]any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// submitAccepted submits and requires a 202 with a worker task id.
func submitAccepted(t *testing.T, client *http.Client, path string, body map[string]any) string {
	t.Helper()
	code, out := submitJSON(t, client, path, body)
	require.Equal(t, http.StatusAccepted, code, "submit %s: %#v", path, out)
	taskID, _ := out["task_id"].(string)
	require.NotEmpty(t, taskID, "submit %s returned no task_id: %#v", path, out)
	return taskID
}

// getStatus fetches one status snapshot for a worker task.
func getStatus(t *testing.T, client *http.Client, taskID, service string) (int, map[string]any) {
	t.Helper()
	url := baseURL + "/tasks/" + taskID + "/status"
	if service != "" {
		url += "?service=" + service
	}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// waitForTerminal polls status until the task reports complete or failed.
// On timeout the last snapshot is returned; callers decide how lenient to be.
func waitForTerminal(t *testing.T, client *http.Client, taskID, service string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for {
		code, snap := getStatus(t, client, taskID, service)
		require.Equal(t, http.StatusOK, code, "status for %s: %#v", taskID, snap)
		last = snap
		st, _ := snap["status"].(string)
		if st == "complete" || st == "failed" {
			return snap
		}
		if time.Now().After(deadline) {
			return last
		}
		time.Sleep(2 * time.Second)
	}
}

// dumpDir holds response dumps for postmortem inspection of CI runs.
const dumpDir = "dump"

func clearDumpDirectory(t *testing.T) {
	t.Helper()
	_ = os.RemoveAll(dumpDir)
	_ = os.MkdirAll(dumpDir, 0o755)
}

// dumpJSON writes v into the dump directory; failures to dump never fail
// the test.
func dumpJSON(t *testing.T, name string, v any) {
	t.Helper()
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Logf("dump %s: marshal: %v", name, err)
		return
	}
	if err := os.MkdirAll(dumpDir, 0o755); err != nil {
		t.Logf("dump %s: mkdir: %v", name, err)
		return
	}
	if err := os.WriteFile(filepath.Join(dumpDir, name), b, 0o644); err != nil {
		t.Logf("dump %s: write: %v", name, err)
	}
}

// upstreamFailure reports whether a failed snapshot looks like a provider
// or environment problem rather than a gateway bug.
func upstreamFailure(snap map[string]any) bool {
	msg, _ := snap["error"].(string)
	switch msg {
	case "timeout", "no_artifact_url":
		return true
	}
	return msg != ""
}

// requireStatusShape asserts the invariant parts of a status snapshot.
func requireStatusShape(t *testing.T, snap map[string]any, taskID string) {
	t.Helper()
	require.Equal(t, taskID, snap["worker_task_id"], "snapshot echoes task id: %#v", snap)
	st, _ := snap["status"].(string)
	require.Contains(t, []string{"pending", "processing", "complete", "failed"}, st,
		"status outside contract: %#v", snap)
	if st == "complete" {
		url, _ := snap["asset_url"].(string)
		require.NotEmpty(t, url, "complete without asset_url: %#v", snap)
		require.NotEqual(t, "pending", url, "complete kept placeholder url: %#v", snap)
	}
}

func logTerminal(t *testing.T, label string, snap map[string]any) {
	t.Helper()
	if b, err := json.MarshalIndent(snap, "", "  "); err == nil {
		t.Logf("%s final snapshot:\n%s", label, string(b))
	} else {
		t.Logf("%s final snapshot: %#v", label, snap)
	}
}

func uniqueTaskID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
