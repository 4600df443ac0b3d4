package usecase

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"

	"github.com/genmedia/gateway/internal/adapter/observability"
	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
	"github.com/genmedia/gateway/pkg/textx"
)

// ArtifactPipeline moves produced bytes into the blob store under the
// canonical per-job path and returns the persisted URL. Provider URLs are
// fetched over HTTP with bounded retries; zero-byte downloads count as
// fetch failures.
type ArtifactPipeline struct {
	Blobs domain.BlobStore
	Cfg   config.Config
	hc    *http.Client
}

// NewArtifactPipeline constructs an ArtifactPipeline. A nil client gets a
// default one bounded by the configured download timeout.
func NewArtifactPipeline(blobs domain.BlobStore, cfg config.Config, hc *http.Client) ArtifactPipeline {
	if hc == nil {
		hc = &http.Client{Timeout: cfg.TripoDownloadTimeout()}
	}
	return ArtifactPipeline{Blobs: blobs, Cfg: cfg, hc: hc}
}

// objectKey builds the canonical artifact path for a job. Test runs write
// under test_outputs/ so they never collide with production objects.
func (p ArtifactPipeline) objectKey(j domain.Job, logicalName string) string {
	root := ""
	if p.Cfg.TestAssetsMode {
		root = "test_outputs/"
	}
	return root + j.Kind.AssetTypePlural() + "/" + j.ClientTaskID + "/" + textx.SafeFilename(logicalName)
}

// InputKey builds the staging path for test inputs.
func InputKey(opName, clientTaskID, fileName string) string {
	return "test_inputs/" + opName + "/" + clientTaskID + "/" + textx.SafeFilename(fileName)
}

// IngestInlineBytes uploads provider-returned bytes and returns the blob URL.
func (p ArtifactPipeline) IngestInlineBytes(ctx domain.Context, j domain.Job, data []byte, contentType, logicalName string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("op=artifact.ingest_inline: empty payload: %w", domain.ErrArtifactFetch)
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}
	key := p.objectKey(j, logicalName)
	if err := p.Blobs.Put(ctx, key, data, contentType); err != nil {
		return "", err
	}
	observability.ArtifactBytes.WithLabelValues(string(j.Kind)).Observe(float64(len(data)))
	url, err := p.Blobs.URL(ctx, key)
	if err != nil {
		return "", err
	}
	slog.Info("artifact stored",
		slog.String("job_id", j.ID),
		slog.String("key", key),
		slog.String("content_type", contentType),
		slog.Int("bytes", len(data)))
	return url, nil
}

// IngestFromURL downloads the artifact behind sourceURL and uploads it under
// the job's canonical path. URLs that point into our own bucket are read
// directly from the store instead of over HTTP.
func (p ArtifactPipeline) IngestFromURL(ctx domain.Context, j domain.Job, sourceURL, logicalName string) (string, error) {
	if key, ok := p.Blobs.KeyFromURL(sourceURL); ok {
		data, ct, err := p.Blobs.Get(ctx, key)
		if err != nil {
			return "", err
		}
		return p.IngestInlineBytes(ctx, j, data, ct, logicalName)
	}
	data, ct, err := p.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	return p.IngestInlineBytes(ctx, j, data, ct, logicalName)
}

// StageInput uploads client-supplied input bytes under the test staging path
// and returns the blob URL the driver can fetch from.
func (p ArtifactPipeline) StageInput(ctx domain.Context, opName, clientTaskID, fileName string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("op=artifact.stage_input: empty payload: %w", domain.ErrInvalidRequest)
	}
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	key := InputKey(opName, clientTaskID, fileName)
	if err := p.Blobs.Put(ctx, key, data, contentType); err != nil {
		return "", err
	}
	return p.Blobs.URL(ctx, key)
}

// FetchInput loads input bytes for a job. Own-bucket URLs are read from the
// store; anything else is a plain HTTP download without retries, since input
// URLs are client-supplied and failing fast surfaces bad requests.
func (p ArtifactPipeline) FetchInput(ctx domain.Context, sourceURL string) ([]byte, string, error) {
	if key, ok := p.Blobs.KeyFromURL(sourceURL); ok {
		return p.Blobs.Get(ctx, key)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("op=artifact.fetch_input: %v: %w", err, domain.ErrInvalidRequest)
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("op=artifact.fetch_input url=%s: %v: %w", sourceURL, err, domain.ErrArtifactFetch)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("op=artifact.fetch_input url=%s status=%d: %w", sourceURL, resp.StatusCode, domain.ErrArtifactFetch)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("op=artifact.fetch_input url=%s: %v: %w", sourceURL, err, domain.ErrArtifactFetch)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("op=artifact.fetch_input url=%s: zero-byte content: %w", sourceURL, domain.ErrArtifactFetch)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = mimetype.Detect(data).String()
	}
	return data, ct, nil
}

// download fetches an artifact with exponential backoff. 4xx responses are
// permanent; 429 and 5xx retry until the elapsed budget runs out.
func (p ArtifactPipeline) download(ctx domain.Context, url string) ([]byte, string, error) {
	var data []byte
	var ct string
	op := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			slog.Warn("artifact download retryable status",
				slog.String("url", url),
				slog.Int("status", resp.StatusCode),
				slog.Duration("elapsed", time.Since(start)))
			return fmt.Errorf("fetch status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("fetch status %d", resp.StatusCode))
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(b) == 0 {
			return backoff.Permanent(fmt.Errorf("zero-byte content"))
		}
		data = b
		ct = resp.Header.Get("Content-Type")
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	maxElapsed, initial, maxIvl, mult := p.Cfg.GetArtifactBackoffConfig()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = initial
	expo.MaxInterval = maxIvl
	expo.Multiplier = mult
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return nil, "", fmt.Errorf("op=artifact.download url=%s: %v: %w", url, err, domain.ErrArtifactFetch)
	}
	if ct == "" || ct == "application/octet-stream" {
		ct = mimetype.Detect(data).String()
	}
	return data, ct, nil
}
