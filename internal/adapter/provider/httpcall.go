// Package provider adapts each upstream generation service to the
// orchestrator's submit/poll driver contract. One driver instance serves one
// (provider, operation) pair; the Registry owns the full set.
package provider

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/genmedia/gateway/internal/adapter/observability"
	"github.com/genmedia/gateway/internal/domain"
	"github.com/genmedia/gateway/pkg/textx"
)

// Per-call budgets. Short covers JSON submit/poll exchanges, upload covers
// multipart submissions, generate covers synchronous generation calls that
// block until the artifact is rendered.
const (
	timeoutShort    = 30 * time.Second
	timeoutUpload   = 60 * time.Second
	timeoutGenerate = 120 * time.Second
)

// newClient builds an otel-instrumented HTTP client with the given budget.
func newClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// do executes one provider call, records the outcome metric and returns the
// status code with the fully read body. Transport failures map to
// ErrUpstreamUnavailable.
func do(hc *http.Client, req *http.Request, p domain.Provider, op domain.Operation) (int, []byte, http.Header, error) {
	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		observability.ObserveProviderCall(string(p), string(op), "transport_error", time.Since(start))
		return 0, nil, nil, fmt.Errorf("op=provider.%s.%s: %v: %w", p, op, err, domain.ErrUpstreamUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.ObserveProviderCall(string(p), string(op), "read_error", time.Since(start))
		return 0, nil, nil, fmt.Errorf("op=provider.%s.%s: read body: %v: %w", p, op, err, domain.ErrUpstreamUnavailable)
	}
	observability.ObserveProviderCall(string(p), string(op), outcomeLabel(resp.StatusCode), time.Since(start))
	return resp.StatusCode, body, resp.Header, nil
}

func outcomeLabel(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "upstream_error"
	case status >= 400:
		return "rejected"
	default:
		return "unexpected"
	}
}

// retryableStatus reports provider responses that mean "try again later"
// rather than "this request is bad".
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// snippet trims a response body for log and error messages.
func snippet(b []byte) string {
	s := textx.SanitizeText(string(b))
	return textx.ClampRunes(strings.Join(strings.Fields(s), " "), 200)
}

// multipartForm accumulates a multipart/form-data request body.
type multipartForm struct {
	buf bytes.Buffer
	w   *multipart.Writer
}

func newMultipartForm() *multipartForm {
	f := &multipartForm{}
	f.w = multipart.NewWriter(&f.buf)
	return f
}

func (f *multipartForm) field(key, value string) {
	_ = f.w.WriteField(key, value)
}

// file writes a file part carrying an explicit content type; several
// providers reject parts defaulting to application/octet-stream.
func (f *multipartForm) file(field, filename, contentType string, data []byte) error {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := f.w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// close finalizes the body and returns it with its boundary content type.
func (f *multipartForm) close() ([]byte, string) {
	_ = f.w.Close()
	return f.buf.Bytes(), f.w.FormDataContentType()
}

// downloader fetches provider-hosted result files with bounded exponential
// backoff; fresh result URLs can lag the API response by a few seconds.
type downloader struct {
	hc         *http.Client
	maxElapsed time.Duration
	initial    time.Duration
	maxIvl     time.Duration
	mult       float64
}

func newDownloader(hc *http.Client, maxElapsed, initial, maxIvl time.Duration, mult float64) downloader {
	return downloader{hc: hc, maxElapsed: maxElapsed, initial: initial, maxIvl: maxIvl, mult: mult}
}

func (d downloader) fetch(ctx domain.Context, url string) ([]byte, string, error) {
	var data []byte
	var ct string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if retryableStatus(resp.StatusCode) {
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
	expo.MaxElapsedTime = d.maxElapsed
	expo.InitialInterval = d.initial
	expo.MaxInterval = d.maxIvl
	expo.Multiplier = d.mult
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return nil, "", fmt.Errorf("op=provider.fetch url=%s: %v: %w", url, err, domain.ErrArtifactFetch)
	}
	if ct == "" || ct == "application/octet-stream" {
		ct = mimetype.Detect(data).String()
	}
	return data, ct, nil
}

// Param readers tolerant of the JSON round trip the payload takes across the
// queue (numbers arrive as float64).

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

func paramBool(params map[string]any, key string) bool {
	v, ok := params[key].(bool)
	return ok && v
}

func paramStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, "")
			}
		}
		return out
	default:
		return nil
	}
}

// outputContentType maps the output_format knob to a MIME type.
func outputContentType(format, fallback string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "jpeg", "jpg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "":
		return fallback
	default:
		return fallback
	}
}
