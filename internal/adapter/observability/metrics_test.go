package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestJobMetricsHelpers(t *testing.T) {
	InitMetrics()
	EnqueueJob("default")
	StartProcessingJob("default")
	CompleteJob("default", "stability", "text_to_image")
	StartProcessingJob("tripo_other")
	FailJob("tripo_other", "tripo", "image_to_model", "timeout")
	ObserveProviderCall("flux", "image_to_image", "ok", 1200*time.Millisecond)
	ObserveJobOutcome("stability", "text_to_image", "image", 3*time.Second, 2048)
	ObserveJobOutcome("tripo", "image_to_model", "model", 40*time.Second, 0)
	SubmitGateWaitsTotal.WithLabelValues("openai").Inc()
}
