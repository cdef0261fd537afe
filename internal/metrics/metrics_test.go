package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTurnAndWrite(t *testing.T) {
	ObserveTurn("video", false, 3*time.Second)
	ObserveTurn("video", true, time.Second)
	ObserveTurn("video", true, time.Second)
	if got := testutil.ToFloat64(turns.WithLabelValues("video", "ok")); got != 2 {
		t.Fatalf("expected 2 ok video turns, got %v", got)
	}
	if got := testutil.ToFloat64(turns.WithLabelValues("video", "error")); got != 1 {
		t.Fatalf("expected 1 failed video turn, got %v", got)
	}

	ObserveWrite("delete", errors.New("boom"), time.Millisecond)
	if got := testutil.ToFloat64(outboxWrites.WithLabelValues("delete", "error")); got != 1 {
		t.Fatalf("expected 1 failed delete, got %v", got)
	}
}

func TestStreamGauge(t *testing.T) {
	before := testutil.ToFloat64(eventStreams)
	done := StreamOpened()
	if got := testutil.ToFloat64(eventStreams); got != before+1 {
		t.Fatalf("gauge not incremented: %v", got)
	}
	done()
	if got := testutil.ToFloat64(eventStreams); got != before {
		t.Fatalf("gauge not decremented: %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveRequest("chat", "", http.StatusNotFound, time.Millisecond)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `studiochat_http_requests_total{route="unmatched",service="chat",status="404"} 1`) {
		t.Fatalf("request counter missing from exposition")
	}
}
