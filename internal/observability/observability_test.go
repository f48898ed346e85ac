package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8)
	w.Observe(StageRetrieve, 500)
	w.Observe(StageRetrieve, 700)
	w.Observe(StageRetrieve, 900)
	w.Mark("writeback_partial")
	w.Mark("writeback_partial")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("stats = %+v, want 3 samples, last 900, p50 700", s)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 400 {
		t.Fatalf("TargetP95MS = %.2f, want 400", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one with count 2", snap.Indicators)
	}
}

func TestStageWindowWraps(t *testing.T) {
	w := NewStageWindow(2)
	for _, v := range []float64{1, 2, 3} {
		w.Observe(StageAssemble, v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 || s.AvgMS != 2.5 {
		t.Fatalf("stats = %+v, want 2 samples avg 2.5", s)
	}
}

func TestMetricsHandlerExposesOwnRegistry(t *testing.T) {
	m := NewMetrics("personaai_test")
	m.ChatRequests.WithLabelValues("completed").Inc()
	m.ObserveStage(StageTurnTotal, 12*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `personaai_test_chat_requests_total{outcome="completed"} 1`) {
		t.Fatalf("metrics output missing chat counter:\n%s", body)
	}
	if got := m.LatencySnapshot().Stages; len(got) != 1 || got[0].Stage != StageTurnTotal {
		t.Fatalf("LatencySnapshot() stages = %+v", got)
	}

	// A second instance must not collide on registration.
	_ = NewMetrics("personaai_test")
}

func TestSetupTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "")
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
}
