package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func gatherValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestRecordersUpdateCollectors(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordIngest(5, 2, 40)
	m.RecordIngest(1, 0, 41)
	m.RecordTick(20 * time.Millisecond)
	m.RecordTickError("filter")
	m.RecordStageOutput("clusters", 3)
	m.RecordDrones(map[string]int{"video": 2}, 1)
	m.RecordDrones(map[string]int{"controller": 1}, 0)
	m.RecordAlert("new_drone")
	m.RecordDetectionStored("drone", nil)
	m.RecordDetectionStored("drone", errors.New("disk full"))

	g := m.Gatherer()
	if got := gatherValue(t, g, "rfwatch_signals_ingested_total", nil); got != 6 {
		t.Fatalf("ingested = %v, want 6", got)
	}
	if got := gatherValue(t, g, "rfwatch_signals_rejected_total", nil); got != 2 {
		t.Fatalf("rejected = %v, want 2", got)
	}
	if got := gatherValue(t, g, "rfwatch_window_signals", nil); got != 41 {
		t.Fatalf("window = %v, want 41", got)
	}
	if got := gatherValue(t, g, "rfwatch_tick_duration_seconds", nil); got != 1 {
		t.Fatalf("tick samples = %v, want 1", got)
	}
	if got := gatherValue(t, g, "rfwatch_stage_output", map[string]string{"stage": "clusters"}); got != 3 {
		t.Fatalf("clusters = %v, want 3", got)
	}
	if got := gatherValue(t, g, "rfwatch_active_drones", map[string]string{"type": "controller"}); got != 1 {
		t.Fatalf("controller drones = %v, want 1", got)
	}
	if got := gatherValue(t, g, "rfwatch_lost_drones_total", nil); got != 1 {
		t.Fatalf("lost = %v, want 1", got)
	}
	if got := gatherValue(t, g, "rfwatch_detections_stored_total", map[string]string{"kind": "drone", "status": "error"}); got != 1 {
		t.Fatalf("failed stores = %v, want 1", got)
	}

	// The per-type drone gauge is replaced, not accumulated.
	families, _ := g.Gather()
	for _, mf := range families {
		if mf.GetName() == "rfwatch_active_drones" && len(mf.GetMetric()) != 1 {
			t.Fatalf("expected stale drone types to be cleared, got %d series", len(mf.GetMetric()))
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RecordIngest(1, 1, 1)
	m.RecordTick(time.Second)
	m.RecordAlert("x")
	m.RecordKafkaMessage(nil)
	m.RecordMQTTPublish(errors.New("x"))
	m.RecordHTTP("/api", time.Millisecond)
	if m.Handler() == nil {
		t.Fatalf("expected default handler for nil metrics")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordAlert("high_speed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `rfwatch_alerts_total{type="high_speed"} 1`) {
		t.Fatalf("alert counter missing from exposition:\n%s", body)
	}
}
