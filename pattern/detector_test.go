package pattern

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"rfwatch/geo"
	"rfwatch/models"
)

const (
	baseMs  = int64(1_700_000_000_000)
	baseLat = 51.5072
	baseLon = -0.1276
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = time.UnixMilli(ms)
}

func newTestDetector(t *testing.T, cfg Config) (*Detector, *testClock) {
	t.Helper()
	clock := &testClock{t: time.UnixMilli(baseMs)}
	return NewDetector(cfg, WithClock(clock.now)), clock
}

func newTestSignal(t *testing.T, id string, ts int64, freq, power float64) models.SignalRecord {
	t.Helper()
	return models.SignalRecord{
		ID:           id,
		Lat:          baseLat,
		Lon:          baseLon,
		FrequencyMHz: freq,
		PowerDbm:     power,
		TimestampMs:  ts,
		Source:       models.SourceRTLSDR,
	}
}

// learnBaseline feeds n samples alternating mean±3 dBm, one per second.
func learnBaseline(t *testing.T, d *Detector, clock *testClock, n int, mean float64) int64 {
	t.Helper()
	ts := baseMs
	for i := 0; i < n; i++ {
		ts = baseMs + int64(i)*1000
		clock.set(ts)
		p := mean + 3
		if i%2 == 1 {
			p = mean - 3
		}
		d.ProcessSignal(newTestSignal(t, fmt.Sprintf("bg-%d", i), ts, 2437, p))
	}
	return ts
}

func findType(patterns []Pattern, typ Type) (Pattern, bool) {
	for _, p := range patterns {
		if p.Type == typ {
			return p, true
		}
	}
	return Pattern{}, false
}

func TestAnomalousPowerAfterWarmUp(t *testing.T) {
	t.Parallel()

	d, clock := newTestDetector(t, DefaultConfig())
	learnBaseline(t, d, clock, 20, -75)

	base, ok := d.Baseline(baseLat, baseLon)
	if !ok || base.Samples != 20 || math.Abs(base.Mean+75) > 1e-9 || math.Abs(base.StdDev-3) > 1e-9 {
		t.Fatalf("unexpected baseline %+v", base)
	}

	clock.set(baseMs + 61_000)
	patterns := d.ProcessSignal(newTestSignal(t, "spike", baseMs+61_000, 2437, -20))
	p, ok := findType(patterns, TypeAnomalousPower)
	if !ok {
		t.Fatalf("expected anomalous_power, got %+v", patterns)
	}
	if p.Priority != PriorityHigh {
		t.Fatalf("expected high priority, got %s", p.Priority)
	}
	if p.ID == "" || p.TimestampMs != baseMs+61_000 || len(p.Signals) != 1 {
		t.Fatalf("pattern not populated: %+v", p)
	}

	after, _ := d.Baseline(baseLat, baseLon)
	if after.Samples != 20 || after.Mean != base.Mean {
		t.Fatalf("anomalous sample must not update the baseline: %+v", after)
	}
}

func TestModerateDeviationIsMediumPriority(t *testing.T) {
	t.Parallel()

	d, clock := newTestDetector(t, DefaultConfig())
	learnBaseline(t, d, clock, 20, -75)

	clock.set(baseMs + 61_000)
	// 12 dB off a 3 dB spread is 4σ: above 2.5σ, below 5σ
	p, ok := findType(d.ProcessSignal(newTestSignal(t, "dip", baseMs+61_000, 2437, -87)), TypeAnomalousPower)
	if !ok || p.Priority != PriorityMedium {
		t.Fatalf("expected a medium anomaly, got %+v (found=%v)", p, ok)
	}

	clock.set(baseMs + 70_000)
	if _, ok := findType(d.ProcessSignal(newTestSignal(t, "normal", baseMs+70_000, 2437, -76)), TypeAnomalousPower); ok {
		t.Fatalf("a reading inside the baseline spread is not anomalous")
	}
}

func TestNoAnomalyWhileLearning(t *testing.T) {
	t.Parallel()

	d, clock := newTestDetector(t, DefaultConfig())
	last := learnBaseline(t, d, clock, 20, -75)

	if !d.Statistics().Learning {
		t.Fatalf("detector should still be learning at 19 s")
	}
	if _, ok := findType(d.ProcessSignal(newTestSignal(t, "spike", last+500, 2437, -20)), TypeAnomalousPower); ok {
		t.Fatalf("no anomalies before the learning period elapses")
	}
}

func TestNoAnomalyWithFewSamples(t *testing.T) {
	t.Parallel()

	d, clock := newTestDetector(t, DefaultConfig())
	learnBaseline(t, d, clock, 5, -75)

	clock.set(baseMs + 61_000)
	if _, ok := findType(d.ProcessSignal(newTestSignal(t, "spike", baseMs+61_000, 2437, -20)), TypeAnomalousPower); ok {
		t.Fatalf("a location with fewer than minSamples cannot be anomalous")
	}
}

func TestNewDevice(t *testing.T) {
	t.Parallel()

	d, _ := newTestDetector(t, DefaultConfig())
	if _, ok := findType(d.ProcessSignal(newTestSignal(t, "a", baseMs, 915, -70)), TypeNewDevice); !ok {
		t.Fatalf("first sighting should be a new device")
	}
	if _, ok := findType(d.ProcessSignal(newTestSignal(t, "b", baseMs+100, 917, -70)), TypeNewDevice); ok {
		t.Fatalf("a similar signal nearby is not new")
	}
	if _, ok := findType(d.ProcessSignal(newTestSignal(t, "c", baseMs+200, 2440, -70)), TypeNewDevice); !ok {
		t.Fatalf("a different band should be a new device")
	}

	far := newTestSignal(t, "d", baseMs+300, 915, -70)
	far.Lat, far.Lon = geo.Destination(baseLat, baseLon, 0, 500)
	if _, ok := findType(d.ProcessSignal(far), TypeNewDevice); !ok {
		t.Fatalf("the same band far away should be a new device")
	}
}

func TestMovingSignal(t *testing.T) {
	t.Parallel()

	d, _ := newTestDetector(t, DefaultConfig())
	var found []Pattern
	for i := 0; i < 4; i++ {
		s := newTestSignal(t, "tx", baseMs+int64(i)*2000, 433.9, -70)
		s.Metadata.SignalType = "telemetry"
		s.Lat, s.Lon = geo.Destination(baseLat, baseLon, 90, float64(i)*20)
		found = append(found, d.ProcessSignal(s)...)
	}

	var moving []Pattern
	for _, p := range found {
		if p.Type == TypeMovingSignal {
			moving = append(moving, p)
		}
	}
	if len(moving) != 1 {
		t.Fatalf("expected one moving pattern within the cooldown, got %d", len(moving))
	}
	if len(moving[0].Signals) != 3 {
		t.Fatalf("expected the three-point track, got %d", len(moving[0].Signals))
	}
}

func TestStationarySignalIsNotMoving(t *testing.T) {
	t.Parallel()

	d, _ := newTestDetector(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		patterns := d.ProcessSignal(newTestSignal(t, "tx", baseMs+int64(i)*2000, 433.9, -70))
		if _, ok := findType(patterns, TypeMovingSignal); ok {
			t.Fatalf("stationary emitter flagged as moving")
		}
	}
}

func TestFrequencyHopping(t *testing.T) {
	t.Parallel()

	d, _ := newTestDetector(t, DefaultConfig())
	var found []Pattern
	for i, f := range []float64{2405, 2425, 2445, 2405, 2425} {
		found = append(found, d.ProcessSignal(newTestSignal(t, "hop", baseMs+int64(i)*800, f, -65))...)
	}
	p, ok := findType(found, TypeFrequencyHopping)
	if !ok {
		t.Fatalf("expected frequency hopping")
	}
	if p.Priority != PriorityMedium || len(p.Signals) != 5 {
		t.Fatalf("unexpected hopping pattern %+v", p)
	}

	d2, _ := newTestDetector(t, DefaultConfig())
	for i, f := range []float64{2405, 2425, 2405, 2425, 2405, 2425} {
		if _, ok := findType(d2.ProcessSignal(newTestSignal(t, "two", baseMs+int64(i)*800, f, -65)), TypeFrequencyHopping); ok {
			t.Fatalf("two frequencies are not hopping")
		}
	}
}

func TestSuspiciousBehavior(t *testing.T) {
	t.Parallel()

	d, _ := newTestDetector(t, DefaultConfig())

	if _, ok := findType(d.ProcessSignal(newTestSignal(t, "wifi", baseMs, 2437, -30)), TypeSuspicious); ok {
		t.Fatalf("high power alone stays below the threshold")
	}

	p, ok := findType(d.ProcessSignal(newTestSignal(t, "odd", baseMs+10, 1500, -30)), TypeSuspicious)
	if !ok {
		t.Fatalf("high power on a non-standard frequency should be suspicious")
	}
	if p.Priority != PriorityMedium || len(p.Reasons) != 2 || math.Abs(p.Confidence-0.7) > 1e-9 {
		t.Fatalf("unexpected suspicious pattern %+v", p)
	}

	var last Pattern
	for i := 0; i < 10; i++ {
		patterns := d.ProcessSignal(newTestSignal(t, fmt.Sprintf("burst-%d", i), baseMs+1000+int64(i)*50, 1510+float64(i)*10, -30))
		if p, ok := findType(patterns, TypeSuspicious); ok {
			last = p
		}
	}
	if last.Priority != PriorityHigh || len(last.Reasons) != 3 || last.Confidence != 1 {
		t.Fatalf("burst should add the third reason, got %+v", last)
	}
}

func TestActivePatternsExpire(t *testing.T) {
	t.Parallel()

	d, clock := newTestDetector(t, DefaultConfig())
	d.ProcessSignal(newTestSignal(t, "a", baseMs, 915, -70))
	if len(d.ActivePatterns()) == 0 {
		t.Fatalf("expected an active pattern")
	}

	clock.set(baseMs + 61_000)
	if n := len(d.ActivePatterns()); n != 0 {
		t.Fatalf("patterns older than maxAge are not active, got %d", n)
	}
	stats := d.Statistics()
	if stats.StoredPatterns == 0 || stats.ActivePatterns != 0 {
		t.Fatalf("expired patterns stay stored until the cap: %+v", stats)
	}
}

func TestMemoryBounds(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BufferSize = 5
	cfg.MaxPatterns = 3
	cfg.Cooldown = 0
	d, _ := newTestDetector(t, cfg)

	for i := 0; i < 20; i++ {
		d.ProcessSignal(newTestSignal(t, fmt.Sprintf("s%d", i), baseMs+int64(i), 100+float64(i)*50, -70))
	}
	stats := d.Statistics()
	if stats.BufferedSignals != 5 {
		t.Fatalf("buffer must hold 5 signals, got %d", stats.BufferedSignals)
	}
	if stats.StoredPatterns > 3 {
		t.Fatalf("pattern store must be capped at 3, got %d", stats.StoredPatterns)
	}
	if stats.Processed != 20 {
		t.Fatalf("expected 20 processed, got %d", stats.Processed)
	}
}

func TestRejectsInvalidSignal(t *testing.T) {
	t.Parallel()

	d, _ := newTestDetector(t, DefaultConfig())
	bad := newTestSignal(t, "bad", baseMs, 915, -70)
	bad.Lon = 200
	if out := d.ProcessSignal(bad); out != nil {
		t.Fatalf("invalid signal produced patterns")
	}
	if s := d.Statistics(); s.Rejected != 1 || s.BufferedSignals != 0 {
		t.Fatalf("unexpected statistics %+v", s)
	}
}

func TestDeviceClasses(t *testing.T) {
	t.Parallel()

	if got := classKey("wifi", 2437.5); got != "wifi_2430" {
		t.Fatalf("unexpected class key %q", got)
	}

	d, _ := newTestDetector(t, DefaultConfig())
	for i, f := range []float64{2431, 2436, 2439} {
		s := newTestSignal(t, fmt.Sprintf("w%d", i), baseMs+int64(i)*100, f, -60-float64(i))
		s.Metadata.SignalType = "wifi"
		d.ProcessSignal(s)
	}
	c, ok := d.DeviceClass("wifi", 2435)
	if !ok {
		t.Fatalf("class not tracked")
	}
	if c.Samples != 3 || c.MinFreqMHz != 2431 || c.MaxFreqMHz != 2439 || math.Abs(c.MeanPowerDbm+61) > 1e-9 {
		t.Fatalf("unexpected class %+v", c)
	}
}

func TestProcessSignalsOrdersBatch(t *testing.T) {
	t.Parallel()

	d, _ := newTestDetector(t, DefaultConfig())
	batch := []models.SignalRecord{
		newTestSignal(t, "later", baseMs+500, 915, -70),
		newTestSignal(t, "first", baseMs, 915, -70),
	}
	patterns := d.ProcessSignals(batch)
	p, ok := findType(patterns, TypeNewDevice)
	if !ok || p.Signals[0].ID != "first" {
		t.Fatalf("earliest signal should be the new device, got %+v", patterns)
	}
}

func TestResetRestartsLearning(t *testing.T) {
	t.Parallel()

	d, clock := newTestDetector(t, DefaultConfig())
	learnBaseline(t, d, clock, 12, -75)
	clock.set(baseMs + 120_000)
	d.Reset()
	stats := d.Statistics()
	if !stats.Learning || stats.Locations != 0 || stats.BufferedSignals != 0 {
		t.Fatalf("reset did not clear state: %+v", stats)
	}
}
