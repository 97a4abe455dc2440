package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rfwatch/drone"
	"rfwatch/models"
)

const (
	baseMs  = int64(1_700_000_000_000)
	baseLat = 47.3769
	baseLon = 8.5417
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(ms int64) *testClock {
	return &testClock{t: time.UnixMilli(ms)}
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

type memoryStore struct {
	mu     sync.Mutex
	stored []models.Detection
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) StoreDetection(d *models.Detection) error {
	if err := d.Prepare(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = int64(len(m.stored) + 1)
	m.stored = append(m.stored, *d)
	return nil
}

func (m *memoryStore) GetAllDetections() ([]models.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Detection(nil), m.stored...), nil
}

func (m *memoryStore) GetRecentDetections(kind string, limit int) ([]models.Detection, error) {
	return m.GetAllDetections()
}

func (m *memoryStore) GetDetectionsByLocation(lat, lng float64, radiusKm float64) ([]models.Detection, error) {
	return nil, nil
}

func (m *memoryStore) kinds() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, d := range m.stored {
		out[d.Kind]++
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (s *recordingSink) PublishAlert(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
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
		Source:       models.SourceHackRF,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickRateHz = 1000
	cfg.Workers = 1
	return cfg
}

func newTestRunner(t *testing.T, cfg Config, clock *testClock, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{WithClock(clock.now)}, opts...)
	r := NewRunner(cfg, opts...)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestTickDetectsDronePersistsAndPublishes(t *testing.T) {
	t.Parallel()

	clock := newTestClock(baseMs + 1000)
	store := &memoryStore{}
	sink := &recordingSink{}
	r := newTestRunner(t, testConfig(), clock, WithStore(store), WithAlertSink(sink))

	accepted := r.Ingest(
		newTestSignal(t, "ctl", baseMs, 2400, -50),
		newTestSignal(t, "vid", baseMs+1000, 5800, -60),
	)
	if accepted != 2 {
		t.Fatalf("expected 2 accepted, got %d", accepted)
	}

	snap, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if snap.Tick != 1 || snap.WindowSize != 2 {
		t.Fatalf("unexpected snapshot header %+v", snap)
	}
	if len(snap.Drones) != 1 || snap.Drones[0].Type != drone.TypeVideo {
		t.Fatalf("expected one video drone, got %+v", snap.Drones)
	}
	if len(snap.Signals) != 2 || len(snap.Grid) == 0 || len(snap.Clusters) != 1 {
		t.Fatalf("expected filtered signals, grid and one cluster; got %d/%d/%d",
			len(snap.Signals), len(snap.Grid), len(snap.Clusters))
	}
	if len(snap.Interpolation) == 0 {
		t.Fatalf("expected interpolation output")
	}
	if snap.Bounds == nil || !snap.Bounds.Contains(baseLat, baseLon) {
		t.Fatalf("unexpected bounds %+v", snap.Bounds)
	}
	if len(snap.NewPatterns) == 0 {
		t.Fatalf("expected new-device patterns for unseen emitters")
	}

	if len(snap.Alerts) != 2 || sink.count() != 2 {
		t.Fatalf("expected 2 alerts published, got %d in snapshot and %d at sink", len(snap.Alerts), sink.count())
	}
	for _, a := range snap.Alerts {
		if a.Source != SourceDrone || a.RefID != snap.Drones[0].ID {
			t.Fatalf("alert not tied to drone: %+v", a)
		}
	}
	if got := store.kinds(); got[models.DetectionKindAlert] != 2 || got[models.DetectionKindDrone] != 0 {
		t.Fatalf("unexpected stored kinds after first tick: %v", got)
	}

	// Nothing new for 31 s: the drone is archived and persisted once.
	clock.set(baseMs + 1000 + 31_000)
	snap, err = r.Tick(context.Background())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(snap.Drones) != 0 || len(snap.LostDrones) != 1 {
		t.Fatalf("expected drone to be lost, got active=%d lost=%d", len(snap.Drones), len(snap.LostDrones))
	}
	if got := store.kinds(); got[models.DetectionKindDrone] != 1 {
		t.Fatalf("expected archived drone to be stored, got %v", got)
	}
	if sink.count() != 2 {
		t.Fatalf("no new alerts expected, sink has %d", sink.count())
	}
	if len(r.DroneHistory()) != 1 {
		t.Fatalf("expected history to hold the lost drone")
	}

	snap, err = r.Tick(context.Background())
	if err != nil {
		t.Fatalf("third Tick: %v", err)
	}
	if len(snap.LostDrones) != 0 || store.kinds()[models.DetectionKindDrone] != 1 {
		t.Fatalf("drone must be archived exactly once")
	}
}

func TestIngestValidatesAndBoundsWindow(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Window = time.Minute
	cfg.MaxSignals = 3
	clock := newTestClock(baseMs)
	r := newTestRunner(t, cfg, clock)

	bad := newTestSignal(t, "bad", baseMs, 2400, -50)
	bad.Lat = 120
	old := newTestSignal(t, "old", baseMs-2*time.Minute.Milliseconds(), 2400, -50)
	if got := r.Ingest(bad, old); got != 1 {
		t.Fatalf("expected only the old but valid record accepted, got %d", got)
	}
	if r.WindowSize() != 0 {
		t.Fatalf("record older than the window must be pruned, size %d", r.WindowSize())
	}

	for i := 0; i < 5; i++ {
		r.Ingest(newTestSignal(t, "s", baseMs+int64(i)*100, 2400+float64(i), -50))
	}
	if r.WindowSize() != 3 {
		t.Fatalf("expected window capped at 3, got %d", r.WindowSize())
	}

	snap, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	for _, s := range snap.Signals {
		if s.TimestampMs < baseMs+200 {
			t.Fatalf("oldest arrivals should have been evicted, found ts %d", s.TimestampMs)
		}
	}
}

func TestEmptyTickAndLatest(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, testConfig(), newTestClock(baseMs))
	if _, ok := r.Latest(); ok {
		t.Fatalf("no snapshot expected before the first tick")
	}

	snap, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if snap.Bounds != nil || len(snap.Interpolation) != 0 || len(snap.Grid) != 0 {
		t.Fatalf("empty window should give an empty snapshot, got %+v", snap)
	}
	latest, ok := r.Latest()
	if !ok || latest.Tick != snap.Tick {
		t.Fatalf("Latest should return the last snapshot")
	}
}

func TestTickCancelledKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, testConfig(), newTestClock(baseMs))
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Tick(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if latest, ok := r.Latest(); !ok || latest.Tick != 1 {
		t.Fatalf("previous snapshot must stay available")
	}
}

func TestFailedTickLeavesDetectorsUntouched(t *testing.T) {
	t.Parallel()

	clock := newTestClock(baseMs + 1000)
	store := &memoryStore{}
	sink := &recordingSink{}
	r := newTestRunner(t, testConfig(), clock, WithStore(store), WithAlertSink(sink))
	r.Ingest(
		newTestSignal(t, "ctl", baseMs, 2400, -50),
		newTestSignal(t, "vid", baseMs+1000, 5800, -60),
	)

	// a context cancelled mid-tick; the rate limiter is bypassed on purpose
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.tickMu.Lock()
	_, err := r.process(ctx)
	r.tickMu.Unlock()

	var pe *ProcessingError
	if !errors.As(err, &pe) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a ProcessingError wrapping context.Canceled, got %v", err)
	}
	if len(r.ActiveDrones()) != 0 || len(r.ActivePatterns()) != 0 {
		t.Fatalf("detectors advanced on a failed tick")
	}
	if sink.count() != 0 || len(store.kinds()) != 0 {
		t.Fatalf("failed tick leaked side effects: %d alerts, stored %v", sink.count(), store.kinds())
	}
	if _, ok := r.Latest(); ok {
		t.Fatalf("failed tick must not publish a snapshot")
	}

	// the signals of the failed tick are processed by the next one
	snap, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(snap.Drones) != 1 || sink.count() != 2 {
		t.Fatalf("expected the requeued signals to yield one drone and 2 alerts, got %d/%d", len(snap.Drones), sink.count())
	}
}

func TestAlertDetectionKeyedByDroneAndType(t *testing.T) {
	t.Parallel()

	a := drone.Alert{ID: "a1", Type: drone.AlertMilitary, DroneID: "drone-1", Severity: "critical", TimestampMs: baseMs}
	b := a
	b.ID, b.TimestampMs = "a2", baseMs+100
	if alertDetection(a).RefID != alertDetection(b).RefID {
		t.Fatalf("repeats of one alert must share a store key")
	}
	c := a
	c.Type = drone.AlertNewDrone
	if alertDetection(a).RefID == alertDetection(c).RefID {
		t.Fatalf("different alert types must not share a store key")
	}
}

func TestSinkErrorsDoNotFailTick(t *testing.T) {
	t.Parallel()

	clock := newTestClock(baseMs + 1000)
	sink := &recordingSink{err: errors.New("broker down")}
	r := newTestRunner(t, testConfig(), clock, WithAlertSink(sink))
	r.Ingest(
		newTestSignal(t, "ctl", baseMs, 2400, -50),
		newTestSignal(t, "vid", baseMs+1000, 5800, -60),
	)
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("sink failures must not fail the tick: %v", err)
	}
	if sink.count() == 0 {
		t.Fatalf("sink should still have been called")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, testConfig(), newTestClock(baseMs))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var snapshots int
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(Snapshot) {
			snapshots++
			if snapshots == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	if snapshots < 3 {
		t.Fatalf("expected at least 3 snapshots, got %d", snapshots)
	}
}

func TestProcessingErrorMatchesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	var err error = &ProcessingError{Stage: "grid", Err: cause}
	if !errors.Is(err, ErrProcessingFailed) || !errors.Is(err, cause) {
		t.Fatalf("ProcessingError should match both sentinel and cause")
	}
	var pe *ProcessingError
	if !errors.As(err, &pe) || pe.Stage != "grid" {
		t.Fatalf("errors.As failed: %v", err)
	}
}

func TestReplayClockAndPadBounds(t *testing.T) {
	t.Parallel()

	clock := ReplayClock([]models.SignalRecord{
		{TimestampMs: baseMs},
		{TimestampMs: baseMs + 5000},
	})
	if got := clock().UnixMilli(); got != baseMs+5000 {
		t.Fatalf("replay clock = %d, want newest signal time", got)
	}

	point := models.Bounds{North: baseLat, South: baseLat, East: baseLon, West: baseLon}
	padded := padBounds(point, 25)
	if err := padded.Validate(); err != nil {
		t.Fatalf("padded single-point bounds must be valid: %v", err)
	}
	if !padded.Contains(baseLat, baseLon) {
		t.Fatalf("padding must keep the original area")
	}
}

func TestConfigNormalize(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TickRateHz = -1
	cfg.GridSizeMeters = 0
	cfg.InterpolationMethod = "spline"
	cfg.Pattern.Threshold = -3

	got, err := cfg.Normalize()
	if err == nil || !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	d := DefaultConfig()
	if got.TickRateHz != d.TickRateHz || got.GridSizeMeters != d.GridSizeMeters || got.InterpolationMethod != d.InterpolationMethod {
		t.Fatalf("fields not reset: %+v", got)
	}
	if got.Pattern.Threshold != d.Pattern.Threshold {
		t.Fatalf("nested pattern config not normalized")
	}

	if _, err := DefaultConfig().Normalize(); err != nil {
		t.Fatalf("defaults must be valid: %v", err)
	}
}
