// Package engine drives the processing stages on a fixed cadence: it keeps a
// bounded window of recent signals, runs filtering, aggregation, clustering,
// interpolation, drone tracking and pattern detection, and publishes the
// result as a Snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rfwatch/cluster"
	"rfwatch/db"
	"rfwatch/drone"
	"rfwatch/filter"
	"rfwatch/geo"
	"rfwatch/grid"
	"rfwatch/interpolate"
	"rfwatch/metrics"
	"rfwatch/models"
	"rfwatch/pattern"
	"rfwatch/utils"
	"rfwatch/worker"
)

const (
	stageFilter        = "filter"
	stageGrid          = "grid"
	stageClusters      = "clusters"
	stageInterpolation = "interpolation"
	stageDetectors     = "detectors"
	stagePanic         = "panic"
)

// Alert sources.
const (
	SourceDrone   = "drone"
	SourcePattern = "pattern"
)

// Alert is the uniform shape pushed to sinks for drone alerts and
// high-priority patterns.
type Alert struct {
	ID          string  `json:"id"`
	Source      string  `json:"source"`
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Message     string  `json:"message"`
	RefID       string  `json:"refId"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	TimestampMs int64   `json:"timestamp"`
}

// AlertSink receives every alert raised by a tick.
type AlertSink interface {
	PublishAlert(ctx context.Context, alert Alert) error
}

// Snapshot is the renderer-facing result of one tick. Its slices are shared
// with later readers and must not be modified.
type Snapshot struct {
	Tick           uint64                `json:"tick"`
	GeneratedAt    time.Time             `json:"generatedAt"`
	WindowSize     int                   `json:"windowSize"`
	Bounds         *models.Bounds        `json:"bounds,omitempty"`
	Signals        []models.SignalRecord `json:"signals"`
	FilterStats    filter.Statistics     `json:"filterStats"`
	Anomalies      []filter.Anomaly      `json:"anomalies"`
	Grid           []grid.Cell           `json:"grid"`
	Clusters       []cluster.Cluster     `json:"clusters"`
	Interpolation  []interpolate.Point   `json:"interpolation"`
	Drones         []drone.Signature     `json:"drones"`
	LostDrones     []drone.Signature     `json:"lostDrones"`
	DroneStats     drone.Statistics      `json:"droneStats"`
	Patterns       []pattern.Pattern     `json:"patterns"`
	NewPatterns    []pattern.Pattern     `json:"newPatterns"`
	PatternStats   pattern.Statistics    `json:"patternStats"`
	Alerts         []Alert               `json:"alerts"`
	Stale          []string              `json:"stale,omitempty"`
	ProcessingTime time.Duration         `json:"processingTime"`
}

type Option func(*Runner)

// WithClock replaces the wall clock for the window and the stateful detectors.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStore persists lost drones, high-priority patterns and drone alerts.
func WithStore(store db.DBClient) Option {
	return func(r *Runner) { r.store = store }
}

func WithAlertSink(sink AlertSink) Option {
	return func(r *Runner) {
		if sink != nil {
			r.sinks = append(r.sinks, sink)
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithSignatureLibrary(lib *drone.SignatureLibrary) Option {
	return func(r *Runner) { r.library = lib }
}

// Runner owns one instance of every processing stage. Ingest may be called
// from any goroutine; ticks are serialised.
type Runner struct {
	cfg Config

	pipeline  *filter.Pipeline
	grid      *grid.AsyncAggregator
	interp    *interpolate.AsyncInterpolator
	clusterer *cluster.Clusterer
	drones    *drone.Engine
	patterns  *pattern.Detector

	library *drone.SignatureLibrary
	store   db.DBClient
	sinks   []AlertSink
	metrics *metrics.Metrics
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	window  []models.SignalRecord
	pending []models.SignalRecord

	tickMu sync.Mutex
	ticks  uint64

	latestMu sync.RWMutex
	latest   *Snapshot
}

func NewRunner(cfg Config, opts ...Option) *Runner {
	logger := utils.GetLogger()
	cfg, err := cfg.Normalize()
	if err != nil {
		logger.Warn("engine config reset to defaults", slog.Any("error", err))
	}

	r := &Runner{cfg: cfg, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(r)
	}

	droneOpts := []drone.Option{drone.WithClock(r.now)}
	if r.library != nil {
		droneOpts = append(droneOpts, drone.WithLibrary(r.library))
	}

	r.pipeline = filter.NewPipeline(filter.DefaultMaxTrackedIDs)
	r.grid = grid.NewAsyncAggregator(grid.NewAggregator(cfg.GridSizeMeters), cfg.Workers, true)
	r.interp = interpolate.NewAsyncInterpolator(interpolate.NewInterpolator(cfg.Interpolation), cfg.Workers, true)
	r.clusterer = cluster.NewClusterer(cfg.ClusterRadiusMeters, cfg.MinClusterSize)
	r.drones = drone.NewEngine(cfg.Drone, droneOpts...)
	r.patterns = pattern.NewDetector(cfg.Pattern, pattern.WithClock(r.now))
	r.limiter = rate.NewLimiter(rate.Limit(cfg.TickRateHz), 1)
	return r
}

// AddAlertSink registers a sink after construction. It waits for any
// in-flight tick.
func (r *Runner) AddAlertSink(sink AlertSink) {
	if sink == nil {
		return
	}
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	r.sinks = append(r.sinks, sink)
}

func (r *Runner) Config() Config {
	return r.cfg
}

// Ingest validates and queues signals for the next tick. It returns the
// number accepted; invalid records are dropped and counted.
func (r *Runner) Ingest(signals ...models.SignalRecord) int {
	accepted, rejected := 0, 0

	r.mu.Lock()
	for _, s := range signals {
		if err := s.Validate(); err != nil {
			rejected++
			continue
		}
		r.window = append(r.window, s)
		r.pending = append(r.pending, s)
		accepted++
	}
	r.pruneLocked(r.now())
	size := len(r.window)
	r.mu.Unlock()

	r.metrics.RecordIngest(accepted, rejected, size)
	if rejected > 0 {
		r.logger.Debug("signals rejected", slog.Int("rejected", rejected), slog.Int("accepted", accepted))
	}
	return accepted
}

// pruneLocked drops records older than the window and then the oldest
// arrivals beyond the count cap.
func (r *Runner) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.cfg.Window).UnixMilli()
	kept := r.window[:0]
	for _, s := range r.window {
		if s.TimestampMs >= cutoff {
			kept = append(kept, s)
		}
	}
	clear(r.window[len(kept):])
	r.window = kept

	if over := len(r.window) - r.cfg.MaxSignals; over > 0 {
		r.window = append([]models.SignalRecord(nil), r.window[over:]...)
	}
	if over := len(r.pending) - r.cfg.MaxSignals; over > 0 {
		r.pending = append([]models.SignalRecord(nil), r.pending[over:]...)
	}
}

// WindowSize returns the number of signals currently held.
func (r *Runner) WindowSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.window)
}

// Tick waits for the rate limiter and runs one processing pass. On failure it
// returns a *ProcessingError, Latest keeps the previous snapshot, and the
// drone and pattern detectors are left untouched: signals queued for the
// failed tick are handed to the next one.
func (r *Runner) Tick(ctx context.Context) (Snapshot, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Snapshot{}, err
	}
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	return r.process(ctx)
}

// Run ticks until ctx is cancelled, handing each snapshot to onSnapshot.
func (r *Runner) Run(ctx context.Context, onSnapshot func(Snapshot)) error {
	for {
		snap, err := r.Tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.WarnContext(ctx, "processing tick failed", slog.Any("error", err))
			continue
		}
		if onSnapshot != nil {
			onSnapshot(snap)
		}
	}
}

func (r *Runner) process(ctx context.Context) (snap Snapshot, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ProcessingError{Stage: stagePanic, Err: fmt.Errorf("%v", rec)}
			r.metrics.RecordTickError(stagePanic)
			r.logger.ErrorContext(ctx, "processing tick panicked", slog.Any("error", err))
		}
	}()

	start := time.Now()
	now := r.now()

	r.mu.Lock()
	r.pruneLocked(now)
	window := append([]models.SignalRecord(nil), r.window...)
	fresh := r.pending
	r.pending = nil
	r.mu.Unlock()

	filtered := r.pipeline.FilterSignals(window, r.cfg.Filter)
	bounds, haveBounds := models.BoundsOf(filtered.Signals)

	gridCh := r.grid.Submit(ctx, grid.Request{
		Signals:        filtered.Signals,
		CellSizeMeters: r.cfg.GridSizeMeters,
		Hex:            r.cfg.HexGrid,
	})
	var interpCh <-chan worker.Result[[]interpolate.Point]
	if haveBounds {
		interpCh = r.interp.Submit(ctx, interpolate.Request{
			Points:           interpolate.PointsFromSignals(filtered.Signals),
			Bounds:           padBounds(bounds, r.cfg.Interpolation.Resolution),
			ResolutionMeters: r.cfg.Interpolation.Resolution,
			Method:           r.cfg.InterpolationMethod,
		})
	}

	clusters := r.clusterer.Cluster(filtered.Signals)

	prev, _ := r.Latest()
	var stale []string

	cells, err := await(ctx, gridCh)
	switch {
	case errors.Is(err, worker.ErrSuperseded):
		cells, stale = prev.Grid, append(stale, stageGrid)
		r.metrics.RecordStale(stageGrid)
	case err != nil:
		r.requeue(fresh)
		r.metrics.RecordTickError(stageGrid)
		return Snapshot{}, &ProcessingError{Stage: stageGrid, Err: err}
	}

	points := []interpolate.Point{}
	if interpCh != nil {
		points, err = await(ctx, interpCh)
		switch {
		case errors.Is(err, worker.ErrSuperseded):
			points, stale = prev.Interpolation, append(stale, stageInterpolation)
			r.metrics.RecordStale(stageInterpolation)
		case err != nil:
			r.requeue(fresh)
			r.metrics.RecordTickError(stageInterpolation)
			return Snapshot{}, &ProcessingError{Stage: stageInterpolation, Err: err}
		}
	}

	// Detectors mutate state and the alerts leave the process, so they run
	// only once nothing else in the tick can fail.
	if err := ctx.Err(); err != nil {
		r.requeue(fresh)
		r.metrics.RecordTickError(stageDetectors)
		return Snapshot{}, &ProcessingError{Stage: stageDetectors, Err: err}
	}
	detection := r.drones.DetectDrones(fresh)
	newPatterns := r.patterns.ProcessSignals(fresh)

	alerts := collectAlerts(detection, newPatterns)
	r.persist(ctx, detection, newPatterns)
	r.publish(ctx, alerts)

	r.ticks++
	snap = Snapshot{
		Tick:          r.ticks,
		GeneratedAt:   now,
		WindowSize:    len(window),
		Signals:       filtered.Signals,
		FilterStats:   filtered.Statistics,
		Anomalies:     filtered.Anomalies,
		Grid:          cells,
		Clusters:      clusters,
		Interpolation: points,
		Drones:        detection.ActiveDrones,
		LostDrones:    detection.LostDrones,
		DroneStats:    detection.Statistics,
		Patterns:      r.patterns.ActivePatterns(),
		NewPatterns:   newPatterns,
		PatternStats:  r.patterns.Statistics(),
		Alerts:        alerts,
		Stale:         stale,
	}
	if haveBounds {
		snap.Bounds = &bounds
	}
	snap.ProcessingTime = time.Since(start)

	r.latestMu.Lock()
	r.latest = &snap
	r.latestMu.Unlock()

	r.record(snap)
	r.logger.DebugContext(ctx, "tick complete",
		slog.Uint64("tick", snap.Tick),
		slog.Int("window", snap.WindowSize),
		slog.Int("fresh", len(fresh)),
		slog.Int("filtered", len(snap.Signals)),
		slog.Int("drones", len(snap.Drones)),
		slog.Int("alerts", len(snap.Alerts)),
		slog.Duration("elapsed", snap.ProcessingTime))
	return snap, nil
}

// requeue puts signals taken by a failed tick back in front of the pending
// queue.
func (r *Runner) requeue(signals []models.SignalRecord) {
	if len(signals) == 0 {
		return
	}
	r.mu.Lock()
	r.pending = append(append([]models.SignalRecord(nil), signals...), r.pending...)
	r.pruneLocked(r.now())
	r.mu.Unlock()
}

func await[T any](ctx context.Context, ch <-chan worker.Result[T]) (T, error) {
	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (r *Runner) record(snap Snapshot) {
	r.metrics.RecordTick(snap.ProcessingTime)
	r.metrics.RecordStageOutput(stageFilter, len(snap.Signals))
	r.metrics.RecordStageOutput(stageGrid, len(snap.Grid))
	r.metrics.RecordStageOutput(stageClusters, len(snap.Clusters))
	r.metrics.RecordStageOutput(stageInterpolation, len(snap.Interpolation))

	byType := make(map[string]int, len(snap.DroneStats.ByType))
	for typ, n := range snap.DroneStats.ByType {
		byType[string(typ)] = n
	}
	r.metrics.RecordDrones(byType, len(snap.LostDrones))
	r.metrics.RecordActivePatterns(len(snap.Patterns))
	for _, p := range snap.NewPatterns {
		r.metrics.RecordPattern(string(p.Type))
	}
	for _, a := range snap.Alerts {
		r.metrics.RecordAlert(a.Type)
	}
}

// collectAlerts merges drone alerts with high-priority patterns.
func collectAlerts(det drone.DetectionResult, patterns []pattern.Pattern) []Alert {
	alerts := make([]Alert, 0, len(det.Alerts))
	for _, a := range det.Alerts {
		alerts = append(alerts, Alert{
			ID:          a.ID,
			Source:      SourceDrone,
			Type:        string(a.Type),
			Severity:    a.Severity,
			Message:     a.Message,
			RefID:       a.DroneID,
			Lat:         a.Lat,
			Lon:         a.Lon,
			TimestampMs: a.TimestampMs,
		})
	}
	for _, p := range patterns {
		if p.Priority != pattern.PriorityHigh {
			continue
		}
		alerts = append(alerts, Alert{
			ID:          p.ID,
			Source:      SourcePattern,
			Type:        string(p.Type),
			Severity:    string(p.Priority),
			Message:     p.Description,
			RefID:       p.ID,
			Lat:         p.Lat,
			Lon:         p.Lon,
			TimestampMs: p.TimestampMs,
		})
	}
	return alerts
}

func (r *Runner) publish(ctx context.Context, alerts []Alert) {
	for _, sink := range r.sinks {
		for _, a := range alerts {
			if err := sink.PublishAlert(ctx, a); err != nil {
				r.logger.WarnContext(ctx, "alert publish failed",
					slog.String("alert", a.ID), slog.String("type", a.Type), slog.Any("error", err))
			}
		}
	}
}

func (r *Runner) persist(ctx context.Context, det drone.DetectionResult, patterns []pattern.Pattern) {
	if r.store == nil {
		return
	}
	var batch []models.Detection
	for _, d := range det.LostDrones {
		batch = append(batch, droneDetection(d))
	}
	for _, p := range patterns {
		if p.Priority == pattern.PriorityHigh {
			batch = append(batch, patternDetection(p))
		}
	}
	for _, a := range det.Alerts {
		batch = append(batch, alertDetection(a))
	}

	for i := range batch {
		err := r.store.StoreDetection(&batch[i])
		r.metrics.RecordDetectionStored(batch[i].Kind, err)
		if err != nil {
			r.logger.WarnContext(ctx, "storing detection failed",
				slog.String("kind", batch[i].Kind),
				slog.String("ref", batch[i].RefID),
				slog.Any("error", err))
		}
	}
}

// Latest returns the most recent successful snapshot.
func (r *Runner) Latest() (Snapshot, bool) {
	r.latestMu.RLock()
	defer r.latestMu.RUnlock()
	if r.latest == nil {
		return Snapshot{}, false
	}
	return *r.latest, true
}

func (r *Runner) ActiveDrones() []drone.Signature {
	return r.drones.ActiveDrones()
}

func (r *Runner) DroneHistory() []drone.Signature {
	return r.drones.History()
}

func (r *Runner) Drone(id string) (drone.Signature, bool) {
	return r.drones.Drone(id)
}

func (r *Runner) ActivePatterns() []pattern.Pattern {
	return r.patterns.ActivePatterns()
}

func (r *Runner) PatternStatistics() pattern.Statistics {
	return r.patterns.Statistics()
}

func (r *Runner) SignatureLibrary() *drone.SignatureLibrary {
	return r.drones.Library()
}

// Reset clears the window and all tracking state.
func (r *Runner) Reset() {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	r.mu.Lock()
	r.window, r.pending = nil, nil
	r.mu.Unlock()

	r.pipeline.Reset()
	r.drones.Reset()
	r.patterns.Reset()

	r.latestMu.Lock()
	r.latest = nil
	r.latestMu.Unlock()
}

// Close stops the worker pools. The store is owned by the caller.
func (r *Runner) Close() error {
	return errors.Join(r.grid.Close(), r.interp.Close())
}

// ReplayClock returns a clock fixed at the newest signal time so recorded
// batches are judged as if they had just arrived.
func ReplayClock(signals []models.SignalRecord) func() time.Time {
	var newest int64
	for _, s := range signals {
		newest = max(newest, s.TimestampMs)
	}
	if newest == 0 {
		return time.Now
	}
	at := time.UnixMilli(newest)
	return func() time.Time { return at }
}

// padBounds grows b by meters on every side so that single-point or
// collinear batches still span a valid lattice.
func padBounds(b models.Bounds, meters float64) models.Bounds {
	latPad := meters / geo.MetersPerDegreeLat
	lonPad := latPad
	centerLat, _ := b.Center()
	if m := geo.MetersPerDegreeLon(centerLat); m > 0 {
		lonPad = meters / m
	}
	return models.Bounds{
		North: math.Min(90, b.North+latPad),
		South: math.Max(-90, b.South-latPad),
		East:  math.Min(180, b.East+lonPad),
		West:  math.Max(-180, b.West-lonPad),
	}
}
