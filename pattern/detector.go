package pattern

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rfwatch/filter"
	"rfwatch/geo"
	"rfwatch/models"
	"rfwatch/utils"
)

type Type string

const (
	TypeNewDevice        Type = "new_device"
	TypeAnomalousPower   Type = "anomalous_power"
	TypeMovingSignal     Type = "moving_signal"
	TypeFrequencyHopping Type = "frequency_hopping"
	TypeSuspicious       Type = "suspicious_behavior"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Pattern is an append-only observation. It stops being active after MaxAge
// but stays queryable until the retention cap pushes it out.
type Pattern struct {
	ID          string                `json:"id"`
	Type        Type                  `json:"type"`
	Confidence  float64               `json:"confidence"`
	Priority    Priority              `json:"priority"`
	Signals     []models.SignalRecord `json:"signals"`
	Description string                `json:"description"`
	Lat         float64               `json:"lat"`
	Lon         float64               `json:"lon"`
	TimestampMs int64                 `json:"timestamp"`
	Reasons     []string              `json:"reasons,omitempty"`
}

// ErrInvalidConfig is logged when a Config field had to be reset.
var ErrInvalidConfig = errors.New("invalid pattern detector config")

const (
	DefaultThreshold        = 2.5
	DefaultMinSamples       = 10
	DefaultLearningPeriod   = 60 * time.Second
	DefaultBufferSize       = 1000
	DefaultMaxAge           = 60 * time.Second
	DefaultMaxPatterns      = 5000
	DefaultLocationGridDeg  = 0.01
	DefaultHoppingCellDeg   = 0.001
	DefaultMaxLocations     = 50_000
	DefaultMaxDeviceClasses = 10_000
	DefaultCooldown         = 5 * time.Second

	stdEpsilon = 1e-3

	newDeviceLookback      = 100
	newDeviceBandMHz       = 10.0
	newDeviceDistance      = 50.0
	movingWindowMs         = 30_000
	movingMinSignals       = 3
	movingMinSpeed         = 1.0
	movingFreqToleranceMHz = 1.0
	hoppingWindowMs        = 10_000
	hoppingMinSignals      = 5
	hoppingMinFrequencies  = 3
	burstWindowMs          = 1000
	burstMinSignals        = 10
	burstDistance          = 100.0
	highPowerDbm           = -40.0
	suspiciousMinScore     = 0.5
)

// Config tunes detector sensitivity and memory bounds.
type Config struct {
	Threshold        float64       `json:"threshold" yaml:"threshold"`
	MinSamples       int           `json:"minSamples" yaml:"min_samples"`
	LearningPeriod   time.Duration `json:"learningPeriod" yaml:"learning_period"`
	BufferSize       int           `json:"bufferSize" yaml:"buffer_size"`
	MaxAge           time.Duration `json:"maxAge" yaml:"max_age"`
	MaxPatterns      int           `json:"maxPatterns" yaml:"max_patterns"`
	LocationGridDeg  float64       `json:"locationGrid" yaml:"location_grid_deg"`
	HoppingCellDeg   float64       `json:"hoppingCell" yaml:"hopping_cell_deg"`
	MaxLocations     int           `json:"maxLocations" yaml:"max_locations"`
	MaxDeviceClasses int           `json:"maxDeviceClasses" yaml:"max_device_classes"`
	// Cooldown suppresses repeats of the same pattern type for the same key.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

func DefaultConfig() Config {
	return Config{
		Threshold:        DefaultThreshold,
		MinSamples:       DefaultMinSamples,
		LearningPeriod:   DefaultLearningPeriod,
		BufferSize:       DefaultBufferSize,
		MaxAge:           DefaultMaxAge,
		MaxPatterns:      DefaultMaxPatterns,
		LocationGridDeg:  DefaultLocationGridDeg,
		HoppingCellDeg:   DefaultHoppingCellDeg,
		MaxLocations:     DefaultMaxLocations,
		MaxDeviceClasses: DefaultMaxDeviceClasses,
		Cooldown:         DefaultCooldown,
	}
}

// Normalize resets invalid fields to defaults. A zero LearningPeriod or
// Cooldown is allowed and disables the respective wait.
func (c Config) Normalize() (Config, error) {
	d := DefaultConfig()
	var errs []error
	reset := func(field string, value any) {
		errs = append(errs, fmt.Errorf("%w: %s=%v", ErrInvalidConfig, field, value))
	}
	if !(c.Threshold > 0) || math.IsInf(c.Threshold, 0) {
		reset("threshold", c.Threshold)
		c.Threshold = d.Threshold
	}
	if c.MinSamples <= 0 {
		reset("minSamples", c.MinSamples)
		c.MinSamples = d.MinSamples
	}
	if c.LearningPeriod < 0 {
		reset("learningPeriod", c.LearningPeriod)
		c.LearningPeriod = d.LearningPeriod
	}
	if c.BufferSize <= 0 {
		reset("bufferSize", c.BufferSize)
		c.BufferSize = d.BufferSize
	}
	if c.MaxAge <= 0 {
		reset("maxAge", c.MaxAge)
		c.MaxAge = d.MaxAge
	}
	if c.MaxPatterns <= 0 {
		reset("maxPatterns", c.MaxPatterns)
		c.MaxPatterns = d.MaxPatterns
	}
	if !(c.LocationGridDeg > 0) {
		reset("locationGrid", c.LocationGridDeg)
		c.LocationGridDeg = d.LocationGridDeg
	}
	if !(c.HoppingCellDeg > 0) {
		reset("hoppingCell", c.HoppingCellDeg)
		c.HoppingCellDeg = d.HoppingCellDeg
	}
	if c.MaxLocations <= 0 {
		reset("maxLocations", c.MaxLocations)
		c.MaxLocations = d.MaxLocations
	}
	if c.MaxDeviceClasses <= 0 {
		reset("maxDeviceClasses", c.MaxDeviceClasses)
		c.MaxDeviceClasses = d.MaxDeviceClasses
	}
	if c.Cooldown < 0 {
		reset("cooldown", c.Cooldown)
		c.Cooldown = d.Cooldown
	}
	return c, errors.Join(errs...)
}

// Statistics summarises detector state.
type Statistics struct {
	Locations       int          `json:"locations"`
	DeviceClasses   int          `json:"deviceClasses"`
	BufferedSignals int          `json:"bufferedSignals"`
	StoredPatterns  int          `json:"storedPatterns"`
	ActivePatterns  int          `json:"activePatterns"`
	ActiveByType    map[Type]int `json:"activeByType"`
	Processed       int64        `json:"processed"`
	Rejected        int64        `json:"rejected"`
	Learning        bool         `json:"learning"`
}

// Option customises a Detector.
type Option func(*Detector)

// WithClock replaces the wall clock used for the learning period, pattern
// timestamps and active queries.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// Detector learns per-location and per-device-class baselines and flags
// deviations. All state is mutated under one lock.
type Detector struct {
	mu  sync.Mutex
	cfg Config

	baselines *baselines
	buffer    []models.SignalRecord
	patterns  []Pattern
	lastFired map[string]int64

	startedAt time.Time
	processed int64
	rejected  int64

	now    func() time.Time
	logger *slog.Logger
}

func NewDetector(cfg Config, opts ...Option) *Detector {
	logger := utils.GetLogger()
	cfg, err := cfg.Normalize()
	if err != nil {
		logger.Warn("pattern config reset to defaults", slog.Any("error", err))
	}
	d := &Detector{
		cfg:       cfg,
		lastFired: make(map[string]int64),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.baselines = newBaselines(cfg.MaxLocations, cfg.MaxDeviceClasses, cfg.LocationGridDeg)
	d.startedAt = d.now()
	return d
}

// ProcessSignals runs ProcessSignal over a batch in (timestamp, id) order.
func (d *Detector) ProcessSignals(signals []models.SignalRecord) []Pattern {
	sorted := append([]models.SignalRecord(nil), signals...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TimestampMs != sorted[j].TimestampMs {
			return sorted[i].TimestampMs < sorted[j].TimestampMs
		}
		return sorted[i].ID < sorted[j].ID
	})
	var out []Pattern
	for _, s := range sorted {
		out = append(out, d.ProcessSignal(s)...)
	}
	return out
}

// ProcessSignal evaluates every detector against one signal and returns the
// patterns it produced. Invalid signals are counted and ignored.
func (d *Detector) ProcessSignal(s models.SignalRecord) []Pattern {
	if err := s.Validate(); err != nil {
		d.mu.Lock()
		d.rejected++
		d.mu.Unlock()
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.processed++
	now := d.now()
	nowMs := now.UnixMilli()
	learned := now.Sub(d.startedAt) >= d.cfg.LearningPeriod

	var found []Pattern
	emit := func(key string, p Pattern) {
		fireKey := string(p.Type) + "|" + key
		if last, ok := d.lastFired[fireKey]; ok && key != "" && nowMs-last < d.cfg.Cooldown.Milliseconds() {
			return
		}
		d.lastFired[fireKey] = nowMs
		p.ID = uuid.NewString()
		p.TimestampMs = nowMs
		p.Lat, p.Lon = s.Lat, s.Lon
		found = append(found, p)
	}

	locKey := d.baselines.locationKey(s.Lat, s.Lon)
	clsKey := classKey(s.Metadata.TypeOrUnknown(), s.FrequencyMHz)

	anomalous := false
	if p, ok := d.anomalousPower(s, locKey, learned); ok {
		anomalous = true
		emit(locKey, p)
	}
	if p, ok := d.newDevice(s); ok {
		emit("", p)
	}

	d.buffer = append(d.buffer, s)
	if excess := len(d.buffer) - d.cfg.BufferSize; excess > 0 {
		d.buffer = append(d.buffer[:0:0], d.buffer[excess:]...)
	}

	if p, ok := d.movingSignal(s); ok {
		emit(clsKey, p)
	}
	if p, ok := d.frequencyHopping(s); ok {
		emit(cellKey(s.Lat, s.Lon, d.cfg.HoppingCellDeg), p)
	}
	if p, ok := d.suspicious(s, clsKey); ok {
		emit(locKey+"|"+clsKey, p)
	}

	// anomalous samples would drag the baseline towards the anomaly
	if !anomalous {
		d.baselines.updateLocation(locKey, s.PowerDbm)
	}
	d.baselines.updateClass(clsKey, s.PowerDbm, s.FrequencyMHz)

	d.patterns = append(d.patterns, found...)
	d.pruneLocked(nowMs)

	if len(found) > 0 {
		d.logger.Debug("patterns detected",
			slog.String("signal", s.ID),
			slog.Int("count", len(found)),
			slog.String("first", string(found[0].Type)))
	}
	return found
}

func (d *Detector) anomalousPower(s models.SignalRecord, locKey string, learned bool) (Pattern, bool) {
	if !learned {
		return Pattern{}, false
	}
	base, ok := d.baselines.location(locKey)
	if !ok || base.n < d.cfg.MinSamples {
		return Pattern{}, false
	}
	z := math.Abs(s.PowerDbm-base.mean) / (base.std() + stdEpsilon)
	if z <= d.cfg.Threshold {
		return Pattern{}, false
	}
	priority := PriorityMedium
	if z > 2*d.cfg.Threshold {
		priority = PriorityHigh
	}
	return Pattern{
		Type:       TypeAnomalousPower,
		Confidence: math.Min(1, z/(2*d.cfg.Threshold)),
		Priority:   priority,
		Signals:    []models.SignalRecord{s},
		Description: fmt.Sprintf("power %.1f dBm deviates %.1fσ from local baseline %.1f±%.1f dBm",
			s.PowerDbm, z, base.mean, base.std()),
	}, true
}

// newDevice fires when nothing similar appears in the recent buffer.
func (d *Detector) newDevice(s models.SignalRecord) (Pattern, bool) {
	start := max(0, len(d.buffer)-(newDeviceLookback-1))
	for _, b := range d.buffer[start:] {
		if math.Abs(b.FrequencyMHz-s.FrequencyMHz) < newDeviceBandMHz &&
			geo.Haversine(b.Lat, b.Lon, s.Lat, s.Lon) <= newDeviceDistance {
			return Pattern{}, false
		}
	}
	return Pattern{
		Type:        TypeNewDevice,
		Confidence:  0.6,
		Priority:    PriorityLow,
		Signals:     []models.SignalRecord{s},
		Description: fmt.Sprintf("new emitter at %.3f MHz", s.FrequencyMHz),
	}, true
}

// movingSignal looks for a same-type, near-frequency track over the last 30 s.
func (d *Detector) movingSignal(s models.SignalRecord) (Pattern, bool) {
	sigType := s.Metadata.TypeOrUnknown()
	var track []models.SignalRecord
	for _, b := range d.buffer {
		if s.TimestampMs-b.TimestampMs > movingWindowMs || b.TimestampMs > s.TimestampMs {
			continue
		}
		if b.Metadata.TypeOrUnknown() != sigType || math.Abs(b.FrequencyMHz-s.FrequencyMHz) > movingFreqToleranceMHz {
			continue
		}
		track = append(track, b)
	}
	if len(track) < movingMinSignals {
		return Pattern{}, false
	}
	sortByTime(track)

	var sum float64
	var legs int
	for i := 1; i < len(track); i++ {
		a, b := track[i-1], track[i]
		if b.TimestampMs <= a.TimestampMs {
			continue
		}
		sum += geo.SpeedMetersPerSecond(a.Lat, a.Lon, a.TimestampMs, b.Lat, b.Lon, b.TimestampMs)
		legs++
	}
	if legs == 0 {
		return Pattern{}, false
	}
	speed := sum / float64(legs)
	if speed <= movingMinSpeed {
		return Pattern{}, false
	}
	priority := PriorityLow
	if speed > 10 {
		priority = PriorityMedium
	}
	return Pattern{
		Type:        TypeMovingSignal,
		Confidence:  math.Min(1, 0.5+speed/20),
		Priority:    priority,
		Signals:     track,
		Description: fmt.Sprintf("%s emitter near %.1f MHz moving at %.1f m/s", sigType, s.FrequencyMHz, speed),
	}, true
}

// frequencyHopping checks the hopping cell of s over the last 10 s.
func (d *Detector) frequencyHopping(s models.SignalRecord) (Pattern, bool) {
	key := cellKey(s.Lat, s.Lon, d.cfg.HoppingCellDeg)
	var members []models.SignalRecord
	freqs := make(map[int64]struct{})
	for _, b := range d.buffer {
		if s.TimestampMs-b.TimestampMs > hoppingWindowMs || b.TimestampMs > s.TimestampMs {
			continue
		}
		if cellKey(b.Lat, b.Lon, d.cfg.HoppingCellDeg) != key {
			continue
		}
		members = append(members, b)
		freqs[int64(math.Round(b.FrequencyMHz*10))] = struct{}{}
	}
	if len(members) < hoppingMinSignals || len(freqs) < hoppingMinFrequencies {
		return Pattern{}, false
	}
	priority := PriorityMedium
	if len(freqs) >= 5 {
		priority = PriorityHigh
	}
	return Pattern{
		Type:        TypeFrequencyHopping,
		Confidence:  math.Min(1, 0.5+0.1*float64(len(freqs))),
		Priority:    priority,
		Signals:     members,
		Description: fmt.Sprintf("%d signals on %d frequencies within %ds", len(members), len(freqs), hoppingWindowMs/1000),
	}, true
}

// suspicious scores independent reasons additively.
func (d *Detector) suspicious(s models.SignalRecord, clsKey string) (Pattern, bool) {
	var score float64
	var reasons []string

	if s.PowerDbm > highPowerDbm {
		cls, ok := d.baselines.class(clsKey)
		if !ok || cls.power.mean <= highPowerDbm {
			score += 0.4
			reasons = append(reasons, "unexpected high power")
		}
	}

	burst := 0
	for _, b := range d.buffer {
		if s.TimestampMs-b.TimestampMs > burstWindowMs || b.TimestampMs > s.TimestampMs {
			continue
		}
		if geo.Haversine(b.Lat, b.Lon, s.Lat, s.Lon) <= burstDistance {
			burst++
		}
	}
	if burst >= burstMinSignals {
		score += 0.3
		reasons = append(reasons, "burst appearance")
	}

	if _, known := filter.LookupBand(s.FrequencyMHz); !known {
		score += 0.3
		reasons = append(reasons, "non-standard frequency")
	}

	if score < suspiciousMinScore {
		return Pattern{}, false
	}
	priority := PriorityLow
	switch len(reasons) {
	case 2:
		priority = PriorityMedium
	case 3:
		priority = PriorityHigh
	}
	return Pattern{
		Type:        TypeSuspicious,
		Confidence:  math.Min(1, score),
		Priority:    priority,
		Signals:     []models.SignalRecord{s},
		Description: fmt.Sprintf("suspicious signal at %.3f MHz", s.FrequencyMHz),
		Reasons:     reasons,
	}, true
}

func (d *Detector) pruneLocked(nowMs int64) {
	if excess := len(d.patterns) - d.cfg.MaxPatterns; excess > 0 {
		d.patterns = append(d.patterns[:0:0], d.patterns[excess:]...)
	}
	cooldown := d.cfg.Cooldown.Milliseconds()
	for k, last := range d.lastFired {
		if nowMs-last >= cooldown {
			delete(d.lastFired, k)
		}
	}
}

// ActivePatterns returns patterns younger than MaxAge, newest first.
func (d *Detector) ActivePatterns() []Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().UnixMilli() - d.cfg.MaxAge.Milliseconds()
	var out []Pattern
	for i := len(d.patterns) - 1; i >= 0; i-- {
		p := d.patterns[i]
		if p.TimestampMs < cutoff {
			continue
		}
		p.Signals = append([]models.SignalRecord(nil), p.Signals...)
		p.Reasons = append([]string(nil), p.Reasons...)
		out = append(out, p)
	}
	return out
}

// Baseline returns the learned statistics for the location containing lat/lon.
func (d *Detector) Baseline(lat, lon float64) (Baseline, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := d.baselines.locationKey(lat, lon)
	s, ok := d.baselines.location(key)
	if !ok {
		return Baseline{}, false
	}
	return Baseline{Key: key, Samples: s.n, Mean: s.mean, StdDev: s.std()}, true
}

// DeviceClass returns the statistics for a signal type and frequency.
func (d *Detector) DeviceClass(signalType string, freqMHz float64) (DeviceClass, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := classKey(signalType, freqMHz)
	c, ok := d.baselines.class(key)
	if !ok {
		return DeviceClass{}, false
	}
	return DeviceClass{
		Key:          key,
		Samples:      c.power.n,
		MeanPowerDbm: c.power.mean,
		MinFreqMHz:   c.minFreq,
		MaxFreqMHz:   c.maxFreq,
	}, true
}

func (d *Detector) Statistics() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.UnixMilli() - d.cfg.MaxAge.Milliseconds()
	stats := Statistics{
		Locations:       d.baselines.locations.Len(),
		DeviceClasses:   d.baselines.classes.Len(),
		BufferedSignals: len(d.buffer),
		StoredPatterns:  len(d.patterns),
		ActiveByType:    make(map[Type]int),
		Processed:       d.processed,
		Rejected:        d.rejected,
		Learning:        now.Sub(d.startedAt) < d.cfg.LearningPeriod,
	}
	for _, p := range d.patterns {
		if p.TimestampMs >= cutoff {
			stats.ActivePatterns++
			stats.ActiveByType[p.Type]++
		}
	}
	return stats
}

// Reset clears baselines, buffer and patterns and restarts learning.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baselines.purge()
	d.buffer = nil
	d.patterns = nil
	d.lastFired = make(map[string]int64)
	d.startedAt = d.now()
	d.processed, d.rejected = 0, 0
}

func sortByTime(signals []models.SignalRecord) {
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].TimestampMs != signals[j].TimestampMs {
			return signals[i].TimestampMs < signals[j].TimestampMs
		}
		return signals[i].ID < signals[j].ID
	})
}
