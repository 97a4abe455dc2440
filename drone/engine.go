package drone

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"rfwatch/filter"
	"rfwatch/geo"
	"rfwatch/grid"
	"rfwatch/models"
	"rfwatch/utils"
)

// ErrInvalidConfig is logged when a field of Config had to be reset.
var ErrInvalidConfig = errors.New("invalid drone engine config")

const (
	DefaultRelatedDistanceMeters     = 100.0
	DefaultRelatedWindow             = 5 * time.Second
	DefaultPowerSimilarityDb         = 10.0
	DefaultMergeDistanceMeters       = 200.0
	DefaultAssociationDistanceMeters = 200.0
	DefaultAssociationWindow         = 5 * time.Second
	DefaultSignalRetention           = 2 * time.Minute
	DefaultMaxSignalsPerDrone        = 500
	DefaultTrajectoryWindow          = 30 * time.Second
	DefaultSpeedSamples              = 5
	DefaultPredictionHorizon         = 30 * time.Second
	DefaultPredictionStep            = 5 * time.Second
	DefaultInactivityTimeout         = 30 * time.Second
	DefaultMaxHistory                = 500
	DefaultNewDroneWindow            = 5 * time.Second
	DefaultHighSpeedMps              = 20.0
	DefaultMaxPlausibleSpeedMps      = 50.0

	hoppingMinFrequencies = 5
	militaryPowerDbm      = -40.0
	professionalPowerDbm  = -60.0
)

// Config tunes grouping, association and lifecycle.
type Config struct {
	Filter filter.Options `json:"filter" yaml:"filter"`

	RelatedDistanceMeters float64       `json:"relatedDistance" yaml:"related_distance_meters"`
	RelatedWindow         time.Duration `json:"relatedWindow" yaml:"related_window"`
	PowerSimilarityDb     float64       `json:"powerSimilarity" yaml:"power_similarity_db"`
	MergeDistanceMeters   float64       `json:"mergeDistance" yaml:"merge_distance_meters"`

	AssociationDistanceMeters float64       `json:"associationDistance" yaml:"association_distance_meters"`
	AssociationWindow         time.Duration `json:"associationWindow" yaml:"association_window"`

	SignalRetention    time.Duration `json:"signalRetention" yaml:"signal_retention"`
	MaxSignalsPerDrone int           `json:"maxSignalsPerDrone" yaml:"max_signals_per_drone"`
	TrajectoryWindow   time.Duration `json:"trajectoryWindow" yaml:"trajectory_window"`
	SpeedSamples       int           `json:"speedSamples" yaml:"speed_samples"`
	PredictionHorizon  time.Duration `json:"predictionHorizon" yaml:"prediction_horizon"`
	PredictionStep     time.Duration `json:"predictionStep" yaml:"prediction_step"`

	InactivityTimeout time.Duration `json:"inactivityTimeout" yaml:"inactivity_timeout"`
	MaxHistory        int           `json:"maxHistory" yaml:"max_history"`

	NewDroneWindow       time.Duration `json:"newDroneWindow" yaml:"new_drone_window"`
	HighSpeedMps         float64       `json:"highSpeed" yaml:"high_speed_mps"`
	MaxPlausibleSpeedMps float64       `json:"maxPlausibleSpeed" yaml:"max_plausible_speed_mps"`

	// AlertCooldown suppresses an alert type for a drone until this much
	// time has passed since it last fired. Zero alerts on every pass.
	AlertCooldown time.Duration `json:"alertCooldown" yaml:"alert_cooldown"`
}

func DefaultConfig() Config {
	return Config{
		Filter:                    filter.DroneOptions(),
		RelatedDistanceMeters:     DefaultRelatedDistanceMeters,
		RelatedWindow:             DefaultRelatedWindow,
		PowerSimilarityDb:         DefaultPowerSimilarityDb,
		MergeDistanceMeters:       DefaultMergeDistanceMeters,
		AssociationDistanceMeters: DefaultAssociationDistanceMeters,
		AssociationWindow:         DefaultAssociationWindow,
		SignalRetention:           DefaultSignalRetention,
		MaxSignalsPerDrone:        DefaultMaxSignalsPerDrone,
		TrajectoryWindow:          DefaultTrajectoryWindow,
		SpeedSamples:              DefaultSpeedSamples,
		PredictionHorizon:         DefaultPredictionHorizon,
		PredictionStep:            DefaultPredictionStep,
		InactivityTimeout:         DefaultInactivityTimeout,
		MaxHistory:                DefaultMaxHistory,
		NewDroneWindow:            DefaultNewDroneWindow,
		HighSpeedMps:              DefaultHighSpeedMps,
		MaxPlausibleSpeedMps:      DefaultMaxPlausibleSpeedMps,
	}
}

// Normalize replaces non-positive fields with their defaults. AlertCooldown
// may be zero.
func (c Config) Normalize() (Config, error) {
	d := DefaultConfig()
	var errs []error
	fixFloat := func(name string, v *float64, def float64) {
		if !(*v > 0) || math.IsInf(*v, 0) {
			errs = append(errs, fmt.Errorf("%w: %s=%v", ErrInvalidConfig, name, *v))
			*v = def
		}
	}
	fixDur := func(name string, v *time.Duration, def time.Duration) {
		if *v <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s=%v", ErrInvalidConfig, name, *v))
			*v = def
		}
	}
	fixInt := func(name string, v *int, def int) {
		if *v <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s=%v", ErrInvalidConfig, name, *v))
			*v = def
		}
	}

	fixFloat("relatedDistance", &c.RelatedDistanceMeters, d.RelatedDistanceMeters)
	fixDur("relatedWindow", &c.RelatedWindow, d.RelatedWindow)
	fixFloat("powerSimilarity", &c.PowerSimilarityDb, d.PowerSimilarityDb)
	fixFloat("mergeDistance", &c.MergeDistanceMeters, d.MergeDistanceMeters)
	fixFloat("associationDistance", &c.AssociationDistanceMeters, d.AssociationDistanceMeters)
	fixDur("associationWindow", &c.AssociationWindow, d.AssociationWindow)
	fixDur("signalRetention", &c.SignalRetention, d.SignalRetention)
	fixInt("maxSignalsPerDrone", &c.MaxSignalsPerDrone, d.MaxSignalsPerDrone)
	fixDur("trajectoryWindow", &c.TrajectoryWindow, d.TrajectoryWindow)
	fixInt("speedSamples", &c.SpeedSamples, d.SpeedSamples)
	fixDur("predictionHorizon", &c.PredictionHorizon, d.PredictionHorizon)
	fixDur("predictionStep", &c.PredictionStep, d.PredictionStep)
	fixDur("inactivityTimeout", &c.InactivityTimeout, d.InactivityTimeout)
	fixInt("maxHistory", &c.MaxHistory, d.MaxHistory)
	fixDur("newDroneWindow", &c.NewDroneWindow, d.NewDroneWindow)
	fixFloat("highSpeed", &c.HighSpeedMps, d.HighSpeedMps)
	fixFloat("maxPlausibleSpeed", &c.MaxPlausibleSpeedMps, d.MaxPlausibleSpeedMps)
	if c.SpeedSamples < 2 {
		c.SpeedSamples = 2
	}
	if c.AlertCooldown < 0 {
		errs = append(errs, fmt.Errorf("%w: alertCooldown=%v", ErrInvalidConfig, c.AlertCooldown))
		c.AlertCooldown = 0
	}
	return c, errors.Join(errs...)
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for lifecycle decisions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLibrary sets the manufacturer signature library.
func WithLibrary(lib *SignatureLibrary) Option {
	return func(e *Engine) {
		if lib != nil {
			e.library = lib
		}
	}
}

// WithPipeline shares a filter pipeline; by default the engine owns one.
func WithPipeline(p *filter.Pipeline) Option {
	return func(e *Engine) {
		if p != nil {
			e.pipeline = p
		}
	}
}

// Engine tracks drones across DetectDrones passes. All tracking state is
// mutated under one lock, so an Engine may be shared but passes serialise.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	pipeline *filter.Pipeline
	library  *SignatureLibrary

	active       map[string]*Signature
	history      map[string]Signature
	historyOrder []string
	associations map[string]string
	lastAlert    map[string]map[AlertType]int64

	now    func() time.Time
	logger *slog.Logger
}

// NewEngine creates an engine with its own filter pipeline and, unless
// WithLibrary is given, the built-in signature library.
func NewEngine(cfg Config, opts ...Option) *Engine {
	logger := utils.GetLogger()
	cfg, err := cfg.Normalize()
	if err != nil {
		logger.Warn("drone config reset to defaults", slog.Any("error", err))
	}

	e := &Engine{
		cfg:          cfg,
		active:       make(map[string]*Signature),
		history:      make(map[string]Signature),
		associations: make(map[string]string),
		lastAlert:    make(map[string]map[AlertType]int64),
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pipeline == nil {
		e.pipeline = filter.NewPipeline(filter.DefaultMaxTrackedIDs)
	}
	if e.library == nil {
		lib, _ := NewSignatureLibrary(DefaultSignatures(), DefaultMatchThreshold)
		e.library = lib
	}
	return e
}

// Library returns the signature library in use.
func (e *Engine) Library() *SignatureLibrary {
	return e.library
}

// group is a set of related signals, kept sorted by (timestamp, id).
type group struct {
	signals        []models.SignalRecord
	centerLat      float64
	centerLon      float64
	startMs, endMs int64
}

func newGroup(signals []models.SignalRecord) group {
	sortSignals(signals)
	g := group{signals: signals, startMs: math.MaxInt64, endMs: math.MinInt64}
	for _, s := range signals {
		g.centerLat += s.Lat
		g.centerLon += s.Lon
		g.startMs = min(g.startMs, s.TimestampMs)
		g.endMs = max(g.endMs, s.TimestampMs)
	}
	n := float64(len(signals))
	g.centerLat /= n
	g.centerLon /= n
	return g
}

// DetectDrones runs one detection pass over signals. Every drone still
// active after the pass is recharacterised and checked for alerts, whether
// or not the pass carried signals for it.
func (e *Engine) DetectDrones(signals []models.SignalRecord) DetectionResult {
	filtered := e.pipeline.FilterSignals(signals, e.cfg.Filter)

	e.mu.Lock()
	defer e.mu.Unlock()

	nowMs := e.now().UnixMilli()
	stats := Statistics{
		SignalsIn:       len(signals),
		SignalsFiltered: len(filtered.Signals),
		ByType:          make(map[Type]int),
	}
	var alerts []Alert

	groups := e.mergeGroups(e.groupSignals(filtered.Signals))
	stats.Groups = len(groups)

	staleCutoff := nowMs - e.cfg.InactivityTimeout.Milliseconds()
	for _, g := range groups {
		if d := e.associate(g); d != nil {
			e.update(d, g.signals)
			stats.Updated++
			continue
		}
		if g.endMs < staleCutoff {
			// a group that would be lost on arrival is not worth tracking
			continue
		}
		e.create(g)
		stats.Created++
	}

	lost := e.expire(nowMs)
	stats.Lost = len(lost)

	retention := e.cfg.SignalRetention.Milliseconds()
	for _, id := range e.activeIDs() {
		d := e.active[id]
		e.prune(d, nowMs-retention)
		e.characterise(d)
		alerts = append(alerts, e.passAlerts(d, nowMs)...)
	}

	active := e.sortedActive()
	for _, d := range active {
		stats.ByType[d.Type]++
	}
	stats.Active = len(active)
	stats.History = len(e.history)
	stats.Alerts = len(alerts)

	e.logger.Debug("drone pass complete",
		slog.Int("signals", stats.SignalsIn),
		slog.Int("filtered", stats.SignalsFiltered),
		slog.Int("groups", stats.Groups),
		slog.Int("created", stats.Created),
		slog.Int("lost", stats.Lost),
		slog.Int("active", stats.Active),
		slog.Int("alerts", stats.Alerts))

	return DetectionResult{
		ActiveDrones: active,
		LostDrones:   lost,
		Alerts:       alerts,
		Statistics:   stats,
	}
}

// related reports whether two signals plausibly come from the same airframe.
func (e *Engine) related(a, b models.SignalRecord) bool {
	dt := a.TimestampMs - b.TimestampMs
	if dt < 0 {
		dt = -dt
	}
	if dt > e.cfg.RelatedWindow.Milliseconds() {
		return false
	}
	if geo.Haversine(a.Lat, a.Lon, b.Lat, b.Lon) > e.cfg.RelatedDistanceMeters {
		return false
	}
	if e.library.IsKnownPairing(a.FrequencyMHz, b.FrequencyMHz) {
		return true
	}
	return math.Abs(a.PowerDbm-b.PowerDbm) <= e.cfg.PowerSimilarityDb
}

// groupSignals forms connected components of the relatedness graph.
func (e *Engine) groupSignals(signals []models.SignalRecord) []group {
	if len(signals) == 0 {
		return nil
	}
	sorted := append([]models.SignalRecord(nil), signals...)
	sortSignals(sorted)

	uf := newUnionFind(len(sorted))
	window := e.cfg.RelatedWindow.Milliseconds()
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].TimestampMs-sorted[i].TimestampMs > window {
				break
			}
			if e.related(sorted[i], sorted[j]) {
				uf.union(i, j)
			}
		}
	}

	members := make(map[int][]models.SignalRecord)
	var roots []int
	for i, s := range sorted {
		r := uf.find(i)
		if _, ok := members[r]; !ok {
			roots = append(roots, r)
		}
		members[r] = append(members[r], s)
	}
	groups := make([]group, 0, len(roots))
	for _, r := range roots {
		groups = append(groups, newGroup(members[r]))
	}
	return groups
}

// mergeGroups joins groups whose centers are close and whose time ranges
// overlap, repeating until no merge applies.
func (e *Engine) mergeGroups(groups []group) []group {
	for {
		merged := false
		for i := 0; i < len(groups) && !merged; i++ {
			for j := i + 1; j < len(groups); j++ {
				a, b := groups[i], groups[j]
				if a.startMs > b.endMs || b.startMs > a.endMs {
					continue
				}
				if geo.Haversine(a.centerLat, a.centerLon, b.centerLat, b.centerLon) > e.cfg.MergeDistanceMeters {
					continue
				}
				combined := append(append([]models.SignalRecord(nil), a.signals...), b.signals...)
				groups[i] = newGroup(combined)
				groups = append(groups[:j], groups[j+1:]...)
				merged = true
				break
			}
		}
		if !merged {
			return groups
		}
	}
}

// associate finds the active drone a group belongs to: by signal id first,
// then by proximity to the drone's last position in space and time.
func (e *Engine) associate(g group) *Signature {
	votes := make(map[string]int)
	for _, s := range g.signals {
		if id, ok := e.associations[s.ID]; ok {
			if _, live := e.active[id]; live {
				votes[id]++
			}
		}
	}
	if best := bestVote(votes); best != "" {
		return e.active[best]
	}

	var (
		found    *Signature
		bestDist = math.Inf(1)
	)
	window := e.cfg.AssociationWindow.Milliseconds()
	for _, id := range e.activeIDs() {
		d := e.active[id]
		pos, ok := d.Position()
		if !ok {
			continue
		}
		if g.startMs-d.LastSeenMs > window || d.FirstSeenMs-g.endMs > window {
			continue
		}
		dist := geo.Haversine(pos.Lat, pos.Lon, g.centerLat, g.centerLon)
		if dist <= e.cfg.AssociationDistanceMeters && dist < bestDist {
			found, bestDist = d, dist
		}
	}
	return found
}

func bestVote(votes map[string]int) string {
	best, bestN := "", 0
	for id, n := range votes {
		if n > bestN || (n == bestN && id < best) {
			best, bestN = id, n
		}
	}
	return best
}

func (e *Engine) create(g group) *Signature {
	d := &Signature{
		ID:          "drone-" + uuid.NewString(),
		Status:      StatusActive,
		FirstSeenMs: g.startMs,
		LastSeenMs:  g.endMs,
	}
	e.active[d.ID] = d
	e.update(d, g.signals)
	e.characterise(d)
	e.logger.Info("new drone tracked",
		slog.String("id", d.ID),
		slog.String("type", string(d.Type)),
		slog.Float64("confidence", d.Confidence))
	return d
}

// update folds new signals into a drone and extends its trajectory.
func (e *Engine) update(d *Signature, signals []models.SignalRecord) {
	seen := make(map[string]struct{}, len(d.Signals))
	for _, s := range d.Signals {
		seen[signalKey(s)] = struct{}{}
	}
	var fresh []models.SignalRecord
	for _, s := range signals {
		k := signalKey(s)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		fresh = append(fresh, s)
		e.associations[s.ID] = d.ID
	}
	if len(fresh) == 0 {
		return
	}

	d.Signals = append(d.Signals, fresh...)
	sortSignals(d.Signals)
	for _, s := range fresh {
		d.FirstSeenMs = min(d.FirstSeenMs, s.TimestampMs)
		d.LastSeenMs = max(d.LastSeenMs, s.TimestampMs)
	}
	e.prune(d, d.LastSeenMs-e.cfg.SignalRetention.Milliseconds())
	e.addFix(d, newGroup(fresh))
}

// prune drops signals older than cutoff and the oldest beyond the per-drone
// cap. The newest signal is always kept so a drone is never characterised
// from nothing.
func (e *Engine) prune(d *Signature, cutoff int64) {
	drop := 0
	for drop < len(d.Signals)-1 && d.Signals[drop].TimestampMs < cutoff {
		drop++
	}
	if excess := len(d.Signals) - drop - e.cfg.MaxSignalsPerDrone; excess > 0 {
		drop += excess
	}
	for _, s := range d.Signals[:drop] {
		if e.associations[s.ID] == d.ID {
			delete(e.associations, s.ID)
		}
	}
	d.Signals = append([]models.SignalRecord(nil), d.Signals[drop:]...)
	// ids of the retained signals stay associated even if an older copy was pruned
	for _, s := range d.Signals {
		e.associations[s.ID] = d.ID
	}
}

func signalKey(s models.SignalRecord) string {
	return fmt.Sprintf("%s@%d", s.ID, s.TimestampMs)
}

// addFix appends the group's center as a trajectory point and refreshes
// speed, heading and the predicted path.
func (e *Engine) addFix(d *Signature, g group) {
	p := TrajectoryPoint{Lat: g.centerLat, Lon: g.centerLon, TimestampMs: g.endMs}
	for i := len(g.signals) - 1; i >= 0; i-- {
		if alt := g.signals[i].Metadata.Altitude; alt != nil {
			v := *alt
			p.Altitude = &v
			break
		}
	}

	pts := d.Trajectory.Points
	switch {
	case len(pts) == 0 || p.TimestampMs > pts[len(pts)-1].TimestampMs:
		pts = append(pts, p)
	case p.TimestampMs == pts[len(pts)-1].TimestampMs:
		pts[len(pts)-1] = p
	default:
		// late fixes do not rewrite the path
	}

	cutoff := pts[len(pts)-1].TimestampMs - e.cfg.TrajectoryWindow.Milliseconds()
	drop := 0
	for drop < len(pts)-1 && pts[drop].TimestampMs < cutoff {
		drop++
	}
	d.Trajectory.Points = append([]TrajectoryPoint(nil), pts[drop:]...)

	recent := d.Trajectory.Points
	if len(recent) > e.cfg.SpeedSamples {
		recent = recent[len(recent)-e.cfg.SpeedSamples:]
	}
	d.Trajectory.SpeedMps, d.Trajectory.HeadingDeg = 0, 0
	if len(recent) >= 2 {
		first, last := recent[0], recent[len(recent)-1]
		var dist float64
		for i := 1; i < len(recent); i++ {
			dist += geo.Haversine(recent[i-1].Lat, recent[i-1].Lon, recent[i].Lat, recent[i].Lon)
		}
		if dt := float64(last.TimestampMs-first.TimestampMs) / 1000; dt > 0 {
			d.Trajectory.SpeedMps = dist / dt
		}
		d.Trajectory.HeadingDeg = geo.Bearing(first.Lat, first.Lon, last.Lat, last.Lon)
	}
	d.Trajectory.Predicted = e.predict(d.Trajectory)
}

func (e *Engine) predict(t Trajectory) []TrajectoryPoint {
	if len(t.Points) == 0 {
		return nil
	}
	last := t.Points[len(t.Points)-1]
	step := e.cfg.PredictionStep
	steps := int(e.cfg.PredictionHorizon / step)
	out := make([]TrajectoryPoint, 0, steps)
	for k := 1; k <= steps; k++ {
		ahead := time.Duration(k) * step
		lat, lon := geo.Destination(last.Lat, last.Lon, t.HeadingDeg, t.SpeedMps*ahead.Seconds())
		out = append(out, TrajectoryPoint{
			Lat:         lat,
			Lon:         lon,
			Altitude:    last.Altitude,
			TimestampMs: last.TimestampMs + ahead.Milliseconds(),
		})
	}
	return out
}

// characterise recomputes type, characteristics and confidence.
func (e *Engine) characterise(d *Signature) {
	d.Type = classifyType(d.Signals)

	powers := make([]float64, len(d.Signals))
	for i, s := range d.Signals {
		powers[i] = s.PowerDbm
	}
	var avg, std float64
	if len(powers) > 0 {
		avg, std = stat.PopMeanStdDev(powers, nil)
	}

	ch := Characteristics{
		Manufacturer:  "unknown",
		AvgPowerDbm:   avg,
		PowerProfile:  powerProfile(avg),
		SignalPattern: signalPattern(d.Signals),
		Bands:         bandsOf(d.Signals),
	}
	var metadata map[string]string
	if m, ok := e.library.Classify(d.Signals); ok {
		ch.Manufacturer = m.Manufacturer
		ch.Model = m.Model
		ch.ManufacturerScore = m.Similarity
		metadata = m.Metadata
	}
	threat := AssessThreat(metadata, ch.PowerProfile, ch.SignalPattern, d.Trajectory.SpeedMps)
	ch.Threat = &threat
	d.Characteristics = ch

	d.Confidence = e.confidence(len(d.Signals), std, ch.ManufacturerScore, d.Trajectory.SpeedMps)
}

// confidence blends sample count, power tightness, manufacturer match and
// speed plausibility.
func (e *Engine) confidence(n int, powerStd, manufacturerScore, speed float64) float64 {
	c := 0.3 * math.Min(1, float64(n)/10)
	c += 0.25 * (1 - math.Min(1, powerStd/10))
	if manufacturerScore >= DefaultMatchThreshold {
		c += 0.25 * manufacturerScore
	}
	if speed >= 0 && speed <= e.cfg.MaxPlausibleSpeedMps {
		c += 0.2
	}
	return math.Max(0, math.Min(1, c))
}

// Link ranges used for type classification, strongest evidence first.
var (
	videoRanges      = []FreqRange{{MinMHz: 5650, MaxMHz: 5925}, {MinMHz: 1080, MaxMHz: 1360}}
	controllerRanges = []FreqRange{{MinMHz: 2400, MaxMHz: 2483.5}, {MinMHz: 863, MaxMHz: 870}}
	telemetryRanges  = []FreqRange{{MinMHz: 433.05, MaxMHz: 434.79}, {MinMHz: 902, MaxMHz: 928}}
)

func classifyType(signals []models.SignalRecord) Type {
	var video, controller, telemetry bool
	for _, s := range signals {
		f := s.FrequencyMHz
		video = video || inAny(videoRanges, f)
		controller = controller || inAny(controllerRanges, f)
		telemetry = telemetry || inAny(telemetryRanges, f)
	}
	switch {
	case video:
		return TypeVideo
	case controller:
		return TypeController
	case telemetry:
		return TypeTelemetry
	default:
		return TypeUnknown
	}
}

func powerProfile(avgDbm float64) string {
	switch {
	case avgDbm >= militaryPowerDbm:
		return ProfileMilitary
	case avgDbm >= professionalPowerDbm:
		return ProfileProfessional
	default:
		return ProfileConsumer
	}
}

func signalPattern(signals []models.SignalRecord) string {
	distinct := make(map[int64]struct{})
	var video, controller bool
	for _, s := range signals {
		distinct[int64(math.Round(s.FrequencyMHz*10))] = struct{}{}
		video = video || inAny(videoRanges, s.FrequencyMHz)
		controller = controller || inAny(controllerRanges, s.FrequencyMHz)
	}
	switch {
	case len(distinct) >= hoppingMinFrequencies:
		return PatternHopping
	case video && controller:
		return PatternDualBand
	default:
		return PatternSingle
	}
}

func bandsOf(signals []models.SignalRecord) []string {
	set := make(map[string]struct{})
	for _, s := range signals {
		set[grid.FrequencyCategory(s.FrequencyMHz)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// passAlerts evaluates every alert condition for d. A condition that holds
// fires on each pass unless AlertCooldown is set and the same type fired for
// this drone within it.
func (e *Engine) passAlerts(d *Signature, nowMs int64) []Alert {
	var alerts []Alert
	pos, _ := d.Position()
	emit := func(t AlertType, severity, msg string) {
		if cooldown := e.cfg.AlertCooldown.Milliseconds(); cooldown > 0 {
			last, ok := e.lastAlert[d.ID][t]
			if ok && nowMs-last < cooldown {
				return
			}
			if e.lastAlert[d.ID] == nil {
				e.lastAlert[d.ID] = make(map[AlertType]int64)
			}
			e.lastAlert[d.ID][t] = nowMs
		}
		alerts = append(alerts, Alert{
			ID:          uuid.NewString(),
			Type:        t,
			DroneID:     d.ID,
			Severity:    severity,
			Message:     msg,
			Lat:         pos.Lat,
			Lon:         pos.Lon,
			TimestampMs: nowMs,
		})
	}

	if nowMs-d.FirstSeenMs < e.cfg.NewDroneWindow.Milliseconds() {
		emit(AlertNewDrone, "medium", fmt.Sprintf("new %s drone detected (%s)", d.Type, d.Characteristics.Manufacturer))
	}
	if d.Trajectory.SpeedMps > e.cfg.HighSpeedMps {
		emit(AlertHighSpeed, "high", fmt.Sprintf("drone moving at %.1f m/s", d.Trajectory.SpeedMps))
	}
	switch d.Characteristics.PowerProfile {
	case ProfileMilitary:
		emit(AlertMilitary, "critical", fmt.Sprintf("military-grade transmit power (%.1f dBm)", d.Characteristics.AvgPowerDbm))
	case ProfileProfessional:
		emit(AlertProfessional, "high", fmt.Sprintf("professional-grade transmit power (%.1f dBm)", d.Characteristics.AvgPowerDbm))
	}
	if d.Characteristics.SignalPattern == PatternHopping {
		emit(AlertFrequencyHopping, "high", fmt.Sprintf("frequency hopping across %d bands", len(d.Characteristics.Bands)))
	}
	return alerts
}

// expire moves drones silent for longer than the inactivity timeout to
// history. Each drone is returned here exactly once.
func (e *Engine) expire(nowMs int64) []Signature {
	timeout := e.cfg.InactivityTimeout.Milliseconds()
	var lost []Signature
	for _, id := range e.activeIDs() {
		d := e.active[id]
		if nowMs-d.LastSeenMs <= timeout {
			continue
		}
		d.Status = StatusLost
		d.LostAtMs = nowMs
		delete(e.active, id)
		delete(e.lastAlert, id)
		for sid, did := range e.associations {
			if did == id {
				delete(e.associations, sid)
			}
		}
		archived := d.clone()
		e.history[id] = archived
		e.historyOrder = append(e.historyOrder, id)
		lost = append(lost, archived.clone())
		e.logger.Info("drone lost",
			slog.String("id", id),
			slog.Int64("lastSeen", d.LastSeenMs),
			slog.Int64("trackedMs", d.LastSeenMs-d.FirstSeenMs))
	}

	for len(e.historyOrder) > e.cfg.MaxHistory {
		delete(e.history, e.historyOrder[0])
		e.historyOrder = e.historyOrder[1:]
	}
	return lost
}

func (e *Engine) activeIDs() []string {
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) sortedActive() []Signature {
	out := make([]Signature, 0, len(e.active))
	for _, d := range e.active {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeenMs != out[j].FirstSeenMs {
			return out[i].FirstSeenMs < out[j].FirstSeenMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveDrones returns copies of the tracked drones, oldest first.
func (e *Engine) ActiveDrones() []Signature {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedActive()
}

// History returns copies of lost drones, oldest loss first.
func (e *Engine) History() []Signature {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Signature, 0, len(e.historyOrder))
	for _, id := range e.historyOrder {
		d := e.history[id]
		out = append(out, d.clone())
	}
	return out
}

// Drone looks up a drone by id in the active set, then in history.
func (e *Engine) Drone(id string) (Signature, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.active[id]; ok {
		return d.clone(), true
	}
	if d, ok := e.history[id]; ok {
		return d.clone(), true
	}
	return Signature{}, false
}

// Reset forgets all tracking state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = make(map[string]*Signature)
	e.history = make(map[string]Signature)
	e.historyOrder = nil
	e.associations = make(map[string]string)
	e.lastAlert = make(map[string]map[AlertType]int64)
	e.pipeline.Reset()
}

func sortSignals(signals []models.SignalRecord) {
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].TimestampMs != signals[j].TimestampMs {
			return signals[i].TimestampMs < signals[j].TimestampMs
		}
		return signals[i].ID < signals[j].ID
	})
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the smaller index as root so component order follows input order.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
