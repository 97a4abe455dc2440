package filter

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"rfwatch/geo"
	"rfwatch/models"
	"rfwatch/utils"
)

// Cell is the per-cell summary produced by the spatial aggregation stage.
type Cell struct {
	ID              string                `json:"id"`
	CenterLat       float64               `json:"centerLat"`
	CenterLon       float64               `json:"centerLon"`
	Count           int                   `json:"count"`
	AvgPower        float64               `json:"avgPower"`
	MinPower        float64               `json:"minPower"`
	MaxPower        float64               `json:"maxPower"`
	AggregatedPower float64               `json:"aggregatedPower"`
	Density         float64               `json:"density"` // signals per km²
	Signals         []models.SignalRecord `json:"signals"` // representatives, strongest first
}

// Statistics counts how many records survived each stage.
type Statistics struct {
	Input          int           `json:"input"`
	Rejected       int           `json:"rejected"`
	AfterStrength  int           `json:"afterStrength"`
	AfterBand      int           `json:"afterBand"`
	AfterTemporal  int           `json:"afterTemporal"`
	AfterSpatial   int           `json:"afterSpatial"`
	GridCells      int           `json:"gridCells"`
	Output         int           `json:"output"`
	Anomalies      int           `json:"anomalies"`
	ProcessingTime time.Duration `json:"processingTime"`
}

// Result is the output of one FilterSignals pass. Scores is aligned with Signals.
type Result struct {
	Signals    []models.SignalRecord `json:"signals"`
	Scores     []float64             `json:"scores"`
	GridCells  []Cell                `json:"gridCells"`
	Statistics Statistics            `json:"statistics"`
	Anomalies  []Anomaly             `json:"anomalies"`
}

type fix struct {
	lat, lon float64
	ts       int64
}

// candidate carries a record through the stages together with what the
// temporal stage learned about its emitter.
type candidate struct {
	rec        models.SignalRecord
	speed      float64
	historyLen int
	score      float64
}

// Pipeline holds the per-emitter movement history. A Pipeline is owned by one
// caller; independent pipelines share nothing.
type Pipeline struct {
	mu            sync.Mutex
	history       map[string][]fix
	maxTrackedIDs int
	logger        *slog.Logger
}

// NewPipeline creates a pipeline tracking at most maxTrackedIDs emitters.
func NewPipeline(maxTrackedIDs int) *Pipeline {
	if maxTrackedIDs <= 0 {
		maxTrackedIDs = DefaultMaxTrackedIDs
	}
	return &Pipeline{
		history:       make(map[string][]fix),
		maxTrackedIDs: maxTrackedIDs,
		logger:        utils.GetLogger(),
	}
}

// TrackedIDs returns the number of emitters with live history.
func (p *Pipeline) TrackedIDs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}

// Reset drops all movement history.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = make(map[string][]fix)
}

// FilterSignals runs strength, band, temporal, spatial and priority stages in
// that order, then flags anomalies in the surviving set.
func (p *Pipeline) FilterSignals(signals []models.SignalRecord, opts Options) Result {
	start := time.Now()

	opts, err := opts.Normalize()
	if err != nil {
		p.logger.Warn("filter options reset to defaults", slog.Any("error", err))
	}

	stats := Statistics{Input: len(signals)}

	valid := make([]candidate, 0, len(signals))
	for _, s := range signals {
		if s.Validate() != nil {
			stats.Rejected++
			continue
		}
		valid = append(valid, candidate{rec: s})
	}
	sort.SliceStable(valid, func(i, j int) bool {
		a, b := valid[i].rec, valid[j].rec
		if a.TimestampMs != b.TimestampMs {
			return a.TimestampMs < b.TimestampMs
		}
		return a.ID < b.ID
	})

	working := strengthStage(valid, opts)
	stats.AfterStrength = len(working)

	working = bandStage(working, opts)
	stats.AfterBand = len(working)

	working = p.temporalStage(working, opts)
	stats.AfterTemporal = len(working)

	working, cells := spatialStage(working, opts)
	stats.AfterSpatial = len(working)
	stats.GridCells = len(cells)

	working = rankStage(working, opts)

	anomalies := detectAnomalies(working)

	res := Result{
		Signals:   make([]models.SignalRecord, len(working)),
		Scores:    make([]float64, len(working)),
		GridCells: cells,
		Anomalies: anomalies,
	}
	for i, c := range working {
		res.Signals[i] = c.rec
		res.Scores[i] = c.score
	}
	stats.Output = len(res.Signals)
	stats.Anomalies = len(anomalies)
	stats.ProcessingTime = time.Since(start)
	res.Statistics = stats

	p.logger.Debug("filter pass complete",
		slog.Int("input", stats.Input),
		slog.Int("rejected", stats.Rejected),
		slog.Int("output", stats.Output),
		slog.Int("cells", stats.GridCells),
		slog.Int("anomalies", stats.Anomalies),
		slog.Duration("elapsed", stats.ProcessingTime))

	return res
}

// StrengthFilter applies only the strength stage; it is exposed for callers
// that want the raw power cut without touching movement history.
func StrengthFilter(signals []models.SignalRecord, minPower, maxPower float64) []models.SignalRecord {
	out := make([]models.SignalRecord, 0, len(signals))
	for _, s := range signals {
		if s.PowerDbm >= minPower && s.PowerDbm <= maxPower {
			out = append(out, s)
		}
	}
	return out
}

func strengthStage(in []candidate, opts Options) []candidate {
	out := in[:0:0]
	for _, c := range in {
		if c.rec.PowerDbm >= opts.MinPower && c.rec.PowerDbm <= opts.MaxPower {
			out = append(out, c)
		}
	}
	return out
}

func bandStage(in []candidate, opts Options) []candidate {
	include := opts.includeList()
	exclude := opts.excludeList()
	if len(include) == 0 && len(exclude) == 0 {
		return in
	}
	out := in[:0:0]
	for _, c := range in {
		f := c.rec.FrequencyMHz
		if _, excluded := findBand(exclude, f); excluded {
			continue
		}
		if len(include) > 0 {
			if _, ok := findBand(include, f); !ok {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func (p *Pipeline) temporalStage(in []candidate, opts Options) []candidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	window := opts.TimeWindow.Milliseconds()
	minDuration := opts.MinDuration.Milliseconds()
	var newest int64

	out := in[:0:0]
	for _, c := range in {
		rec := c.rec
		if rec.TimestampMs > newest {
			newest = rec.TimestampMs
		}

		h := p.history[rec.ID]
		cutoff := rec.TimestampMs - window
		drop := 0
		for drop < len(h) && h[drop].ts < cutoff {
			drop++
		}
		h = h[drop:]

		if len(h) > 0 {
			last := h[len(h)-1]
			if rec.TimestampMs > last.ts {
				c.speed = geo.SpeedMetersPerSecond(last.lat, last.lon, last.ts, rec.Lat, rec.Lon, rec.TimestampMs)
			} else if len(h) > 1 {
				// duplicate or out-of-order fix: keep the last known speed
				prev := h[len(h)-2]
				c.speed = geo.SpeedMetersPerSecond(prev.lat, prev.lon, prev.ts, last.lat, last.lon, last.ts)
			}
		}
		if len(h) == 0 || rec.TimestampMs > h[len(h)-1].ts {
			h = append(h, fix{lat: rec.Lat, lon: rec.Lon, ts: rec.TimestampMs})
		}
		p.history[rec.ID] = h
		c.historyLen = len(h)

		if opts.MovingSignalsOnly && c.speed < MovingSpeedThreshold {
			continue
		}
		if h[len(h)-1].ts-h[0].ts < minDuration {
			continue
		}
		out = append(out, c)
	}

	p.pruneLocked(newest-window)
	return out
}

// pruneLocked drops emitters last seen before cutoff and then evicts the
// stalest emitters beyond maxTrackedIDs.
func (p *Pipeline) pruneLocked(cutoff int64) {
	for id, h := range p.history {
		if len(h) == 0 || h[len(h)-1].ts < cutoff {
			delete(p.history, id)
		}
	}
	excess := len(p.history) - p.maxTrackedIDs
	if excess <= 0 {
		return
	}
	type idAge struct {
		id   string
		last int64
	}
	ages := make([]idAge, 0, len(p.history))
	for id, h := range p.history {
		ages = append(ages, idAge{id: id, last: h[len(h)-1].ts})
	}
	sort.Slice(ages, func(i, j int) bool {
		if ages[i].last != ages[j].last {
			return ages[i].last < ages[j].last
		}
		return ages[i].id < ages[j].id
	})
	for _, a := range ages[:excess] {
		delete(p.history, a.id)
	}
}

func spatialStage(in []candidate, opts Options) ([]candidate, []Cell) {
	if len(in) == 0 {
		return nil, []Cell{}
	}

	buckets := make(map[geo.GridKey][]candidate)
	keys := make([]geo.GridKey, 0)
	for _, c := range in {
		key := geo.SnapToGrid(c.rec.Lat, c.rec.Lon, opts.GridSize)
		if _, ok := buckets[key]; !ok {
			keys = append(keys, key)
		}
		buckets[key] = append(buckets[key], c)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Row != keys[j].Row {
			return keys[i].Row < keys[j].Row
		}
		return keys[i].Col < keys[j].Col
	})

	cellAreaKm2 := opts.GridSize * opts.GridSize / 1e6
	cells := make([]Cell, 0, len(keys))
	out := make([]candidate, 0, len(in))
	for _, key := range keys {
		members := buckets[key]
		sort.SliceStable(members, func(i, j int) bool {
			a, b := members[i].rec, members[j].rec
			if a.PowerDbm != b.PowerDbm {
				return a.PowerDbm > b.PowerDbm
			}
			if a.TimestampMs != b.TimestampMs {
				return a.TimestampMs > b.TimestampMs
			}
			return a.ID < b.ID
		})

		lat, lon := geo.CellCenter(key, opts.GridSize)
		cell := Cell{
			ID:        key.ID(),
			CenterLat: lat,
			CenterLon: lon,
			Count:     len(members),
			MinPower:  math.Inf(1),
			MaxPower:  math.Inf(-1),
			Density:   float64(len(members)) / cellAreaKm2,
		}
		var sum, linearSum, weightedSum float64
		for _, m := range members {
			p := m.rec.PowerDbm
			sum += p
			lin := dbmToMilliwatt(p)
			linearSum += lin
			weightedSum += p * lin
			cell.MinPower = math.Min(cell.MinPower, p)
			cell.MaxPower = math.Max(cell.MaxPower, p)
		}
		cell.AvgPower = sum / float64(len(members))
		switch opts.Aggregation {
		case AggregateAvg:
			cell.AggregatedPower = cell.AvgPower
		case AggregateWeighted:
			cell.AggregatedPower = weightedSum / linearSum
		case AggregateDensity:
			cell.AggregatedPower = milliwattToDbm(linearSum)
		default:
			cell.AggregatedPower = cell.MaxPower
		}

		keep := members
		if len(keep) > opts.MaxSignalsPerArea {
			keep = keep[:opts.MaxSignalsPerArea]
		}
		cell.Signals = make([]models.SignalRecord, len(keep))
		for i, m := range keep {
			cell.Signals[i] = m.rec
		}
		out = append(out, keep...)
		cells = append(cells, cell)
	}
	return out, cells
}

func rankStage(in []candidate, opts Options) []candidate {
	if len(in) == 0 {
		return in
	}
	var newest int64
	for _, c := range in {
		if c.rec.TimestampMs > newest {
			newest = c.rec.TimestampMs
		}
	}
	for i := range in {
		in[i].score = priorityScore(in[i], opts.Priority, newest)
	}
	sort.SliceStable(in, func(i, j int) bool {
		a, b := in[i], in[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.rec.TimestampMs != b.rec.TimestampMs {
			return a.rec.TimestampMs > b.rec.TimestampMs
		}
		return a.rec.ID < b.rec.ID
	})
	if len(in) > opts.MaxTotalSignals {
		in = in[:opts.MaxTotalSignals]
	}
	return in
}

const (
	recencyDecay       = 60 * time.Second
	persistentFullHist = 20.0
)

func priorityScore(c candidate, mode PriorityMode, newestMs int64) float64 {
	power := normalizePower(c.rec.PowerDbm)
	band := BandWeight(c.rec.FrequencyMHz)

	var term float64
	switch mode {
	case PriorityNewest:
		age := float64(newestMs-c.rec.TimestampMs) / 1000
		term = math.Exp(-age / recencyDecay.Seconds())
	case PriorityPersistent:
		term = math.Min(1, float64(c.historyLen)/persistentFullHist)
	case PriorityAnomalous:
		if c.speed > fastMovementSpeed {
			term += 1.0 / 3
		}
		if unusualFrequency(c.rec.FrequencyMHz) {
			term += 1.0 / 3
		}
		if _, bad := powerOutOfRange(c.rec.PowerDbm, c.rec.FrequencyMHz); bad {
			term += 1.0 / 3
		}
	default:
		term = power
	}
	return 0.4*power + 0.3*band + 0.3*term
}

func normalizePower(dbm float64) float64 {
	return math.Max(0, math.Min(1, (dbm+100)/100))
}

func dbmToMilliwatt(dbm float64) float64 {
	return math.Pow(10, dbm/10)
}

func milliwattToDbm(mw float64) float64 {
	if mw <= 0 {
		return DefaultMinPower
	}
	return 10 * math.Log10(mw)
}
