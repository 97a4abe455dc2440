package pattern

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
)

// runningStats is a Welford accumulator.
type runningStats struct {
	n    int
	mean float64
	m2   float64
}

func (r *runningStats) add(x float64) {
	r.n++
	delta := x - r.mean
	r.mean += delta / float64(r.n)
	r.m2 += delta * (x - r.mean)
}

// std is the population standard deviation.
func (r *runningStats) std() float64 {
	if r.n < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.n))
}

// deviceClass tracks power and frequency spread for one signal type and
// 10 MHz frequency decade.
type deviceClass struct {
	power   runningStats
	minFreq float64
	maxFreq float64
}

// Baseline is a read-only view of one location's statistics.
type Baseline struct {
	Key     string  `json:"key"`
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stdDev"`
}

// DeviceClass is a read-only view of one device class.
type DeviceClass struct {
	Key          string  `json:"key"`
	Samples      int     `json:"samples"`
	MeanPowerDbm float64 `json:"meanPower"`
	MinFreqMHz   float64 `json:"minFreq"`
	MaxFreqMHz   float64 `json:"maxFreq"`
}

// baselines holds both statistics maps. Each is an LRU so a sweep over a
// large area cannot grow them without bound.
type baselines struct {
	locations *lru.Cache[string, *runningStats]
	classes   *lru.Cache[string, *deviceClass]
	gridDeg   float64
}

func newBaselines(maxLocations, maxClasses int, gridDeg float64) *baselines {
	locations, err := lru.New[string, *runningStats](maxLocations)
	if err != nil {
		locations, _ = lru.New[string, *runningStats](DefaultMaxLocations)
	}
	classes, err := lru.New[string, *deviceClass](maxClasses)
	if err != nil {
		classes, _ = lru.New[string, *deviceClass](DefaultMaxDeviceClasses)
	}
	return &baselines{locations: locations, classes: classes, gridDeg: gridDeg}
}

func (b *baselines) locationKey(lat, lon float64) string {
	return cellKey(lat, lon, b.gridDeg)
}

func cellKey(lat, lon, deg float64) string {
	return fmt.Sprintf("%d_%d", int64(math.Floor(lat/deg)), int64(math.Floor(lon/deg)))
}

// classKey is "<signalType>_<frequency decade>".
func classKey(signalType string, freqMHz float64) string {
	return fmt.Sprintf("%s_%d", signalType, int64(math.Floor(freqMHz/10))*10)
}

func (b *baselines) location(key string) (*runningStats, bool) {
	return b.locations.Peek(key)
}

func (b *baselines) updateLocation(key string, power float64) {
	s, ok := b.locations.Get(key)
	if !ok {
		s = &runningStats{}
		b.locations.Add(key, s)
	}
	s.add(power)
}

func (b *baselines) class(key string) (*deviceClass, bool) {
	return b.classes.Peek(key)
}

func (b *baselines) updateClass(key string, power, freq float64) {
	c, ok := b.classes.Get(key)
	if !ok {
		c = &deviceClass{minFreq: freq, maxFreq: freq}
		b.classes.Add(key, c)
	}
	c.power.add(power)
	c.minFreq = math.Min(c.minFreq, freq)
	c.maxFreq = math.Max(c.maxFreq, freq)
}

func (b *baselines) purge() {
	b.locations.Purge()
	b.classes.Purge()
}
