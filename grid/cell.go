package grid

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"rfwatch/models"
)

// Frequency categories used by the per-cell band histogram.
const (
	Category433MHz = "433MHz"
	Category868MHz = "868MHz"
	Category915MHz = "915MHz"
	Category1200   = "1.2GHz"
	Category2400   = "2.4GHz"
	Category5800   = "5.8GHz"
	CategoryOther  = "other"
)

type categoryRange struct {
	name     string
	min, max float64
}

var categories = []categoryRange{
	{Category433MHz, 430, 440},
	{Category868MHz, 863, 870},
	{Category915MHz, 902, 928},
	{Category1200, 1080, 1360},
	{Category2400, 2400, 2500},
	{Category5800, 5650, 5925},
}

// FrequencyCategory buckets a frequency into one of the histogram categories.
func FrequencyCategory(freqMHz float64) string {
	for _, c := range categories {
		if freqMHz >= c.min && freqMHz <= c.max {
			return c.name
		}
	}
	return CategoryOther
}

const (
	topFrequencyCount = 5
	// a cell holding this many signals saturates its density factor
	densitySaturation = 20.0
)

// FrequencyPower is one entry of a cell's top-frequency list.
type FrequencyPower struct {
	FrequencyMHz float64 `json:"frequency"`
	PowerDbm     float64 `json:"power"`
}

// Cell is one aggregated grid cell. Row/Col are the rectangular row and column,
// or the axial q/r coordinates for hex cells.
type Cell struct {
	ID                  string                         `json:"id"`
	Shape               string                         `json:"shape"`
	Row                 int                            `json:"row"`
	Col                 int                            `json:"col"`
	CenterLat           float64                        `json:"centerLat"`
	CenterLon           float64                        `json:"centerLon"`
	Bounds              models.Bounds                  `json:"bounds"`
	Count               int                            `json:"count"`
	AvgPower            float64                        `json:"avgPower"`
	MinPower            float64                        `json:"minPower"`
	MaxPower            float64                        `json:"maxPower"`
	P95Power            float64                        `json:"p95Power"`
	StdDev              float64                        `json:"stdDev"`
	AggregatedPower     float64                        `json:"aggregatedPower"`
	Density             float64                        `json:"density"` // signals per km²
	DensityFactor       float64                        `json:"densityFactor"`
	FrequencyBands      map[string]int                 `json:"frequencyBands"`
	DominantBand        string                         `json:"dominantBand"`
	StrongestByBand     map[string]models.SignalRecord `json:"strongestByBand"`
	TopFrequencies      []FrequencyPower               `json:"topFrequencies"`
	ConfidenceFactor    float64                        `json:"confidenceFactor"`
	TemporalSpanMinutes float64                        `json:"temporalSpanMinutes"`
	FirstSeenMs         int64                          `json:"firstSeen"`
	LastSeenMs          int64                          `json:"lastSeen"`
	Signals             []models.SignalRecord          `json:"signals"`
}

// computeStats fills the derived statistics from c.Signals, which must already
// be in (timestamp, id) order.
func (c *Cell) computeStats(areaKm2 float64) {
	n := len(c.Signals)
	c.Count = n
	if n == 0 {
		return
	}

	powers := make([]float64, n)
	c.FrequencyBands = make(map[string]int)
	c.StrongestByBand = make(map[string]models.SignalRecord)
	bandMax := make(map[string]float64)
	c.FirstSeenMs, c.LastSeenMs = c.Signals[0].TimestampMs, c.Signals[0].TimestampMs

	for i, s := range c.Signals {
		powers[i] = s.PowerDbm
		cat := FrequencyCategory(s.FrequencyMHz)
		c.FrequencyBands[cat]++
		if best, ok := c.StrongestByBand[cat]; !ok || s.PowerDbm > best.PowerDbm {
			c.StrongestByBand[cat] = s
			bandMax[cat] = s.PowerDbm
		}
		c.FirstSeenMs = min(c.FirstSeenMs, s.TimestampMs)
		c.LastSeenMs = max(c.LastSeenMs, s.TimestampMs)
	}

	c.AvgPower, c.StdDev = stat.PopMeanStdDev(powers, nil)

	sorted := append([]float64(nil), powers...)
	sort.Float64s(sorted)
	c.MinPower = sorted[0]
	c.MaxPower = sorted[n-1]
	c.P95Power = stat.Quantile(0.95, stat.Empirical, sorted, nil)

	if areaKm2 > 0 {
		c.Density = float64(n) / areaKm2
	}
	c.DensityFactor = math.Min(1, float64(n)/densitySaturation)
	c.AggregatedPower = 0.7*c.P95Power + 0.3*c.AvgPower + 3*c.DensityFactor

	c.DominantBand = dominantBand(c.FrequencyBands, bandMax)
	c.TopFrequencies = topFrequencies(c.Signals, topFrequencyCount)

	c.TemporalSpanMinutes = float64(c.LastSeenMs-c.FirstSeenMs) / 60000
	countTerm := math.Min(1, math.Log10(float64(n)+1)/math.Log10(11))
	c.ConfidenceFactor = countTerm / (1 + c.TemporalSpanMinutes/10)
}

// dominantBand picks the most populated category, then the loudest, then by name.
func dominantBand(hist map[string]int, bandMax map[string]float64) string {
	names := make([]string, 0, len(hist))
	for name := range hist {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := names[i], names[j]
		if hist[a] != hist[b] {
			return hist[a] > hist[b]
		}
		if bandMax[a] != bandMax[b] {
			return bandMax[a] > bandMax[b]
		}
		return a < b
	})
	return names[0]
}

// topFrequencies returns up to n distinct frequencies (kHz resolution) by peak power.
func topFrequencies(signals []models.SignalRecord, n int) []FrequencyPower {
	peak := make(map[int64]float64)
	for _, s := range signals {
		key := int64(math.Round(s.FrequencyMHz * 1000))
		if p, ok := peak[key]; !ok || s.PowerDbm > p {
			peak[key] = s.PowerDbm
		}
	}
	out := make([]FrequencyPower, 0, len(peak))
	for key, p := range peak {
		out = append(out, FrequencyPower{FrequencyMHz: float64(key) / 1000, PowerDbm: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PowerDbm != out[j].PowerDbm {
			return out[i].PowerDbm > out[j].PowerDbm
		}
		return out[i].FrequencyMHz < out[j].FrequencyMHz
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
