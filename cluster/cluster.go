// Package cluster groups nearby signals into weighted marker clusters.
//
// The pass is greedy and order dependent: signals are stable-sorted by
// (timestamp, id) and each unprocessed signal in that order anchors a
// candidate made of every unprocessed signal within the radius. Candidates
// reaching the minimum size become clusters; whatever is left at the end
// becomes a singleton cluster. Every input signal lands in exactly one cluster.
package cluster

import (
	"fmt"
	"math"
	"sort"

	"rfwatch/geo"
	"rfwatch/models"
)

const (
	DefaultRadiusMeters   = 100.0
	DefaultMinClusterSize = 2

	minWeight = 1e-3

	coordDecimals = 8
	powerDecimals = 3
	freqDecimals  = 6
)

// Cluster is a set of nearby signals with power-weighted aggregates.
type Cluster struct {
	ID           string                `json:"id"`
	CenterLat    float64               `json:"centerLat"`
	CenterLon    float64               `json:"centerLon"`
	Bounds       models.Bounds         `json:"bounds"`
	Count        int                   `json:"count"`
	AvgPower     float64               `json:"avgPower"`
	MinPower     float64               `json:"minPower"`
	MaxPower     float64               `json:"maxPower"`
	DominantFreq float64               `json:"dominantFreq"`
	SignalTypes  map[string]int        `json:"signalTypes"`
	FirstSeenMs  int64                 `json:"firstSeen"`
	LastSeenMs   int64                 `json:"lastSeen"`
	TimeSpanMs   int64                 `json:"timeSpan"`
	Singleton    bool                  `json:"singleton"`
	Signals      []models.SignalRecord `json:"signals"`
}

// Clusterer carries default parameters for repeated passes.
type Clusterer struct {
	RadiusMeters   float64
	MinClusterSize int
}

func NewClusterer(radiusMeters float64, minClusterSize int) *Clusterer {
	if !(radiusMeters > 0) {
		radiusMeters = DefaultRadiusMeters
	}
	if minClusterSize < 1 {
		minClusterSize = DefaultMinClusterSize
	}
	return &Clusterer{RadiusMeters: radiusMeters, MinClusterSize: minClusterSize}
}

func (c *Clusterer) Cluster(signals []models.SignalRecord) []Cluster {
	return ClusterSignals(signals, c.RadiusMeters, c.MinClusterSize)
}

// ClusterSignals runs one greedy clustering pass. Records with invalid
// coordinates are ignored.
func ClusterSignals(signals []models.SignalRecord, radiusMeters float64, minClusterSize int) []Cluster {
	if !(radiusMeters > 0) {
		radiusMeters = DefaultRadiusMeters
	}
	if minClusterSize < 1 {
		minClusterSize = 1
	}

	ordered := make([]models.SignalRecord, 0, len(signals))
	for _, s := range signals {
		if geo.ValidateCoordinate(s.Lat, s.Lon) != nil {
			continue
		}
		ordered = append(ordered, s)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].TimestampMs != ordered[j].TimestampMs {
			return ordered[i].TimestampMs < ordered[j].TimestampMs
		}
		return ordered[i].ID < ordered[j].ID
	})

	processed := make([]bool, len(ordered))
	clusters := make([]Cluster, 0)

	for i := range ordered {
		if processed[i] {
			continue
		}
		anchor := ordered[i]
		members := []int{i}
		for j := range ordered {
			if j == i || processed[j] {
				continue
			}
			if geo.Haversine(anchor.Lat, anchor.Lon, ordered[j].Lat, ordered[j].Lon) <= radiusMeters {
				members = append(members, j)
			}
		}
		if len(members) < minClusterSize {
			continue
		}
		sort.Ints(members)
		group := make([]models.SignalRecord, len(members))
		for k, idx := range members {
			processed[idx] = true
			group[k] = ordered[idx]
		}
		clusters = append(clusters, build(group, false))
	}

	for i, s := range ordered {
		if !processed[i] {
			clusters = append(clusters, build([]models.SignalRecord{s}, true))
		}
	}
	return clusters
}

func build(group []models.SignalRecord, singleton bool) Cluster {
	anchor := group[0]
	c := Cluster{
		ID:          fmt.Sprintf("cluster_%s_%d", anchor.ID, anchor.TimestampMs),
		Count:       len(group),
		SignalTypes: make(map[string]int),
		FirstSeenMs: anchor.TimestampMs,
		LastSeenMs:  anchor.TimestampMs,
		Singleton:   singleton,
		Signals:     group,
		Bounds: models.Bounds{
			North: anchor.Lat, South: anchor.Lat,
			East: anchor.Lon, West: anchor.Lon,
		},
	}

	var wSum, latSum, lonSum, freqSum, powerSum float64
	minP, maxP := math.Inf(1), math.Inf(-1)
	for _, s := range group {
		w := math.Max(math.Abs(s.PowerDbm+100), minWeight)
		wSum += w
		latSum += s.Lat * w
		lonSum += s.Lon * w
		freqSum += s.FrequencyMHz * w
		powerSum += s.PowerDbm
		minP = math.Min(minP, s.PowerDbm)
		maxP = math.Max(maxP, s.PowerDbm)

		c.SignalTypes[s.Metadata.TypeOrUnknown()]++
		c.FirstSeenMs = min(c.FirstSeenMs, s.TimestampMs)
		c.LastSeenMs = max(c.LastSeenMs, s.TimestampMs)
		c.Bounds.North = math.Max(c.Bounds.North, s.Lat)
		c.Bounds.South = math.Min(c.Bounds.South, s.Lat)
		c.Bounds.East = math.Max(c.Bounds.East, s.Lon)
		c.Bounds.West = math.Min(c.Bounds.West, s.Lon)
	}

	c.CenterLat = round(latSum/wSum, coordDecimals)
	c.CenterLon = round(lonSum/wSum, coordDecimals)
	c.DominantFreq = round(freqSum/wSum, freqDecimals)
	c.AvgPower = round(powerSum/float64(len(group)), powerDecimals)
	c.MinPower = round(minP, powerDecimals)
	c.MaxPower = round(maxP, powerDecimals)
	c.TimeSpanMs = c.LastSeenMs - c.FirstSeenMs
	return c
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// RadiusForZoom maps a web-map zoom level to a clustering radius: 2 km at
// zoom 10, halving with every level, clamped to [10 m, 50 km].
func RadiusForZoom(zoom float64) float64 {
	r := 2000 / math.Pow(2, zoom-10)
	return math.Max(10, math.Min(50000, r))
}
