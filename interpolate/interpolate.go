// Package interpolate turns sparse power measurements into a regular grid of
// intensity values for surface rendering.
package interpolate

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"rfwatch/geo"
	"rfwatch/grid"
	"rfwatch/models"
)

type Method string

const (
	MethodIDW      Method = "idw"
	MethodBilinear Method = "bilinear"
	MethodKriging  Method = "kriging"
)

var (
	// ErrInsufficientData marks a node without enough neighbours; the node is skipped.
	ErrInsufficientData = errors.New("insufficient data")
	ErrUnknownMethod    = errors.New("unknown interpolation method")
)

const (
	// coincidentMeters is the distance under which a node takes a measurement's value verbatim.
	coincidentMeters   = 1e-3
	intensityDecimals  = 4
	powerFloorDbm      = -100.0
	powerRangeDb       = 70.0
	bilinearCoarseness = 4
	minKrigingPoints   = 3
)

// Point is a measured or synthesized intensity sample.
type Point struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Intensity   float64 `json:"intensity"`
	TimestampMs int64   `json:"timestamp"`
}

// Config tunes the interpolator.
type Config struct {
	Power        float64       `json:"power" yaml:"power"`
	SearchRadius float64       `json:"searchRadius" yaml:"search_radius"`
	MaxNeighbors int           `json:"maxNeighbors" yaml:"max_neighbors"`
	MinNeighbors int           `json:"minNeighbors" yaml:"min_neighbors"`
	Resolution   float64       `json:"resolution" yaml:"resolution"`
	CacheTTL     time.Duration `json:"cacheTTL" yaml:"cache_ttl"`
	CacheSize    int           `json:"cacheSize" yaml:"cache_size"`
	MaxNodes     int           `json:"maxNodes" yaml:"max_nodes"`
}

func DefaultConfig() Config {
	return Config{
		Power:        2,
		SearchRadius: 500,
		MaxNeighbors: 12,
		MinNeighbors: 1,
		Resolution:   25,
		CacheTTL:     500 * time.Millisecond,
		CacheSize:    32,
		MaxNodes:     250_000,
	}
}

// Normalize replaces non-positive fields with defaults.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if !(c.Power > 0) {
		c.Power = d.Power
	}
	if !(c.SearchRadius > 0) {
		c.SearchRadius = d.SearchRadius
	}
	if c.MaxNeighbors <= 0 {
		c.MaxNeighbors = d.MaxNeighbors
	}
	if c.MinNeighbors <= 0 {
		c.MinNeighbors = d.MinNeighbors
	}
	if c.MinNeighbors > c.MaxNeighbors {
		c.MinNeighbors = c.MaxNeighbors
	}
	if !(c.Resolution > 0) {
		c.Resolution = d.Resolution
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = d.MaxNodes
	}
	return c
}

// IntensityFromPower maps dBm onto [0, 1]; -100 dBm is 0 and -30 dBm is 1.
func IntensityFromPower(dbm float64) float64 {
	return math.Max(0, math.Min(1, (dbm-powerFloorDbm)/powerRangeDb))
}

// PointsFromSignals converts valid records into raw intensity points.
func PointsFromSignals(signals []models.SignalRecord) []Point {
	out := make([]Point, 0, len(signals))
	for _, s := range signals {
		if geo.ValidateCoordinate(s.Lat, s.Lon) != nil {
			continue
		}
		out = append(out, Point{Lat: s.Lat, Lon: s.Lon, Intensity: IntensityFromPower(s.PowerDbm), TimestampMs: s.TimestampMs})
	}
	return out
}

// PointsFromCells uses each aggregated cell center as a measurement.
func PointsFromCells(cells []grid.Cell) []Point {
	out := make([]Point, 0, len(cells))
	for _, c := range cells {
		if c.Count == 0 {
			continue
		}
		out = append(out, Point{Lat: c.CenterLat, Lon: c.CenterLon, Intensity: IntensityFromPower(c.AggregatedPower), TimestampMs: c.LastSeenMs})
	}
	return out
}

// Interpolator caches recent results for a short TTL so repeated calls inside
// one update interval reuse the previous surface.
type Interpolator struct {
	cfg   Config
	cache *expirable.LRU[string, []Point]
}

func NewInterpolator(cfg Config) *Interpolator {
	cfg = cfg.Normalize()
	return &Interpolator{
		cfg:   cfg,
		cache: expirable.NewLRU[string, []Point](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

func (in *Interpolator) Config() Config {
	return in.cfg
}

// Interpolate evaluates method on a regular lattice covering bounds at
// resolutionMeters. Nodes without enough data are omitted. A non-positive
// resolution uses the configured default.
func (in *Interpolator) Interpolate(points []Point, bounds models.Bounds, resolutionMeters float64, method Method) ([]Point, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	switch method {
	case MethodIDW, MethodBilinear, MethodKriging:
	case "":
		method = MethodIDW
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if !(resolutionMeters > 0) {
		resolutionMeters = in.cfg.Resolution
	}

	key := cacheKey(method, resolutionMeters, bounds, len(points))
	if cached, ok := in.cache.Get(key); ok {
		return append([]Point(nil), cached...), nil
	}

	valid := make([]Point, 0, len(points))
	for _, p := range points {
		if geo.ValidateCoordinate(p.Lat, p.Lon) == nil && !math.IsNaN(p.Intensity) {
			valid = append(valid, p)
		}
	}

	lattice := newLattice(bounds, resolutionMeters, in.cfg.MaxNodes)
	var out []Point
	switch method {
	case MethodBilinear:
		out = in.bilinear(valid, lattice)
	default:
		idx := newBucketIndex(valid, bounds, in.cfg.SearchRadius)
		out = make([]Point, 0)
		for r := 0; r < lattice.rows; r++ {
			for c := 0; c < lattice.cols; c++ {
				lat, lon := lattice.node(r, c)
				var (
					p   Point
					err error
				)
				if method == MethodKriging {
					p, err = in.krigingAt(idx, lat, lon)
				} else {
					p, err = in.idwAt(idx, lat, lon)
				}
				if err != nil {
					continue
				}
				out = append(out, p)
			}
		}
	}

	in.cache.Add(key, out)
	return append([]Point(nil), out...), nil
}

func cacheKey(method Method, res float64, b models.Bounds, n int) string {
	return fmt.Sprintf("%s|%.3f|%.6f,%.6f,%.6f,%.6f|%d", method, res, b.North, b.South, b.East, b.West, n)
}

func roundIntensity(v float64) float64 {
	p := math.Pow(10, intensityDecimals)
	return math.Round(math.Max(0, math.Min(1, v))*p) / p
}

// lattice is the regular grid of target nodes.
type lattice struct {
	south, west      float64
	latStep, lonStep float64
	rows, cols       int
}

// newLattice coarsens the resolution until the node count fits maxNodes.
// Counts are compared in float64 so a tiny resolution cannot wrap the product.
func newLattice(b models.Bounds, res float64, maxNodes int) lattice {
	centerLat, _ := b.Center()
	for {
		latStep := res / geo.MetersPerDegreeLat
		lonStep := res / geo.MetersPerDegreeLon(centerLat)
		rows := math.Floor((b.North-b.South)/latStep) + 1
		cols := math.Floor((b.East-b.West)/lonStep) + 1
		if nodes := rows * cols; nodes > float64(maxNodes) {
			res *= math.Sqrt(nodes/float64(maxNodes)) * 1.01
			continue
		}
		return lattice{south: b.South, west: b.West, latStep: latStep, lonStep: lonStep, rows: int(rows), cols: int(cols)}
	}
}

func (l lattice) node(r, c int) (float64, float64) {
	return l.south + float64(r)*l.latStep, l.west + float64(c)*l.lonStep
}
