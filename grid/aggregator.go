// Package grid buckets signals into rectangular or hexagonal cells and computes
// per-cell power, frequency and confidence statistics for heatmap preparation.
package grid

import (
	"fmt"
	"math"
	"sort"

	"rfwatch/geo"
	"rfwatch/models"
)

const (
	ShapeRect = "rect"
	ShapeHex  = "hex"

	DefaultCellSizeMeters = 100.0
)

// Aggregator is stateless; a value can be shared freely.
type Aggregator struct {
	defaultCellSize float64
}

// NewAggregator returns an aggregator that substitutes defaultCellSize for
// non-positive sizes passed to ProcessGrid.
func NewAggregator(defaultCellSize float64) *Aggregator {
	if !(defaultCellSize > 0) {
		defaultCellSize = DefaultCellSizeMeters
	}
	return &Aggregator{defaultCellSize: defaultCellSize}
}

func (a *Aggregator) cellSize(size float64) float64 {
	if !(size > 0) || math.IsInf(size, 0) {
		return a.defaultCellSize
	}
	return size
}

// prepare drops invalid and out-of-bounds records and returns a copy in
// (timestamp, id) order so that every floating sum runs in the same order.
func prepare(signals []models.SignalRecord, bounds *models.Bounds) []models.SignalRecord {
	out := make([]models.SignalRecord, 0, len(signals))
	for _, s := range signals {
		if s.Validate() != nil {
			continue
		}
		if bounds != nil && !bounds.Contains(s.Lat, s.Lon) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TimestampMs != out[j].TimestampMs {
			return out[i].TimestampMs < out[j].TimestampMs
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		if out[i].FrequencyMHz != out[j].FrequencyMHz {
			return out[i].FrequencyMHz < out[j].FrequencyMHz
		}
		return out[i].PowerDbm < out[j].PowerDbm
	})
	return out
}

// ProcessGrid buckets signals into rectangular cells of cellSizeMeters. When
// bounds is non-nil, signals outside it are ignored. Cells are returned sorted by id.
func (a *Aggregator) ProcessGrid(signals []models.SignalRecord, cellSizeMeters float64, bounds *models.Bounds) []Cell {
	size := a.cellSize(cellSizeMeters)
	sorted := prepare(signals, bounds)

	cells := make(map[geo.GridKey]*Cell)
	for _, s := range sorted {
		key := geo.SnapToGrid(s.Lat, s.Lon, size)
		c, ok := cells[key]
		if !ok {
			lat, lon := geo.CellCenter(key, size)
			south, west, north, east := geo.CellBounds(key, size)
			c = &Cell{
				ID:        key.ID(),
				Shape:     ShapeRect,
				Row:       key.Row,
				Col:       key.Col,
				CenterLat: lat,
				CenterLon: lon,
				Bounds:    models.Bounds{North: north, South: south, East: east, West: west},
			}
			cells[key] = c
		}
		c.Signals = append(c.Signals, s)
	}

	areaKm2 := size * size / 1e6
	return finish(cells, areaKm2)
}

// ProcessHexGrid buckets signals into pointy-top hexagons whose centers are
// cellSizeMeters apart. Coordinates are projected onto a local plane anchored
// at the bounds center, or at the earliest signal when bounds is nil.
func (a *Aggregator) ProcessHexGrid(signals []models.SignalRecord, cellSizeMeters float64, bounds *models.Bounds) []Cell {
	size := a.cellSize(cellSizeMeters)
	sorted := prepare(signals, bounds)
	if len(sorted) == 0 {
		return []Cell{}
	}

	var originLat, originLon float64
	if bounds != nil {
		originLat, originLon = bounds.Center()
	} else {
		originLat = math.Round(sorted[0].Lat*100) / 100
		originLon = math.Round(sorted[0].Lon*100) / 100
	}
	proj := newLocalProjection(originLat, originLon)
	radius := size / math.Sqrt(3)

	cells := make(map[geo.GridKey]*Cell)
	for _, s := range sorted {
		x, y := proj.toPlane(s.Lat, s.Lon)
		q, r := axialRound(x, y, radius)
		key := geo.GridKey{Row: r, Col: q}
		c, ok := cells[key]
		if !ok {
			cx, cy := axialCenter(q, r, radius)
			lat, lon := proj.fromPlane(cx, cy)
			south, west := proj.fromPlane(cx-size/2, cy-radius)
			north, east := proj.fromPlane(cx+size/2, cy+radius)
			c = &Cell{
				ID:        fmt.Sprintf("hex_%d_%d", q, r),
				Shape:     ShapeHex,
				Row:       r,
				Col:       q,
				CenterLat: lat,
				CenterLon: lon,
				Bounds:    models.Bounds{North: north, South: south, East: east, West: west},
			}
			cells[key] = c
		}
		c.Signals = append(c.Signals, s)
	}

	// hexagon area = 3√3/2 · R²
	areaKm2 := 3 * math.Sqrt(3) / 2 * radius * radius / 1e6
	return finish(cells, areaKm2)
}

func finish(cells map[geo.GridKey]*Cell, areaKm2 float64) []Cell {
	out := make([]Cell, 0, len(cells))
	for _, c := range cells {
		c.computeStats(areaKm2)
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type localProjection struct {
	lat0, lon0 float64
	mPerLat    float64
	mPerLon    float64
}

func newLocalProjection(lat0, lon0 float64) localProjection {
	return localProjection{
		lat0:    lat0,
		lon0:    lon0,
		mPerLat: geo.MetersPerDegreeLat,
		mPerLon: geo.MetersPerDegreeLon(lat0),
	}
}

func (p localProjection) toPlane(lat, lon float64) (float64, float64) {
	return (lon - p.lon0) * p.mPerLon, (lat - p.lat0) * p.mPerLat
}

func (p localProjection) fromPlane(x, y float64) (float64, float64) {
	return p.lat0 + y/p.mPerLat, p.lon0 + x/p.mPerLon
}

func axialRound(x, y, radius float64) (int, int) {
	qf := (math.Sqrt(3)/3*x - y/3) / radius
	rf := (2.0 / 3 * y) / radius
	sf := -qf - rf

	q, r, s := math.Round(qf), math.Round(rf), math.Round(sf)
	dq, dr, ds := math.Abs(q-qf), math.Abs(r-rf), math.Abs(s-sf)
	switch {
	case dq > dr && dq > ds:
		q = -r - s
	case dr > ds:
		r = -q - s
	}
	return int(q), int(r)
}

func axialCenter(q, r int, radius float64) (float64, float64) {
	x := radius * (math.Sqrt(3)*float64(q) + math.Sqrt(3)/2*float64(r))
	y := radius * 1.5 * float64(r)
	return x, y
}
