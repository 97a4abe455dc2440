package geo

import (
	"fmt"
	"math"
)

// GridKey addresses a rectangular cell produced by SnapToGrid.
type GridKey struct {
	Row int
	Col int
}

// ID renders the key as a stable string usable as a map key or JSON id.
func (k GridKey) ID() string {
	return fmt.Sprintf("%d_%d", k.Row, k.Col)
}

// SnapToGrid quantizes a coordinate into a cell of roughly cellMeters on a side.
// Rows use a fixed latitude step; each row computes its own longitude step at the
// row's center latitude so cells stay close to square away from the equator.
func SnapToGrid(lat, lon, cellMeters float64) GridKey {
	latStep := cellMeters / MetersPerDegreeLat
	row := int(math.Floor(lat / latStep))
	rowCenter := (float64(row) + 0.5) * latStep
	lonStep := cellMeters / MetersPerDegreeLon(rowCenter)
	col := int(math.Floor(lon / lonStep))
	return GridKey{Row: row, Col: col}
}

// CellCenter returns the center of a SnapToGrid cell.
func CellCenter(key GridKey, cellMeters float64) (float64, float64) {
	latStep := cellMeters / MetersPerDegreeLat
	lat := (float64(key.Row) + 0.5) * latStep
	lonStep := cellMeters / MetersPerDegreeLon(lat)
	lon := (float64(key.Col) + 0.5) * lonStep
	return lat, lon
}

// CellBounds returns south, west, north, east edges of a SnapToGrid cell.
func CellBounds(key GridKey, cellMeters float64) (south, west, north, east float64) {
	latStep := cellMeters / MetersPerDegreeLat
	south = float64(key.Row) * latStep
	north = south + latStep
	lonStep := cellMeters / MetersPerDegreeLon(south+latStep/2)
	west = float64(key.Col) * lonStep
	east = west + lonStep
	return south, west, north, east
}
