package interpolate

import (
	"math"
	"sort"

	"rfwatch/geo"
	"rfwatch/models"
)

// bucketIndex buckets points into cells at least searchRadius wide so a 3×3
// lookup around a node covers every candidate neighbour.
type bucketIndex struct {
	points  []Point
	buckets map[[2]int][]int
	latStep float64
	lonStep float64
	radius  float64
}

func newBucketIndex(points []Point, b models.Bounds, radius float64) *bucketIndex {
	// longitude degrees are widest where |lat| is largest; size buckets there
	refLat := math.Max(math.Abs(b.North), math.Abs(b.South))
	for _, p := range points {
		refLat = math.Max(refLat, math.Abs(p.Lat))
	}
	idx := &bucketIndex{
		points:  points,
		buckets: make(map[[2]int][]int),
		latStep: radius / geo.MetersPerDegreeLat,
		lonStep: radius / geo.MetersPerDegreeLon(refLat),
		radius:  radius,
	}
	for i, p := range points {
		k := idx.key(p.Lat, p.Lon)
		idx.buckets[k] = append(idx.buckets[k], i)
	}
	return idx
}

func (idx *bucketIndex) key(lat, lon float64) [2]int {
	return [2]int{int(math.Floor(lat / idx.latStep)), int(math.Floor(lon / idx.lonStep))}
}

type neighbor struct {
	index    int
	distance float64
}

// nearest returns up to limit points within the search radius, closest first.
func (idx *bucketIndex) nearest(lat, lon float64, limit int) []neighbor {
	center := idx.key(lat, lon)
	var found []neighbor
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			for _, i := range idx.buckets[[2]int{center[0] + dr, center[1] + dc}] {
				p := idx.points[i]
				d := geo.Haversine(lat, lon, p.Lat, p.Lon)
				if d <= idx.radius {
					found = append(found, neighbor{index: i, distance: d})
				}
			}
		}
	}
	sort.Slice(found, func(a, b int) bool {
		if found[a].distance != found[b].distance {
			return found[a].distance < found[b].distance
		}
		return found[a].index < found[b].index
	})
	if len(found) > limit {
		found = found[:limit]
	}
	return found
}

func (in *Interpolator) idwAt(idx *bucketIndex, lat, lon float64) (Point, error) {
	neighbors := idx.nearest(lat, lon, in.cfg.MaxNeighbors)
	if len(neighbors) < in.cfg.MinNeighbors || len(neighbors) == 0 {
		return Point{}, ErrInsufficientData
	}
	return idwEstimate(idx.points, neighbors, lat, lon, in.cfg.Power), nil
}

func idwEstimate(points []Point, neighbors []neighbor, lat, lon, power float64) Point {
	if first := neighbors[0]; first.distance <= coincidentMeters {
		p := points[first.index]
		return Point{Lat: lat, Lon: lon, Intensity: p.Intensity, TimestampMs: p.TimestampMs}
	}

	var wSum, vSum float64
	var ts int64
	for _, n := range neighbors {
		p := points[n.index]
		w := 1 / math.Pow(math.Max(n.distance, geo.MinDistanceMeters), power)
		wSum += w
		vSum += w * p.Intensity
		ts = max(ts, p.TimestampMs)
	}
	return Point{Lat: lat, Lon: lon, Intensity: roundIntensity(vSum / wSum), TimestampMs: ts}
}
