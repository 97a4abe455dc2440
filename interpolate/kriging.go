package interpolate

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"rfwatch/geo"
)

// krigingAt estimates a node with ordinary kriging over its neighbourhood.
// The variogram is exponential with zero nugget, the sample variance as sill
// and a third of the widest neighbour spacing as range. Nodes with fewer than
// three neighbours, a flat neighbourhood, or a singular system use IDW.
func (in *Interpolator) krigingAt(idx *bucketIndex, lat, lon float64) (Point, error) {
	neighbors := idx.nearest(lat, lon, in.cfg.MaxNeighbors)
	if len(neighbors) < in.cfg.MinNeighbors || len(neighbors) == 0 {
		return Point{}, ErrInsufficientData
	}
	if neighbors[0].distance <= coincidentMeters || len(neighbors) < minKrigingPoints {
		return idwEstimate(idx.points, neighbors, lat, lon, in.cfg.Power), nil
	}

	p, ok := ordinaryKriging(idx.points, neighbors, lat, lon)
	if !ok {
		return idwEstimate(idx.points, neighbors, lat, lon, in.cfg.Power), nil
	}
	return p, nil
}

type variogram struct {
	sill, rng float64
}

func (v variogram) at(h float64) float64 {
	return v.sill * (1 - math.Exp(-3*h/v.rng))
}

func ordinaryKriging(points []Point, neighbors []neighbor, lat, lon float64) (Point, bool) {
	n := len(neighbors)
	values := make([]float64, n)
	var mean float64
	var ts int64
	for i, nb := range neighbors {
		values[i] = points[nb.index].Intensity
		mean += values[i]
		ts = max(ts, points[nb.index].TimestampMs)
	}
	mean /= float64(n)

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)

	dist := mat.NewDense(n, n, nil)
	var maxPair float64
	for i := 0; i < n; i++ {
		pi := points[neighbors[i].index]
		for j := i + 1; j < n; j++ {
			pj := points[neighbors[j].index]
			d := geo.Haversine(pi.Lat, pi.Lon, pj.Lat, pj.Lon)
			dist.Set(i, j, d)
			dist.Set(j, i, d)
			maxPair = math.Max(maxPair, d)
		}
	}
	if variance == 0 {
		return Point{Lat: lat, Lon: lon, Intensity: roundIntensity(mean), TimestampMs: ts}, true
	}
	if maxPair <= coincidentMeters {
		return Point{}, false
	}
	vg := variogram{sill: variance, rng: maxPair / 3}

	// [Γ 1; 1ᵀ 0] [λ; μ] = [γ₀; 1]
	a := mat.NewDense(n+1, n+1, nil)
	b := mat.NewVecDense(n+1, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				a.Set(i, j, vg.at(dist.At(i, j)))
			}
		}
		a.Set(i, n, 1)
		a.Set(n, i, 1)
		b.SetVec(i, vg.at(neighbors[i].distance))
	}
	b.SetVec(n, 1)

	var weights mat.VecDense
	if err := weights.SolveVec(a, b); err != nil {
		return Point{}, false
	}

	var estimate float64
	for i := 0; i < n; i++ {
		w := weights.AtVec(i)
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return Point{}, false
		}
		estimate += w * values[i]
	}
	return Point{Lat: lat, Lon: lon, Intensity: roundIntensity(estimate), TimestampMs: ts}, true
}
