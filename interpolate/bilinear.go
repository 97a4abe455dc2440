package interpolate

import (
	"math"
)

type latticeCell struct {
	sum   float64
	count int
	ts    int64
}

// bilinear bins points onto a lattice four times coarser than the target and
// blends each target node from the populated corners around it. Nodes with no
// populated corner are skipped.
func (in *Interpolator) bilinear(points []Point, target lattice) []Point {
	coarseLat := target.latStep * bilinearCoarseness
	coarseLon := target.lonStep * bilinearCoarseness

	coarse := make(map[[2]int]*latticeCell)
	for _, p := range points {
		k := [2]int{
			int(math.Round((p.Lat - target.south) / coarseLat)),
			int(math.Round((p.Lon - target.west) / coarseLon)),
		}
		c, ok := coarse[k]
		if !ok {
			c = &latticeCell{}
			coarse[k] = c
		}
		c.sum += p.Intensity
		c.count++
		c.ts = max(c.ts, p.TimestampMs)
	}

	out := make([]Point, 0)
	for r := 0; r < target.rows; r++ {
		for c := 0; c < target.cols; c++ {
			lat, lon := target.node(r, c)
			fy := (lat - target.south) / coarseLat
			fx := (lon - target.west) / coarseLon
			r0, c0 := int(math.Floor(fy)), int(math.Floor(fx))
			ty, tx := fy-float64(r0), fx-float64(c0)

			var wSum, vSum float64
			var ts int64
			for _, corner := range [4]struct {
				dr, dc int
				w      float64
			}{
				{0, 0, (1 - ty) * (1 - tx)},
				{0, 1, (1 - ty) * tx},
				{1, 0, ty * (1 - tx)},
				{1, 1, ty * tx},
			} {
				cell, ok := coarse[[2]int{r0 + corner.dr, c0 + corner.dc}]
				if !ok || corner.w <= 0 {
					continue
				}
				wSum += corner.w
				vSum += corner.w * cell.sum / float64(cell.count)
				ts = max(ts, cell.ts)
			}
			if wSum == 0 {
				continue
			}
			out = append(out, Point{Lat: lat, Lon: lon, Intensity: roundIntensity(vSum / wSum), TimestampMs: ts})
		}
	}
	return out
}
