package interpolate

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"rfwatch/geo"
	"rfwatch/grid"
	"rfwatch/models"
)

func testBounds() models.Bounds {
	return models.Bounds{North: 40.01, South: 40.0, East: -73.99, West: -74.0}
}

func TestIDWExactAtMeasuredPoint(t *testing.T) {
	t.Parallel()

	b := testBounds()
	points := []Point{
		{Lat: b.South, Lon: b.West, Intensity: 0.123456789, TimestampMs: 5},
		{Lat: b.South + 0.001, Lon: b.West + 0.001, Intensity: 0.9},
	}
	for _, method := range []Method{MethodIDW, MethodKriging} {
		out, err := NewInterpolator(DefaultConfig()).Interpolate(points, b, 50, method)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", method, err)
		}
		var hit *Point
		for i := range out {
			if out[i].Lat == b.South && out[i].Lon == b.West {
				hit = &out[i]
			}
		}
		if hit == nil {
			t.Fatalf("%s: node at measured point missing", method)
		}
		if hit.Intensity != 0.123456789 {
			t.Fatalf("%s: expected exact intensity, got %v", method, hit.Intensity)
		}
	}
}

func TestIDWSkipsSparseNodes(t *testing.T) {
	t.Parallel()

	b := testBounds()
	cfg := DefaultConfig()
	cfg.SearchRadius = 150
	interp := NewInterpolator(cfg)

	points := []Point{{Lat: 40.0, Lon: -74.0, Intensity: 0.5}}
	out, err := interp.Interpolate(points, b, 50, MethodIDW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("expected nodes near the measurement")
	}
	for _, p := range out {
		if d := geo.Haversine(p.Lat, p.Lon, 40.0, -74.0); d > 150 {
			t.Fatalf("node %.1f m from the only sample was extrapolated", d)
		}
		if p.Intensity != 0.5 {
			t.Fatalf("single-neighbour IDW should copy the value, got %v", p.Intensity)
		}
	}

	cfg.MinNeighbors = 2
	out, _ = NewInterpolator(cfg).Interpolate(points, b, 50, MethodIDW)
	if len(out) != 0 {
		t.Fatalf("nodes with fewer than minNeighbors must be skipped, got %d", len(out))
	}
}

func TestIDWWeightsCloserPointsMore(t *testing.T) {
	t.Parallel()

	b := models.Bounds{North: 10.001, South: 10, East: 10.001, West: 10}
	lat, lon := geo.Destination(10, 10, 90, 20)
	farLat, farLon := geo.Destination(10, 10, 90, 200)
	points := []Point{
		{Lat: lat, Lon: lon, Intensity: 1},
		{Lat: farLat, Lon: farLon, Intensity: 0},
	}
	out, err := NewInterpolator(DefaultConfig()).Interpolate(points, b, 1000, MethodIDW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) == 0 || out[0].Lat != 10 || out[0].Lon != 10 {
		t.Fatalf("expected the origin node first, got %+v", out)
	}
	// 1/20² vs 1/200²: 100:1 weighting
	want := roundIntensity(100.0 / 101.0)
	if out[0].Intensity != want {
		t.Fatalf("expected %.4f, got %.4f", want, out[0].Intensity)
	}
}

func TestIntensityFromPower(t *testing.T) {
	t.Parallel()

	if IntensityFromPower(-120) != 0 || IntensityFromPower(-10) != 1 {
		t.Fatalf("intensity not clamped")
	}
	if math.Abs(IntensityFromPower(-65)-0.5) > 1e-12 {
		t.Fatalf("midpoint wrong: %v", IntensityFromPower(-65))
	}
	prev := -1.0
	for p := -110.0; p <= 0; p += 2.5 {
		v := IntensityFromPower(p)
		if v < prev {
			t.Fatalf("intensity not monotonic at %v dBm", p)
		}
		prev = v
	}
}

func TestKrigingStaysWithinDataRange(t *testing.T) {
	t.Parallel()

	b := testBounds()
	var points []Point
	for i := 0; i < 12; i++ {
		lat, lon := geo.Destination(40.005, -73.995, float64(i*30), 100+float64(i*15))
		points = append(points, Point{Lat: lat, Lon: lon, Intensity: 0.2 + 0.05*float64(i%6)})
	}
	out, err := NewInterpolator(DefaultConfig()).Interpolate(points, b, 100, MethodKriging)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("expected kriging output")
	}
	for _, p := range out {
		if p.Intensity < 0 || p.Intensity > 1 || math.IsNaN(p.Intensity) {
			t.Fatalf("intensity out of range: %v", p.Intensity)
		}
	}

	flat := make([]Point, len(points))
	for i, p := range points {
		p.Intensity = 0.42
		flat[i] = p
	}
	out, _ = NewInterpolator(DefaultConfig()).Interpolate(flat, b, 100, MethodKriging)
	for _, p := range out {
		if p.Intensity != 0.42 {
			t.Fatalf("flat field should interpolate to its constant, got %v", p.Intensity)
		}
	}
}

func TestOrdinaryKrigingWeightsSumToOne(t *testing.T) {
	t.Parallel()

	points := []Point{
		{Lat: 0, Lon: 0, Intensity: 0},
		{Lat: 0, Lon: 0.001, Intensity: 1},
		{Lat: 0.001, Lon: 0, Intensity: 1},
		{Lat: 0.001, Lon: 0.001, Intensity: 0},
	}
	var neighbors []neighbor
	for i, p := range points {
		neighbors = append(neighbors, neighbor{index: i, distance: geo.Haversine(0.0005, 0.0005, p.Lat, p.Lon)})
	}
	p, ok := ordinaryKriging(points, neighbors, 0.0005, 0.0005)
	if !ok {
		t.Fatalf("kriging system should be solvable")
	}
	// symmetric layout: equal weights give the mean
	if math.Abs(p.Intensity-0.5) > 1e-3 {
		t.Fatalf("expected 0.5 at the center, got %v", p.Intensity)
	}
}

func TestBilinear(t *testing.T) {
	t.Parallel()

	b := testBounds()
	points := []Point{
		{Lat: 40.0, Lon: -74.0, Intensity: 0.2},
		{Lat: 40.0005, Lon: -73.9995, Intensity: 0.8},
	}
	out, err := NewInterpolator(DefaultConfig()).Interpolate(points, b, 25, MethodBilinear)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("expected bilinear output")
	}
	for _, p := range out {
		if p.Intensity < 0.2 || p.Intensity > 0.8 {
			t.Fatalf("bilinear blend %v outside sample range", p.Intensity)
		}
		if d := geo.Haversine(p.Lat, p.Lon, 40.0, -74.0); d > 500 {
			t.Fatalf("bilinear node %.0f m away from data", d)
		}
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	t.Parallel()

	interp := NewInterpolator(DefaultConfig())
	points := []Point{{Lat: 40.0, Lon: -74.0, Intensity: 0.7}}
	first, _ := interp.Interpolate(points, testBounds(), 50, MethodIDW)
	if len(first) == 0 {
		t.Fatalf("expected output")
	}
	first[0].Intensity = -1

	// same key with different data is served from cache inside the TTL
	second, _ := interp.Interpolate([]Point{{Lat: 40.0, Lon: -74.0, Intensity: 0.1}}, testBounds(), 50, MethodIDW)
	if second[0].Intensity != 0.7 {
		t.Fatalf("expected cached, unmodified value 0.7, got %v", second[0].Intensity)
	}

	cfg := DefaultConfig()
	cfg.CacheTTL = 10 * time.Millisecond
	short := NewInterpolator(cfg)
	short.Interpolate(points, testBounds(), 50, MethodIDW)
	time.Sleep(50 * time.Millisecond)
	third, _ := short.Interpolate([]Point{{Lat: 40.0, Lon: -74.0, Intensity: 0.1}}, testBounds(), 50, MethodIDW)
	if third[0].Intensity != 0.1 {
		t.Fatalf("expired cache entry reused: %v", third[0].Intensity)
	}
}

func TestMaxNodesCoarsensResolution(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxNodes = 100
	cfg.SearchRadius = 100_000
	b := models.Bounds{North: 41, South: 40, East: -73, West: -74}
	out, err := NewInterpolator(cfg).Interpolate([]Point{{Lat: 40.5, Lon: -73.5, Intensity: 0.3}}, b, 10, MethodIDW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) > 100 {
		t.Fatalf("node budget exceeded: %d", len(out))
	}
}

func TestLatticeNodeCountDoesNotOverflow(t *testing.T) {
	t.Parallel()

	b := models.Bounds{North: 41, South: 40, East: -73, West: -74}
	for _, res := range []float64{1e-6, 3e-6, 1e-12} {
		l := newLattice(b, res, 250_000)
		if l.rows <= 0 || l.cols <= 0 {
			t.Fatalf("res %g: non-positive lattice %dx%d", res, l.rows, l.cols)
		}
		if nodes := float64(l.rows) * float64(l.cols); nodes > 250_000 {
			t.Fatalf("res %g: %dx%d lattice exceeds the node budget", res, l.rows, l.cols)
		}
	}
}

func TestInterpolateErrors(t *testing.T) {
	t.Parallel()

	interp := NewInterpolator(Config{})
	if _, err := interp.Interpolate(nil, models.Bounds{North: 1, South: 2, East: 1, West: 0}, 10, MethodIDW); !errors.Is(err, models.ErrInvalidBounds) {
		t.Fatalf("expected ErrInvalidBounds, got %v", err)
	}
	if _, err := interp.Interpolate(nil, testBounds(), 10, "spline"); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
	out, err := interp.Interpolate(nil, testBounds(), 10, "")
	if err != nil || len(out) != 0 {
		t.Fatalf("empty input should give empty output, got %v %v", out, err)
	}
}

func TestPointsFromSignalsAndCells(t *testing.T) {
	t.Parallel()

	signals := []models.SignalRecord{
		{ID: "a", Lat: 1, Lon: 1, PowerDbm: -65, TimestampMs: 3},
		{ID: "bad", Lat: 100, Lon: 1, PowerDbm: -65},
	}
	pts := PointsFromSignals(signals)
	if len(pts) != 1 || math.Abs(pts[0].Intensity-0.5) > 1e-12 || pts[0].TimestampMs != 3 {
		t.Fatalf("unexpected points %+v", pts)
	}

	cells := []grid.Cell{{CenterLat: 2, CenterLon: 2, Count: 3, AggregatedPower: -30, LastSeenMs: 9}, {Count: 0}}
	cp := PointsFromCells(cells)
	if len(cp) != 1 || cp[0].Intensity != 1 || cp[0].TimestampMs != 9 {
		t.Fatalf("unexpected cell points %+v", cp)
	}
}

func TestAsyncInterpolator(t *testing.T) {
	t.Parallel()

	async := NewAsyncInterpolator(NewInterpolator(DefaultConfig()), 1, false)
	defer async.Close()

	res := <-async.Submit(context.Background(), Request{
		Points:           []Point{{Lat: 40.0, Lon: -74.0, Intensity: 0.6}},
		Bounds:           testBounds(),
		ResolutionMeters: 100,
		Method:           MethodIDW,
	})
	if res.Err != nil || len(res.Value) == 0 {
		t.Fatalf("unexpected async result %+v", res)
	}
	res = <-async.Submit(context.Background(), Request{Bounds: models.Bounds{}, Method: MethodIDW})
	if !errors.Is(res.Err, models.ErrInvalidBounds) {
		t.Fatalf("expected bounds error through worker, got %v", res.Err)
	}
}
