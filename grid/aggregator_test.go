package grid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"

	"rfwatch/geo"
	"rfwatch/models"
	"rfwatch/worker"
)

func newTestSignal(id string, lat, lon, freq, power float64, ts int64) models.SignalRecord {
	return models.SignalRecord{ID: id, Lat: lat, Lon: lon, FrequencyMHz: freq, PowerDbm: power, TimestampMs: ts}
}

func scatter(t *testing.T, n int) []models.SignalRecord {
	t.Helper()
	out := make([]models.SignalRecord, 0, n)
	for i := 0; i < n; i++ {
		lat, lon := geo.Destination(52.52, 13.405, float64(i*47%360), float64(i*29%900))
		freq := []float64{433.9, 868.3, 915, 1280, 2437, 5805, 3500}[i%7]
		out = append(out, newTestSignal(fmt.Sprintf("sig-%03d", i), lat, lon, freq, -90+float64(i%50), int64(1_000_000+i*250)))
	}
	return out
}

func TestProcessGridIdempotent(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(0)
	signals := scatter(t, 300)
	bounds := &models.Bounds{North: 52.6, South: 52.4, East: 13.6, West: 13.2}

	first := agg.ProcessGrid(signals, 100, bounds)
	second := agg.ProcessGrid(signals, 100, bounds)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated aggregation differs")
	}

	// input order must not matter either
	reversed := make([]models.SignalRecord, len(signals))
	for i, s := range signals {
		reversed[len(signals)-1-i] = s
	}
	third := agg.ProcessGrid(reversed, 100, bounds)
	if !reflect.DeepEqual(first, third) {
		t.Fatalf("aggregation depends on input order")
	}

	hexA := agg.ProcessHexGrid(signals, 100, bounds)
	hexB := agg.ProcessHexGrid(reversed, 100, bounds)
	if !reflect.DeepEqual(hexA, hexB) {
		t.Fatalf("hex aggregation not deterministic")
	}
}

func TestProcessGridConservesSignals(t *testing.T) {
	t.Parallel()

	signals := scatter(t, 200)
	for _, hex := range []bool{false, true} {
		var cells []Cell
		if hex {
			cells = NewAggregator(0).ProcessHexGrid(signals, 75, nil)
		} else {
			cells = NewAggregator(0).ProcessGrid(signals, 75, nil)
		}
		total := 0
		for i, c := range cells {
			total += c.Count
			if c.Count != len(c.Signals) {
				t.Fatalf("cell %s count mismatch", c.ID)
			}
			if i > 0 && cells[i-1].ID >= c.ID {
				t.Fatalf("cells not sorted by id")
			}
		}
		if total != len(signals) {
			t.Fatalf("hex=%v: cells hold %d signals, want %d", hex, total, len(signals))
		}
	}
}

func TestCellStatistics(t *testing.T) {
	t.Parallel()

	lat, lon := geo.CellCenter(geo.SnapToGrid(10, 10, 100), 100)
	signals := []models.SignalRecord{
		newTestSignal("a", lat+0.00001, lon+0.00001, 2412, -60, 0),
		newTestSignal("b", lat+0.00002, lon+0.00002, 2437, -50, 60_000),
		newTestSignal("c", lat-0.00003, lon+0.00001, 5800, -70, 120_000),
		newTestSignal("d", lat+0.00001, lon-0.00003, 2462, -40, 30_000),
	}
	cells := NewAggregator(0).ProcessGrid(signals, 100, nil)
	if len(cells) != 1 {
		t.Fatalf("expected one cell, got %d", len(cells))
	}
	c := cells[0]

	if c.Count != 4 || c.MinPower != -70 || c.MaxPower != -40 || c.AvgPower != -55 {
		t.Fatalf("unexpected power stats %+v", c)
	}
	if math.Abs(c.StdDev-math.Sqrt(125)) > 1e-9 {
		t.Fatalf("expected population std %.4f, got %.4f", math.Sqrt(125), c.StdDev)
	}
	if c.FrequencyBands[Category2400] != 3 || c.FrequencyBands[Category5800] != 1 || c.DominantBand != Category2400 {
		t.Fatalf("unexpected band histogram %v / %s", c.FrequencyBands, c.DominantBand)
	}
	if c.StrongestByBand[Category2400].ID != "d" {
		t.Fatalf("strongest 2.4GHz signal should be d, got %s", c.StrongestByBand[Category2400].ID)
	}
	if len(c.TopFrequencies) != 4 || c.TopFrequencies[0].FrequencyMHz != 2462 {
		t.Fatalf("unexpected top frequencies %+v", c.TopFrequencies)
	}
	if c.TemporalSpanMinutes != 2 {
		t.Fatalf("expected 2 minute span, got %v", c.TemporalSpanMinutes)
	}
	wantDensity := 4.0 / 20
	wantAgg := 0.7*c.P95Power + 0.3*c.AvgPower + 3*wantDensity
	if c.DensityFactor != wantDensity || math.Abs(c.AggregatedPower-wantAgg) > 1e-9 {
		t.Fatalf("aggregated power %.4f, want %.4f", c.AggregatedPower, wantAgg)
	}
	if c.P95Power != -40 {
		t.Fatalf("p95 of four samples should be the maximum, got %v", c.P95Power)
	}
	wantConf := math.Log10(5) / math.Log10(11) / 1.2
	if math.Abs(c.ConfidenceFactor-wantConf) > 1e-9 {
		t.Fatalf("confidence %.6f, want %.6f", c.ConfidenceFactor, wantConf)
	}
	if !c.Bounds.Contains(c.CenterLat, c.CenterLon) {
		t.Fatalf("cell center outside its bounds")
	}
}

func TestConfidenceGrowsWithCountAndShrinksWithSpread(t *testing.T) {
	t.Parallel()

	lat, lon := geo.CellCenter(geo.SnapToGrid(1, 1, 100), 100)
	build := func(n int, stepMs int64) Cell {
		var sigs []models.SignalRecord
		for i := 0; i < n; i++ {
			sigs = append(sigs, newTestSignal(fmt.Sprintf("x%d", i), lat, lon, 915, -60, int64(i)*stepMs))
		}
		return NewAggregator(0).ProcessGrid(sigs, 100, nil)[0]
	}
	if build(2, 1000).ConfidenceFactor >= build(8, 1000/4).ConfidenceFactor {
		t.Fatalf("more samples over the same span should raise confidence")
	}
	if build(5, 1000).ConfidenceFactor <= build(5, 600_000).ConfidenceFactor {
		t.Fatalf("wider temporal spread should lower confidence")
	}
	if c := build(50, 0); c.ConfidenceFactor != 1 {
		t.Fatalf("confidence should saturate at 1, got %v", c.ConfidenceFactor)
	}
}

func TestBoundsFilterAndInvalidRecords(t *testing.T) {
	t.Parallel()

	bounds := &models.Bounds{North: 1, South: 0, East: 1, West: 0}
	signals := []models.SignalRecord{
		newTestSignal("in", 0.5, 0.5, 915, -60, 0),
		newTestSignal("out", 2, 2, 915, -60, 0),
		newTestSignal("bad", 95, 0.5, 915, -60, 0),
	}
	cells := NewAggregator(0).ProcessGrid(signals, 0, bounds)
	if len(cells) != 1 || cells[0].Count != 1 || cells[0].Signals[0].ID != "in" {
		t.Fatalf("unexpected cells %+v", cells)
	}
	if len(NewAggregator(0).ProcessGrid(nil, 100, nil)) != 0 {
		t.Fatalf("empty input must yield no cells")
	}
}

func TestFrequencyCategory(t *testing.T) {
	t.Parallel()

	cases := map[float64]string{433.92: Category433MHz, 868.1: Category868MHz, 915: Category915MHz,
		1258: Category1200, 2440: Category2400, 5760: Category5800, 100: CategoryOther}
	for f, want := range cases {
		if got := FrequencyCategory(f); got != want {
			t.Errorf("FrequencyCategory(%v) = %s, want %s", f, got, want)
		}
	}
}

func TestAsyncAggregator(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(0)
	async := NewAsyncAggregator(agg, 1, false)
	signals := scatter(t, 50)

	res := <-async.Submit(context.Background(), Request{Signals: signals, CellSizeMeters: 100})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !reflect.DeepEqual(res.Value, agg.ProcessGrid(signals, 100, nil)) {
		t.Fatalf("async result differs from synchronous result")
	}

	if err := async.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	res = <-async.Submit(context.Background(), Request{Signals: signals, CellSizeMeters: 100})
	if !errors.Is(res.Err, worker.ErrWorkerUnavailable) {
		t.Fatalf("expected ErrWorkerUnavailable after close, got %v", res.Err)
	}

	fallback := NewAsyncAggregator(agg, 1, true)
	_ = fallback.Close()
	res = <-fallback.Submit(context.Background(), Request{Signals: signals, CellSizeMeters: 100, Hex: true})
	if res.Err != nil || len(res.Value) == 0 {
		t.Fatalf("inline fallback should compute cells, got %+v", res)
	}
}
