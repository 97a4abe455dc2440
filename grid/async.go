package grid

import (
	"context"

	"rfwatch/models"
	"rfwatch/worker"
)

// Request is one offloaded aggregation pass.
type Request struct {
	Signals        []models.SignalRecord
	CellSizeMeters float64
	Bounds         *models.Bounds
	Hex            bool
}

// AsyncAggregator runs aggregation passes on a worker pool. A newer request
// supersedes any pass still pending.
type AsyncAggregator struct {
	agg        *Aggregator
	dispatcher *worker.Dispatcher[Request, []Cell]
}

func NewAsyncAggregator(agg *Aggregator, workers int, inlineFallback bool) *AsyncAggregator {
	a := &AsyncAggregator{agg: agg}
	opts := []worker.Option{worker.WithWorkers(workers), worker.WithName("grid")}
	if inlineFallback {
		opts = append(opts, worker.WithInlineFallback())
	}
	a.dispatcher = worker.NewDispatcher(a.run, opts...)
	return a
}

func (a *AsyncAggregator) run(ctx context.Context, req Request) ([]Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Hex {
		return a.agg.ProcessHexGrid(req.Signals, req.CellSizeMeters, req.Bounds), nil
	}
	return a.agg.ProcessGrid(req.Signals, req.CellSizeMeters, req.Bounds), nil
}

// Submit queues req. The signal slice is copied so the caller may reuse it.
func (a *AsyncAggregator) Submit(ctx context.Context, req Request) <-chan worker.Result[[]Cell] {
	req.Signals = append([]models.SignalRecord(nil), req.Signals...)
	key := "rect"
	if req.Hex {
		key = "hex"
	}
	return a.dispatcher.Submit(ctx, key, req)
}

func (a *AsyncAggregator) Close() error {
	return a.dispatcher.Close()
}
