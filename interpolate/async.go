package interpolate

import (
	"context"

	"rfwatch/models"
	"rfwatch/worker"
)

// Request is one offloaded interpolation.
type Request struct {
	Points           []Point
	Bounds           models.Bounds
	ResolutionMeters float64
	Method           Method
}

// AsyncInterpolator runs interpolation on a worker pool, latest request wins.
type AsyncInterpolator struct {
	interp     *Interpolator
	dispatcher *worker.Dispatcher[Request, []Point]
}

func NewAsyncInterpolator(interp *Interpolator, workers int, inlineFallback bool) *AsyncInterpolator {
	a := &AsyncInterpolator{interp: interp}
	opts := []worker.Option{worker.WithWorkers(workers), worker.WithName("interpolate")}
	if inlineFallback {
		opts = append(opts, worker.WithInlineFallback())
	}
	a.dispatcher = worker.NewDispatcher(a.run, opts...)
	return a
}

func (a *AsyncInterpolator) run(ctx context.Context, req Request) ([]Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.interp.Interpolate(req.Points, req.Bounds, req.ResolutionMeters, req.Method)
}

func (a *AsyncInterpolator) Submit(ctx context.Context, req Request) <-chan worker.Result[[]Point] {
	req.Points = append([]Point(nil), req.Points...)
	return a.dispatcher.Submit(ctx, string(req.Method), req)
}

func (a *AsyncInterpolator) Close() error {
	return a.dispatcher.Close()
}
