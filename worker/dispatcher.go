// Package worker offloads CPU-heavy computations to a pool of goroutines using
// request/response messages tagged with correlation ids. Only the latest
// request per key is answered; older in-flight requests are superseded.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rfwatch/utils"
)

var (
	// ErrWorkerUnavailable is returned when the pool has been closed and no
	// inline fallback was configured.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrSuperseded is delivered to a request replaced by a newer one under
	// the same key before it completed.
	ErrSuperseded = errors.New("request superseded")
)

// Func is the computation run for each request.
type Func[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Result is the single message delivered on a Submit channel.
type Result[Resp any] struct {
	CorrelationID string
	Value         Resp
	Err           error
}

type job[Req any] struct {
	ctx           context.Context
	key           string
	correlationID string
	req           Req
}

type pending[Resp any] struct {
	correlationID string
	reply         chan Result[Resp]
}

type options struct {
	workers        int
	queue          int
	inlineFallback bool
	name           string
}

type Option func(*options)

// WithWorkers sets the number of goroutines; values below one are ignored.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize bounds the number of requests waiting for a worker.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queue = n
		}
	}
}

// WithInlineFallback makes Submit compute in the caller's goroutine once the
// pool is closed instead of failing with ErrWorkerUnavailable.
func WithInlineFallback() Option {
	return func(o *options) { o.inlineFallback = true }
}

// WithName labels log lines.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// Dispatcher is a latest-wins worker pool.
type Dispatcher[Req, Resp any] struct {
	fn   Func[Req, Resp]
	opts options

	jobs chan job[Req]

	closeMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	pending map[string]pending[Resp]

	group   errgroup.Group
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewDispatcher starts the worker goroutines.
func NewDispatcher[Req, Resp any](fn Func[Req, Resp], opts ...Option) *Dispatcher[Req, Resp] {
	o := options{workers: 1, queue: 16, name: "worker"}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Dispatcher[Req, Resp]{
		fn:      fn,
		opts:    o,
		jobs:    make(chan job[Req], o.queue),
		pending: make(map[string]pending[Resp]),
		logger:  utils.GetLogger(),
	}
	for i := 0; i < o.workers; i++ {
		d.group.Go(d.loop)
	}
	return d
}

// Submit queues req under key and returns a channel that receives exactly one
// Result. A previous pending request under the same key receives ErrSuperseded.
func (d *Dispatcher[Req, Resp]) Submit(ctx context.Context, key string, req Req) <-chan Result[Resp] {
	reply := make(chan Result[Resp], 1)
	id := uuid.NewString()

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()

	if d.closed {
		if d.opts.inlineFallback {
			value, err := d.fn(ctx, req)
			reply <- Result[Resp]{CorrelationID: id, Value: value, Err: err}
			return reply
		}
		reply <- Result[Resp]{CorrelationID: id, Err: ErrWorkerUnavailable}
		return reply
	}

	d.mu.Lock()
	if prev, ok := d.pending[key]; ok {
		prev.reply <- Result[Resp]{CorrelationID: prev.correlationID, Err: ErrSuperseded}
	}
	d.pending[key] = pending[Resp]{correlationID: id, reply: reply}
	d.mu.Unlock()

	select {
	case d.jobs <- job[Req]{ctx: ctx, key: key, correlationID: id, req: req}:
	case <-ctx.Done():
		d.deliver(key, Result[Resp]{CorrelationID: id, Err: ctx.Err()})
	}
	return reply
}

// Do submits req and waits for its result.
func (d *Dispatcher[Req, Resp]) Do(ctx context.Context, key string, req Req) (Resp, error) {
	select {
	case res := <-d.Submit(ctx, key, req):
		return res.Value, res.Err
	case <-ctx.Done():
		var zero Resp
		return zero, ctx.Err()
	}
}

// Dropped counts responses discarded because no pending request matched them.
func (d *Dispatcher[Req, Resp]) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting work, lets queued requests finish, and waits for the
// workers to exit.
func (d *Dispatcher[Req, Resp]) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.closeMu.Unlock()
	return d.group.Wait()
}

func (d *Dispatcher[Req, Resp]) loop() error {
	for j := range d.jobs {
		if !d.isCurrent(j.key, j.correlationID) {
			// superseded while queued; its caller was already told
			d.dropped.Add(1)
			continue
		}
		if err := j.ctx.Err(); err != nil {
			d.deliver(j.key, Result[Resp]{CorrelationID: j.correlationID, Err: err})
			continue
		}
		value, err := d.fn(j.ctx, j.req)
		d.deliver(j.key, Result[Resp]{CorrelationID: j.correlationID, Value: value, Err: err})
	}
	return nil
}

func (d *Dispatcher[Req, Resp]) isCurrent(key, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[key]
	return ok && p.correlationID == id
}

func (d *Dispatcher[Req, Resp]) deliver(key string, res Result[Resp]) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key]
	if !ok || p.correlationID != res.CorrelationID {
		d.dropped.Add(1)
		d.logger.Debug("dropping stale worker response",
			slog.String("worker", d.opts.name),
			slog.String("key", key),
			slog.String("correlation_id", res.CorrelationID))
		return
	}
	delete(d.pending, key)
	p.reply <- res
}
