// Package eventbus is the in-process fan-out for status-change events, per
// spec.md §4.5. Publish enqueues onto a bounded queue; a fixed worker pool
// dequeues and invokes every registered handler for the event's kind in
// parallel, each under its own per-event timeout.
package eventbus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/observability"
)

// DefaultQueueSize and DefaultWorkers mirror spec.md §6's configuration
// surface defaults.
const (
	DefaultQueueSize     = 1000
	DefaultWorkers       = 5
	DefaultHandlerTimeout = 30 * time.Second
)

// Handler is invoked once per matching event. A returned error, or exceeding
// the bus's handler timeout, counts as a failure for that handler but never
// blocks the other handlers or the bus itself.
type Handler func(ctx context.Context, e model.Event) error

// Bus is a bounded-queue, fixed-worker-pool event dispatcher.
type Bus struct {
	queue           chan model.Event
	handlerTimeout  time.Duration
	workers         int

	mu       sync.RWMutex
	handlers map[model.EventKind][]namedHandler

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

type namedHandler struct {
	name string
	fn   Handler
}

// New builds a Bus with the given queue size, worker count, and per-handler
// timeout. Zero values fall back to the package defaults.
func New(queueSize, workers int, handlerTimeout time.Duration) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if handlerTimeout <= 0 {
		handlerTimeout = DefaultHandlerTimeout
	}
	return &Bus{
		queue:          make(chan model.Event, queueSize),
		handlerTimeout: handlerTimeout,
		workers:        workers,
		handlers:       make(map[model.EventKind][]namedHandler),
		done:           make(chan struct{}),
	}
}

// Register adds a named handler for the given event kind. Multiple handlers
// may be registered per kind; all are invoked in parallel on delivery.
func (b *Bus) Register(kind model.EventKind, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], namedHandler{name: name, fn: fn})
}

// Publish enqueues e for dispatch. Returns false if the queue is full or the
// bus has begun shutting down; the caller decides whether to drop or retry.
func (b *Bus) Publish(e model.Event) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.queue <- e:
		observability.EventBusQueueDepth.Set(float64(len(b.queue)))
		return true
	default:
		observability.EventPublishFailures.WithLabelValues(string(e.Kind())).Inc()
		return false
	}
}

// Run starts the fixed worker pool. It blocks until ctx is cancelled, then
// stops accepting new publishes, drains whatever remains in the queue under
// the same delivery rules, and returns once every worker has joined.
func (b *Bus) Run(ctx context.Context) {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}
	<-ctx.Done()
	b.stopOnce.Do(func() { close(b.done) })
	b.drain()
	b.wg.Wait()
}

func (b *Bus) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			observability.EventBusQueueDepth.Set(float64(len(b.queue)))
			b.dispatch(ctx, e)
		}
	}
}

// drain empties the queue after shutdown begins, applying the same
// delivery rules (parallel handlers, per-handler timeout, no retry).
func (b *Bus) drain() {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(context.Background(), e)
		default:
			return
		}
	}
}

// dispatch invokes every registered handler for e's kind in parallel. The
// event is considered delivered if at least one handler succeeds.
func (b *Bus) dispatch(ctx context.Context, e model.Event) {
	b.mu.RLock()
	hs := b.handlers[e.Kind()]
	b.mu.RUnlock()

	if len(hs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h namedHandler) {
			defer wg.Done()
			b.invoke(ctx, h, e)
		}(h)
	}
	wg.Wait()
}

func (b *Bus) invoke(ctx context.Context, h namedHandler, e model.Event) {
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- errRecovered(r)
			}
		}()
		result <- h.fn(hctx, e)
	}()

	select {
	case err := <-result:
		if err != nil {
			observability.EventHandlerFailures.WithLabelValues(string(e.Kind()), h.name).Inc()
			log.Printf("eventbus: handler %s failed for %s event %s: %v", h.name, e.Kind(), e.ID(), err)
		}
	case <-hctx.Done():
		observability.EventHandlerTimeouts.WithLabelValues(string(e.Kind()), h.name).Inc()
		log.Printf("eventbus: handler %s timed out for %s event %s", h.name, e.Kind(), e.ID())
	}
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return "handler panicked" }

func errRecovered(v interface{}) error { return panicError{v: v} }
