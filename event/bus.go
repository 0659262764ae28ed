// Package event implements a deferred, serialized notification bus.
//
// Producers fire events from arbitrary goroutines; a single consumer
// goroutine drains them in FIFO order and invokes every handler attached
// to that event at delivery time. This collapses cross-goroutine callback
// re-entrancy into one well-defined linear sequence, the same contract
// the original conveyor daemon's threading-based EventQueue provided.
package event

import (
	"log/slog"
	"sync"
)

// firing is a single enqueued (event, args) tuple awaiting delivery.
type firing struct {
	event *Event
	args  []any
}

// Bus is a FIFO queue of firings drained by a single consumer goroutine.
// Its lifecycle spans the process (or, in tests, the scope of one test):
// callers start it with Run on its own goroutine and stop it with Quit.
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []firing
	stopped bool
}

// NewBus creates a Bus. The returned Bus is inert until Run is called on
// some goroutine.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{logger: logger}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// fire enqueues (event, args) for delivery and returns immediately. O(1).
func (b *Bus) fire(e *Event, args []any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, firing{event: e, args: args})
	b.cond.Signal()
}

// Run drains the queue until Quit is observed, delivering firings FIFO.
// Intended to run on its own goroutine for the lifetime of the bus.
func (b *Bus) Run() {
	b.logger.Debug("event bus starting")
	for {
		f, ok := b.next()
		if !ok {
			b.logger.Debug("event bus stopped")
			return
		}
		f.event.deliver(f.args, b.logger)
	}
}

// next blocks until a firing is available or the bus has stopped. Once
// stopped is observed, next returns false immediately even if firings
// remain queued — those were enqueued after the shutdown event and are
// deliberately left undelivered per spec.
func (b *Bus) next() (firing, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.stopped && len(b.queue) == 0 {
		b.cond.Wait()
	}
	if b.stopped || len(b.queue) == 0 {
		return firing{}, false
	}
	f := b.queue[0]
	b.queue = b.queue[1:]
	return f, true
}

// Quit fires a synthetic shutdown event whose delivery sets the stop
// flag. Because delivery happens in FIFO turn like any other firing,
// every event fired strictly before Quit is delivered, and the loop
// exits before consuming anything fired after it — matching the
// original implementation's quit() semantics exactly.
func (b *Bus) Quit() {
	quit := NewEvent("bus.quit", b)
	quit.Attach(func(...any) {
		b.mu.Lock()
		b.stopped = true
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	quit.Fire()
}
