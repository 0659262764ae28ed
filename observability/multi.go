package observability

import "context"

// MultiObserver fans out events to multiple observers — the usual shape a
// deployment wires server.Server.SetObserver with, so a job.outcome or
// printer.evicted event reaches both a SlogObserver and a
// PrometheusObserver from the single Server emit call site.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates a MultiObserver that forwards events to all
// non-nil observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	filtered := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			filtered = append(filtered, obs)
		}
	}
	return &MultiObserver{observers: filtered}
}

// OnEvent forwards event to every wrapped observer in order. A bad observer
// implementation can still block or panic the caller — Server.emit calls
// this synchronously and doesn't recover panics on the caller's behalf, so
// observers that might panic should guard themselves, the same discipline
// event.Event.deliver enforces on bus handlers.
func (m *MultiObserver) OnEvent(ctx context.Context, event Event) {
	for _, obs := range m.observers {
		obs.OnEvent(ctx, event)
	}
}
