package observability

import "context"

// NoOpObserver discards all events with zero overhead. It's the registry's
// "noop" entry and the default when a deployment hasn't wired a real sink
// for server.EventJobOutcome/EventPrinterEvicted yet.
type NoOpObserver struct{}

func (NoOpObserver) OnEvent(ctx context.Context, event Event) {}

var _ Observer = NoOpObserver{}
