package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFireDeliverDetach covers spec seed scenario 1: attach two handlers,
// fire, detach one at a time, and confirm only still-attached handlers see
// each subsequent delivery.
func TestFireDeliverDetach(t *testing.T) {
	bus := NewBus(nil)
	e := NewEvent("e", bus)

	var h1count, h2count int
	h1 := e.Attach(func(...any) { h1count++ })
	h2 := e.Attach(func(...any) { h2count++ })

	e.Fire()
	runOnce(bus)
	assert.Equal(t, 1, h1count)
	assert.Equal(t, 1, h2count)

	e.Detach(h1)
	e.Fire()
	runOnce(bus)
	assert.Equal(t, 1, h1count, "detached handler must not be invoked")
	assert.Equal(t, 2, h2count)

	e.Detach(h2)
	e.Fire()
	runOnce(bus)
	assert.Equal(t, 1, h1count)
	assert.Equal(t, 2, h2count)
}

// TestQuitOrdering covers spec seed scenario 2: an event fired before Quit
// is delivered; an event fired after Quit is not.
func TestQuitOrdering(t *testing.T) {
	bus := NewBus(nil)
	x := NewEvent("x", bus)
	y := NewEvent("y", bus)

	var xDelivered, yDelivered bool
	x.Attach(func(...any) { xDelivered = true })
	y.Attach(func(...any) { yDelivered = true })

	x.Fire()
	bus.Quit()
	y.Fire()

	done := make(chan struct{})
	go func() {
		bus.Run()
		close(done)
	}()
	<-done

	assert.True(t, xDelivered, "event fired before quit must be delivered")
	assert.False(t, yDelivered, "event fired after quit must not be delivered")
}

// TestHandlerAttachedBetweenFireAndDeliver confirms the handler snapshot
// is taken at delivery time, not enqueue time.
func TestHandlerAttachedBetweenFireAndDeliver(t *testing.T) {
	bus := NewBus(nil)
	e := NewEvent("e", bus)

	e.Fire() // nothing attached yet

	var called bool
	e.Attach(func(...any) { called = true })

	runOnce(bus)
	assert.True(t, called, "handler attached before delivery must be invoked")
}

// TestPanickingHandlerDoesNotAbortSiblings ensures one misbehaving
// observer never prevents delivery to others nor kills the bus.
func TestPanickingHandlerDoesNotAbortSiblings(t *testing.T) {
	bus := NewBus(nil)
	e := NewEvent("e", bus)

	e.Attach(func(...any) { panic("boom") })
	var called bool
	e.Attach(func(...any) { called = true })

	e.Fire()
	require.NotPanics(t, func() { runOnce(bus) })
	assert.True(t, called)
}

// runOnce drains exactly the firings currently queued by running the bus
// until it would otherwise block, using a quit fired after the current
// queue contents.
func runOnce(bus *Bus) {
	bus.Quit()
	bus.Run()
	bus.mu.Lock()
	bus.stopped = false
	bus.mu.Unlock()
}
