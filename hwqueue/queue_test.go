package hwqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrdering(t *testing.T) {
	q := New(nil)
	go q.Run()
	defer q.Stop()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)

	q.Submit(func() {
		mu.Lock()
		order = append(order, "A")
		mu.Unlock()
		wg.Done()
	})
	q.Submit(func() {
		mu.Lock()
		order = append(order, "B")
		mu.Unlock()
		wg.Done()
	})

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"A", "B"}, order)
}

func TestPanicDoesNotKillConsumer(t *testing.T) {
	q := New(nil)
	go q.Run()
	defer q.Stop()

	done := make(chan struct{})
	q.Submit(func() { panic("boom") })
	q.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not process closure after a sibling panicked")
	}
}

func TestStopDiscardsUnstarted(t *testing.T) {
	q := New(nil)

	var ran bool
	q.Submit(func() { ran = true })
	q.Stop()
	q.Run() // should return immediately without running queued closures

	assert.False(t, ran, "closures queued before Run starts draining should be discarded on Stop")
}
