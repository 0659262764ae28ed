package task

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-project/conveyord/event"
)

func newRunBus(t *testing.T) *event.Bus {
	t.Helper()
	bus := event.NewBus(nil)
	go bus.Run()
	t.Cleanup(bus.Quit)
	return bus
}

// drain lets queued firings (and whatever cascade of further firings they
// produce) on a live bus deliver before the test asserts. Cascades push
// new firings behind an in-flight marker, so settling takes a bounded
// number of marker rounds rather than one.
func drain(bus *event.Bus, fn func()) {
	fn()
	for i := 0; i < 5; i++ {
		var wg sync.WaitGroup
		wg.Add(1)
		marker := event.NewEvent("test.marker", bus)
		marker.Attach(func(...any) { wg.Done() })
		marker.Fire()
		wg.Wait()
	}
}

func TestTaskHappyPath(t *testing.T) {
	bus := newRunBus(t)
	tsk := New(bus, nil)

	var started, running, heartbeat, stopped bool
	tsk.StartEvent().Attach(func(...any) { started = true })
	tsk.RunningEvent().Attach(func(...any) { running = true })
	tsk.HeartbeatEvent().Attach(func(...any) { heartbeat = true })
	tsk.StoppedEvent().Attach(func(...any) { stopped = true })

	drain(bus, func() {
		tsk.Start()
		tsk.Heartbeat(50)
		tsk.End("done")
	})

	assert.True(t, started)
	assert.True(t, running)
	assert.True(t, heartbeat)
	assert.True(t, stopped)
	assert.Equal(t, Stopped, tsk.State())
	assert.Equal(t, Ended, tsk.Conclusion())
	assert.Equal(t, "done", tsk.Result())
}

func TestStartOnNonPendingIsNoOp(t *testing.T) {
	bus := newRunBus(t)
	tsk := New(bus, nil)

	var startCount int
	tsk.StartEvent().Attach(func(...any) { startCount++ })

	drain(bus, func() {
		tsk.Start()
		tsk.Start()
	})
	assert.Equal(t, 1, startCount)
}

func TestCancelIdempotence(t *testing.T) {
	bus := newRunBus(t)
	tsk := New(bus, nil)

	var stoppedCount int
	tsk.StoppedEvent().Attach(func(...any) { stoppedCount++ })

	drain(bus, func() {
		tsk.Start()
		tsk.Cancel()
		tsk.Cancel()
		tsk.Cancel()
	})

	assert.Equal(t, 1, stoppedCount, "exactly one stoppedevent for repeated cancel")
	assert.Equal(t, Canceled, tsk.Conclusion())
	assert.Equal(t, Stopped, tsk.State())
}

func TestFailAfterEndIsNoOp(t *testing.T) {
	bus := newRunBus(t)
	tsk := New(bus, nil)

	var stoppedCount int
	tsk.StoppedEvent().Attach(func(...any) { stoppedCount++ })

	drain(bus, func() {
		tsk.Start()
		tsk.End(nil)
		tsk.Fail(NewFailure("x", "y"))
	})

	assert.Equal(t, 1, stoppedCount)
	assert.Equal(t, Ended, tsk.Conclusion())
}

func TestPipelineSequencesAndEnds(t *testing.T) {
	bus := newRunBus(t)

	var order []string
	mk := func(name string) Step {
		return Step{
			Name: name,
			Run: func(parent *Task) *Task {
				child := New(bus, nil)
				child.StartEvent().Attach(func(...any) {
					order = append(order, name)
					child.Heartbeat(100)
					child.End(nil)
				})
				child.Start()
				return child
			},
		}
	}

	parent := NewPipeline(bus, nil, []Step{mk("slice"), mk("print")})

	var parentStopped bool
	parent.StoppedEvent().Attach(func(...any) { parentStopped = true })

	drain(bus, func() { parent.Start() })

	require.Equal(t, []string{"slice", "print"}, order)
	assert.True(t, parentStopped)
	assert.Equal(t, Ended, parent.Conclusion())
}

func TestPipelinePropagatesChildFailure(t *testing.T) {
	bus := newRunBus(t)

	failing := Step{
		Name: "slice",
		Run: func(parent *Task) *Task {
			child := New(bus, nil)
			child.StartEvent().Attach(func(...any) {
				child.Fail(NewFailure("SlicerFailure", "boom"))
			})
			child.Start()
			return child
		},
	}
	neverRuns := Step{
		Name: "print",
		Run: func(parent *Task) *Task {
			t.Fatal("second step must not run after first step fails")
			return nil
		},
	}

	parent := NewPipeline(bus, nil, []Step{failing, neverRuns})
	drain(bus, func() { parent.Start() })

	assert.Equal(t, Failed, parent.Conclusion())
	require.NotNil(t, parent.Failure())
	assert.Equal(t, "boom", parent.Failure().Message)
}

func TestPipelineCancelForwardsToActiveChild(t *testing.T) {
	bus := newRunBus(t)

	var childCanceled bool
	blocking := Step{
		Name: "print",
		Run: func(parent *Task) *Task {
			child := New(bus, nil)
			child.CancelEvent().Attach(func(...any) {
				childCanceled = true
				child.Cancel()
			})
			child.Start()
			return child
		},
	}

	parent := NewPipeline(bus, nil, []Step{blocking})
	drain(bus, func() { parent.Start() })
	drain(bus, func() { parent.Cancel() })

	assert.True(t, childCanceled)
	assert.Equal(t, Canceled, parent.Conclusion())
}
