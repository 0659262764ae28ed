package task

import (
	"log/slog"

	"github.com/conveyor-project/conveyord/event"
)

// Step is one stage of a pipeline: given the parent Task to drive
// progress/cancellation through, it returns the child Task that performs
// the stage's work. run is invoked once the parent has started this step
// (or, for step 0, once the pipeline itself starts); it must arrange for
// the returned Task to eventually reach STOPPED.
type Step struct {
	Name string
	Run  func(parent *Task) *Task
}

// Pipeline wraps a fixed sequence of Steps into a single parent Task. The
// parent starts step 0; each step's ENDED advances to the next step; the
// final step's ENDED ends the parent. A FAILED or CANCELED child
// propagates its conclusion and failure to the parent verbatim. Canceling
// the parent forwards Cancel to whichever child is currently active. From
// the moment a step starts, the parent's Progress is that step's child Task.
//
// This generalizes the fold/reduce chain in orchestrate/workflows/chain.go
// from a generic (item, state) reducer into a sequence of heterogeneous,
// event-driven Tasks — the "tagged union of step kind plus a generic
// sequence combinator" spec.md's design notes call for.
type Pipeline struct {
	parent *Task
	steps  []Step
	log    *slog.Logger

	index   int
	current *Task
}

// NewPipeline constructs the parent Task for steps and wires it so that
// Parent.Start() drives the sequence described above. Pass the resulting
// Parent to callers; they never interact with Pipeline directly.
func NewPipeline(bus *event.Bus, logger *slog.Logger, steps []Step) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	parent := New(bus, logger)
	p := &Pipeline{parent: parent, steps: steps, log: logger}

	parent.StartEvent().Attach(func(...any) { p.runStep(0) })
	parent.CancelEvent().Attach(func(...any) { p.cancelCurrent() })

	return parent
}

func (p *Pipeline) runStep(i int) {
	if i >= len(p.steps) {
		p.parent.End(nil)
		return
	}
	p.index = i
	step := p.steps[i]
	p.log.Debug("pipeline step starting", slog.String("step", step.Name), slog.Int("index", i))

	child := step.Run(p.parent)
	p.current = child
	p.parent.mu.Lock()
	p.parent.progress = child
	p.parent.mu.Unlock()

	child.HeartbeatEvent().Attach(func(...any) {
		p.parent.Heartbeat(child)
	})
	child.StoppedEvent().Attach(func(...any) {
		p.onChildStopped(i, child)
	})
}

func (p *Pipeline) onChildStopped(i int, child *Task) {
	switch child.Conclusion() {
	case Ended:
		p.runStep(i + 1)
	case Failed:
		p.parent.Fail(child.Failure())
	case Canceled:
		p.cancelParentWithFailure(child.Failure())
	}
}

// cancelParentWithFailure reaches STOPPED/CANCELED on the parent without
// re-forwarding Cancel to an already-canceled child.
func (p *Pipeline) cancelParentWithFailure(f *Failure) {
	p.parent.mu.Lock()
	if p.parent.state == Stopped {
		p.parent.mu.Unlock()
		return
	}
	p.parent.state = Stopped
	p.parent.conclusion = Canceled
	p.parent.failure = f
	p.parent.mu.Unlock()
	p.parent.stoppedEvent.Fire(p.parent)
}

func (p *Pipeline) cancelCurrent() {
	if p.current != nil {
		p.current.Cancel()
	}
}
