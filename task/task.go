// Package task implements the state-machine primitive used to model every
// asynchronous unit of work the daemon runs: slicing, printing, firmware
// upload, EEPROM access. A Task moves monotonically through
// PENDING -> RUNNING -> STOPPED, emits one event per transition, and can
// compose with sibling Tasks into a pipeline.
package task

import (
	"log/slog"
	"sync"

	"github.com/conveyor-project/conveyord/event"
)

// State is a Task's position in PENDING -> RUNNING -> STOPPED.
type State int

const (
	Pending State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Conclusion classifies a terminal Task. It is Unset until the Task
// reaches Stopped.
type Conclusion int

const (
	Unset Conclusion = iota
	Ended
	Failed
	Canceled
)

func (c Conclusion) String() string {
	switch c {
	case Unset:
		return "none"
	case Ended:
		return "ended"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Task is the central async-work primitive. All mutating methods are
// idempotent no-ops once the Task is Stopped; callers never need to guard
// calls with a state check.
//
// Task is driven from a single logical producer (the owning pipeline step
// or worker); it is not internally synchronized against concurrent callers
// racing start/heartbeat/end/fail/cancel. The mutex below guards the state
// fields themselves (so concurrent readers — RPC handlers rendering
// progress — never observe a torn read) without pretending to serialize
// writers, matching spec.md's single-writer discipline.
type Task struct {
	log *slog.Logger

	mu         sync.Mutex
	state      State
	conclusion Conclusion
	progress   any
	result     any
	failure    *Failure

	startEvent     *event.Event
	runningEvent   *event.Event
	heartbeatEvent *event.Event
	stoppedEvent   *event.Event
	cancelEvent    *event.Event

	ranRunning bool
}

// New creates a PENDING Task whose five events are registered on bus.
func New(bus *event.Bus, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		log:            logger,
		startEvent:     event.NewEvent("task.start", bus),
		runningEvent:   event.NewEvent("task.running", bus),
		heartbeatEvent: event.NewEvent("task.heartbeat", bus),
		stoppedEvent:   event.NewEvent("task.stopped", bus),
		cancelEvent:    event.NewEvent("task.cancel", bus),
	}
}

// Events exposes the five attach points named in spec.md §3.
func (t *Task) StartEvent() *event.Event     { return t.startEvent }
func (t *Task) RunningEvent() *event.Event   { return t.runningEvent }
func (t *Task) HeartbeatEvent() *event.Event { return t.heartbeatEvent }
func (t *Task) StoppedEvent() *event.Event   { return t.stoppedEvent }
func (t *Task) CancelEvent() *event.Event    { return t.cancelEvent }

// State returns the current state under lock.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Conclusion returns the current conclusion under lock.
func (t *Task) Conclusion() Conclusion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conclusion
}

// Progress returns the last heartbeat payload, which per spec.md §4.B may
// itself be a *Task for pipeline sub-progress. A pipeline parent's Progress
// is set to the active child *Task as each step starts.
func (t *Task) Progress() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Result returns the ENDED payload, or nil if the Task has not ended.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Failure returns the FAILED payload, or nil if the Task has not failed.
func (t *Task) Failure() *Failure {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// Start transitions PENDING -> RUNNING and fires startevent. Calling Start
// on a non-PENDING Task logs and is a no-op (spec.md's IllegalState, which
// is recoverable and never raised to the caller).
func (t *Task) Start() {
	t.mu.Lock()
	if t.state != Pending {
		t.mu.Unlock()
		t.log.Warn("illegal state: start on non-pending task", slog.String("state", t.state.String()))
		return
	}
	t.state = Running
	t.mu.Unlock()
	t.startEvent.Fire(t)
	t.fireRunningOnce()
}

// fireRunningOnce fires runningevent exactly once, on the first transition
// to RUNNING, immediately after startevent — so observers attaching after
// Start but before the first Heartbeat still see it.
func (t *Task) fireRunningOnce() {
	t.mu.Lock()
	if t.ranRunning {
		t.mu.Unlock()
		return
	}
	t.ranRunning = true
	t.mu.Unlock()
	t.runningEvent.Fire(t)
}

// Heartbeat records progress and fires heartbeatevent. Requires RUNNING;
// outside RUNNING it is a silent no-op.
func (t *Task) Heartbeat(progress any) {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return
	}
	t.progress = progress
	t.mu.Unlock()
	t.heartbeatEvent.Fire(t)
}

// End transitions RUNNING -> STOPPED with conclusion ENDED. No-op outside
// RUNNING.
func (t *Task) End(result any) {
	if !t.stopFrom(Running, Ended, result, nil) {
		return
	}
	t.stoppedEvent.Fire(t)
}

// Fail transitions {PENDING, RUNNING} -> STOPPED with conclusion FAILED.
// No-op once already STOPPED.
func (t *Task) Fail(failure *Failure) {
	t.mu.Lock()
	if t.state == Stopped {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	if !t.stop(Failed, nil, failure) {
		return
	}
	t.stoppedEvent.Fire(t)
}

// stopFrom performs stop only if the current state matches want, matching
// spec.md's narrower preconditions on End (RUNNING only).
func (t *Task) stopFrom(want State, conclusion Conclusion, result any, failure *Failure) bool {
	t.mu.Lock()
	if t.state != want {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()
	return t.stop(conclusion, result, failure)
}

// Cancel fires cancelevent first so the active producer can unwind its
// external resource, then transitions to STOPPED with conclusion CANCELED.
// Permitted in any non-terminal state; idempotent thereafter.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.state == Stopped {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.cancelEvent.Fire(t)

	if !t.stop(Canceled, nil, nil) {
		return
	}
	t.stoppedEvent.Fire(t)
}

// stop performs the common STOPPED transition bookkeeping and reports
// whether this call actually performed the transition (false means the
// Task was already terminal).
func (t *Task) stop(conclusion Conclusion, result any, failure *Failure) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Stopped {
		return false
	}
	t.state = Stopped
	t.conclusion = conclusion
	t.result = result
	t.failure = failure
	return true
}
