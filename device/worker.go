// Package device implements the per-attached-device worker: one Worker per
// physical printer owns its Driver handle and serializes all hardware
// access through it. Each operation runs on a goroutine of its own and a
// busy flag keeps at most one running at a time; there is no long-lived
// goroutine per device.
package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/conveyor-project/conveyord/domain"
	"github.com/conveyor-project/conveyord/event"
	"github.com/conveyor-project/conveyord/task"
)

// ErrBusy names the busy condition. Worker operations do not return it: an
// operation requested while another is running gets back a Task that has
// already FAILED with a Failure named "DeviceBusy".
var ErrBusy = errors.New("device busy")

// Driver is the narrow interface a Device Worker drives. It is the
// external hardware/firmware collaborator spec.md §6 names; a real
// implementation talks s3g/GCode over serial, a test implementation is a
// fake. Every method takes ctx so a canceljob RPC (surfaced as the
// returned Task's CancelEvent) can actually interrupt an in-flight
// operation instead of only flipping the Task's own bookkeeping.
type Driver interface {
	Print(ctx context.Context, gcodePath string, heartbeat func(progress int)) error
	PrintToFile(ctx context.Context, gcodePath, outputPath string, heartbeat func(progress int)) error
	ReadEEPROM(ctx context.Context) (map[string]any, error)
	WriteEEPROM(ctx context.Context, values map[string]any) error
	UploadFirmware(ctx context.Context, machineType, filePath string, heartbeat func(progress int)) error
	ResetToFactory(ctx context.Context) error
	Close() error
}

// Worker owns one attached device. All Task-returning operations are
// serialized: at most one is RUNNING at a time, and a second request
// while busy fails fast (a Task FAILED with "DeviceBusy") rather than
// queuing — spec.md §4.E.
type Worker struct {
	bus    *event.Bus
	log    *slog.Logger
	driver Driver

	printerID string
	portName  string
	profile   domain.Profile

	mu   sync.Mutex
	busy bool

	onIOError func(portName string)
}

// New creates a Worker for an already-opened Driver.
func New(bus *event.Bus, logger *slog.Logger, printerID, portName string, profile domain.Profile, driver Driver) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		bus:       bus,
		log:       logger,
		driver:    driver,
		printerID: printerID,
		portName:  portName,
		profile:   profile,
	}
}

// OnIOError registers the callback the Server wires at registration time:
// invoked with the device's port name whenever a hardware operation fails
// with a communication error, so the Server can evict the worker and
// broadcast printerremoved per spec.md §7. An operation that ends because
// its Task was canceled is not reported.
func (w *Worker) OnIOError(fn func(portName string)) {
	w.mu.Lock()
	w.onIOError = fn
	w.mu.Unlock()
}

func (w *Worker) PrinterID() string        { return w.printerID }
func (w *Worker) PortName() string         { return w.portName }
func (w *Worker) Profile() domain.Profile  { return w.profile }

// acquire claims exclusivity for one operation; release must be deferred
// by every caller that successfully acquires.
func (w *Worker) acquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return false
	}
	w.busy = true
	return true
}

func (w *Worker) release() {
	w.mu.Lock()
	w.busy = false
	w.mu.Unlock()
}

// begin claims the device and starts t RUNNING, wiring t's CancelEvent to
// a context so a canceljob RPC actually interrupts the Driver call below
// instead of only flipping the Task's own state. ctx is nil when the
// device was busy — callers must check that before launching a goroutine.
func (w *Worker) begin() (t *task.Task, ctx context.Context, cancel context.CancelFunc) {
	t = task.New(w.bus, w.log)
	if !w.acquire() {
		t.Start()
		t.Fail(task.NewFailure("DeviceBusy", "device is busy"))
		return t, nil, nil
	}
	ctx, cancel = context.WithCancel(context.Background())
	t.CancelEvent().Attach(func(...any) { cancel() })
	t.Start()
	return t, ctx, cancel
}

// Print drives the device through a complete print job. gcodePath is the
// sliced output the pipeline produced upstream. The returned Task is
// already RUNNING; completion is reported via its events.
func (w *Worker) Print(gcodePath string) *task.Task {
	t, ctx, cancel := w.begin()
	if ctx == nil {
		return t
	}
	go func() {
		defer cancel()
		defer w.release()
		err := w.driver.Print(ctx, gcodePath, func(progress int) { t.Heartbeat(progress) })
		w.finish(t, err)
	}()
	return t
}

// PrintToFile drives the device's print-to-file path via the Hardware
// Queue's caller (the caller is expected to have already serialized this
// through hwqueue.Queue — Worker itself only serializes per-device state).
func (w *Worker) PrintToFile(gcodePath, outputPath string) *task.Task {
	t, ctx, cancel := w.begin()
	if ctx == nil {
		return t
	}
	go func() {
		defer cancel()
		defer w.release()
		err := w.driver.PrintToFile(ctx, gcodePath, outputPath, func(progress int) { t.Heartbeat(progress) })
		w.finish(t, err)
	}()
	return t
}

// ReadEEPROM issues a read and populates the Task's result with the
// returned map on success.
func (w *Worker) ReadEEPROM() *task.Task {
	t, ctx, cancel := w.begin()
	if ctx == nil {
		return t
	}
	go func() {
		defer cancel()
		defer w.release()
		values, err := w.driver.ReadEEPROM(ctx)
		if err != nil {
			t.Fail(domain.ToFailure("DeviceIOError", err))
			w.reportIOError(err)
			return
		}
		t.End(values)
	}()
	return t
}

// WriteEEPROM issues a write and ends the Task on acknowledgment.
func (w *Worker) WriteEEPROM(values map[string]any) *task.Task {
	t, ctx, cancel := w.begin()
	if ctx == nil {
		return t
	}
	go func() {
		defer cancel()
		defer w.release()
		if err := w.driver.WriteEEPROM(ctx, values); err != nil {
			t.Fail(domain.ToFailure("DeviceIOError", err))
			w.reportIOError(err)
			return
		}
		t.End(nil)
	}()
	return t
}

// UploadFirmware reboots the device into its bootloader and streams the
// firmware image at filePath.
func (w *Worker) UploadFirmware(machineType, filePath string) *task.Task {
	t, ctx, cancel := w.begin()
	if ctx == nil {
		return t
	}
	go func() {
		defer cancel()
		defer w.release()
		err := w.driver.UploadFirmware(ctx, machineType, filePath, func(progress int) { t.Heartbeat(progress) })
		w.finish(t, err)
	}()
	return t
}

// ResetToFactory restores factory defaults.
func (w *Worker) ResetToFactory() *task.Task {
	t, ctx, cancel := w.begin()
	if ctx == nil {
		return t
	}
	go func() {
		defer cancel()
		defer w.release()
		if err := w.driver.ResetToFactory(ctx); err != nil {
			t.Fail(domain.ToFailure("DeviceIOError", err))
			w.reportIOError(err)
			return
		}
		t.End(nil)
	}()
	return t
}

func (w *Worker) finish(t *task.Task, err error) {
	if err != nil {
		t.Fail(domain.ToFailure("DeviceIOError", err))
		w.reportIOError(err)
		return
	}
	t.End(nil)
}

func (w *Worker) reportIOError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	w.mu.Lock()
	fn := w.onIOError
	w.mu.Unlock()
	if fn != nil {
		fn(w.portName)
	}
}

// Stop releases the underlying driver handle. Called by the Server on
// detach or I/O-error eviction.
func (w *Worker) Stop() error {
	return w.driver.Close()
}
