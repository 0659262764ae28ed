package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-project/conveyord/domain"
	"github.com/conveyor-project/conveyord/event"
	"github.com/conveyor-project/conveyord/task"
)

func newRunBus(t *testing.T) *event.Bus {
	t.Helper()
	bus := event.NewBus(nil)
	go bus.Run()
	t.Cleanup(bus.Quit)
	return bus
}

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

// fakeDriver is a Driver whose methods block on a gate channel until the
// test closes it, so tests can observe busy-while-running behavior. Every
// method also selects on ctx.Done so cancel-mid-operation tests can prove
// a canceljob RPC actually interrupts the call rather than just flipping
// the Task's bookkeeping.
type fakeDriver struct {
	gate chan struct{}

	printErr     error
	eepromErr    error
	eepromValues map[string]any
	writeErr     error
	resetErr     error
	uploadErr    error
}

func (f *fakeDriver) Print(ctx context.Context, gcodePath string, heartbeat func(progress int)) error {
	select {
	case <-f.gate:
		heartbeat(100)
		return f.printErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeDriver) PrintToFile(ctx context.Context, gcodePath, outputPath string, heartbeat func(progress int)) error {
	select {
	case <-f.gate:
		return f.printErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeDriver) ReadEEPROM(ctx context.Context) (map[string]any, error) {
	select {
	case <-f.gate:
		return f.eepromValues, f.eepromErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeDriver) WriteEEPROM(ctx context.Context, values map[string]any) error {
	select {
	case <-f.gate:
		return f.writeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeDriver) UploadFirmware(ctx context.Context, machineType, filePath string, heartbeat func(progress int)) error {
	select {
	case <-f.gate:
		return f.uploadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeDriver) ResetToFactory(ctx context.Context) error {
	select {
	case <-f.gate:
		return f.resetErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeDriver) Close() error { return nil }

func TestPrintSucceeds(t *testing.T) {
	bus := newRunBus(t)
	driver := &fakeDriver{gate: make(chan struct{})}
	close(driver.gate)
	w := New(bus, nil, "p1", "/dev/ttyACM0", domain.Profile{Name: "demo"}, driver)

	var ended bool
	tsk := w.Print("/tmp/out.gcode")
	drain(bus, func() {
		tsk.StoppedEvent().Attach(func(...any) { ended = true })
	})
	drain(bus, func() {})

	assert.True(t, ended)
	assert.Equal(t, task.Ended, tsk.Conclusion())
}

func TestSecondOperationFailsBusyWhileFirstRunning(t *testing.T) {
	bus := newRunBus(t)
	driver := &fakeDriver{gate: make(chan struct{})}
	w := New(bus, nil, "p1", "/dev/ttyACM0", domain.Profile{Name: "demo"}, driver)

	first := w.Print("/tmp/a.gcode")
	require.Equal(t, task.Running, first.State())

	second := w.Print("/tmp/b.gcode")
	drain(bus, func() {})

	assert.Equal(t, task.Failed, second.Conclusion())
	require.NotNil(t, second.Failure())
	assert.Equal(t, "DeviceBusy", second.Failure().Name)

	close(driver.gate)
	drain(bus, func() {})
	assert.Equal(t, task.Ended, first.Conclusion())
}

func TestIOErrorReportsEviction(t *testing.T) {
	bus := newRunBus(t)
	driver := &fakeDriver{gate: make(chan struct{}), printErr: errors.New("comm lost")}
	close(driver.gate)
	w := New(bus, nil, "p1", "/dev/ttyACM1", domain.Profile{Name: "demo"}, driver)

	var evicted string
	var mu sync.Mutex
	w.OnIOError(func(portName string) {
		mu.Lock()
		evicted = portName
		mu.Unlock()
	})

	tsk := w.Print("/tmp/a.gcode")
	drain(bus, func() {})

	assert.Equal(t, task.Failed, tsk.Conclusion())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/dev/ttyACM1", evicted)
}

func TestWriteEEPROMIOErrorReportsEviction(t *testing.T) {
	bus := newRunBus(t)
	driver := &fakeDriver{gate: make(chan struct{}), writeErr: errors.New("comm lost")}
	close(driver.gate)
	w := New(bus, nil, "p1", "/dev/ttyACM2", domain.Profile{Name: "demo"}, driver)

	var evicted string
	var mu sync.Mutex
	w.OnIOError(func(portName string) {
		mu.Lock()
		evicted = portName
		mu.Unlock()
	})

	tsk := w.WriteEEPROM(map[string]any{"steps_per_mm": 100})
	drain(bus, func() {})

	assert.Equal(t, task.Failed, tsk.Conclusion())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/dev/ttyACM2", evicted)
}

func TestResetToFactoryIOErrorReportsEviction(t *testing.T) {
	bus := newRunBus(t)
	driver := &fakeDriver{gate: make(chan struct{}), resetErr: errors.New("comm lost")}
	close(driver.gate)
	w := New(bus, nil, "p1", "/dev/ttyACM3", domain.Profile{Name: "demo"}, driver)

	var evicted string
	var mu sync.Mutex
	w.OnIOError(func(portName string) {
		mu.Lock()
		evicted = portName
		mu.Unlock()
	})

	tsk := w.ResetToFactory()
	drain(bus, func() {})

	assert.Equal(t, task.Failed, tsk.Conclusion())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/dev/ttyACM3", evicted)
}

func TestReadEEPROMReturnsValues(t *testing.T) {
	bus := newRunBus(t)
	driver := &fakeDriver{gate: make(chan struct{}), eepromValues: map[string]any{"vref": 1.1}}
	close(driver.gate)
	w := New(bus, nil, "p1", "/dev/ttyACM4", domain.Profile{Name: "demo"}, driver)

	tsk := w.ReadEEPROM()
	drain(bus, func() {})

	assert.Equal(t, task.Ended, tsk.Conclusion())
	assert.Equal(t, map[string]any{"vref": 1.1}, tsk.Result())
}

func TestCancelMidPrintAbortsDriverAndFreesDevice(t *testing.T) {
	bus := newRunBus(t)
	driver := &fakeDriver{gate: make(chan struct{})}
	w := New(bus, nil, "p1", "/dev/ttyACM5", domain.Profile{Name: "demo"}, driver)

	first := w.Print("/tmp/a.gcode")
	require.Equal(t, task.Running, first.State())

	drain(bus, func() { first.Cancel() })

	assert.Equal(t, task.Canceled, first.Conclusion())

	// The fakeDriver's Print call returned via ctx.Done rather than the
	// gate, so the device is already free for a second operation.
	close(driver.gate)
	second := w.Print("/tmp/b.gcode")
	drain(bus, func() {})
	assert.Equal(t, task.Ended, second.Conclusion())
}
