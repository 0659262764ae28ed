package detect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	mu    sync.Mutex
	ports []Port
}

func (f *fakeLister) List() ([]Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Port, len(f.ports))
	copy(out, f.ports)
	return out, nil
}

func (f *fakeLister) set(ports []Port) {
	f.mu.Lock()
	f.ports = ports
	f.mu.Unlock()
}

type recordingHandler struct {
	mu       sync.Mutex
	attached []string
	detached []string
}

func (r *recordingHandler) OnAttach(port Port) {
	r.mu.Lock()
	r.attached = append(r.attached, port.PortName)
	r.mu.Unlock()
}

func (r *recordingHandler) OnDetach(portName string) {
	r.mu.Lock()
	r.detached = append(r.detached, portName)
	r.mu.Unlock()
}

func TestDetectsAttachAndDetach(t *testing.T) {
	lister := &fakeLister{ports: []Port{{PortName: "/dev/ttyACM0"}}}
	handler := &recordingHandler{}
	d := New(nil, lister, handler, 5*time.Millisecond, time.Minute, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.attached) == 1
	}, time.Second, time.Millisecond)

	lister.set(nil)

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.detached) == 1
	}, time.Second, time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{"/dev/ttyACM0"}, handler.attached)
	assert.Equal(t, []string{"/dev/ttyACM0"}, handler.detached)
}

func TestBlacklistSuppressesReattach(t *testing.T) {
	lister := &fakeLister{ports: []Port{{PortName: "/dev/ttyACM1"}}}
	handler := &recordingHandler{}
	d := New(nil, lister, handler, 5*time.Millisecond, time.Minute, 16)

	d.Blacklist("/dev/ttyACM1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	time.Sleep(50 * time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Empty(t, handler.attached, "blacklisted port must not be reported as attached")
}
