// Package daemon implements process-lifecycle plumbing: a pidfile lock
// that refuses a second concurrent instance, and the signal-driven
// shutdown sequence cmd/conveyord wires around the Server Core, Detector,
// and RPC listener.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// ErrAlreadyRunning is returned by AcquirePIDFile when another process
// already holds the lock on path.
var ErrAlreadyRunning = errors.New("daemon: another instance is already running")

// PIDFile is an acquired, locked pidfile. Release unlocks and removes it.
type PIDFile struct {
	path string
	f    *os.File
}

// AcquirePIDFile opens (creating if necessary) the file at path and takes
// an exclusive, non-blocking advisory lock via flock(2) — the standard
// library is the only option here; no library in the example pack wraps
// pidfile/flock semantics, and the syscall is a three-line primitive not
// worth a dependency. On success it writes the current PID and returns a
// handle the caller releases on shutdown; on failure to acquire the lock
// it returns ErrAlreadyRunning.
func AcquirePIDFile(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pidfile %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock pidfile %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pidfile %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pidfile %s: %w", path, err)
	}

	return &PIDFile{path: path, f: f}, nil
}

// Release unlocks and removes the pidfile. Safe to call once; a second
// call is a no-op returning nil.
func (p *PIDFile) Release() error {
	if p.f == nil {
		return nil
	}
	_ = syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
	err := p.f.Close()
	p.f = nil
	if removeErr := os.Remove(p.path); removeErr != nil && err == nil {
		err = removeErr
	}
	return err
}
