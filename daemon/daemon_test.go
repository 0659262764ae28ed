package daemon_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-project/conveyord/daemon"
)

func TestAcquirePIDFileWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyord.pid")

	pf, err := daemon.AcquirePIDFile(path)
	require.NoError(t, err)
	defer pf.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte(strconv.Itoa(os.Getpid())), data)
}

func TestAcquirePIDFileSecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyord.pid")

	pf, err := daemon.AcquirePIDFile(path)
	require.NoError(t, err)
	defer pf.Release()

	_, err = daemon.AcquirePIDFile(path)
	assert.ErrorIs(t, err, daemon.ErrAlreadyRunning)
}

func TestReleaseThenReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyord.pid")

	pf, err := daemon.AcquirePIDFile(path)
	require.NoError(t, err)
	require.NoError(t, pf.Release())

	pf2, err := daemon.AcquirePIDFile(path)
	require.NoError(t, err)
	require.NoError(t, pf2.Release())
}

type fakeStopper struct {
	err error
}

func (f fakeStopper) Stop() error { return f.err }

func TestRunAggregatesStopperErrors(t *testing.T) {
	boom1 := errors.New("boom1")
	boom2 := errors.New("boom2")

	err := daemon.Run(nil, func(ctx context.Context) error {
		return nil
	}, fakeStopper{err: boom1}, fakeStopper{}, fakeStopper{err: boom2})

	require.Error(t, err)
	assert.ErrorContains(t, err, "boom1")
	assert.ErrorContains(t, err, "boom2")
}

func TestRunPropagatesStartError(t *testing.T) {
	startErr := errors.New("listener failed")

	err := daemon.Run(nil, func(ctx context.Context) error {
		return startErr
	})

	assert.ErrorIs(t, err, startErr)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, daemon.ExitCode(nil))
	assert.Equal(t, 1, daemon.ExitCode(daemon.ErrAlreadyRunning))
	assert.Equal(t, 2, daemon.ExitCode(errors.New("anything else")))
}
