package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
)

// Stopper is anything with an ordered teardown step — the Detector's poll
// loop, the RPC listener, the Server Core's connected sessions. Run calls
// every registered Stopper's Stop in registration order once a shutdown
// signal arrives, collecting every error rather than stopping at the
// first, mirroring hashicorp/go-multierror's typical use aggregating
// independent subsystem failures into one reportable error.
type Stopper interface {
	Stop() error
}

// Run installs a SIGINT/SIGTERM-cancellable context, invokes start with
// it, and on return (either from start's own exit or from a signal)
// Stops every registered Stopper in order, returning a *multierror.Error
// if any teardown step failed. start is expected to block until ctx is
// canceled or it hits a fatal error of its own.
func Run(logger *slog.Logger, start func(ctx context.Context) error, stoppers ...Stopper) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := start(ctx)

	var shutdownErr *multierror.Error
	for _, s := range stoppers {
		if err := s.Stop(); err != nil {
			shutdownErr = multierror.Append(shutdownErr, err)
		}
	}

	if shutdownErr != nil {
		logger.Error("error during shutdown", slog.Any("error", shutdownErr))
	}
	if runErr != nil {
		return runErr
	}
	return shutdownErr.ErrorOrNil()
}

// ExitCode maps a Run (or AcquirePIDFile) error to a process exit status:
// 0 for nil, 1 for an already-running instance, 2 for any other failure.
// The original Python daemon used a negative sentinel for unhandled
// exceptions; POSIX exit codes are taken mod 256 and Go's os.Exit
// convention favors small positive codes, so this collapses that down to
// the two cases callers actually need to distinguish.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrAlreadyRunning):
		return 1
	default:
		return 2
	}
}
