package domain

import (
	"errors"
	"io/fs"
	"os/exec"
	"syscall"

	"github.com/conveyor-project/conveyord/task"
)

// ToFailure degrades an arbitrary Go error into the structured payload
// spec.md §7 asks Task.Fail to carry, pulling errno/path details out of
// the standard library's own wrapped error types when present.
func ToFailure(name string, err error) *task.Failure {
	if err == nil {
		return nil
	}
	f := &task.Failure{Name: name, Message: err.Error()}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		f.Filename = pathErr.Path
		f.Strerror = pathErr.Err.Error()
	}

	var errnoErr syscall.Errno
	if errors.As(err, &errnoErr) {
		f.Errno = int(errnoErr)
		f.Strerror = errnoErr.Error()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		f.Strerror = string(exitErr.Stderr)
	}

	return f
}
