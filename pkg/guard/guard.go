// Package guard excludes overlapping invocations. The primary mechanism
// is an advisory file lock; a best-effort process scan catches builds
// started outside this program.
package guard

import (
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrHeld is returned when another invocation holds the lock.
var ErrHeld = errors.New("another deploy is already running")

// Lock is a held advisory lock. Release it when the invocation is done;
// it is also released by the kernel if the process dies.
type Lock struct {
	f *os.File
}

// Acquire takes the advisory lock at path without blocking. It fails
// with ErrHeld when a concurrent invocation has it.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "opening lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrHeld
		}
		return nil, errors.Wrap(err, "locking lock file")
	}
	return &Lock{f: f}, nil
}

// Release gives up the lock.
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return errors.Wrap(err, "unlocking lock file")
	}
	return l.f.Close()
}

// Processes that indicate a rebuild is in flight outside our lock.
var buildProcessNames = []string{"nixos-rebuild", "switch-to-configuration"}

// BuildRunning reports, best effort, whether a system build or
// activation started outside this program is in progress. A race between
// this check and starting work is possible; the flock above is the
// actual exclusion between pulld invocations.
func BuildRunning() bool {
	for _, name := range buildProcessNames {
		if exec.Command("pgrep", "-x", name).Run() == nil {
			return true
		}
	}
	return false
}
