// Package lockfile provides the advisory single-instance guard spec.md §6
// requires: one process may hold the persistence directory at a time.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Lock is an exclusive, non-blocking advisory lock on instance.lock inside
// a persistence directory. Startup fails loudly (spec.md §7
// PersistenceUnavailable) if it cannot be acquired.
type Lock struct {
	path string
	file *os.File
	held bool
}

// New returns a lock bound to <dir>/instance.lock. It does not acquire it.
func New(dir string) *Lock {
	return &Lock{path: filepath.Join(dir, "instance.lock")}
}

// Acquire takes the exclusive lock or fails with the PID of the current
// holder, if it can be determined.
func (l *Lock) Acquire() error {
	if l.held {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file %s: %w", l.path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			if pid := readPID(l.path); pid > 0 {
				return fmt.Errorf("persistence directory already locked by pid %d (%s)", pid, l.path)
			}
			return fmt.Errorf("persistence directory already locked (%s)", l.path)
		}
		return fmt.Errorf("flock %s: %w", l.path, err)
	}

	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	l.file = f
	l.held = true
	return nil
}

// Release drops the lock. Safe to call more than once or without a prior
// successful Acquire.
func (l *Lock) Release() error {
	if !l.held || l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
	l.held = false
	return err
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
