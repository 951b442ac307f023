//go:build linux

package cpuworkers

import "golang.org/x/sys/unix"

// LowerProcessPriority applies the OS's lowest schedulable niceness to the
// whole process (spec.md §4.4 "operating system's lowest schedulable
// priority"). Go's scheduler does not expose per-goroutine-thread
// niceness, so this is applied once to the process rather than per worker
// (see SPEC_FULL.md §4.4 and DESIGN.md).
func LowerProcessPriority() error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, 19)
}
