// Package process resolves kernel PIDs to stable handles, decodes pidfds,
// and provides a best-effort blocking wait for process exit on Linux.
package process

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tunedmoded/tunedmoded/tmerr"
)

// pollInterval is how often WaitExit re-checks liveness. There is no
// portable blocking "wait for exit" primitive for a PID that is not our
// child, so this polls IsRunning.
const pollInterval = 500 * time.Millisecond

// Handle is an opaque identifier for a live or recently-live process. Two
// Handles compare equal iff they denote the same PID.
type Handle struct {
	pid int
}

// PID returns the kernel PID this handle denotes.
func (h Handle) PID() int {
	return h.pid
}

// Resolver resolves PIDs to Handles and queries their runtime metadata.
type Resolver struct{}

// NewResolver returns a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// HandleForPID returns a handle usable for exit-waiting and cmdline lookup.
// It never fails: a PID that does not currently exist still yields a handle
// whose WaitExit returns immediately and whose Cmdline is empty.
func (r *Resolver) HandleForPID(pid int) Handle {
	return Handle{pid: pid}
}

// IsRunning reports whether the handle's PID currently exists.
func (r *Resolver) IsRunning(h Handle) bool {
	if h.pid <= 0 {
		return false
	}
	// Sending signal 0 performs existence and permission checks without
	// delivering a signal; ESRCH means the PID is gone.
	err := unix.Kill(h.pid, 0)
	if err != nil && err != unix.EPERM {
		return false
	}
	// A terminated process that has not been reaped yet still answers
	// signal 0; /proc/<pid>/stat reports it in state Z (zombie) or X (dead).
	// The state follows the parenthesised command name, which may itself
	// contain ')'.
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(h.pid), "stat"))
	if err != nil {
		return true
	}
	if i := strings.LastIndexByte(string(stat), ')'); i >= 0 && i+2 < len(stat) {
		if state := stat[i+2]; state == 'Z' || state == 'X' {
			return false
		}
	}
	return true
}

// WaitExit blocks until the process denoted by h terminates, is already
// gone, or ctx is done.
func (r *Resolver) WaitExit(ctx context.Context, h Handle) error {
	if !r.IsRunning(h) {
		return nil
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !r.IsRunning(h) {
				return nil
			}
		}
	}
}

// Cmdline returns the process's command line as recorded in
// /proc/<pid>/cmdline, with NUL argument separators rendered as spaces.
// It is best-effort: any failure yields an empty string.
func (r *Resolver) Cmdline(h Handle) string {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(h.pid), "cmdline"))
	if err != nil {
		return ""
	}
	fields := strings.FieldsFunc(string(raw), func(r rune) bool { return r == 0 })
	return strings.Join(fields, " ")
}

// fdInfoDir is where DecodePidFd looks up a descriptor's fdinfo. It is a
// var, rather than a hardcoded literal, purely so tests can point it at a
// fixture directory instead of the real /proc/self/fdinfo.
var fdInfoDir = "/proc/self/fdinfo"

// DecodePidFd recovers the kernel PID pinned by an open process-handle file
// descriptor by reading its fdinfo and locating the "Pid:" field. Ownership
// of fd moves into DecodePidFd, which always closes it.
func DecodePidFd(fd int) (int, error) {
	defer unix.Close(fd)

	info, err := os.Open(filepath.Join(fdInfoDir, strconv.Itoa(fd)))
	if err != nil {
		return 0, fmt.Errorf("open fdinfo for fd %d: %w: %w", fd, tmerr.ErrDecode, err)
	}
	defer info.Close()

	scanner := bufio.NewScanner(info)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 || fields[0] != "Pid:" {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("parse pid field %q: %w: %w", fields[1], tmerr.ErrDecode, err)
		}
		return pid, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read fdinfo for fd %d: %w: %w", fd, tmerr.ErrDecode, err)
	}
	return 0, fmt.Errorf("%w: fdinfo for fd %d has no Pid field", tmerr.ErrDecode, fd)
}
