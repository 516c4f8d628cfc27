package cgi

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// Reaper collects killed subprocesses without blocking. The event loop
// calls Reap on every tick.
type Reaper struct {
	pids   map[int]struct{}
	logger *slog.Logger
}

// NewReaper creates an empty reaper.
func NewReaper() *Reaper {
	return &Reaper{
		pids:   make(map[int]struct{}),
		logger: slog.Default().With("component", "reaper"),
	}
}

// Add registers pid for collection.
func (r *Reaper) Add(pid int) {
	r.pids[pid] = struct{}{}
}

// Len returns the number of processes not yet collected.
func (r *Reaper) Len() int { return len(r.pids) }

// Reap polls every pending process once and returns how many remain.
func (r *Reaper) Reap() int {
	for pid := range r.pids {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if err == unix.ECHILD || wpid == pid {
			delete(r.pids, pid)
			r.logger.Debug("reaped", "pid", pid)
			continue
		}
		if err != nil && err != unix.EINTR {
			r.logger.Warn("wait failed", "pid", pid, "error", err)
		}
	}
	return len(r.pids)
}
