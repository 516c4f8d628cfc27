package cgi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/lefthookroll/webserv/pkg/request"
)

var (
	// ErrNotPrepared is returned by Execute before Prepare.
	ErrNotPrepared = errors.New("cgi: bridge not prepared")

	// ErrAlreadyStarted is returned when a bridge is reused.
	ErrAlreadyStarted = errors.New("cgi: subprocess already started")

	// ErrWouldBlock is returned by Read when no output is available yet.
	ErrWouldBlock = errors.New("cgi: output not ready")
)

// SpawnError reports a pipe or fork/exec failure. A script that runs and
// exits non-zero is not a SpawnError.
type SpawnError struct {
	Op     string
	Script string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("cgi: %s %s: %v", e.Op, e.Script, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Bridge runs one CGI subprocess. Its stdin is the fully received request
// body and its stdout is a non-blocking pipe the event loop polls.
//
// A Bridge is owned by one response and must not be copied.
type Bridge struct {
	snap   *Snapshot
	pid    int
	out    int
	exited bool
	killed bool
	status unix.WaitStatus

	// Reaper, if set, takes over subprocesses still running at Close.
	Reaper *Reaper

	logger *slog.Logger
}

// New creates an idle bridge.
func New() *Bridge {
	return &Bridge{
		out:    -1,
		logger: slog.Default().With("component", "cgi"),
	}
}

// Prepare builds the argument vector and environment for script. An empty
// interpreter executes script directly.
func (b *Bridge) Prepare(r *request.Request, script, interpreter string, meta Meta) error {
	if b.pid != 0 {
		return ErrAlreadyStarted
	}
	abs, err := filepath.Abs(script)
	if err != nil {
		return &SpawnError{Op: "resolve", Script: script, Err: err}
	}
	if interpreter != "" && !filepath.IsAbs(interpreter) {
		if interpreter, err = exec.LookPath(interpreter); err != nil {
			return &SpawnError{Op: "resolve", Script: script, Err: err}
		}
	}
	b.snap = newSnapshot(r, abs, interpreter, meta)
	return nil
}

// Snapshot returns the prepared invocation, or nil.
func (b *Bridge) Snapshot() *Snapshot { return b.snap }

// Execute spawns the subprocess with stdin read from input. A nil input
// gives the script an empty stdin.
func (b *Bridge) Execute(input *os.File) error {
	if b.snap == nil {
		return ErrNotPrepared
	}
	if b.pid != 0 {
		return ErrAlreadyStarted
	}

	stdin := input
	if stdin == nil {
		f, err := os.Open(os.DevNull)
		if err != nil {
			return &SpawnError{Op: "open stdin", Script: b.snap.Script, Err: err}
		}
		defer f.Close()
		stdin = f
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return &SpawnError{Op: "pipe", Script: b.snap.Script, Err: err}
	}
	rd, wr := p[0], p[1]

	pid, err := syscall.ForkExec(b.snap.Path, b.snap.argv, &syscall.ProcAttr{
		Dir:   b.snap.Dir,
		Env:   b.snap.env,
		Files: []uintptr{stdin.Fd(), uintptr(wr), uintptr(unix.Stderr)},
	})
	unix.Close(wr)
	if err != nil {
		unix.Close(rd)
		return &SpawnError{Op: "fork/exec", Script: b.snap.Script, Err: err}
	}
	if err := unix.SetNonblock(rd, true); err != nil {
		unix.Close(rd)
		b.pid = pid
		b.kill()
		return &SpawnError{Op: "pipe", Script: b.snap.Script, Err: err}
	}

	b.pid = pid
	b.out = rd
	b.logger.Debug("spawned", "pid", pid, "script", b.snap.Script, "fd", rd)
	return nil
}

// Pid returns the subprocess id, or 0 before Execute.
func (b *Bridge) Pid() int { return b.pid }

// OutputFd returns the read end of the output pipe, or -1.
func (b *Bridge) OutputFd() int { return b.out }

// Read reads available output without blocking. It returns ErrWouldBlock
// when the pipe is empty but open, and io.EOF once every writer is gone.
func (b *Bridge) Read(p []byte) (int, error) {
	if b.out < 0 {
		return 0, io.EOF
	}
	for {
		n, err := unix.Read(b.out, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// IsDone polls the subprocess without blocking and reports whether it has
// exited.
func (b *Bridge) IsDone() bool {
	if b.exited || b.pid == 0 {
		return b.exited
	}
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(b.pid, &ws, unix.WNOHANG, nil)
	switch {
	case err == unix.ECHILD:
		b.exited = true
	case err != nil:
		return false
	case wpid == b.pid:
		b.exited = true
		b.status = ws
		b.logger.Debug("exited", "pid", b.pid, "status", ws.ExitStatus())
	}
	return b.exited
}

// ExitStatus returns the exit code once IsDone has reported true, or -1
// when the process was killed by a signal.
func (b *Bridge) ExitStatus() int {
	if !b.exited || b.killed {
		return -1
	}
	return b.status.ExitStatus()
}

// Close releases the pipe. A subprocess that is still running is killed
// and handed to the Reaper.
func (b *Bridge) Close() error {
	var err error
	if b.out >= 0 {
		err = unix.Close(b.out)
		b.out = -1
	}
	if b.pid != 0 && !b.IsDone() {
		b.kill()
	}
	return err
}

func (b *Bridge) kill() {
	if err := unix.Kill(b.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		b.logger.Warn("kill failed", "pid", b.pid, "error", err)
	}
	b.logger.Debug("killed", "pid", b.pid)
	b.killed = true
	if b.IsDone() {
		return
	}
	if b.Reaper != nil {
		b.Reaper.Add(b.pid)
	}
	b.exited = true
}
