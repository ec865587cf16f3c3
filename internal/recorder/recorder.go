// Package recorder runs one interactive child process on a pseudo
// terminal, records its raw output as a ttyrec stream, and surfaces
// decoded output lines and lifecycle events to the host through fixed
// hooks. Descriptor readiness is driven by a host-provided event loop;
// every method on Recorder must run on that loop's goroutine.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/user/ttycast/internal/eventloop"
)

// readSize bounds each read performed on a ready descriptor.
const readSize = 2048

// childTerm is the TERM value injected into the child environment.
const childTerm = "linux"

// Loop is the subset of the host event loop the recorder needs: it
// registers its PTY master and stderr-pipe descriptors and deregisters
// them on teardown.
type Loop interface {
	Add(fd int, h eventloop.Handler) error
	Remove(fd int) error
}

// Hooks are the fixed notification points a host wires at construction.
// All hooks are optional and run synchronously on the loop goroutine.
type Hooks struct {
	// End fires exactly once, when the child's termination is first
	// observed and the session's resources have been released.
	End func()
	// OutputLine fires for each complete non-empty line decoded from
	// the child's terminal output.
	OutputLine func(line string)
	// ErrorLine fires for each complete non-empty line read from the
	// child's stderr pipe.
	ErrorLine func(line string)
	// Activity fires on every non-empty terminal read, whether or not
	// it completed a line. Useful for liveness tracking.
	Activity func()
}

// Options configure a Recorder.
type Options struct {
	// Command is the argv of the child process. Required.
	Command []string
	// RecordingPath, when non-empty, is the ttyrec file to create.
	RecordingPath string
	// IDHeader, when non-empty, is written as the first ttyrec record,
	// before any child output.
	IDHeader []byte
	// Logger receives stderr lines and write faults. Defaults to
	// slog.Default().
	Logger *slog.Logger
	// Loop is the host event loop. Required.
	Loop Loop
	// Rows and Cols size the child's terminal.
	Rows, Cols uint16
	// Env is the base environment for the child; COLUMNS, LINES and
	// TERM are appended. Defaults to os.Environ().
	Env []string
	// Hooks are the host notification points.
	Hooks Hooks
}

// Recorder owns exactly one child process for its whole lifetime. It is
// created running and tears itself down exactly once, when Poll first
// observes the child's termination.
type Recorder struct {
	loop   Loop
	logger *slog.Logger
	hooks  Hooks

	cmd      *exec.Cmd
	pid      int
	ptmx     *os.File
	errPipe  *os.File
	masterFD int
	errFD    int

	rec *ttyrecWriter

	outSplit *lineSplitter
	errSplit *lineSplitter

	readBuf [readSize]byte

	exitCode int
	exited   bool
}

// New launches opts.Command on a fresh PTY and registers its descriptors
// with the event loop. The returned Recorder is already live; launch
// failure is the only error surfaced here — everything after a
// successful start is reported through Poll and the End hook.
func New(opts Options) (*Recorder, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("recorder: command must not be empty")
	}
	if opts.Loop == nil {
		return nil, errors.New("recorder: event loop is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		loop:   opts.Loop,
		logger: logger,
		hooks:  opts.Hooks,
	}
	r.outSplit = newLineSplitter(func(line string) {
		if r.hooks.OutputLine != nil {
			r.hooks.OutputLine(line)
		}
	})
	r.errSplit = newLineSplitter(func(line string) {
		r.logger.Info("child stderr", "line", line)
		if r.hooks.ErrorLine != nil {
			r.hooks.ErrorLine(line)
		}
	})

	if opts.RecordingPath != "" {
		f, err := os.OpenFile(opts.RecordingPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("recorder: open recording: %w", err)
		}
		r.rec = newTTYRecWriter(f)
	}
	if len(opts.IDHeader) > 0 && r.rec != nil {
		if err := r.rec.writeChunk(opts.IDHeader); err != nil {
			_ = r.rec.Close()
			return nil, err
		}
	}

	if err := r.spawn(opts); err != nil {
		if r.rec != nil {
			_ = r.rec.Close()
		}
		return nil, err
	}
	return r, nil
}

// spawn starts the child on a new PTY with its stderr redirected to a
// dedicated pipe, then registers both parent-side descriptors.
//
// os/exec handles the fork/exec split: the parent's descriptors are
// O_CLOEXEC so nothing but the three std streams leaks into the child,
// and an exec failure is reported back here rather than through the
// child's exit status.
func (r *Recorder) spawn(opts Options) error {
	errRead, errWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("recorder: stderr pipe: %w", err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	env := opts.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...),
		"COLUMNS="+strconv.Itoa(int(opts.Cols)),
		"LINES="+strconv.Itoa(int(opts.Rows)),
		"TERM="+childTerm,
	)
	cmd.Stderr = errWrite

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})

	// The child holds its own copy of the write end either way.
	_ = errWrite.Close()

	if err != nil {
		_ = errRead.Close()
		return fmt.Errorf("recorder: start %q: %w", opts.Command[0], err)
	}

	r.cmd = cmd
	r.pid = cmd.Process.Pid
	r.ptmx = ptmx
	r.errPipe = errRead
	r.masterFD = int(ptmx.Fd())
	r.errFD = int(errRead.Fd())

	if err := r.loop.Add(r.masterFD, r.handleMaster); err != nil {
		return fmt.Errorf("recorder: register master: %w", err)
	}
	if err := r.loop.Add(r.errFD, r.handleErrPipe); err != nil {
		_ = r.loop.Remove(r.masterFD)
		return fmt.Errorf("recorder: register stderr pipe: %w", err)
	}
	return nil
}

// handleMaster consumes readiness on the PTY master: one bounded read,
// recorded to the ttyrec sink and fed to the output line splitter, then
// a reap attempt. Zero-byte reads, read errors and error conditions all
// funnel into Poll.
func (r *Recorder) handleMaster(fd int, ready eventloop.Ready) {
	if ready&eventloop.Readable != 0 {
		n, _ := unix.Read(fd, r.readBuf[:])
		if n > 0 {
			if r.rec != nil {
				if err := r.rec.writeChunk(r.readBuf[:n]); err != nil {
					r.logger.Error("ttyrec write failed", "error", err)
				}
			}
			if r.hooks.Activity != nil {
				r.hooks.Activity()
			}
			r.outSplit.feed(r.readBuf[:n])
		}
		r.Poll()
	}
	if ready&eventloop.Errored != 0 {
		r.Poll()
	}
}

// handleErrPipe consumes readiness on the child's stderr pipe.
func (r *Recorder) handleErrPipe(fd int, ready eventloop.Ready) {
	if ready&eventloop.Readable != 0 {
		n, _ := unix.Read(fd, r.readBuf[:])
		if n > 0 {
			r.errSplit.feed(r.readBuf[:n])
		}
		r.Poll()
	}
	if ready&eventloop.Errored != 0 {
		r.Poll()
	}
}

// Poll reaps the child without blocking. While the child runs it reports
// exited == false. On the first observed termination it caches the exit
// code (negated signal number for a signal death, exit status otherwise),
// releases both descriptors, closes the recording sink and fires the End
// hook; after that it returns the cached code without touching the OS.
func (r *Recorder) Poll() (code int, exited bool) {
	if r.exited {
		return r.exitCode, true
	}

	var status unix.WaitStatus
	var wpid int
	var err error
	for {
		wpid, err = unix.Wait4(r.pid, &status, unix.WNOHANG, nil)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		// The recorder is the only reaper of this pid; a wait error
		// means that invariant was broken.
		panic(fmt.Sprintf("recorder: wait4 pid %d: %v", r.pid, err))
	}
	if wpid != r.pid {
		return 0, false
	}

	switch {
	case status.Signaled():
		r.exitCode = -int(status.Signal())
	case status.Exited():
		r.exitCode = status.ExitStatus()
	default:
		panic(fmt.Sprintf("recorder: undecodable wait status %#x for pid %d", uint32(status), r.pid))
	}
	r.exited = true
	r.teardown()
	return r.exitCode, true
}

// teardown releases every resource the session owns. Reached exactly
// once, from the first Poll that observes termination.
func (r *Recorder) teardown() {
	_ = r.loop.Remove(r.masterFD)
	_ = r.loop.Remove(r.errFD)
	_ = r.ptmx.Close()
	_ = r.errPipe.Close()
	if r.rec != nil {
		if err := r.rec.Close(); err != nil {
			r.logger.Error("ttyrec close failed", "error", err)
		}
	}
	if r.hooks.End != nil {
		r.hooks.End()
	}
}

// WriteInput forwards bytes into the child's terminal. Input racing the
// child's exit is silently discarded; write faults propagate to the
// caller.
func (r *Recorder) WriteInput(data []byte) error {
	if _, exited := r.Poll(); exited {
		return nil
	}
	if err := writeAll(r.ptmx, data); err != nil {
		return fmt.Errorf("recorder: write input: %w", err)
	}
	return nil
}

// writeAll delivers the whole payload, advancing past short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			return err
		}
	}
	return nil
}

// Signal sends sig to the child. Signalling an already-reaped child is
// a no-op: the pid may have been recycled.
func (r *Recorder) Signal(sig syscall.Signal) error {
	if r.exited {
		return nil
	}
	return unix.Kill(r.pid, sig)
}

// Pid returns the child's process id.
func (r *Recorder) Pid() int { return r.pid }
