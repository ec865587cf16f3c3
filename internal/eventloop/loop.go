// Package eventloop implements a single-goroutine readiness-driven event
// loop over poll(2). Descriptor handlers and dispatched functions run
// synchronously to completion on the loop goroutine, so code scheduled
// here never needs internal locking.
package eventloop

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// Ready is a bitmask describing why a handler is being invoked.
type Ready int

const (
	// Readable means the descriptor has data available for reading.
	Readable Ready = 1 << iota
	// Errored means the descriptor is in an error or hang-up state.
	Errored
)

// Handler is invoked on the loop goroutine when a registered descriptor
// becomes ready.
type Handler func(fd int, ready Ready)

var errClosed = errors.New("eventloop: loop is closed")

// Loop multiplexes readiness callbacks for a set of file descriptors.
// Add, Remove and Dispatch are safe to call from any goroutine; the loop
// is woken through an internal pipe when its fd set or work queue changes.
type Loop struct {
	mu       sync.Mutex
	handlers map[int]Handler
	pending  []func()
	closed   bool

	wakeRead  int
	wakeWrite int
}

// New creates a stopped loop. Run must be called for handlers to fire.
func New() (*Loop, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return &Loop{
		handlers:  make(map[int]Handler),
		wakeRead:  p[0],
		wakeWrite: p[1],
	}, nil
}

// Add registers a descriptor. The handler fires whenever the descriptor
// is readable or enters an error state.
func (l *Loop) Add(fd int, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed
	}
	l.handlers[fd] = h
	l.wakeLocked()
	return nil
}

// Remove deregisters a descriptor. Removing an unknown descriptor is a
// no-op.
func (l *Loop) Remove(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed
	}
	delete(l.handlers, fd)
	l.wakeLocked()
	return nil
}

// Dispatch schedules fn to run on the loop goroutine before the next
// poll. It is the bridge for work originating on other goroutines.
func (l *Loop) Dispatch(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed
	}
	l.pending = append(l.pending, fn)
	l.wakeLocked()
	return nil
}

// wakeLocked nudges a blocked poll. The pipe is non-blocking; a full
// pipe already guarantees a pending wakeup.
func (l *Loop) wakeLocked() {
	_, _ = unix.Write(l.wakeWrite, []byte{0})
}

// Run drives the loop until ctx is cancelled or Close is called. It
// must be called from exactly one goroutine.
func (l *Loop) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.wakeLocked()
			l.mu.Unlock()
		case <-stop:
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return errClosed
		}
		fds := make([]unix.PollFd, 0, len(l.handlers)+1)
		fds = append(fds, unix.PollFd{Fd: int32(l.wakeRead), Events: unix.POLLIN})
		for fd := range l.handlers {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
		l.mu.Unlock()

		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		l.drainWake(fds[0])
		l.runPending()

		for _, pfd := range fds[1:] {
			if pfd.Revents == 0 {
				continue
			}
			var ready Ready
			if pfd.Revents&unix.POLLIN != 0 {
				ready |= Readable
			}
			if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				ready |= Errored
			}

			// An earlier handler in this batch may have removed the
			// descriptor; skip stale entries.
			l.mu.Lock()
			h, ok := l.handlers[int(pfd.Fd)]
			l.mu.Unlock()
			if ok {
				h(int(pfd.Fd), ready)
			}
		}
	}
}

func (l *Loop) drainWake(pfd unix.PollFd) {
	if pfd.Revents&unix.POLLIN == 0 {
		return
	}
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeRead, buf[:])
		if n < len(buf) || err != nil {
			return
		}
	}
}

func (l *Loop) runPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Close releases the wake pipe and makes all further operations fail.
// Registered descriptors are not closed; their owners remain responsible
// for them.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.wakeLocked()
	_ = unix.Close(l.wakeWrite)
	_ = unix.Close(l.wakeRead)
	l.handlers = nil
	return nil
}
