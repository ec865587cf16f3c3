package recorder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/user/ttycast/internal/eventloop"
)

const testTimeout = 10 * time.Second

// startLoop runs an event loop on its own goroutine for the duration of
// the test.
func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = loop.Close()
	})
	return loop
}

// onLoop runs fn on the loop goroutine and waits for it to finish.
func onLoop(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if err := loop.Dispatch(func() {
		fn()
		close(done)
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("dispatched function did not run")
	}
}

func pollOnLoop(t *testing.T, loop *eventloop.Loop, r *Recorder) (int, bool) {
	t.Helper()
	var code int
	var exited bool
	onLoop(t, loop, func() {
		code, exited = r.Poll()
	})
	return code, exited
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestRecorderOutputLinesAndEnd(t *testing.T) {
	loop := startLoop(t)

	lines := make(chan string, 16)
	ended := make(chan struct{})
	activity := make(chan struct{}, 16)

	r, err := New(Options{
		Command: []string{"echo", "hello-recorder"},
		Loop:    loop,
		Rows:    24,
		Cols:    80,
		Hooks: Hooks{
			OutputLine: func(line string) { lines <- line },
			Activity: func() {
				select {
				case activity <- struct{}{}:
				default:
				}
			},
			End: func() { close(ended) },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	waitSignal(t, ended, "end hook")

	select {
	case line := <-lines:
		if line != "hello-recorder" {
			t.Errorf("got line %q, want %q", line, "hello-recorder")
		}
	default:
		t.Error("no output line received")
	}
	select {
	case <-activity:
	default:
		t.Error("activity hook never fired")
	}

	if code, exited := pollOnLoop(t, loop, r); !exited || code != 0 {
		t.Errorf("Poll = (%d, %v), want (0, true)", code, exited)
	}
}

func TestRecorderExitStatus(t *testing.T) {
	loop := startLoop(t)

	ended := make(chan struct{})
	r, err := New(Options{
		Command: []string{"sh", "-c", "exit 3"},
		Loop:    loop,
		Rows:    24,
		Cols:    80,
		Hooks:   Hooks{End: func() { close(ended) }},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	waitSignal(t, ended, "end hook")
	if code, exited := pollOnLoop(t, loop, r); !exited || code != 3 {
		t.Errorf("Poll = (%d, %v), want (3, true)", code, exited)
	}
}

func TestRecorderSignalDeath(t *testing.T) {
	loop := startLoop(t)

	ended := make(chan struct{})
	r, err := New(Options{
		Command: []string{"sleep", "30"},
		Loop:    loop,
		Rows:    24,
		Cols:    80,
		Hooks:   Hooks{End: func() { close(ended) }},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	onLoop(t, loop, func() {
		if err := r.Signal(syscall.SIGKILL); err != nil {
			t.Errorf("Signal: %v", err)
		}
	})

	waitSignal(t, ended, "end hook")
	if code, exited := pollOnLoop(t, loop, r); !exited || code != -int(syscall.SIGKILL) {
		t.Errorf("Poll = (%d, %v), want (%d, true)", code, exited, -int(syscall.SIGKILL))
	}
}

func TestRecorderErrorLines(t *testing.T) {
	loop := startLoop(t)

	errLines := make(chan string, 16)
	ended := make(chan struct{})
	r, err := New(Options{
		Command: []string{"sh", "-c", "echo oops 1>&2"},
		Loop:    loop,
		Rows:    24,
		Cols:    80,
		Hooks: Hooks{
			ErrorLine: func(line string) { errLines <- line },
			End:       func() { close(ended) },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pollOnLoop(t, loop, r)

	waitSignal(t, ended, "end hook")
	select {
	case line := <-errLines:
		if line != "oops" {
			t.Errorf("got stderr line %q, want %q", line, "oops")
		}
	default:
		t.Error("no stderr line received")
	}
}

func TestRecorderTTYRecFileWithIDHeader(t *testing.T) {
	loop := startLoop(t)

	path := filepath.Join(t.TempDir(), "session.ttyrec")
	header := []byte("session: test-0001\n")

	ended := make(chan struct{})
	_, err := New(Options{
		Command:       []string{"echo", "recorded-output"},
		RecordingPath: path,
		IDHeader:      header,
		Loop:          loop,
		Rows:          24,
		Cols:          80,
		Hooks:         Hooks{End: func() { close(ended) }},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	waitSignal(t, ended, "end hook")

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()

	records, err := ReadAllRecords(f)
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(records) < 2 {
		t.Fatalf("got %d records, want at least the header and one output chunk", len(records))
	}
	if !bytes.Equal(records[0].Data, header) {
		t.Errorf("first record = %q, want id header %q", records[0].Data, header)
	}

	var output []byte
	for _, rec := range records[1:] {
		output = append(output, rec.Data...)
	}
	if !bytes.Contains(output, []byte("recorded-output")) {
		t.Errorf("recorded output %q does not contain child output", output)
	}

	var prev time.Time
	for i, rec := range records {
		if i > 0 && rec.Time().Before(prev) {
			t.Errorf("record %d timestamp went backwards", i)
		}
		prev = rec.Time()
	}
}

func TestRecorderIdempotentTeardown(t *testing.T) {
	loop := startLoop(t)

	endCount := 0
	ended := make(chan struct{})
	r, err := New(Options{
		Command: []string{"true"},
		Loop:    loop,
		Rows:    24,
		Cols:    80,
		Hooks: Hooks{End: func() {
			endCount++
			close(ended)
		}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	waitSignal(t, ended, "end hook")

	first, exited := pollOnLoop(t, loop, r)
	if !exited {
		t.Fatal("Poll reported running after end hook")
	}
	for i := 0; i < 5; i++ {
		code, exited := pollOnLoop(t, loop, r)
		if !exited || code != first {
			t.Fatalf("repeat Poll = (%d, %v), want (%d, true)", code, exited, first)
		}
	}
	onLoop(t, loop, func() {
		if endCount != 1 {
			t.Errorf("end hook fired %d times, want 1", endCount)
		}
	})
}

func TestRecorderWriteInputEcho(t *testing.T) {
	loop := startLoop(t)

	lines := make(chan string, 16)
	ended := make(chan struct{})
	r, err := New(Options{
		Command: []string{"cat"},
		Loop:    loop,
		Rows:    24,
		Cols:    80,
		Hooks: Hooks{
			OutputLine: func(line string) {
				select {
				case lines <- line:
				default:
				}
			},
			End: func() { close(ended) },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	onLoop(t, loop, func() {
		if err := r.WriteInput([]byte("ping\n")); err != nil {
			t.Errorf("WriteInput: %v", err)
		}
	})

	select {
	case line := <-lines:
		if line != "ping" {
			t.Errorf("got line %q, want %q", line, "ping")
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for echoed line")
	}

	onLoop(t, loop, func() { _ = r.Signal(syscall.SIGTERM) })
	waitSignal(t, ended, "end hook")
}

func TestRecorderWriteInputAfterExit(t *testing.T) {
	loop := startLoop(t)

	ended := make(chan struct{})
	r, err := New(Options{
		Command: []string{"true"},
		Loop:    loop,
		Rows:    24,
		Cols:    80,
		Hooks:   Hooks{End: func() { close(ended) }},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	waitSignal(t, ended, "end hook")

	onLoop(t, loop, func() {
		if err := r.WriteInput([]byte("ignored")); err != nil {
			t.Errorf("WriteInput after exit: got %v, want nil", err)
		}
	})
}

func TestRecorderLaunchFailure(t *testing.T) {
	loop := startLoop(t)

	_, err := New(Options{
		Command: []string{"/nonexistent/definitely-not-a-binary"},
		Loop:    loop,
		Rows:    24,
		Cols:    80,
	})
	if err == nil {
		t.Fatal("New succeeded for a nonexistent binary")
	}
}

func TestRecorderRejectsBadOptions(t *testing.T) {
	loop := startLoop(t)

	if _, err := New(Options{Loop: loop}); err == nil {
		t.Error("New accepted an empty command")
	}
	if _, err := New(Options{Command: []string{"true"}}); err == nil {
		t.Error("New accepted a nil loop")
	}
}

// shortWriter accepts at most one byte per call, then fails after limit
// bytes total.
type shortWriter struct {
	accepted []byte
	limit    int
	fail     error
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if w.fail != nil && len(w.accepted) >= w.limit {
		return 0, w.fail
	}
	if len(p) == 0 {
		return 0, nil
	}
	w.accepted = append(w.accepted, p[0])
	return 1, nil
}

func TestWriteAllRetriesShortWrites(t *testing.T) {
	w := &shortWriter{}
	payload := []byte("partial write payload")
	if err := writeAll(w, payload); err != nil {
		t.Fatalf("writeAll: %v", err)
	}
	if !bytes.Equal(w.accepted, payload) {
		t.Errorf("delivered %q, want %q", w.accepted, payload)
	}
}

func TestWriteAllPropagatesFaults(t *testing.T) {
	wantErr := errors.New("device gone")
	w := &shortWriter{limit: 4, fail: wantErr}
	err := writeAll(w, []byte("longer than four"))
	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want %v", err, wantErr)
	}
	if len(w.accepted) != 4 {
		t.Errorf("accepted %d bytes before fault, want 4", len(w.accepted))
	}
}
