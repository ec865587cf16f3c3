// Package session ties recorders to their host collaborators: it creates
// recorder sessions on demand, persists their lifecycle in the database,
// and relays their line events to websocket viewers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/user/ttycast/internal/db"
	"github.com/user/ttycast/internal/eventloop"
	"github.com/user/ttycast/internal/hub"
	"github.com/user/ttycast/internal/parser"
	"github.com/user/ttycast/internal/recorder"
)

// activityFlushInterval throttles last-activity database writes; a busy
// child can produce hundreds of reads per second.
const activityFlushInterval = time.Second

var ErrSessionNotFound = errors.New("session: not found")

type Manager struct {
	loop         *eventloop.Loop
	hub          *hub.Hub
	sessionRepo  *db.SessionRepo
	logger       *slog.Logger
	recordingDir string
	defaultRows  int
	defaultCols  int

	mu     sync.RWMutex
	active map[string]*activeSession
}

// activeSession pairs a live recorder with its metadata. The recorder
// itself must only be touched on the event-loop goroutine.
type activeSession struct {
	id           string
	command      string
	rec          *recorder.Recorder
	lastActivity time.Time
}

type ManagerConfig struct {
	Loop         *eventloop.Loop
	Hub          *hub.Hub
	DB           *db.DB
	Logger       *slog.Logger
	RecordingDir string
	DefaultRows  int
	DefaultCols  int
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Loop == nil || cfg.DB == nil {
		return nil, errors.New("session: loop and db are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rows := cfg.DefaultRows
	if rows <= 0 {
		rows = 24
	}
	cols := cfg.DefaultCols
	if cols <= 0 {
		cols = 80
	}
	if err := os.MkdirAll(cfg.RecordingDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create recording dir: %w", err)
	}

	return &Manager{
		loop:         cfg.Loop,
		hub:          cfg.Hub,
		sessionRepo:  db.NewSessionRepo(cfg.DB.SQL()),
		logger:       logger,
		recordingDir: cfg.RecordingDir,
		defaultRows:  rows,
		defaultCols:  cols,
		active:       make(map[string]*activeSession),
	}, nil
}

// Create launches a new recorded session. The command string is split
// shell-style; rows and cols fall back to the configured defaults when
// zero.
func (m *Manager) Create(ctx context.Context, command string, rows, cols int) (*db.Session, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("session: parse command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("session: command must not be empty")
	}
	if rows <= 0 {
		rows = m.defaultRows
	}
	if cols <= 0 {
		cols = m.defaultCols
	}

	id := uuid.New().String()
	recordingPath := filepath.Join(m.recordingDir, id+".ttyrec")

	record := &db.Session{
		ID:            id,
		Command:       command,
		Rows:          rows,
		Cols:          cols,
		RecordingPath: recordingPath,
	}
	if err := m.sessionRepo.Create(ctx, record); err != nil {
		return nil, err
	}

	// Launch on the loop goroutine so the session is registered before
	// any of its hooks can fire; handlers and dispatched functions never
	// run concurrently.
	header := fmt.Sprintf("ttycast session %s: %s\n", id, command)
	opts := recorder.Options{
		Command:       argv,
		RecordingPath: recordingPath,
		IDHeader:      []byte(header),
		Logger:        m.logger.With("session", id),
		Loop:          m.loop,
		Rows:          uint16(rows),
		Cols:          uint16(cols),
		Hooks: recorder.Hooks{
			OutputLine: func(line string) { m.handleLine(id, hub.StreamOutput, line) },
			ErrorLine:  func(line string) { m.handleLine(id, hub.StreamError, line) },
			Activity:   func() { m.handleActivity(id) },
			End:        func() { m.handleEnd(id) },
		},
	}

	type launchResult struct {
		rec *recorder.Recorder
		err error
	}
	resCh := make(chan launchResult, 1)
	if err := m.loop.Dispatch(func() {
		rec, err := recorder.New(opts)
		if err == nil {
			m.mu.Lock()
			m.active[id] = &activeSession{
				id:           id,
				command:      command,
				rec:          rec,
				lastActivity: time.Now(),
			}
			m.mu.Unlock()
		}
		resCh <- launchResult{rec: rec, err: err}
	}); err != nil {
		return nil, err
	}

	res := <-resCh
	if res.err != nil {
		if markErr := m.sessionRepo.MarkEnded(ctx, id, -1, time.Now()); markErr != nil {
			m.logger.Error("failed to mark unlaunched session", "session", id, "error", markErr)
		}
		return nil, fmt.Errorf("session: launch: %w", res.err)
	}

	m.logger.Info("session started", "session", id, "command", command, "pid", res.rec.Pid())
	m.broadcastSessions()
	return record, nil
}

// WriteInput forwards viewer input into a session's terminal. Input for
// an unknown or already-ended session is dropped.
func (m *Manager) WriteInput(id string, data []byte) error {
	m.mu.RLock()
	as, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	errCh := make(chan error, 1)
	if err := m.loop.Dispatch(func() {
		errCh <- as.rec.WriteInput(data)
	}); err != nil {
		return err
	}
	return <-errCh
}

// Signal delivers an OS signal to a session's child process.
func (m *Manager) Signal(id string, sig syscall.Signal) error {
	m.mu.RLock()
	as, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	errCh := make(chan error, 1)
	if err := m.loop.Dispatch(func() {
		errCh <- as.rec.Signal(sig)
	}); err != nil {
		return err
	}
	return <-errCh
}

// Kill asks a session's child to terminate.
func (m *Manager) Kill(id string) error {
	return m.Signal(id, syscall.SIGTERM)
}

func (m *Manager) Get(ctx context.Context, id string) (*db.Session, error) {
	return m.sessionRepo.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter db.SessionFilter) ([]*db.Session, error) {
	return m.sessionRepo.List(ctx, filter)
}

// HubCallbacks adapts the manager to the viewer hub's callback surface.
func (m *Manager) HubCallbacks() hub.Callbacks {
	return hub.Callbacks{
		Input: func(sessionID, data string) {
			if err := m.WriteInput(sessionID, []byte(data)); err != nil {
				m.logger.Error("viewer input failed", "session", sessionID, "error", err)
			}
		},
		Signal: func(sessionID string, signal int) {
			if err := m.Signal(sessionID, syscall.Signal(signal)); err != nil && err != ErrSessionNotFound {
				m.logger.Error("viewer signal failed", "session", sessionID, "signal", signal, "error", err)
			}
		},
		NewSession: func(command string, rows, cols int) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := m.Create(ctx, command, rows, cols); err != nil {
				m.logger.Error("viewer session create failed", "command", command, "error", err)
			}
		},
		KillSession: func(sessionID string) {
			if err := m.Kill(sessionID); err != nil && err != ErrSessionNotFound {
				m.logger.Error("viewer session kill failed", "session", sessionID, "error", err)
			}
		},
	}
}

// ActiveCount reports the number of sessions with a live child.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Shutdown terminates every live child. Recorders finish tearing down
// when the loop observes the exits.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Signal(id, syscall.SIGTERM); err != nil {
			m.logger.Error("shutdown signal failed", "session", id, "error", err)
		}
	}
}

// handleLine runs on the loop goroutine. Viewers get lines with escape
// sequences stripped; the ttyrec file keeps the raw bytes.
func (m *Manager) handleLine(id, stream, line string) {
	if m.hub == nil {
		return
	}
	text := parser.StripANSI(line)
	if text == "" {
		return
	}
	m.hub.BroadcastOutput(hub.OutputMessage{
		Type:      "output",
		SessionID: id,
		Stream:    stream,
		Text:      text,
		Ts:        time.Now().Unix(),
	})
}

// handleActivity runs on the loop goroutine.
func (m *Manager) handleActivity(id string) {
	now := time.Now()

	m.mu.Lock()
	as, ok := m.active[id]
	if !ok || now.Sub(as.lastActivity) < activityFlushInterval {
		m.mu.Unlock()
		return
	}
	as.lastActivity = now
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sessionRepo.TouchActivity(ctx, id, now); err != nil {
		m.logger.Error("failed to record activity", "session", id, "error", err)
	}
}

// handleEnd runs on the loop goroutine, after the recorder has released
// its resources. The recorder caches its exit code by this point.
func (m *Manager) handleEnd(id string) {
	m.mu.Lock()
	as, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	code, exited := as.rec.Poll()
	if !exited {
		// End only fires from the recorder's own teardown.
		panic(fmt.Sprintf("session %s: end notification while still running", id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sessionRepo.MarkEnded(ctx, id, code, time.Now()); err != nil {
		m.logger.Error("failed to mark session ended", "session", id, "error", err)
	}

	m.logger.Info("session ended", "session", id, "exit_code", code)
	if m.hub != nil {
		m.hub.BroadcastStatus(id, db.SessionStatusEnded, &code)
	}
	m.broadcastSessions()
}

func (m *Manager) broadcastSessions() {
	if m.hub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessions, err := m.sessionRepo.List(ctx, db.SessionFilter{})
	if err != nil {
		m.logger.Error("failed to list sessions for broadcast", "error", err)
		return
	}
	infos := make([]hub.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, hub.SessionInfo{
			ID:       s.ID,
			Command:  s.Command,
			Status:   s.Status,
			ExitCode: s.ExitCode,
		})
	}
	m.hub.BroadcastSessions(infos)
}
