package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ttycast-test.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, path := openTestDB(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}

	assertTableExists(t, database.SQL(), "_meta")
	assertTableExists(t, database.SQL(), "sessions")
}

func TestOpenIsIdempotent(t *testing.T) {
	_, path := openTestDB(t)

	again, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if err := again.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestSessionRepoCreateAndGet(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewSessionRepo(database.SQL())
	ctx := context.Background()

	session := &Session{
		Command:       "crawl -name tester",
		Rows:          24,
		Cols:          80,
		RecordingPath: "/tmp/rec.ttyrec",
	}
	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}
	if session.Status != SessionStatusRunning {
		t.Fatalf("Status = %q, want %q", session.Status, SessionStatusRunning)
	}

	got, err := repo.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for existing session")
	}
	if got.Command != session.Command || got.Rows != 24 || got.Cols != 80 {
		t.Errorf("Get() = %+v, want command/rows/cols round-tripped", got)
	}
	if got.ExitCode != nil || got.EndedAt != nil {
		t.Errorf("running session has exit_code=%v ended_at=%v, want nil", got.ExitCode, got.EndedAt)
	}
}

func TestSessionRepoGetMissing(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewSessionRepo(database.SQL())

	got, err := repo.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Get() = %+v, want nil", got)
	}
}

func TestSessionRepoMarkEnded(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewSessionRepo(database.SQL())
	ctx := context.Background()

	session := &Session{Command: "true", Rows: 24, Cols: 80}
	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	endedAt := time.Now().UTC()
	if err := repo.MarkEnded(ctx, session.ID, -9, endedAt); err != nil {
		t.Fatalf("MarkEnded() error = %v", err)
	}

	got, err := repo.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != SessionStatusEnded {
		t.Errorf("Status = %q, want %q", got.Status, SessionStatusEnded)
	}
	if got.ExitCode == nil || *got.ExitCode != -9 {
		t.Errorf("ExitCode = %v, want -9", got.ExitCode)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt is nil after MarkEnded")
	}

	// A second MarkEnded must not overwrite the recorded outcome.
	if err := repo.MarkEnded(ctx, session.ID, 0, time.Now()); err == nil {
		t.Error("MarkEnded() succeeded twice for the same session")
	}
	got, err = repo.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ExitCode == nil || *got.ExitCode != -9 {
		t.Errorf("ExitCode after second MarkEnded = %v, want -9", got.ExitCode)
	}
}

func TestSessionRepoListFilter(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewSessionRepo(database.SQL())
	ctx := context.Background()

	first := &Session{Command: "cat", Rows: 24, Cols: 80}
	second := &Session{Command: "top", Rows: 40, Cols: 120}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.MarkEnded(ctx, first.ID, 0, time.Now()); err != nil {
		t.Fatalf("MarkEnded() error = %v", err)
	}

	running, err := repo.List(ctx, SessionFilter{Status: SessionStatusRunning})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(running) != 1 || running[0].ID != second.ID {
		t.Errorf("List(running) = %d sessions, want just %q", len(running), second.ID)
	}

	all, err := repo.List(ctx, SessionFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List() = %d sessions, want 2", len(all))
	}
}

func TestSessionRepoTouchActivity(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewSessionRepo(database.SQL())
	ctx := context.Background()

	session := &Session{Command: "cat", Rows: 24, Cols: 80}
	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	later := session.LastActivityAt.Add(5 * time.Second)
	if err := repo.TouchActivity(ctx, session.ID, later); err != nil {
		t.Fatalf("TouchActivity() error = %v", err)
	}

	got, err := repo.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.LastActivityAt.After(session.CreatedAt) {
		t.Errorf("LastActivityAt = %v, want after %v", got.LastActivityAt, session.CreatedAt)
	}
}
