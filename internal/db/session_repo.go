package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, session *Session) error {
	if session.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		session.ID = id
	}
	if session.Status == "" {
		session.Status = SessionStatusRunning
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = nowUTC()
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id, command, term_rows, term_cols, status, exit_code, recording_path, created_at, last_activity_at, ended_at)
VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, NULL)
`, session.ID, session.Command, session.Rows, session.Cols, session.Status, session.RecordingPath,
		formatTimestamp(session.CreatedAt), formatTimestamp(session.LastActivityAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, command, term_rows, term_cols, status, exit_code, recording_path, created_at, last_activity_at, ended_at
FROM sessions
WHERE id = ?
`, id)

	session, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}
	return session, nil
}

func (r *SessionRepo) List(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT id, command, term_rows, term_cols, status, exit_code, recording_path, created_at, last_activity_at, ended_at FROM sessions`
	args := []any{}
	where := []string{}

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// MarkEnded records the session's exit code and end time and flips its
// status. Marking an already-ended session again is an error.
func (r *SessionRepo) MarkEnded(ctx context.Context, id string, exitCode int, endedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET status = ?, exit_code = ?, ended_at = ?
WHERE id = ? AND status = ?
`, SessionStatusEnded, exitCode, formatTimestamp(endedAt), id, SessionStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to mark session %q ended: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session %q update: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("session %q is not running", id)
	}
	return nil
}

func (r *SessionRepo) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE sessions SET last_activity_at = ? WHERE id = ?
`, formatTimestamp(at), id)
	if err != nil {
		return fmt.Errorf("failed to touch session %q: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var exitCode sql.NullInt64
	var recordingPath sql.NullString
	var createdAtRaw, lastActivityAtRaw string
	var endedAtRaw sql.NullString

	err := row.Scan(&s.ID, &s.Command, &s.Rows, &s.Cols, &s.Status, &exitCode, &recordingPath, &createdAtRaw, &lastActivityAtRaw, &endedAtRaw)
	if err != nil {
		return nil, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		s.ExitCode = &code
	}
	s.RecordingPath = recordingPath.String

	if s.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if s.LastActivityAt, err = parseTimestamp(lastActivityAtRaw); err != nil {
		return nil, err
	}
	if endedAtRaw.Valid {
		endedAt, err := parseTimestamp(endedAtRaw.String)
		if err != nil {
			return nil, err
		}
		s.EndedAt = &endedAt
	}
	return &s, nil
}
