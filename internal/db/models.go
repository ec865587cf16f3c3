package db

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	SessionStatusRunning = "running"
	SessionStatusEnded   = "ended"
)

// Session is one recorded terminal session. ExitCode and EndedAt stay
// nil while the child process is running.
type Session struct {
	ID             string     `json:"id"`
	Command        string     `json:"command"`
	Rows           int        `json:"rows"`
	Cols           int        `json:"cols"`
	Status         string     `json:"status"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	RecordingPath  string     `json:"recording_path,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

type SessionFilter struct {
	Status string
}

func NewID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(time.RFC3339)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
