package hub

// Stream identifies which child stream a decoded line came from.
const (
	StreamOutput = "out"
	StreamError  = "err"
)

// OutputMessage carries one or more decoded lines from a session to
// viewers. Batched lines are joined with newlines.
type OutputMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Stream    string `json:"stream"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// StatusMessage announces a session lifecycle change. ExitCode is set
// only when Status is "ended".
type StatusMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// SessionInfo is the viewer-facing snapshot of one session.
type SessionInfo struct {
	ID       string `json:"id"`
	Command  string `json:"command"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// SessionsMessage is the full session list, sent on connect and after
// any session is created or ends.
type SessionsMessage struct {
	Type string        `json:"type"`
	List []SessionInfo `json:"list"`
}

// ClientMessage is every message a viewer may send.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	// Data carries raw input bytes for "input".
	Data string `json:"data,omitempty"`
	// Signal is the OS signal number for "signal".
	Signal int `json:"signal,omitempty"`
	// Command, Rows and Cols describe a "new_session" request.
	Command string `json:"command,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	Cols    int    `json:"cols,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type hubBroadcast struct {
	data      []byte
	sessionID string
}
