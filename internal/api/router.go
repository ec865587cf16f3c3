// Package api exposes the session manager over HTTP: session CRUD,
// terminal input and signals, and ttyrec recording downloads.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"syscall"

	"github.com/user/ttycast/internal/db"
)

// sessionManager is the slice of the session manager the handlers use.
type sessionManager interface {
	Create(ctx context.Context, command string, rows, cols int) (*db.Session, error)
	Get(ctx context.Context, id string) (*db.Session, error)
	List(ctx context.Context, filter db.SessionFilter) ([]*db.Session, error)
	WriteInput(id string, data []byte) error
	Signal(id string, sig syscall.Signal) error
	Kill(id string) error
}

type handler struct {
	manager sessionManager
}

func NewRouter(manager sessionManager, token string) http.Handler {
	handler := &handler{manager: manager}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", handler.createSession)
	mux.HandleFunc("GET /api/sessions", handler.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", handler.getSession)
	mux.HandleFunc("POST /api/sessions/{id}/input", handler.sendInput)
	mux.HandleFunc("POST /api/sessions/{id}/signal", handler.sendSignal)
	mux.HandleFunc("DELETE /api/sessions/{id}", handler.deleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/recording", handler.getRecording)

	wrapped := authMiddleware(token)(jsonMiddleware(corsMiddleware(mux)))
	return wrapped
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
