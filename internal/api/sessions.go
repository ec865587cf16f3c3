package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"syscall"

	"github.com/user/ttycast/internal/db"
	"github.com/user/ttycast/internal/session"
)

type createSessionRequest struct {
	Command string `json:"command"`
	Rows    int    `json:"rows"`
	Cols    int    `json:"cols"`
}

type sendInputRequest struct {
	Data string `json:"data"`
}

type sendSignalRequest struct {
	Signal int `json:"signal"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		jsonError(w, http.StatusBadRequest, "command is required")
		return
	}

	sess, err := h.manager.Create(r.Context(), req.Command, req.Rows, req.Cols)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResponse(w, http.StatusCreated, sess)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := db.SessionFilter{Status: r.URL.Query().Get("status")}
	sessions, err := h.manager.List(r.Context(), filter)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*db.Session{}
	}
	jsonResponse(w, http.StatusOK, sessions)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return
	}
	jsonResponse(w, http.StatusOK, sess)
}

func (h *handler) sendInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendInputRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Data == "" {
		jsonError(w, http.StatusBadRequest, "data is required")
		return
	}

	sess, err := h.manager.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return
	}

	// Input to a session that already ended is silently dropped.
	if err := h.manager.WriteInput(id, []byte(req.Data)); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) sendSignal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendSignalRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Signal <= 0 {
		jsonError(w, http.StatusBadRequest, "signal must be a positive signal number")
		return
	}

	if err := h.manager.Signal(id, syscall.Signal(req.Signal)); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			jsonError(w, http.StatusNotFound, "session not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.manager.Kill(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// Ended sessions are not live, but they still exist.
			sess, getErr := h.manager.Get(r.Context(), id)
			if getErr != nil {
				jsonError(w, http.StatusInternalServerError, getErr.Error())
				return
			}
			if sess == nil {
				jsonError(w, http.StatusNotFound, "session not found")
				return
			}
			jsonResponse(w, http.StatusNoContent, nil)
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) getRecording(w http.ResponseWriter, r *http.Request) {
	sess, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return
	}

	f, err := os.Open(sess.RecordingPath)
	if err != nil {
		jsonError(w, http.StatusNotFound, "recording not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+sess.ID+`.ttyrec"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}
