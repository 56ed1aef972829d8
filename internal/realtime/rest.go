package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"idlecode/internal/registry"
	"idlecode/internal/supervisor"
)

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
	FilePath  string `json:"filePath"`
	Name      string `json:"name"`
	Force     bool   `json:"force"`
}

type sendInputRequest struct {
	Text            string `json:"text"`
	IsInputResponse bool   `json:"isInputResponse"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps registry errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrNoProcess):
		return http.StatusConflict
	case errors.Is(err, registry.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	res, err := s.sessions.Create(r.Context(), registry.CreateRequest{
		SessionID: req.SessionID,
		FilePath:  req.FilePath,
		Name:      req.Name,
		Force:     req.Force,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	status := http.StatusOK
	switch res.Status {
	case registry.StatusStarted:
		status = http.StatusCreated
	case registry.StatusFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sessions.List(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.sessions.Input(r.Context(), id, req.Text, req.IsInputResponse, ""); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Kill(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminating"})
}

func (s *Server) handleInterruptSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Interrupt(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "interrupted"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
