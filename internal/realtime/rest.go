package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"stoat-panel/internal/config"
	"stoat-panel/internal/session"
)

type startProcessRequest struct {
	Target string `json:"target"`
}

type sendInputRequest struct {
	Text string `json:"text"`
}

// outputResponse mirrors the original panel's polling payload.
type outputResponse struct {
	Ok bool `json:"ok"`
	session.Snapshot
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": err.Error()})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"config": s.store.Current(),
	})
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req config.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	result, err := s.store.Apply(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"result": result,
	})
}

func (s *Server) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	var req startProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	command, err := s.store.ResolveTarget(req.Target)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	if err := s.session.Start(command, s.store.Root()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"message": fmt.Sprintf("Started %s.", req.Target),
	})
}

func (s *Server) handleProcessInput(w http.ResponseWriter, r *http.Request) {
	var req sendInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := s.session.SendInput(req.Text); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNoProcess) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleProcessStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.session.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"stopped": stopped,
	})
}

func (s *Server) handleProcessOutput(w http.ResponseWriter, r *http.Request) {
	cursor := 0
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			cursor = n
		}
	}

	writeJSON(w, http.StatusOK, outputResponse{
		Ok:       true,
		Snapshot: s.session.OutputSince(cursor),
	})
}
