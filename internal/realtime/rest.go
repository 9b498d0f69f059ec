package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/controller"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/orchestrator"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/store"
)

type createSessionRequest struct {
	Prompt  string `json:"prompt"`
	WorkDir string `json:"workDir"`
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type promptResponse struct {
	Result string `json:"result"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var notFound *store.SessionNotFoundError
	var limit *orchestrator.SessionLimitError
	var timeout *controller.PromptTimeoutError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &limit):
		status = http.StatusTooManyRequests
	case errors.As(err, &timeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": errorCode(err)})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if req.Prompt == "" || req.WorkDir == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt and workDir are required"})
		return
	}

	record, err := s.orch.CreateSession(r.Context(), req.Prompt, req.WorkDir)
	if err != nil {
		writeError(w, err)
		return
	}

	s.afterSessionStart(record)

	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.orch.ListSessions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.orch.GetSessionState(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSessionReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := s.orch.Report(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSendPrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}

	result, err := s.orch.SendPrompt(r.Context(), id, req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, promptResponse{Result: result})
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	record, err := s.orch.ResumeSession(r.Context(), id, req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}

	s.afterSessionStart(record)

	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.orch.KillSession(id); err != nil {
		writeError(w, err)
		return
	}

	if s.fileWatch != nil {
		s.fileWatch.Unwatch(id)
	}
	s.broadcastRecord(id)

	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}
