// Package api exposes the session pool and the task scheduler over HTTP and
// websocket.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mir333/agentd/internal/scheduler"
	"github.com/mir333/agentd/internal/session"
)

type Server struct {
	Sessions  *session.Registry
	Tasks     *scheduler.TaskStore
	Engine    *scheduler.Engine
	Log       *log.Logger
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionItem)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskItem)
	mux.HandleFunc("/api/cron/validate", s.handleCronValidate)
	mux.HandleFunc("/api/cron/preview", s.handleCronPreview)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC(),
		"started": s.StartedAt,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Sessions.List())
	case http.MethodPost:
		var payload struct {
			Name                 string `json:"name"`
			WorkingDirectory     string `json:"workingDirectory"`
			OwnerID              string `json:"ownerId"`
			InteractiveQuestions *bool  `json:"interactiveQuestions"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		// User-created sessions default to interactive; scheduled runs
		// create theirs directly through the registry.
		interactive := true
		if payload.InteractiveQuestions != nil {
			interactive = *payload.InteractiveQuestions
		}
		snap, err := s.Sessions.Create(session.CreateInput{
			Name:                 payload.Name,
			WorkingDirectory:     payload.WorkingDirectory,
			OwnerID:              payload.OwnerID,
			InteractiveQuestions: interactive,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	sessionID := segments[0]
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			snap, err := s.Sessions.Get(sessionID)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		case http.MethodDelete:
			if err := s.Sessions.Delete(sessionID); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	action := segments[1]
	switch action {
	case "prompt":
		s.handleSessionPrompt(w, r, sessionID)
	case "abort":
		s.handleSessionAbort(w, r, sessionID)
	case "answer":
		s.handleSessionAnswer(w, r, sessionID)
	case "interactive":
		s.handleSessionInteractive(w, r, sessionID)
	case "clear":
		s.handleSessionClear(w, r, sessionID)
	case "events":
		s.handleSessionEvents(w, r, sessionID)
	case "stream":
		s.handleSessionStream(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("session action"))
	}
}

func (s *Server) handleSessionPrompt(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Sessions.StartTurnAsync(sessionID, payload.Prompt); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	snap, err := s.Sessions.Get(sessionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleSessionAbort(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.Sessions.Abort(sessionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionAnswer(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		CallID  string   `json:"callId"`
		Answers []string `json:"answers"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Sessions.Answer(sessionID, payload.CallID, payload.Answers); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionInteractive(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Sessions.SetInteractiveQuestions(sessionID, payload.Enabled); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.Sessions.ClearContext(sessionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	since := int64(parseInt(r.URL.Query().Get("since"), 0))
	events, err := s.Sessions.BufferedSince(sessionID, since)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if events == nil {
		events = []session.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		owner := r.URL.Query().Get("owner")
		writeJSON(w, http.StatusOK, s.Tasks.List(owner))
	case http.MethodPost:
		var input scheduler.TaskInput
		if err := decodeJSON(r.Body, &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		task, err := s.Tasks.Create(input)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}
	taskID := segments[0]
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			task, err := s.Tasks.Get(taskID)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, task)
		case http.MethodPut:
			var input scheduler.TaskInput
			if err := decodeJSON(r.Body, &input); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			task, err := s.Tasks.Update(taskID, input)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, task)
		case http.MethodDelete:
			if err := s.Engine.DeleteTask(taskID); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	action := segments[1]
	switch action {
	case "run":
		s.handleTaskRun(w, r, taskID)
	case "enable":
		s.handleTaskEnable(w, r, taskID)
	case "runs":
		if len(segments) >= 3 {
			s.handleTaskRunDetail(w, r, taskID, segments[2])
			return
		}
		s.handleTaskRuns(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("task action"))
	}
}

func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.Engine.Trigger(taskID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleTaskEnable(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.Tasks.SetEnabled(taskID, payload.Enabled)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskRuns(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	runs, err := s.Engine.RunHistory(taskID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleTaskRunDetail(w http.ResponseWriter, r *http.Request, taskID, runID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	detail, err := s.Engine.RunDetailFor(taskID, runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCronValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Expression string `json:"expression"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := scheduler.ValidateCron(payload.Expression); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Expression string `json:"expression"`
		Count      int    `json:"count"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	count := payload.Count
	if count <= 0 || count > 20 {
		count = 5
	}
	times, err := scheduler.PreviewRuns(payload.Expression, count, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": times})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionBusy), errors.Is(err, scheduler.ErrTaskRunning):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoPendingQuestion), errors.Is(err, session.ErrQuestionMismatch):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
