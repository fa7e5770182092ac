package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/codepair/internal/language"
	"github.com/michaelbrown/codepair/internal/realtime"
	"github.com/michaelbrown/codepair/internal/sandbox"
	"github.com/michaelbrown/codepair/internal/session"
)

const (
	maxHostNameLength    = 50
	maxSessionNameLength = 100
	maxStdinLength       = 10000
	minTimeLimitMs       = 100
	maxTimeLimitMs       = 30000
	defaultListLimit     = 20
	maxListLimit         = 100
	recentExecutions     = 10
	snapshotStdoutLength = 500
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeFieldError(w http.ResponseWriter, field, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: field + " " + msg, Field: field})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeSessionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", id))
	case errors.Is(err, session.ErrFull):
		writeError(w, http.StatusConflict, "Session is full")
	default:
		s.logger.Error("session operation failed", "session", id, "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// --- Health ---

type healthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Version     string            `json:"version"`
	Services    map[string]string `json:"services"`
	Sessions    int               `json:"sessions"`
	Connections int               `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	executor := "disabled"
	if s.cfg.ExecutionEnabled() {
		executor = s.cfg.Execution.Mode
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
		Services: map[string]string{
			"api":       "healthy",
			"websocket": "healthy",
			"executor":  executor,
		},
		Sessions:    s.store.Count(),
		Connections: s.registry.Total(),
	})
}

// --- Session handlers ---

type createSessionRequest struct {
	HostName        string `json:"host_name"`
	SessionName     string `json:"session_name"`
	Language        string `json:"language"`
	MaxParticipants int    `json:"max_participants"`
}

type createSessionResponse struct {
	SessionID        string         `json:"session_id"`
	JoinURL          string         `json:"join_url"`
	CreatedAt        time.Time      `json:"created_at"`
	HostName         string         `json:"host_name"`
	SessionName      string         `json:"session_name,omitempty"`
	Language         string         `json:"language"`
	Status           session.Status `json:"status"`
	ParticipantCount int            `json:"participant_count"`
	MaxParticipants  int            `json:"max_participants"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	req.HostName = strings.TrimSpace(req.HostName)
	req.SessionName = strings.TrimSpace(req.SessionName)
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))
	if req.Language == "" {
		req.Language = session.DefaultLanguage
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = s.cfg.Session.DefaultMaxParticipants
	}

	switch {
	case utf8.RuneCountInString(req.HostName) > maxHostNameLength:
		writeFieldError(w, "host_name", fmt.Sprintf("exceeds %d characters", maxHostNameLength))
		return
	case utf8.RuneCountInString(req.SessionName) > maxSessionNameLength:
		writeFieldError(w, "session_name", fmt.Sprintf("exceeds %d characters", maxSessionNameLength))
		return
	case req.MaxParticipants < 2 || req.MaxParticipants > s.cfg.Session.MaxParticipantsLimit:
		writeFieldError(w, "max_participants", fmt.Sprintf("must be between 2 and %d", s.cfg.Session.MaxParticipantsLimit))
		return
	}
	if _, ok := s.catalog.Get(req.Language); !ok {
		writeFieldError(w, "language", fmt.Sprintf("unsupported language %q", req.Language))
		return
	}

	sess, err := s.store.Create(session.CreateParams{
		HostName:        req.HostName,
		Name:            req.SessionName,
		Language:        req.Language,
		MaxParticipants: req.MaxParticipants,
	})
	if err != nil {
		s.writeSessionError(w, "", err)
		return
	}
	s.logger.Info("session created", "session", sess.ID, "host", sess.HostName, "language", sess.Language)

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:        sess.ID,
		JoinURL:          strings.TrimRight(s.cfg.Server.FrontendURL, "/") + "/session/" + sess.ID,
		CreatedAt:        sess.CreatedAt,
		HostName:         sess.HostName,
		SessionName:      sess.Name,
		Language:         sess.Language,
		Status:           sess.Status,
		ParticipantCount: sess.ParticipantCount(),
		MaxParticipants:  sess.MaxParticipants,
	})
}

type sessionSummary struct {
	SessionID        string         `json:"session_id"`
	SessionName      string         `json:"session_name,omitempty"`
	HostName         string         `json:"host_name"`
	Status           session.Status `json:"status"`
	Language         string         `json:"language"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ParticipantCount int            `json:"participant_count"`
	MaxParticipants  int            `json:"max_participants"`
	IsFull           bool           `json:"is_full"`
}

func summarize(sess *session.Session) sessionSummary {
	return sessionSummary{
		SessionID:        sess.ID,
		SessionName:      sess.Name,
		HostName:         sess.HostName,
		Status:           sess.Status,
		Language:         sess.Language,
		CreatedAt:        sess.CreatedAt,
		UpdatedAt:        sess.UpdatedAt,
		ParticipantCount: sess.ParticipantCount(),
		MaxParticipants:  sess.MaxParticipants,
		IsFull:           sess.IsFull(),
	}
}

// handleListSessions lists active sessions unless ?status= names another
// status or "all".
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		raw = string(session.StatusActive)
	}
	status, ok := session.ParseStatus(raw)
	if !ok {
		writeFieldError(w, "status", "must be one of active, completed, archived, all")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			writeFieldError(w, "limit", fmt.Sprintf("must be between 1 and %d", maxListLimit))
			return
		}
		limit = n
	}

	sessions := s.store.List(status, limit)
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summarize(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"total":    s.store.Count(),
	})
}

type sessionDetail struct {
	sessionSummary
	Code         string                     `json:"code"`
	Participants []realtime.ParticipantInfo `json:"participants"`
	Executions   []session.ExecutionResult  `json:"executions"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.Get(id)
	if err != nil {
		s.writeSessionError(w, id, err)
		return
	}

	detail := sessionDetail{
		sessionSummary: summarize(sess),
		Code:           sess.Code,
		Participants:   []realtime.ParticipantInfo{},
		Executions:     sess.RecentExecutions(recentExecutions),
	}
	for _, p := range sess.ConnectedParticipants() {
		detail.Participants = append(detail.Participants, realtime.ParticipantInfo{
			ClientID:    p.ClientID,
			DisplayName: p.DisplayName,
			Role:        p.Role,
		})
	}
	for i := range detail.Executions {
		detail.Executions[i].Stdout = sandbox.Truncate(detail.Executions[i].Stdout, snapshotStdoutLength)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.End(r.Context(), id); err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	s.logger.Info("session ended", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Execution ---

type executeRequest struct {
	Code        string `json:"code"`
	Language    string `json:"language"`
	Stdin       string `json:"stdin"`
	TimeLimitMs int    `json:"time_limit"`
	ClientID    string `json:"client_id"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))

	switch {
	case strings.TrimSpace(req.Code) == "":
		writeFieldError(w, "code", "cannot be empty")
		return
	case utf8.RuneCountInString(req.Code) > s.cfg.Session.MaxCodeSize:
		writeFieldError(w, "code", fmt.Sprintf("exceeds %d characters", s.cfg.Session.MaxCodeSize))
		return
	case utf8.RuneCountInString(req.Stdin) > maxStdinLength:
		writeFieldError(w, "stdin", fmt.Sprintf("exceeds %d characters", maxStdinLength))
		return
	case req.TimeLimitMs != 0 && (req.TimeLimitMs < minTimeLimitMs || req.TimeLimitMs > maxTimeLimitMs):
		writeFieldError(w, "time_limit", fmt.Sprintf("must be between %d and %d", minTimeLimitMs, maxTimeLimitMs))
		return
	}
	if _, ok := s.catalog.Get(req.Language); !ok {
		writeFieldError(w, "language", fmt.Sprintf("unsupported language %q", req.Language))
		return
	}

	sess, err := s.store.Get(id)
	if err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	if sess.Status != session.StatusActive {
		writeError(w, http.StatusConflict, fmt.Sprintf("Session %s is %s", id, sess.Status))
		return
	}

	executedBy := req.ClientID
	if executedBy == "" {
		executedBy = "api-" + uuid.NewString()
	}

	result, err := s.engine.Execute(r.Context(), id, executedBy, sandbox.Request{
		Code:      req.Code,
		Language:  req.Language,
		Stdin:     req.Stdin,
		TimeLimit: time.Duration(req.TimeLimitMs) * time.Millisecond,
	})
	switch {
	case errors.Is(err, realtime.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("Rate limit exceeded: %d executions per minute", s.engine.RateLimit()))
		return
	case err != nil:
		s.writeSessionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Languages ---

func (s *Server) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	languages := s.catalog.List()
	if languages == nil {
		languages = []language.Language{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"languages":         languages,
		"execution_enabled": s.cfg.ExecutionEnabled(),
	})
}

func (s *Server) handleLanguageTemplate(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(chi.URLParam(r, "id"))
	tmpl, ok := s.catalog.Template(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Language %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"language": id,
		"template": tmpl,
	})
}
