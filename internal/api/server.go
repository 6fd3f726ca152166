// Package api exposes Warden's authorization and review endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clawinfra/warden/internal/sandbox"
	"github.com/clawinfra/warden/internal/security"
)

// Server is the HTTP API server
type Server struct {
	port       int
	engine     *sandbox.Engine
	jwtSecret  []byte
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new API server. A nil jwtSecret disables
// authentication (dev mode).
func NewServer(port int, engine *sandbox.Engine, jwtSecret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:      port,
		engine:    engine,
		jwtSecret: jwtSecret,
		logger:    logger.With("component", "api"),
	}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/validate", s.handleValidate)
	mux.HandleFunc("/api/escalations", s.handleEscalations)
	mux.HandleFunc("/api/escalations/", s.handleEscalationDetail)
	mux.HandleFunc("/api/sandboxes/", s.handleSandboxDetail)

	auth := security.AuthMiddleware(s.jwtSecret)
	return s.corsMiddleware(s.loggingMiddleware(auth(mux)))
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authorize enforces role permissions when a token is present. Dev mode
// requests carry no claims and pass through.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	claims, err := security.GetClaims(r)
	if err != nil {
		return true
	}
	if !claims.Permits(r.Method, r.URL.Path) {
		writeError(w, http.StatusForbidden, security.ErrInsufficientRole.Error())
		return false
	}
	return true
}

// handleStatus returns service status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.engine.Escalations().Statistics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":     "0.1.0",
		"uptime":      time.Since(s.startedAt).String(),
		"escalations": stats,
	})
}

// handleValidate authorizes a single agent request.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(w, r) {
		return
	}

	var req sandbox.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.AgentID == "" || req.Operation == "" {
		writeError(w, http.StatusBadRequest, "agent_id and operation are required")
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	decision, err := s.engine.ValidateRequest(&req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleEscalations lists the review queue.
func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(w, r) {
		return
	}

	var (
		escalations []*sandbox.EscalationRequest
		err         error
	)
	switch {
	case r.URL.Query().Get("agent") != "":
		escalations, err = s.engine.Escalations().ListAgent(r.URL.Query().Get("agent"))
	case r.URL.Query().Get("status") != "":
		escalations, err = s.engine.Escalations().ListByStatus(sandbox.EscalationStatus(r.URL.Query().Get("status")))
	default:
		escalations, err = s.engine.Escalations().ListPending()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escalations": escalations,
		"count":       len(escalations),
	})
}

// reviewBody is the request body for approve/deny actions.
type reviewBody struct {
	Reviewer                sandbox.ReviewerInfo `json:"reviewer"`
	Reason                  string               `json:"reason"`
	Conditions              []string             `json:"conditions,omitempty"`
	ApprovalDurationSeconds *uint64              `json:"approval_duration_seconds,omitempty"`
}

// handleEscalationDetail routes /api/escalations/{id}[/{action}].
func (s *Server) handleEscalationDetail(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/escalations/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "escalation id required")
		return
	}

	if id == "stats" {
		s.handleEscalationStats(w, r)
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getEscalation(w, id)
	case action == "approve" && r.Method == http.MethodPost:
		s.reviewEscalation(w, r, id, sandbox.StatusApproved)
	case action == "deny" && r.Method == http.MethodPost:
		s.reviewEscalation(w, r, id, sandbox.StatusDenied)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelEscalation(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown escalation endpoint")
	}
}

func (s *Server) handleEscalationStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.engine.Escalations().Statistics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getEscalation(w http.ResponseWriter, id string) {
	esc, err := s.engine.Escalations().Get(id)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) reviewEscalation(w http.ResponseWriter, r *http.Request, id string, status sandbox.EscalationStatus) {
	var body reviewBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if body.Reviewer.ReviewerID == "" {
		// Fall back to the authenticated identity so reviewers don't have
		// to restate who they are in every request.
		if claims, err := security.GetClaims(r); err == nil {
			body.Reviewer.ReviewerID = claims.Subject
			body.Reviewer.Department = claims.Department
		}
	}
	if body.Reviewer.ReviewerID == "" {
		writeError(w, http.StatusBadRequest, "reviewer id required")
		return
	}

	esc, err := s.engine.Escalations().Review(id, body.Reviewer, sandbox.ReviewDecision{
		Status:                  status,
		Reason:                  body.Reason,
		Conditions:              body.Conditions,
		ApprovalDurationSeconds: body.ApprovalDurationSeconds,
	})
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, sandbox.ErrInvalidConfig), errors.Is(err, sandbox.ErrEscalationRequired):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) cancelEscalation(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := s.engine.Escalations().Cancel(id, body.Reason); err != nil {
		switch {
		case errors.Is(err, sandbox.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, sandbox.ErrInvalidConfig):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleSandboxDetail routes /api/sandboxes/{agentID}[/{action}].
func (s *Server) handleSandboxDetail(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/sandboxes/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	agentID := parts[0]
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent id required")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getSandboxStats(w, agentID)
	case action == "level" && r.Method == http.MethodPut:
		s.updateSandboxLevel(w, r, agentID)
	case action == "violations" && r.Method == http.MethodPost:
		s.recordSandboxViolation(w, r, agentID)
	default:
		writeError(w, http.StatusNotFound, "unknown sandbox endpoint")
	}
}

func (s *Server) getSandboxStats(w http.ResponseWriter, agentID string) {
	stats, err := s.engine.Stats(agentID)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) updateSandboxLevel(w http.ResponseWriter, r *http.Request, agentID string) {
	var body struct {
		Level     string `json:"level"`
		UpdatedBy string `json:"updated_by"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	level, err := sandbox.ParseLevel(body.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.UpdatedBy == "" {
		body.UpdatedBy = "api"
	}

	profile, err := s.engine.UpdateLevel(agentID, level, body.UpdatedBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":      profile.AgentID,
		"sandbox_level": profile.Level,
		"last_modified": profile.LastModified,
	})
}

func (s *Server) recordSandboxViolation(w http.ResponseWriter, r *http.Request, agentID string) {
	var body struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, "violation type required")
		return
	}

	if err := s.engine.RecordViolation(agentID, body.Type, body.Description); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
