package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/foxzi/pushline/internal/content"
	"github.com/foxzi/pushline/internal/delivery"
	"github.com/foxzi/pushline/internal/engine"
	"github.com/foxzi/pushline/internal/queue"
)

// StatusResponse is the response for the broadcast status and transitions
type StatusResponse struct {
	OK bool `json:"ok"`
	*engine.StatusReport
}

// PlanResponse is the response for GET /broadcast/plan
type PlanResponse struct {
	OK   bool        `json:"ok"`
	Plan engine.Plan `json:"plan"`
}

// FireResponse is the response for POST /broadcast/fire
type FireResponse struct {
	OK      bool        `json:"ok"`
	Started bool        `json:"started"`
	Plan    engine.Plan `json:"plan"`
}

// TestDirectRequest is the request body for POST /broadcast/test-direct
type TestDirectRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
	Mode string `json:"mode"`
}

// ContactsResponse is the response for GET /contacts
type ContactsResponse struct {
	OK       bool            `json:"ok"`
	Total    int             `json:"total"`
	Contacts []queue.Contact `json:"contacts"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Queue   int    `json:"queue"`
}

// OKResponse is a bare success response
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// handleStatus handles GET /api/v1/broadcast/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Status(r.Context())
	if err != nil {
		writeEngineError(w, s.logger, "get status", err)
		return
	}
	sendJSON(w, http.StatusOK, StatusResponse{OK: true, StatusReport: report})
}

// handlePlan handles GET /api/v1/broadcast/plan
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.engine.Plan(r.Context())
	if err != nil {
		writeEngineError(w, s.logger, "compute plan", err)
		return
	}
	sendJSON(w, http.StatusOK, PlanResponse{OK: true, Plan: plan})
}

// handleWave handles POST /api/v1/broadcast/wave.
// The response is written after the whole batch has been sent.
func (s *Server) handleWave(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeStartRequest(w, r)
	if !ok {
		return
	}

	report, err := s.engine.Wave(r.Context(), req)
	if err != nil {
		writeEngineError(w, s.logger, "send wave", err)
		return
	}
	sendJSON(w, http.StatusOK, StatusResponse{OK: true, StatusReport: report})
}

// handleFire handles POST /api/v1/broadcast/fire
func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeStartRequest(w, r)
	if !ok {
		return
	}

	plan, err := s.engine.Fire(r.Context(), req)
	if err != nil {
		writeEngineError(w, s.logger, "start broadcast", err)
		return
	}
	sendJSON(w, http.StatusOK, FireResponse{OK: true, Started: true, Plan: plan})
}

// handlePause handles POST /api/v1/broadcast/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Pause(r.Context())
	if err != nil {
		writeEngineError(w, s.logger, "pause broadcast", err)
		return
	}
	sendJSON(w, http.StatusOK, StatusResponse{OK: true, StatusReport: report})
}

// handleStop handles POST /api/v1/broadcast/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Stop(r.Context())
	if err != nil {
		writeEngineError(w, s.logger, "stop broadcast", err)
		return
	}
	sendJSON(w, http.StatusOK, StatusResponse{OK: true, StatusReport: report})
}

// handleReset handles POST /api/v1/broadcast/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Reset(r.Context())
	if err != nil {
		writeEngineError(w, s.logger, "reset broadcast", err)
		return
	}
	sendJSON(w, http.StatusOK, StatusResponse{OK: true, StatusReport: report})
}

// handleTestDirect handles POST /api/v1/broadcast/test-direct
func (s *Server) handleTestDirect(w http.ResponseWriter, r *http.Request) {
	var req TestDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.TestDirect(r.Context(), req.To, req.Text, req.Mode); err != nil {
		writeEngineError(w, s.logger, "send test message", err)
		return
	}

	s.logger.Info("test message sent", "phone", req.To)
	sendJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleContacts handles GET /api/v1/contacts
func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	filter := queue.ListFilter{Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	total, err := s.queue.Len(r.Context())
	if err != nil {
		writeEngineError(w, s.logger, "count contacts", err)
		return
	}
	contacts, err := s.queue.List(r.Context(), filter)
	if err != nil {
		writeEngineError(w, s.logger, "list contacts", err)
		return
	}
	if contacts == nil {
		contacts = []queue.Contact{}
	}

	sendJSON(w, http.StatusOK, ContactsResponse{OK: true, Total: total, Contacts: contacts})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, _ := s.queue.Len(r.Context())

	sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).String(),
		Queue:   total,
	})
}

// decodeStartRequest reads an optional start request body
func decodeStartRequest(w http.ResponseWriter, r *http.Request) (engine.StartRequest, bool) {
	var req engine.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

// writeEngineError maps engine and delivery errors to HTTP responses
func writeEngineError(w http.ResponseWriter, logger *slog.Logger, action string, err error) {
	var derr *delivery.Error

	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		sendError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, engine.ErrValidation), errors.Is(err, content.ErrNoContent):
		sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrRunning):
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrClosed):
		sendError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &derr):
		logger.Warn("delivery failed", "action", action, "error", err)
		sendError(w, http.StatusBadGateway, derr.Detail())
	default:
		logger.Error("request failed", "action", action, "error", err)
		sendError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{OK: false, Error: message})
}
