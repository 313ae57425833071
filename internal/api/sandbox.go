package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/pushline/internal/sandbox"
)

// SandboxServer handles sandbox API endpoints
type SandboxServer struct {
	storage *sandbox.Storage
	logger  *slog.Logger
}

// NewSandboxServer creates a new sandbox server
func NewSandboxServer(storage *sandbox.Storage, logger *slog.Logger) *SandboxServer {
	return &SandboxServer{
		storage: storage,
		logger:  logger,
	}
}

// RegisterRoutes registers sandbox API routes
func (s *SandboxServer) RegisterRoutes(r chi.Router) {
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/messages", s.handleList)
		r.Delete("/messages", s.handleClear)
		r.Get("/stats", s.handleStats)
	})
}

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	OK       bool               `json:"ok"`
	Messages []*sandbox.Message `json:"messages"`
	Total    int                `json:"total"`
}

// SandboxClearResponse is the response for DELETE /api/v1/sandbox/messages
type SandboxClearResponse struct {
	OK      bool `json:"ok"`
	Cleared int  `json:"cleared"`
}

// SandboxStatsResponse is the response for GET /api/v1/sandbox/stats
type SandboxStatsResponse struct {
	OK    bool `json:"ok"`
	Total int  `json:"total"`
}

// handleList handles GET /api/v1/sandbox/messages
func (s *SandboxServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter := sandbox.ListFilter{
		To:    r.URL.Query().Get("to"),
		Limit: 100, // Default limit
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = min(l, 1000)
		}
	}

	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = min(o, 1000000)
		}
	}

	messages, err := s.storage.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list sandbox messages", "error", err)
		sendError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*sandbox.Message{}
	}

	sendJSON(w, http.StatusOK, SandboxListResponse{OK: true, Messages: messages, Total: len(messages)})
}

// handleClear handles DELETE /api/v1/sandbox/messages
func (s *SandboxServer) handleClear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			sendError(w, http.StatusBadRequest, "invalid older_than format (use Go duration: 24h)")
			return
		}
		olderThan = d
	}

	count, err := s.storage.Clear(r.Context(), olderThan)
	if err != nil {
		s.logger.Error("failed to clear sandbox messages", "error", err)
		sendError(w, http.StatusInternalServerError, "failed to clear messages")
		return
	}

	sendJSON(w, http.StatusOK, SandboxClearResponse{OK: true, Cleared: count})
}

// handleStats handles GET /api/v1/sandbox/stats
func (s *SandboxServer) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.storage.Count(r.Context())
	if err != nil {
		s.logger.Error("failed to count sandbox messages", "error", err)
		sendError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	sendJSON(w, http.StatusOK, SandboxStatsResponse{OK: true, Total: total})
}
