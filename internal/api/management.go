package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/pushline/internal/history"
	"github.com/foxzi/pushline/internal/ratelimit"
)

// defaultTailLimit is the number of history rows returned without ?limit
const defaultTailLimit = 500

// ManagementServer handles history, media, reply and quota endpoints
type ManagementServer struct {
	history   HistoryReader
	sentCache SentCacheReader
	media     MediaStore
	replier   Replier
	quota     QuotaStats
	logger    *slog.Logger
}

// RegisterRoutes registers management routes
func (m *ManagementServer) RegisterRoutes(r chi.Router) {
	r.Get("/broadcast/last", m.handleLast)
	r.Get("/broadcast/last-wave", m.handleLastWave)
	r.Get("/broadcast/sent-cache", m.handleSentCache)

	r.Get("/broadcast/media", m.handleMediaGet)
	r.Post("/broadcast/media/clear", m.handleMediaClear)

	r.Post("/reply", m.handleReply)

	r.Get("/quota/stats", m.handleQuotaStats)
}

// HistoryResponse is the response for GET /broadcast/last
type HistoryResponse struct {
	OK    bool          `json:"ok"`
	Count int           `json:"count"`
	Data  []history.Row `json:"data"`
}

// LastWaveResponse is the response for GET /broadcast/last-wave
type LastWaveResponse struct {
	OK      bool          `json:"ok"`
	Total   int           `json:"total"`
	Phones  []string      `json:"phones"`
	Records []history.Row `json:"records"`
}

// SentCacheResponse is the response for GET /broadcast/sent-cache
type SentCacheResponse struct {
	OK     bool     `json:"ok"`
	Total  int      `json:"total"`
	Phones []string `json:"phones"`
}

// MediaFile describes one configured media file
type MediaFile struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// MediaResponse is the response for GET /broadcast/media
type MediaResponse struct {
	OK     bool        `json:"ok"`
	Image  *MediaFile  `json:"image"`
	Images []MediaFile `json:"images"`
	Video  *MediaFile  `json:"video"`
}

// ReplyRequest is the request body for POST /reply
type ReplyRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// QuotaStatsResponse is the response for GET /quota/stats
type QuotaStatsResponse struct {
	OK      bool             `json:"ok"`
	Enabled bool             `json:"enabled"`
	Stats   *ratelimit.Stats `json:"stats,omitempty"`
}

// handleLast handles GET /api/v1/broadcast/last
func (m *ManagementServer) handleLast(w http.ResponseWriter, r *http.Request) {
	limit := defaultTailLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, history.MaxTail)
		}
	}

	rows := m.tail(limit)
	sendJSON(w, http.StatusOK, HistoryResponse{OK: true, Count: len(rows), Data: rows})
}

// handleLastWave handles GET /api/v1/broadcast/last-wave
func (m *ManagementServer) handleLastWave(w http.ResponseWriter, r *http.Request) {
	wave := history.LastWave(m.tail(history.MaxTail))
	if wave == nil {
		wave = []history.Row{}
	}
	phones := history.UniquePhones(wave)
	if phones == nil {
		phones = []string{}
	}

	sendJSON(w, http.StatusOK, LastWaveResponse{
		OK:      true,
		Total:   len(wave),
		Phones:  phones,
		Records: wave,
	})
}

// handleSentCache handles GET /api/v1/broadcast/sent-cache
func (m *ManagementServer) handleSentCache(w http.ResponseWriter, r *http.Request) {
	phones, err := m.sentCache.Phones()
	if err != nil {
		if !errors.Is(err, history.ErrNoCache) {
			m.logger.Warn("failed to read sent cache", "error", err)
		}
		sendJSON(w, http.StatusOK, ErrorResponse{OK: false, Error: history.ErrNoCache.Error()})
		return
	}
	if phones == nil {
		phones = []string{}
	}

	sendJSON(w, http.StatusOK, SentCacheResponse{OK: true, Total: len(phones), Phones: phones})
}

// handleMediaGet handles GET /api/v1/broadcast/media
func (m *ManagementServer) handleMediaGet(w http.ResponseWriter, r *http.Request) {
	cfg := m.media.Config()

	resp := MediaResponse{OK: true, Images: []MediaFile{}}
	for _, p := range cfg.ImagePaths {
		resp.Images = append(resp.Images, mediaFile(p))
	}
	if len(resp.Images) > 0 {
		last := resp.Images[len(resp.Images)-1]
		resp.Image = &last
	} else if cfg.ImagePath != "" {
		f := mediaFile(cfg.ImagePath)
		resp.Image = &f
	}
	if cfg.VideoPath != "" {
		f := mediaFile(cfg.VideoPath)
		resp.Video = &f
	}

	sendJSON(w, http.StatusOK, resp)
}

// handleMediaClear handles POST /api/v1/broadcast/media/clear
func (m *ManagementServer) handleMediaClear(w http.ResponseWriter, r *http.Request) {
	if err := m.media.Clear(); err != nil {
		m.logger.Error("failed to clear media config", "error", err)
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleReply handles POST /api/v1/reply
func (m *ManagementServer) handleReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" || req.Text == "" {
		sendError(w, http.StatusBadRequest, "to and text required")
		return
	}

	if err := m.replier.SendReply(r.Context(), req.To, req.Text); err != nil {
		writeEngineError(w, m.logger, "relay reply", err)
		return
	}

	m.logger.Info("reply relayed", "phone", req.To)
	sendJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleQuotaStats handles GET /api/v1/quota/stats
func (m *ManagementServer) handleQuotaStats(w http.ResponseWriter, r *http.Request) {
	if m.quota == nil {
		sendJSON(w, http.StatusOK, QuotaStatsResponse{OK: true, Enabled: false})
		return
	}

	level := ratelimit.Level(r.URL.Query().Get("level"))
	key := r.URL.Query().Get("key")
	switch level {
	case "", ratelimit.LevelGlobal:
		level, key = ratelimit.LevelGlobal, "global"
	case ratelimit.LevelPrefix, ratelimit.LevelRecipient:
		if key == "" {
			sendError(w, http.StatusBadRequest, "key is required")
			return
		}
	default:
		sendError(w, http.StatusBadRequest, "invalid level")
		return
	}

	stats, err := m.quota.GetStats(r.Context(), level, key)
	if err != nil {
		writeEngineError(w, m.logger, "get quota stats", err)
		return
	}

	sendJSON(w, http.StatusOK, QuotaStatsResponse{OK: true, Enabled: true, Stats: stats})
}

// tail reads the ledger; an unreadable ledger yields no rows
func (m *ManagementServer) tail(limit int) []history.Row {
	rows, err := m.history.Tail(limit)
	if err != nil {
		m.logger.Warn("failed to read history", "error", err)
	}
	if rows == nil {
		rows = []history.Row{}
	}
	return rows
}

func mediaFile(path string) MediaFile {
	return MediaFile{Filename: filepath.Base(path), Path: path}
}
