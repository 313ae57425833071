package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/pushline/internal/campaign"
	"github.com/foxzi/pushline/internal/engine"
	"github.com/foxzi/pushline/internal/queue"
)

// TemplateServer handles campaign content uploads: contacts, legacy
// templates and the script
type TemplateServer struct {
	engine    Broadcaster
	campaign  DefinitionReader
	maxUpload int64
	logger    *slog.Logger
}

// NewTemplateServer creates a new template server
func NewTemplateServer(b Broadcaster, def DefinitionReader, maxUpload int64, logger *slog.Logger) *TemplateServer {
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &TemplateServer{
		engine:    b,
		campaign:  def,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// RegisterRoutes registers content routes
func (s *TemplateServer) RegisterRoutes(r chi.Router) {
	r.Post("/contacts/upload", s.handleContactsUpload)

	r.Get("/templates", s.handleTemplatesList)
	r.Post("/templates/upload", s.handleTemplatesUpload)

	r.Get("/broadcast/script", s.handleScriptGet)
	r.Post("/broadcast/script", s.handleScriptSave)
}

// ContactsUploadResponse is the response for POST /contacts/upload
type ContactsUploadResponse struct {
	OK            bool        `json:"ok"`
	Rows          int         `json:"rows"`
	Skipped       int         `json:"skipped"`
	Duplicates    int         `json:"duplicates"`
	TotalContacts int         `json:"totalContacts"`
	Plan          engine.Plan `json:"plan"`
}

// TemplatesUploadResponse is the response for POST /templates/upload
type TemplatesUploadResponse struct {
	OK             bool        `json:"ok"`
	Templates      int         `json:"templates"`
	TotalTemplates int         `json:"totalTemplates"`
	Plan           engine.Plan `json:"plan"`
}

// TemplatesResponse is the response for GET /templates
type TemplatesResponse struct {
	OK        bool     `json:"ok"`
	Templates []string `json:"templates"`
}

// ScriptResponse is the response for GET /broadcast/script
type ScriptResponse struct {
	OK     bool            `json:"ok"`
	Script []campaign.Step `json:"script"`
}

// ScriptSaveResponse is the response for POST /broadcast/script
type ScriptSaveResponse struct {
	OK    bool `json:"ok"`
	Saved int  `json:"saved"`
}

// handleContactsUpload handles POST /api/v1/contacts/upload
func (s *TemplateServer) handleContactsUpload(w http.ResponseWriter, r *http.Request) {
	data, _, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	result := queue.ParseContacts(data)

	plan, err := s.engine.ImportContacts(r.Context(), result.Contacts)
	if err != nil {
		writeEngineError(w, s.logger, "import contacts", err)
		return
	}

	sendJSON(w, http.StatusOK, ContactsUploadResponse{
		OK:            true,
		Rows:          len(result.Contacts),
		Skipped:       result.Skipped,
		Duplicates:    result.Duplicates,
		TotalContacts: plan.Total,
		Plan:          plan,
	})
}

// handleTemplatesUpload handles POST /api/v1/templates/upload
func (s *TemplateServer) handleTemplatesUpload(w http.ResponseWriter, r *http.Request) {
	data, filename, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	templates, err := campaign.ParseTemplates(filename, data)
	if err != nil {
		sendError(w, http.StatusBadRequest, "parse error")
		return
	}

	if err := s.engine.SetTemplates(r.Context(), templates); err != nil {
		writeEngineError(w, s.logger, "import templates", err)
		return
	}

	plan, err := s.engine.Plan(r.Context())
	if err != nil {
		writeEngineError(w, s.logger, "compute plan", err)
		return
	}

	sendJSON(w, http.StatusOK, TemplatesUploadResponse{
		OK:             true,
		Templates:      len(templates),
		TotalTemplates: len(templates),
		Plan:           plan,
	})
}

// handleTemplatesList handles GET /api/v1/templates
func (s *TemplateServer) handleTemplatesList(w http.ResponseWriter, r *http.Request) {
	templates, err := s.campaign.Templates(r.Context())
	if err != nil {
		s.logger.Warn("failed to read templates", "error", err)
	}
	if templates == nil {
		templates = []string{}
	}
	sendJSON(w, http.StatusOK, TemplatesResponse{OK: true, Templates: templates})
}

// handleScriptGet handles GET /api/v1/broadcast/script
func (s *TemplateServer) handleScriptGet(w http.ResponseWriter, r *http.Request) {
	script, err := s.campaign.Script(r.Context())
	if err != nil {
		s.logger.Warn("failed to read script", "error", err)
	}
	if script == nil {
		script = []campaign.Step{}
	}
	sendJSON(w, http.StatusOK, ScriptResponse{OK: true, Script: script})
}

// handleScriptSave handles POST /api/v1/broadcast/script
func (s *TemplateServer) handleScriptSave(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	steps, err := campaign.ParseScript(body)
	if err != nil {
		if errors.Is(err, campaign.ErrInvalidScript) {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.SetScript(r.Context(), steps); err != nil {
		writeEngineError(w, s.logger, "save script", err)
		return
	}

	sendJSON(w, http.StatusOK, ScriptSaveResponse{OK: true, Saved: len(steps)})
}

// readUpload returns the contents and name of the multipart "file" field
func (s *TemplateServer) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			sendError(w, http.StatusRequestEntityTooLarge, "file too large")
			return nil, "", false
		}
		sendError(w, http.StatusBadRequest, "no file")
		return nil, "", false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		sendError(w, http.StatusBadRequest, "failed to read file")
		return nil, "", false
	}

	return data, header.Filename, true
}
