package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/dimon1976/zoomos-v4-sub001/internal/analyzer"
	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"
	"github.com/dimon1976/zoomos-v4-sub001/internal/repository"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxUploadBytes = 128 << 20

// Handler exposes templates and import sessions over HTTP.
type Handler struct {
	service   *Service
	templates repository.TemplateRepository
	hub       *Hub
}

// NewRouter mounts the API routes.
func NewRouter(service *Service, templates repository.TemplateRepository, hub *Hub) chi.Router {
	h := &Handler{service: service, templates: templates, hub: hub}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Route("/templates", func(r chi.Router) {
			r.Post("/", h.createTemplate)
			r.Get("/", h.listTemplates)
			r.Get("/{id}", h.getTemplate)
			r.Put("/{id}", h.updateTemplate)
			r.Delete("/{id}", h.deleteTemplate)
		})
		r.Route("/imports", func(r chi.Router) {
			r.Post("/", h.startImport)
			r.Get("/", h.listImports)
			r.Get("/{id}", h.getImport)
			r.Post("/{id}/cancel", h.cancelImport)
			r.Get("/{id}/errors", h.listImportErrors)
			r.Get("/{id}/events", h.streamEvents)
		})
	})
	return r
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeTemplate(w, r)
	if !ok {
		return
	}

	template := domain.NewTemplate(payload.Name, payload.EntityType, payload.Mappings)
	applyTemplateFields(&template, payload)
	if err := template.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.templates.Create(r.Context(), template)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templates.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	template, err := h.templates.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, templateStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, template)
}

func (h *Handler) updateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	payload, ok := decodeTemplate(w, r)
	if !ok {
		return
	}

	template, err := h.templates.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, templateStatus(err), err)
		return
	}
	template.Name = payload.Name
	template.EntityType = payload.EntityType
	template.Mappings = payload.Mappings
	applyTemplateFields(&template, payload)
	if err := template.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := h.templates.Update(r.Context(), template)
	if err != nil {
		writeError(w, templateStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.templates.Delete(r.Context(), id); err != nil {
		writeError(w, templateStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) startImport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid form data: %w", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file required: %w", err))
		return
	}
	defer file.Close()

	templateID, err := uuid.Parse(strings.TrimSpace(r.FormValue("templateId")))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid template id: %w", err))
		return
	}

	payload, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read file: %w", err))
		return
	}

	meta, err := analyzer.Analyze(header.Filename, payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := StartRequest{
		TemplateID:        templateID,
		FileName:          header.Filename,
		Payload:           payload,
		Metadata:          meta,
		ValidateOnly:      formBool(r, "validateOnly"),
		Synchronous:       formBool(r, "sync"),
		DelimiterOverride: r.FormValue("delimiter"),
		EncodingOverride:  r.FormValue("encoding"),
	}

	session, err := h.service.Start(r.Context(), req)
	if err != nil {
		writeError(w, startStatus(err), err)
		return
	}

	status := http.StatusAccepted
	if req.Synchronous {
		status = http.StatusOK
	}
	writeJSON(w, status, session)
}

func (h *Handler) listImports(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.SessionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.SessionStatus(strings.TrimSpace(part)))
		}
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	sessions, err := h.service.ListSessions(r.Context(), statuses, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) getImport(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	session, err := h.service.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, sessionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) cancelImport(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), id); err != nil {
		status := sessionStatus(err)
		if errors.Is(err, ErrSessionNotCancellable) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (h *Handler) listImportErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	entries, err := h.service.ListErrors(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// streamEvents pushes progress snapshots for one session as server-sent
// events until the session reaches a terminal status or the client leaves.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	session, err := h.service.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, sessionStatus(err), err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snapshots, unsubscribe := h.hub.Subscribe(ProgressTopic(id))
	defer unsubscribe()

	// Current state first so late subscribers are not blind until the next
	// emission.
	writeEvent(w, sessionSnapshot(session))
	flusher.Flush()
	if session.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot := <-snapshots:
			writeEvent(w, snapshot)
			flusher.Flush()
			if snapshot.Status.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, snapshot ProgressSnapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("[http] failed to marshal progress snapshot: %v", err)
		return
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
}

func sessionSnapshot(session domain.ImportSession) ProgressSnapshot {
	reporter := NewProgressReporter(nil)
	return reporter.snapshot(session, reporter.now())
}

func decodeTemplate(w http.ResponseWriter, r *http.Request) (domain.Template, bool) {
	var payload domain.Template
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid template payload: %w", err))
		return domain.Template{}, false
	}
	return payload, true
}

func applyTemplateFields(template *domain.Template, payload domain.Template) {
	if payload.DuplicatePolicy != "" {
		template.DuplicatePolicy = payload.DuplicatePolicy
	}
	if payload.ErrorPolicy != "" {
		template.ErrorPolicy = payload.ErrorPolicy
	}
	template.Delimiter = payload.Delimiter
	template.Encoding = payload.Encoding
	template.SkipRows = payload.SkipRows
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id: %w", err))
		return uuid.Nil, false
	}
	return id, true
}

func formBool(r *http.Request, key string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(r.FormValue(key)))
	return err == nil && value
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func templateStatus(err error) int {
	if errors.Is(err, repository.ErrTemplateNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func sessionStatus(err error) int {
	if errors.Is(err, repository.ErrSessionNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrEmptyPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
