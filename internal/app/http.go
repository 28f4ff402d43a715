package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/coderaugment/bonsai-app-sub000/internal/audit"
	"github.com/coderaugment/bonsai-app-sub000/internal/search"
	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

const maxBodyBytes = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: service.logger}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)

	mux.HandleFunc("POST /api/tickets", s.handleCreateTicket)
	mux.HandleFunc("GET /api/tickets", s.handleListTickets)
	mux.HandleFunc("GET /api/tickets/{id}", s.handleGetTicket)
	mux.HandleFunc("DELETE /api/tickets/{id}", s.handleDeleteTicket)
	mux.HandleFunc("POST /api/tickets/{id}/transitions", s.handleTransition)

	mux.HandleFunc("GET /api/tickets/{id}/comments", s.handleListComments)
	mux.HandleFunc("POST /api/tickets/{id}/comments", s.handlePostComment)
	mux.HandleFunc("GET /api/tickets/{id}/comments/{commentId}/attachments/{index}", s.handleAttachment)

	mux.HandleFunc("GET /api/tickets/{id}/documents", s.handleListDocuments)
	mux.HandleFunc("POST /api/tickets/{id}/documents/{type}", s.handleCreateDocument)
	mux.HandleFunc("GET /api/tickets/{id}/documents/{type}", s.handleLatestDocument)
	mux.HandleFunc("DELETE /api/tickets/{id}/documents/{type}", s.handleDeleteDocument)
	mux.HandleFunc("GET /api/tickets/{id}/documents/{type}/versions/{version}", s.handleDocumentVersion)
	mux.HandleFunc("POST /api/tickets/{id}/documents/{type}/approve", s.handleApproveDocument)

	mux.HandleFunc("GET /api/tickets/{id}/audit", s.handleListAudit)
	mux.HandleFunc("DELETE /api/tickets/{id}/audit", s.handleClearAudit)
	mux.HandleFunc("GET /api/tickets/{id}/presence", s.handlePresence)
	mux.HandleFunc("GET /api/tickets/{id}/export", s.handleExport)

	mux.HandleFunc("GET /api/search", s.handleSearch)

	mux.HandleFunc("GET /api/personas", s.handleListPersonas)
	mux.HandleFunc("PUT /api/personas/{id}", s.handleUpsertPersona)
	mux.HandleFunc("DELETE /api/personas/{id}", s.handleDeletePersona)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	return s.withCORS(s.withMiddleware(mux))
}

func (s *HTTPServer) withCORS(next http.Handler) http.Handler {
	origins := []string{"*"}
	if origin := strings.TrimSpace(s.corsOrigin); origin != "" {
		origins = strings.Split(origin, ",")
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID", "X-Actor-Type", "X-Actor-Id", "X-Actor-Name"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
	}).Handler(next)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// actorFromRequest reads the caller from the X-Actor-* headers. A request without them
// acts as an anonymous human.
func actorFromRequest(r *http.Request) (audit.Actor, error) {
	actorType := store.ActorType(strings.ToLower(strings.TrimSpace(r.Header.Get("X-Actor-Type"))))
	if actorType == "" {
		actorType = store.ActorHuman
	}
	if !actorType.Valid() {
		return audit.Actor{}, domainError(http.StatusBadRequest, "INVALID_ACTOR", "X-Actor-Type must be human, agent or system", nil)
	}
	actor := audit.Actor{
		Type: actorType,
		ID:   strings.TrimSpace(r.Header.Get("X-Actor-Id")),
		Name: strings.TrimSpace(r.Header.Get("X-Actor-Name")),
	}
	if actor.Name == "" {
		actor.Name = actor.ID
	}
	if actor.Name == "" {
		actor.Name = string(actorType)
	}
	return actor, nil
}

// begin resolves the actor or writes the error and reports false.
func (s *HTTPServer) begin(w http.ResponseWriter, r *http.Request) (audit.Actor, bool) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return audit.Actor{}, false
	}
	return actor, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Error("request failed", "request_id", requestID, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// Tickets

func (s *HTTPServer) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	var body CreateTicketInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ticket, err := s.service.CreateTicket(r.Context(), actor, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *HTTPServer) handleListTickets(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	tickets, err := s.service.ListTickets(r.Context(), actor, strings.TrimSpace(r.URL.Query().Get("state")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func (s *HTTPServer) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	ticket, err := s.service.GetTicket(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *HTTPServer) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteTicket(r.Context(), actor, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	var body TransitionInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ticket, err := s.service.Transition(r.Context(), actor, r.PathValue("id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// Comments

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	comments, err := s.service.ListComments(r.Context(), actor, r.PathValue("id"), strings.TrimSpace(r.URL.Query().Get("documentId")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *HTTPServer) handlePostComment(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	var body CommentInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.service.PostComment(r.Context(), actor, r.PathValue("id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleAttachment(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INDEX", "attachment index must be an integer", nil)
		return
	}
	item, err := s.service.Attachment(r.Context(), actor, r.PathValue("id"), r.PathValue("commentId"), index)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", item.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", item.Name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(item.Data)
}

// Documents

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	docs, err := s.service.ListDocuments(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	var body DocumentInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), actor, r.PathValue("id"), r.PathValue("type"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handleLatestDocument(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	doc, err := s.service.LatestDocument(r.Context(), actor, r.PathValue("id"), r.PathValue("type"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleDocumentVersion(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_VERSION", "version must be an integer", nil)
		return
	}
	doc, err := s.service.DocumentVersion(r.Context(), actor, r.PathValue("id"), r.PathValue("type"), version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleApproveDocument(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	doc, changed, err := s.service.ApproveDocument(r.Context(), actor, r.PathValue("id"), r.PathValue("type"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc, "changed": changed})
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	removed, err := s.service.DeleteDocument(r.Context(), actor, r.PathValue("id"), r.PathValue("type"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": removed})
}

// Audit, presence, export

func (s *HTTPServer) handleListAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_LIMIT", err.Error(), nil)
		return
	}
	events, err := s.service.ListAudit(r.Context(), actor, r.PathValue("id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleClearAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	removed, err := s.service.ClearAudit(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": removed})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	view, err := s.service.Presence(r.Context(), actor, r.PathValue("id"), strings.TrimSpace(r.URL.Query().Get("documentId")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	includeComments := r.URL.Query().Get("comments") != "false"
	result, err := s.service.Export(r.Context(), actor, r.PathValue("id"), r.URL.Query().Get("format"), includeComments)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_LIMIT", err.Error(), nil)
		return
	}
	offset, err := intQuery(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_OFFSET", err.Error(), nil)
		return
	}
	query := r.URL.Query()
	resp, err := s.service.Search(r.Context(), actor, search.Query{
		Text:       query.Get("q"),
		FilterType: search.ResultType(query.Get("type")),
		TicketID:   query.Get("ticketId"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Personas

func (s *HTTPServer) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	personas, err := s.service.ListPersonas(r.Context(), actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"personas": personas})
}

func (s *HTTPServer) handleUpsertPersona(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	var body PersonaInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	persona, err := s.service.UpsertPersona(r.Context(), actor, r.PathValue("id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, persona)
}

func (s *HTTPServer) handleDeletePersona(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.begin(w, r)
	if !ok {
		return
	}
	if err := s.service.DeletePersona(r.Context(), actor, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func intQuery(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return value, nil
}
