// Package httpapi exposes the REST surface over the message router: platform
// and connection listing, connect/disconnect/send, message and thread
// listing, template CRUD, and the platform webhook endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"msghub/internal/domain"
	"msghub/internal/metrics"
	"msghub/internal/router"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodySize = 1 << 20 // 1MB

// Server wires the REST routes to the router and store.
type Server struct {
	router *router.Router
	store  domain.Store
	logger *slog.Logger
	http   *http.Server
}

func NewServer(addr string, rt *router.Router, store domain.Store, logger *slog.Logger) *Server {
	s := &Server{router: rt, store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/platforms", s.handleListPlatforms)
		r.Get("/connections", s.handleListConnections)

		r.Post("/platforms/{platform}/connect", s.handleConnect)
		r.Post("/platforms/{platform}/disconnect", s.handleDisconnect)
		r.Post("/platforms/{platform}/send", s.handleSend)
		r.Post("/platforms/{platform}/sync", s.handleSync)

		r.Get("/messages", s.handleListMessages)
		r.Post("/messages/{id}/read", s.handleMarkRead)
		r.Get("/threads", s.handleListThreads)

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleListTemplates)
			r.Post("/", s.handleCreateTemplate)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
		})
	})

	// Push-platform webhook endpoints: GET performs the subscription
	// verification handshake, POST ingests deliveries.
	r.Get("/webhooks/{platform}", s.handleWebhookVerify)
	r.Post("/webhooks/{platform}", s.handleWebhookDelivery)

	r.Get("/metrics", metrics.Default.Handler().ServeHTTP)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.logger.Info("http api listening", "addr", s.http.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http api: %w", err)
	}
}

// --- platform & connection handlers ---

func (s *Server) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	type platformInfo struct {
		Platform     domain.Platform     `json:"platform"`
		Capabilities domain.Capabilities `json:"capabilities"`
	}
	var out []platformInfo
	for p, caps := range s.router.Platforms() {
		out = append(out, platformInfo{Platform: p, Capabilities: caps})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	type connInfo struct {
		UserID      string          `json:"user_id"`
		Platform    domain.Platform `json:"platform"`
		DisplayName string          `json:"display_name"`
		ConnectedAt time.Time       `json:"connected_at"`
	}
	out := []connInfo{}
	for _, c := range s.router.Connections() {
		out = append(out, connInfo{
			UserID:      c.Key.UserID,
			Platform:    c.Key.Platform,
			DisplayName: c.Integration.DisplayName,
			ConnectedAt: c.ConnectedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type connectRequest struct {
	UserID      string             `json:"user_id"`
	Credentials domain.Credentials `json:"credentials"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	platform := domain.Platform(chi.URLParam(r, "platform"))
	var req connectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	integ, err := s.router.ConnectPlatform(r.Context(), req.UserID, platform, req.Credentials)
	if err != nil {
		s.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"platform":         integ.Platform,
		"platform_user_id": integ.PlatformUserID,
		"display_name":     integ.DisplayName,
	})
}

type userRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	platform := domain.Platform(chi.URLParam(r, "platform"))
	var req userRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.router.DisconnectPlatform(r.Context(), req.UserID, platform); err != nil {
		s.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type sendRequest struct {
	UserID    string `json:"user_id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	platform := domain.Platform(chi.URLParam(r, "platform"))
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Recipient == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "recipient and body are required")
		return
	}

	msg, err := s.router.SendMessage(r.Context(), req.UserID, platform, domain.OutgoingMessage{
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		Type:      domain.TypeText,
	})
	if err != nil {
		s.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          msg.ID,
		"external_id": msg.ExternalID,
		"direction":   msg.Direction,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	platform := domain.Platform(chi.URLParam(r, "platform"))
	var req userRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msgs, err := s.router.ReceiveMessages(r.Context(), req.UserID, platform, domain.ReceiveOptions{})
	if err != nil {
		s.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stored": len(msgs)})
}

// --- message & thread handlers ---

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.MessageFilter{
		UserID:     q.Get("user_id"),
		Platform:   domain.Platform(q.Get("platform")),
		UnreadOnly: q.Get("unread") == "true",
		Limit:      atoiDefault(q.Get("limit"), 50),
		Offset:     atoiDefault(q.Get("offset"), 0),
	}
	if f.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Read   *bool  `json:"read,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	read := true
	if req.Read != nil {
		read = *req.Read
	}
	if err := s.store.MarkMessageRead(r.Context(), req.UserID, id, read); err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"read": read})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	threads, err := s.store.ListThreads(r.Context(), userID, domain.Platform(q.Get("platform")),
		atoiDefault(q.Get("limit"), 50), atoiDefault(q.Get("offset"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

// --- template handlers ---

type templateRequest struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	templates, err := s.store.ListTemplates(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "name and body are required")
		return
	}
	t := &domain.MessageTemplate{UserID: req.UserID, Name: req.Name, Subject: req.Subject, Body: req.Body}
	if err := s.store.CreateTemplate(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	t, err := s.store.GetTemplate(r.Context(), r.URL.Query().Get("user_id"), id)
	if err != nil {
		if errors.Is(err, domain.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	var req templateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t := &domain.MessageTemplate{ID: id, UserID: req.UserID, Name: req.Name, Subject: req.Subject, Body: req.Body}
	if err := s.store.UpdateTemplate(r.Context(), t); err != nil {
		if errors.Is(err, domain.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	var req userRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.DeleteTemplate(r.Context(), req.UserID, id); err != nil {
		if errors.Is(err, domain.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- webhook handlers ---

func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	platform := domain.Platform(chi.URLParam(r, "platform"))
	q := r.URL.Query()

	challenge, err := s.router.VerifyWebhook(platform,
		q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		s.logger.Warn("webhook verification rejected", "platform", platform, "err", err)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.logger.Info("webhook verified", "platform", platform)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

func (s *Server) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	platform := domain.Platform(chi.URLParam(r, "platform"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !s.router.CheckWebhookSignature(platform, body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("webhook signature rejected", "platform", platform)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	stored, err := s.router.IngestWebhook(r.Context(), platform, body)
	if err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			// Ack so the provider does not retry forever against an
			// account that is simply not connected here.
			s.logger.Warn("webhook for unconnected platform dropped", "platform", platform)
			writeJSON(w, http.StatusOK, map[string]int{"stored": 0})
			return
		}
		s.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stored": stored})
}

// --- helpers ---

func (s *Server) writeRouterError(w http.ResponseWriter, err error) {
	var connErr *domain.ConnectionError
	switch {
	case errors.Is(err, domain.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnknownPlatform):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUnsupported):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &connErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
