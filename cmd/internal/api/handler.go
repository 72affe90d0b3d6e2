// Package api exposes the session manager over HTTP and websockets.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"linkgate/cmd/internal/sessions"
)

// SessionService is the part of *sessions.Manager the API drives.
type SessionService interface {
	StartSession(ctx context.Context) (string, *sessions.Subscription, error)
	Subscribe(ctx context.Context, id string) (*sessions.Subscription, error)
	Sessions() []sessions.SessionInfo
	Send(ctx context.Context, id, to, text string) (string, error)
	Logout(ctx context.Context, id string)
	AbandonIfPending(ctx context.Context, id string) bool
}

var _ SessionService = (*sessions.Manager)(nil)

// Handler serves the session API.
type Handler struct {
	log    *slog.Logger
	cfg    Config
	svc    SessionService
	origin originPolicy
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc SessionService, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("api: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Handler{
		log:    log,
		cfg:    cfg,
		svc:    svc,
		origin: newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}, nil
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Post("/{id}/messages", h.handleSend)
		r.Post("/{id}/logout", h.handleLogout)
		r.Delete("/{id}", h.handleLogout)
		r.Get("/{id}/events", h.handleEvents)
	})

	r.Get("/ws", h.handleLoginStream)

	r.Get("/sessions", h.handleLegacyList)
	r.Post("/send", h.handleLegacySend)
	r.Post("/logout", h.handleLegacyLogout)
}

// ---- v1 ----

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, sub, err := h.svc.StartSession(r.Context())
	if err != nil {
		h.writeServiceError(w, "session.create.fail", "", err)
		return
	}
	// Events stay available through /v1/sessions/{id}/events (pending QR is replayed).
	sub.Close()

	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: h.svc.Sessions()})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req sendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	if msg := h.validateMessage(req.To, req.Text); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	msgID, err := h.svc.Send(r.Context(), id, req.To, req.Text)
	if err != nil {
		h.writeServiceError(w, "session.send.fail", id, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Success: true, MessageID: msgID})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// ---- legacy ----

func (h *Handler) handleLegacyList(w http.ResponseWriter, _ *http.Request) {
	infos := h.svc.Sessions()
	out := make([]legacySession, 0, len(infos))
	for _, s := range infos {
		out = append(out, legacySession{SessionID: s.ID})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleLegacySend(w http.ResponseWriter, r *http.Request) {
	var req legacySendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, legacyErrorResponse{Error: "invalid JSON body"})
		return
	}
	if msg := h.validateMessage(req.Number, req.Message); msg != "" {
		writeJSON(w, http.StatusBadRequest, legacyErrorResponse{Error: msg})
		return
	}

	if _, err := h.svc.Send(r.Context(), req.SessionID, req.Number, req.Message); err != nil {
		status, code := statusFor(err)
		h.logServiceError("session.send.fail", req.SessionID, status, err)
		msg := err.Error()
		if code == "not_found" {
			msg = "Session not found or not logged in"
		}
		writeJSON(w, status, legacyErrorResponse{Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleLegacyLogout(w http.ResponseWriter, r *http.Request) {
	var req legacyLogoutRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, legacyErrorResponse{Error: "invalid JSON body"})
		return
	}
	h.svc.Logout(r.Context(), req.SessionID)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// ---- helpers ----

func (h *Handler) validateMessage(to, text string) string {
	switch {
	case strings.TrimSpace(to) == "":
		return "missing destination"
	case strings.TrimSpace(text) == "":
		return "empty text"
	case utf8.RuneCountInString(text) > h.cfg.MaxMessageChars:
		return "message too long"
	}
	return ""
}

func (h *Handler) writeServiceError(w http.ResponseWriter, event, id string, err error) {
	status, code := statusFor(err)
	h.logServiceError(event, id, status, err)

	msg := err.Error()
	if status >= http.StatusInternalServerError && code == "internal" {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func (h *Handler) logServiceError(event, id string, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.log.Error(event, "session_id", id, "status", status, "err", err)
		return
	}
	h.log.Info(event, "session_id", id, "status", status, "err", err)
}
