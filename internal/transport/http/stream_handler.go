package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/middleware"
	"licensegate/internal/signature"
	ws "licensegate/internal/websocket"
)

// StreamConfig configures the audit stream upgrade
type StreamConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
}

// StreamHandler upgrades GET /validate/stream to a WebSocket subscribed to the audit hub
type StreamHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	origins  []string
	logger   *slog.Logger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(hub *ws.Hub, cfg StreamConfig, logger *slog.Logger) *StreamHandler {
	h := &StreamHandler{
		hub:     hub,
		origins: cfg.AllowedOrigins,
		logger:  logger.With(slog.String("handler", "stream")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			h.logger.WarnContext(r.Context(), "websocket upgrade error",
				slog.Int("status", status),
				slog.String("reason", reason.Error()),
				slog.String("origin", r.Header.Get("Origin")))
			apierrors.WriteError(w, apierrors.NewWithDetails(status, apierrors.ErrWebSocketUpgrade.ErrorCode, apierrors.ErrWebSocketUpgrade.Message, reason.Error()))
		},
	}
	return h
}

// checkOrigin allows requests without an Origin header (non-browser clients)
// and otherwise matches the configured origins
func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.logger.WarnContext(r.Context(), "websocket origin not allowed",
		slog.String("origin", origin),
		slog.Any("allowed_origins", h.origins))
	return false
}

// Serve handles GET /validate/stream
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	ctx := infrastructure.WithTraceID(r.Context(), reqID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request
		return
	}

	client := ws.ServeWS(h.hub, ws.WrapConn(conn), reqID)
	if client == nil {
		h.logger.WarnContext(ctx, "audit stream is shutting down, subscriber refused")
		return
	}

	h.logger.InfoContext(ctx, "audit stream subscriber connected",
		slog.String("client_id", client.ID()),
		slog.String("ip_hash", signature.HashIP(middleware.ClientIP(r))))
}
