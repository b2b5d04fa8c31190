package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/onnwee/beacon/internal/auth"
	"github.com/onnwee/beacon/internal/presence"
	"github.com/onnwee/beacon/internal/safety"
)

// Handler upgrades HTTP requests to websocket sessions.
type Handler struct {
	hub      *Hub
	registry *presence.Registry
	router   *safety.Router
	verifier *auth.Verifier
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket upgrade handler. checkOrigin may be nil, in
// which case same-origin policy applies (the gorilla default).
func NewHandler(hub *Hub, registry *presence.Registry, router *safety.Router, verifier *auth.Verifier, logger *slog.Logger, checkOrigin func(*http.Request) bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:      hub,
		registry: registry,
		router:   router,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades the connection and runs the session until it closes.
// Authentication happens over the socket, not at upgrade time, so a client
// can connect before its token is ready and authenticate when it is.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	session := NewSession(c, h.hub, h.registry, h.router, h.verifier, h.logger)
	h.logger.Info("connection established", "conn_id", session.ID, "remote_addr", r.RemoteAddr)
	session.Run(r.Context())
}
