// Package handlers wires the wire-format layer to every other core
// component: WebSocket upgrade/handshake, per-frame decode and dispatch,
// rate limiting, and ack bookkeeping.
package handlers

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qzbxw/realtimecore/internal/aistream"
	"github.com/qzbxw/realtimecore/internal/authz"
	"github.com/qzbxw/realtimecore/internal/call"
	"github.com/qzbxw/realtimecore/internal/config"
	"github.com/qzbxw/realtimecore/internal/envelope"
	"github.com/qzbxw/realtimecore/internal/identity"
	"github.com/qzbxw/realtimecore/internal/presence"
	"github.com/qzbxw/realtimecore/internal/ratelimit"
	"github.com/qzbxw/realtimecore/internal/realtime"
	"github.com/qzbxw/realtimecore/internal/router"
	"github.com/qzbxw/realtimecore/internal/telemetry/metrics"
)

// WSHandler upgrades authenticated HTTP requests to WebSocket connections
// and runs every frame through gated dispatch to routing, presence, AI
// streaming, and call signaling.
type WSHandler struct {
	verifier identity.Verifier
	registry *realtime.Registry
	gate     *authz.Gate
	presence *presence.Tracker
	router   *router.Dispatcher
	ai       *aistream.Orchestrator
	calls    *call.Coordinator
	userRL   *ratelimit.Limiter
	convRL   *ratelimit.Limiter
	cfg      *config.AppConfig
	upgrader websocket.Upgrader
}

// New builds a WSHandler, configuring the origin-checking upgrader from
// cfg.AllowedOrigins.
func New(
	verifier identity.Verifier,
	registry *realtime.Registry,
	gate *authz.Gate,
	presenceTracker *presence.Tracker,
	dispatcher *router.Dispatcher,
	ai *aistream.Orchestrator,
	calls *call.Coordinator,
	userRL, convRL *ratelimit.Limiter,
	cfg *config.AppConfig,
) *WSHandler {
	origins := cfg.AllowedOrigins
	return &WSHandler{
		verifier: verifier,
		registry: registry,
		gate:     gate,
		presence: presenceTracker,
		router:   dispatcher,
		ai:       ai,
		calls:    calls,
		userRL:   userRL,
		convRL:   convRL,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originURL, err := url.Parse(origin)
				if err != nil {
					return false
				}
				for _, allowed := range origins {
					if strings.EqualFold(allowed, originURL.String()) || strings.EqualFold(allowed, originURL.Hostname()) {
						return true
					}
				}
				log.Printf("websocket connection from disallowed origin rejected: %s", origin)
				return false
			},
		},
	}
}

// ServeWS authenticates the bearer token once at handshake (never
// per-frame), upgrades the connection, registers it with the socket
// registry, and runs the read pump.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	handshakeCtx, cancel := context.WithTimeout(r.Context(), h.cfg.HandshakeAuthTimeout)
	defer cancel()

	token := bearerToken(r)
	claims, err := h.verifier.Verify(handshakeCtx, token)
	if err != nil {
		log.Printf("websocket handshake rejected from %s: %v", getClientIP(r), err)
		conn, upgradeErr := h.upgrader.Upgrade(w, r, nil)
		if upgradeErr != nil {
			return
		}
		closeMsg := websocket.FormatCloseMessage(4001, "unauthenticated")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed for user %s: %v", claims.UserID, err)
		return
	}

	socketID := claims.UserID + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	socket := realtime.NewSocket(socketID, claims.UserID, conn)
	sess := envelope.NewSession(claims.UserID, socket, h.cfg.AckLRUSize)

	ctx := context.Background()
	if err := h.registry.Register(ctx, socket); err != nil {
		log.Printf("failed to register socket for user %s: %v", claims.UserID, err)
		socket.Close()
		return
	}
	metrics.ConnectedSockets.Inc()
	h.presence.RegisterSocket(ctx, claims.UserID)
	h.calls.OnUserReconnected(claims.UserID)

	go socket.WritePump()
	socket.ReadPump(
		func(raw []byte) { h.handleFrame(ctx, sess, raw) },
		func() { h.handleDisconnect(ctx, sess) },
	)
}

func (h *WSHandler) handleDisconnect(ctx context.Context, sess *envelope.Session) {
	metrics.ConnectedSockets.Dec()
	h.registry.Unregister(sess.Socket)
	h.presence.UnregisterSocket(ctx, sess.UserID)
	h.calls.HandleDisconnect(ctx, sess.UserID)
}

func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}
