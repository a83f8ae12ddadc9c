// Package ws is the WebSocket edge of the hub: it upgrades connections,
// performs the hello handshake through admission, and bridges frames between
// the client and the room actor.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coedit/hub/internal/admission"
	"github.com/coedit/hub/internal/domain"
	"github.com/coedit/hub/internal/hub"
	"github.com/coedit/hub/internal/metrics"
	"github.com/coedit/hub/internal/protocol"
)

// Handler upgrades HTTP requests into collaboration sessions.
type Handler struct {
	admission  *admission.Service
	registry   *hub.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	pongWait   time.Duration
}

// NewHandler creates a WebSocket handler. An empty allowedOrigin accepts any
// origin; heartbeat values that are unset or inconsistent fall back to the
// defaults.
func NewHandler(adm *admission.Service, registry *hub.Registry, m *metrics.Metrics, allowedOrigin string, heartbeatInterval, heartbeatTimeout time.Duration, logger *slog.Logger) *Handler {
	if heartbeatInterval <= 0 || heartbeatTimeout <= heartbeatInterval {
		heartbeatInterval = defaultPingPeriod
		heartbeatTimeout = defaultPongWait
	}
	return &Handler{
		admission:  adm,
		registry:   registry,
		metrics:    m,
		logger:     logger.With("component", "ws"),
		pingPeriod: heartbeatInterval,
		pongWait:   heartbeatTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
	}
}

// ServeHTTP upgrades the connection and blocks until the session ends.
// The room may be preselected with ?room=; otherwise the hello frame names it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	// The request context dies when ServeHTTP returns after the upgrade;
	// session lifetime is governed by the connection itself.
	h.serve(conn, r.URL.Query().Get("room"))
}

func (h *Handler) serve(conn *websocket.Conn, queryRoom string) {
	hello, err := readHello(conn)
	if err != nil {
		closeWithError(conn, domain.ErrKindProtocolError, err.Error())
		return
	}
	roomRef := hello.Room
	if roomRef == "" {
		roomRef = queryRoom
	}
	if roomRef == "" {
		closeWithError(conn, domain.ErrKindProtocolError, "no room named in hello")
		return
	}

	principal, err := h.admission.Resolve(hello.Token, hello.DisplayName)
	if err != nil {
		closeWithError(conn, domain.KindForError(err), "invalid token")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	decision, err := h.admission.AuthorizeJoin(ctx, roomRef, principal, hello.Password)
	if err != nil {
		closeWithError(conn, domain.KindForError(err), err.Error())
		return
	}

	actor, err := h.registry.Acquire(decision.Room.RoomKey)
	if err != nil {
		closeWithError(conn, domain.ErrKindRoomUnavailable, "hub is shutting down")
		return
	}

	session := newSession(conn, principal, decision.Role, h.pingPeriod, h.pongWait, h.metrics, h.logger)
	session.actor = actor

	// The actor queues the hello-ack itself so it precedes any broadcast.
	if _, err := actor.Attach(ctx, session); err != nil {
		closeWithError(conn, domain.KindForError(err), err.Error())
		return
	}

	h.logger.Info("session attached",
		"session", session.id, "room", decision.Room.RoomKey,
		"principal", principal.ID, "role", decision.Role)

	go session.writePump()
	session.readPump() // blocks until disconnect
}

// readHello reads the opening frame, which must be a hello within helloWait.
func readHello(conn *websocket.Conn) (*protocol.HelloPayload, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, errHelloTimeout
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != protocol.TypeHello {
		return nil, errHelloExpected
	}
	var hello protocol.HelloPayload
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		return nil, errHelloExpected
	}
	return &hello, nil
}

var (
	errHelloTimeout  = &helloError{"no hello frame before the deadline"}
	errHelloExpected = &helloError{"expected a hello frame"}
)

type helloError struct{ msg string }

func (e *helloError) Error() string { return e.msg }

// closeWithError writes a terminal error frame and closes the raw connection.
// Used on the handshake path before a session exists.
func closeWithError(conn *websocket.Conn, kind domain.ErrorKind, detail string) {
	frame := protocol.ErrorFrame(kind, detail)
	if data, err := json.Marshal(frame); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(kind)))
	_ = conn.Close()
}
