package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coedit/hub/internal/domain"
	"github.com/coedit/hub/internal/hub"
	"github.com/coedit/hub/internal/metrics"
	"github.com/coedit/hub/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	defaultPongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than the pong wait)
	defaultPingPeriod = 25 * time.Second

	// Time allowed for the opening hello after the upgrade
	helloWait = 10 * time.Second

	// Maximum message size allowed from peer (1MB: CRDT updates can be fat)
	maxMessageSize = 1 << 20
)

// Session binds one WebSocket connection to one room actor. It implements
// hub.Peer; the actor talks to it only through the outbox and Kick, so a slow
// or dead connection can never stall a room.
type Session struct {
	id        string
	conn      *websocket.Conn
	principal domain.Principal
	role      domain.Role
	actor     *hub.Actor
	outbox    *outbox
	metrics   *metrics.Metrics
	logger    *slog.Logger

	pingPeriod time.Duration
	pongWait   time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn *websocket.Conn, principal domain.Principal, role domain.Role, pingPeriod, pongWait time.Duration, m *metrics.Metrics, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:         id,
		conn:       conn,
		principal:  principal,
		role:       role,
		outbox:     newOutbox(DefaultOutboxCapacity),
		metrics:    m,
		logger:     logger.With("session", id, "principal", principal.ID),
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		closed:     make(chan struct{}),
	}
}

// ----------------------------------------------------------------------------
// hub.Peer
// ----------------------------------------------------------------------------

func (s *Session) SessionID() string           { return s.id }
func (s *Session) Principal() domain.Principal { return s.principal }
func (s *Session) Role() domain.Role           { return s.role }

// Enqueue queues a frame without blocking the actor loop.
func (s *Session) Enqueue(frame *protocol.Frame) bool {
	return s.outbox.push(frame)
}

// Kick delivers a final error frame and lets the writer flush and close.
func (s *Session) Kick(kind domain.ErrorKind, detail string) {
	s.outbox.pushFinal(protocol.ErrorFrame(kind, detail))
}

// ----------------------------------------------------------------------------
// Pumps
// ----------------------------------------------------------------------------

// readPump drains inbound frames until the connection dies or the client
// leaves. It blocks the handler goroutine; writePump runs alongside.
func (s *Session) readPump() {
	defer s.shutdown("transport closed")

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		// A raw binary frame is an opaque CRDT update with no envelope.
		if msgType == websocket.BinaryMessage {
			s.actor.SubmitUpdate(s, data)
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.Kick(domain.ErrKindProtocolError, "malformed frame")
			return
		}
		if done := s.dispatch(&frame); done {
			return
		}
	}
}

// dispatch routes one inbound frame. Returns true when the session is over.
func (s *Session) dispatch(frame *protocol.Frame) bool {
	switch frame.Type {
	case protocol.TypeCrdtUpdate:
		var payload protocol.CrdtUpdatePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.Kick(domain.ErrKindProtocolError, "malformed crdt-update payload")
			return true
		}
		s.actor.SubmitUpdate(s, payload.Blob)

	case protocol.TypeCursor:
		var payload protocol.CursorPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return false // best effort, ignore
		}
		s.actor.SubmitCursor(s, payload.Cursor, payload.Selection)

	case protocol.TypeTyping:
		var payload protocol.TypingPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return false
		}
		s.actor.SubmitTyping(s, payload.Typing)

	case protocol.TypeLanguageChange:
		var payload protocol.LanguagePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.Enqueue(protocol.ErrorFrame(domain.ErrKindProtocolError, "malformed language-change payload"))
			return false
		}
		s.actor.SubmitLanguage(s, payload.Language)

	case protocol.TypePing:
		if pong, err := protocol.NewFrame(protocol.TypePong, nil); err == nil {
			s.Enqueue(pong)
		}

	case protocol.TypeLeave:
		return true

	case protocol.TypeHello:
		// Hello is only valid as the opening frame.
		s.Enqueue(protocol.WarningFrame(domain.WarnUnknownType, "already joined", 0))

	default:
		s.Enqueue(protocol.WarningFrame(domain.WarnUnknownType, frame.Type, 0))
	}
	return false
}

// writePump owns all writes to the connection: queued frames, shed-frame
// warnings, and heartbeat pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.closed:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-s.outbox.wait():
			if !s.flush() {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush drains the outbox. Returns false when the connection should close.
func (s *Session) flush() bool {
	for {
		if n := s.outbox.takeDropped(); n > 0 {
			s.metrics.DroppedFrames.Add(float64(n))
			if !s.writeFrame(protocol.WarningFrame(domain.WarnDroppedFrames, "presence frames shed", n)) {
				return false
			}
		}

		frame, closing, ok := s.outbox.pop()
		if !ok {
			return !closing
		}
		if !s.writeFrame(frame) {
			return false
		}
		if closing {
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
			return false
		}
	}
}

func (s *Session) writeFrame(frame *protocol.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal outbound frame", "error", err)
		return true
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}

// shutdown detaches from the actor exactly once and releases the writer.
func (s *Session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		if s.actor != nil {
			s.actor.Detach(s, reason)
		}
		close(s.closed)
		s.outbox.close()
		_ = s.conn.Close()
	})
}
