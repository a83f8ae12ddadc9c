// Package protocol defines the wire contract between the hub and its clients:
// JSON-framed control messages plus binary CRDT updates. Clients may send
// CRDT updates either as base64 inside a JSON frame or as a raw binary
// WebSocket frame on the document channel; the codec accepts both.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/coedit/hub/internal/domain"
)

// Frame types for client -> server
const (
	TypeHello          = "hello"
	TypeLeave          = "leave"
	TypeCrdtUpdate     = "crdt-update"
	TypeCursor         = "cursor"
	TypeTyping         = "typing"
	TypeLanguageChange = "language-change"
	TypePing           = "ping"
)

// Frame types for server -> client
const (
	TypeHelloAck      = "hello-ack"
	TypeUserJoined    = "user-joined"
	TypeUserLeft      = "user-left"
	TypeUsersSnapshot = "users-snapshot"
	TypeWarning       = "warning"
	TypeError         = "error"
	TypePong          = "pong"
)

// Frame is the base message envelope.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewFrame creates a frame with the current timestamp.
func NewFrame(frameType string, payload interface{}) (*Frame, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:      frameType,
		Payload:   payloadBytes,
		Timestamp: time.Now(),
	}, nil
}

// Transient reports whether a server frame may be evicted from a full outbox.
// Presence frames are best effort, latest-wins per principal; CRDT updates
// and lifecycle frames must never be dropped.
func Transient(frameType string) bool {
	return frameType == TypeCursor || frameType == TypeTyping
}

// ============================================================================
// Client -> Server Payloads
// ============================================================================

// HelloPayload opens a session. Token absent means a guest join; Password is
// consulted only for private rooms.
type HelloPayload struct {
	Room        string `json:"room"` // roomKey or joinCode
	Token       string `json:"token,omitempty"`
	Password    string `json:"password,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// CrdtUpdatePayload carries an opaque update. Blob marshals as base64 with
// required padding (encoding/json's []byte rules).
type CrdtUpdatePayload struct {
	Blob []byte `json:"blob"`
}

// CursorPayload reports the sender's caret and optional selection.
type CursorPayload struct {
	Cursor    domain.Cursor     `json:"cursor"`
	Selection *domain.Selection `json:"selection,omitempty"`
}

// TypingPayload toggles the sender's typing flag.
type TypingPayload struct {
	Typing bool `json:"typing"`
}

// LanguagePayload changes the room language.
type LanguagePayload struct {
	Language string `json:"lang"`
}

// ============================================================================
// Server -> Client Payloads
// ============================================================================

// RoomSnapshot is the state a joining client needs to render the room.
type RoomSnapshot struct {
	Language string            `json:"language"`
	Users    []domain.Presence `json:"users"`
	Document []byte            `json:"document"` // encoded CRDT state, base64 on the wire
}

// HelloAckPayload acknowledges a successful join.
type HelloAckPayload struct {
	Room     string       `json:"room"`
	Role     domain.Role  `json:"role"`
	Snapshot RoomSnapshot `json:"snapshot"`
}

// CrdtBroadcastPayload fans an update out to peers.
type CrdtBroadcastPayload struct {
	Blob   []byte `json:"blob"`
	Origin string `json:"origin_principal_id"`
}

// UserJoinedPayload announces a new attached session.
type UserJoinedPayload struct {
	User domain.Presence `json:"user"`
}

// UserLeftPayload announces a detached session.
type UserLeftPayload struct {
	PrincipalID string `json:"principal_id"`
}

// UsersSnapshotPayload carries the full presence set.
type UsersSnapshotPayload struct {
	Users []domain.Presence `json:"users"`
}

// CursorBroadcastPayload fans a cursor move out to peers.
type CursorBroadcastPayload struct {
	PrincipalID string            `json:"principal_id"`
	Cursor      domain.Cursor     `json:"cursor"`
	Selection   *domain.Selection `json:"selection,omitempty"`
}

// TypingBroadcastPayload fans a typing toggle out to peers.
type TypingBroadcastPayload struct {
	PrincipalID string `json:"principal_id"`
	Typing      bool   `json:"typing"`
}

// LanguageBroadcastPayload announces a room language change.
type LanguageBroadcastPayload struct {
	Language string `json:"lang"`
	Origin   string `json:"origin_principal_id,omitempty"`
}

// WarningPayload reports a non-fatal condition.
type WarningPayload struct {
	Kind   domain.WarningKind `json:"kind"`
	Detail string             `json:"detail,omitempty"`
	Count  int                `json:"count,omitempty"` // DroppedFrames
}

// ErrorPayload reports a fatal condition for this session.
type ErrorPayload struct {
	Kind   domain.ErrorKind `json:"kind"`
	Detail string           `json:"detail,omitempty"`
}

// ErrorFrame builds an error frame; marshalling a flat struct cannot fail.
func ErrorFrame(kind domain.ErrorKind, detail string) *Frame {
	f, _ := NewFrame(TypeError, ErrorPayload{Kind: kind, Detail: detail})
	return f
}

// WarningFrame builds a warning frame.
func WarningFrame(kind domain.WarningKind, detail string, count int) *Frame {
	f, _ := NewFrame(TypeWarning, WarningPayload{Kind: kind, Detail: detail, Count: count})
	return f
}
