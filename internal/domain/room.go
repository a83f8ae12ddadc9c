// Package domain holds the core types shared across the hub: rooms, members,
// principals, presence, and the closed set of error kinds surfaced to clients.
package domain

import "time"

// Visibility controls whether a room requires a password to join.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Role is a member's role within a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanEdit reports whether the role may mutate the document.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// SaveReason records why a snapshot was written.
type SaveReason string

const (
	SaveReasonDebounce     SaveReason = "debounce"
	SaveReasonMaxStaleness SaveReason = "max_staleness"
	SaveReasonLastLeft     SaveReason = "last_left"
	SaveReasonCleanup      SaveReason = "cleanup"
)

// Room is the persistent record for one collaboration room.
// RoomKey is the primary key; JoinCode is a rotatable capability that also
// addresses the room for joining.
type Room struct {
	RoomKey      string     `json:"room_key"`
	JoinCode     string     `json:"join_code"`
	Name         string     `json:"name"`
	OwnerRef     string     `json:"owner_ref"` // user ID or guest marker
	Visibility   Visibility `json:"visibility"`
	PasswordHash string     `json:"-"`
	Capacity     int        `json:"capacity"`
	Language     string     `json:"language"`
	LastActivity time.Time  `json:"last_activity"`
	LastSaved    time.Time  `json:"last_saved"`
	LastReason   SaveReason `json:"last_save_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Member is one persistent (room, principal) membership row. At most one row
// exists per pair. Online is advisory and converges with the live session set.
type Member struct {
	RoomKey     string    `json:"room_key"`
	PrincipalID string    `json:"principal_id"`
	Role        Role      `json:"role"`
	Banned      bool      `json:"banned,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeen    time.Time `json:"last_seen"`
	Online      bool      `json:"online"`
}

const (
	// MaxCapacity bounds the capacity field of any room.
	MaxCapacity = 50
	// DefaultLanguage is assigned to rooms created without one.
	DefaultLanguage = "plaintext"
)
