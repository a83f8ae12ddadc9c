package domain

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PrincipalKind is the sealed variant tag for acting identities.
type PrincipalKind string

const (
	PrincipalUser  PrincipalKind = "user"
	PrincipalGuest PrincipalKind = "guest"
)

// Principal is the acting identity of one session: an authenticated user or a
// synthesized guest. A guest is never promoted to a user in place.
type Principal struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"display_name"`
	Kind        PrincipalKind `json:"kind"`
}

// IsGuest reports whether the principal was synthesized for this session.
func (p Principal) IsGuest() bool {
	return p.Kind == PrincipalGuest
}

// NewGuest synthesizes a guest principal. The ID is stable for the lifetime of
// the session only.
func NewGuest(displayName string) Principal {
	if displayName == "" {
		displayName = "Guest"
	}
	return Principal{
		ID:          fmt.Sprintf("guest_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8]),
		DisplayName: displayName,
		Kind:        PrincipalGuest,
	}
}

// IsGuestID reports whether an identifier names a synthesized guest.
func IsGuestID(id string) bool {
	return strings.HasPrefix(id, "guest_")
}

// colorPalette matches the editor's cursor colors client-side.
var colorPalette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#d19a66", "#56b6c2", "#be5046", "#abb2bf",
}

// ColorToken derives a stable presence color from a principal ID.
func ColorToken(principalID string) string {
	h := fnv.New32a()
	h.Write([]byte(principalID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}
