// Package admission resolves join requests to principals and enforces room
// access rules. It never mutates live room state; the actor makes the final
// capacity decision on its own serialized loop.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/coedit/hub/internal/domain"
)

// Action names a mutating operation subject to authorization.
type Action string

const (
	ActionEdit           Action = "edit"
	ActionDeleteRoom     Action = "delete_room"
	ActionChangeSettings Action = "change_settings"
)

// RoomReader is the slice of the store the admission service needs.
type RoomReader interface {
	Find(ctx context.Context, keyOrCode string) (*domain.Room, error)
}

// MemberReader reads membership rows and online counts.
type MemberReader interface {
	Get(ctx context.Context, roomKey, principalID string) (*domain.Member, error)
	CountOnline(ctx context.Context, roomKey string) (int, error)
}

// GuestCounter reports live guest occupancy for a room. Guests never have
// member rows, so capacity checks consult this separately.
type GuestCounter interface {
	CountGuests(ctx context.Context, roomKey string) (int, error)
}

// JoinDecision is the result of a successful admission check.
type JoinDecision struct {
	Room *domain.Room
	Role domain.Role
}

// Service implements admission and membership authorization.
type Service struct {
	rooms   RoomReader
	members MemberReader
	guests  GuestCounter
	tokens  *TokenService
	logger  *slog.Logger
}

// NewService creates the admission service. guests may be nil when no guest
// registry is configured; guest occupancy then counts as zero here and the
// actor's serialized check still bounds the room.
func NewService(rooms RoomReader, members MemberReader, guests GuestCounter, tokens *TokenService, logger *slog.Logger) *Service {
	return &Service{
		rooms:   rooms,
		members: members,
		guests:  guests,
		tokens:  tokens,
		logger:  logger.With("component", "admission"),
	}
}

// Resolve turns a bearer token (or its absence) into a principal. An absent
// token synthesizes a guest; only a present-but-malformed token is an error.
func (s *Service) Resolve(token, displayName string) (domain.Principal, error) {
	if token == "" {
		return domain.NewGuest(displayName), nil
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	name := claims.DisplayName
	if displayName != "" {
		name = displayName
	}
	return domain.Principal{
		ID:          claims.UserID,
		DisplayName: name,
		Kind:        domain.PrincipalUser,
	}, nil
}

// AuthorizeJoin verifies password, ban state, and capacity for a join
// request addressed by room key or join code.
func (s *Service) AuthorizeJoin(ctx context.Context, keyOrCode string, principal domain.Principal, password string) (*JoinDecision, error) {
	room, err := s.rooms.Find(ctx, keyOrCode)
	if err != nil {
		return nil, err
	}

	if room.Visibility == domain.VisibilityPrivate {
		if password == "" {
			return nil, domain.ErrPasswordRequired
		}
		// bcrypt compare is constant-time over the salted hash.
		if err := bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)); err != nil {
			return nil, domain.ErrPasswordInvalid
		}
	}

	role := domain.RoleEditor
	if principal.ID == room.OwnerRef {
		role = domain.RoleOwner
	} else if !principal.IsGuest() {
		member, err := s.members.Get(ctx, room.RoomKey, principal.ID)
		switch {
		case err == nil:
			if member.Banned {
				return nil, domain.ErrBanned
			}
			role = member.Role
		case errors.Is(err, domain.ErrMemberMissing):
			// first join keeps the default role
		default:
			return nil, fmt.Errorf("read membership: %w", err)
		}
	}

	occupied, err := s.members.CountOnline(ctx, room.RoomKey)
	if err != nil {
		return nil, fmt.Errorf("count online members: %w", err)
	}
	if s.guests != nil {
		guests, err := s.guests.CountGuests(ctx, room.RoomKey)
		if err != nil {
			s.logger.Warn("guest registry unavailable, counting zero guests", "room", room.RoomKey, "error", err)
		} else {
			occupied += guests
		}
	}
	if occupied >= room.Capacity {
		return nil, domain.ErrRoomFull
	}

	return &JoinDecision{Room: room, Role: role}, nil
}

// AuthorizeAction reports whether a principal may perform a mutating
// operation on a room. Owner role is required to delete the room or change
// its settings; editors and owners may edit.
func (s *Service) AuthorizeAction(ctx context.Context, roomKey string, principal domain.Principal, action Action) (bool, error) {
	room, err := s.rooms.Find(ctx, roomKey)
	if err != nil {
		return false, err
	}

	role := domain.RoleViewer
	if principal.ID == room.OwnerRef {
		role = domain.RoleOwner
	} else if !principal.IsGuest() {
		member, err := s.members.Get(ctx, room.RoomKey, principal.ID)
		if err == nil && !member.Banned {
			role = member.Role
		} else if err != nil && !errors.Is(err, domain.ErrMemberMissing) {
			return false, fmt.Errorf("read membership: %w", err)
		}
	} else {
		// Guests edit with their session role; they are never owners.
		role = domain.RoleEditor
	}

	switch action {
	case ActionEdit:
		return role.CanEdit(), nil
	case ActionDeleteRoom, ActionChangeSettings:
		return role == domain.RoleOwner, nil
	default:
		return false, nil
	}
}

// HashPassword hashes a room password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
