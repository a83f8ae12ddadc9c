package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coedit/hub/internal/admission"
	"github.com/coedit/hub/internal/domain"
)

// MemberAdmin is the slice of the member store moderation needs.
type MemberAdmin interface {
	Get(ctx context.Context, roomKey, principalID string) (*domain.Member, error)
	SetBanned(ctx context.Context, roomKey, principalID string, banned bool) error
	SetRole(ctx context.Context, roomKey, principalID string, role domain.Role) error
}

// MemberHandler handles owner moderation of room members. Bans take effect on
// the next join; an already-attached session rides out its connection.
type MemberHandler struct {
	rooms     RoomStore
	members   MemberAdmin
	admission *admission.Service
	logger    *slog.Logger
}

func NewMemberHandler(rooms RoomStore, members MemberAdmin, adm *admission.Service, logger *slog.Logger) *MemberHandler {
	return &MemberHandler{
		rooms:     rooms,
		members:   members,
		admission: adm,
		logger:    logger,
	}
}

// BanMember handles POST /rooms/{key}/bans/{principal}
func (h *MemberHandler) BanMember(w http.ResponseWriter, r *http.Request) {
	h.setBanned(w, r, true)
}

// UnbanMember handles DELETE /rooms/{key}/bans/{principal}
func (h *MemberHandler) UnbanMember(w http.ResponseWriter, r *http.Request) {
	h.setBanned(w, r, false)
}

func (h *MemberHandler) setBanned(w http.ResponseWriter, r *http.Request, banned bool) {
	room, target, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if target == room.OwnerRef {
		writeError(w, http.StatusBadRequest, "cannot ban the room owner")
		return
	}
	if domain.IsGuestID(target) {
		writeError(w, http.StatusBadRequest, "guests have no membership to ban")
		return
	}

	if err := h.members.SetBanned(r.Context(), room.RoomKey, target, banned); err != nil {
		if errors.Is(err, domain.ErrMemberMissing) {
			writeError(w, http.StatusNotFound, "member not found")
			return
		}
		h.logger.Error("set banned", "room", room.RoomKey, "principal", target, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update member")
		return
	}

	h.logger.Info("member ban updated", "room", room.RoomKey, "principal", target, "banned", banned)
	w.WriteHeader(http.StatusNoContent)
}

// SetMemberRole handles PUT /rooms/{key}/members/{principal}/role
func (h *MemberHandler) SetMemberRole(w http.ResponseWriter, r *http.Request) {
	room, target, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if target == room.OwnerRef {
		writeError(w, http.StatusBadRequest, "the owner role is fixed")
		return
	}

	var input struct {
		Role domain.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if input.Role != domain.RoleEditor && input.Role != domain.RoleViewer {
		writeError(w, http.StatusBadRequest, "role must be 'editor' or 'viewer'")
		return
	}

	if err := h.members.SetRole(r.Context(), room.RoomKey, target, input.Role); err != nil {
		if errors.Is(err, domain.ErrMemberMissing) {
			writeError(w, http.StatusNotFound, "member not found")
			return
		}
		h.logger.Error("set role", "room", room.RoomKey, "principal", target, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update member")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"room_key":     room.RoomKey,
		"principal_id": target,
		"role":         string(input.Role),
	})
}

// authorize loads the room and requires the caller to be its owner.
func (h *MemberHandler) authorize(w http.ResponseWriter, r *http.Request) (*domain.Room, string, bool) {
	room, err := h.rooms.Find(r.Context(), r.PathValue("key"))
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
		} else {
			h.logger.Error("find room", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load room")
		}
		return nil, "", false
	}

	principal, err := h.admission.Resolve(bearerToken(r), "")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil, "", false
	}

	allowed, err := h.admission.AuthorizeAction(r.Context(), room.RoomKey, principal, admission.ActionChangeSettings)
	if err != nil {
		h.logger.Error("authorize action", "room", room.RoomKey, "error", err)
		writeError(w, http.StatusInternalServerError, "authorization failed")
		return nil, "", false
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "owner role required")
		return nil, "", false
	}

	target := r.PathValue("principal")
	if target == "" {
		writeError(w, http.StatusBadRequest, "principal required")
		return nil, "", false
	}
	return room, target, true
}
