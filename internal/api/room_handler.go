// Package api implements the room management HTTP surface. Realtime traffic
// never passes through here; these endpoints create, inspect, and tear down
// rooms around the live WebSocket sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coedit/hub/internal/admission"
	"github.com/coedit/hub/internal/domain"
	"github.com/coedit/hub/internal/pubsub"
)

// RoomStore is the slice of the document store the handlers mutate.
type RoomStore interface {
	Create(ctx context.Context, room *domain.Room) error
	Find(ctx context.Context, keyOrCode string) (*domain.Room, error)
	RotateJoinCode(ctx context.Context, roomKey, newCode string) error
	PurgeRoom(ctx context.Context, roomKey string) error
}

// SnapshotPurger removes archived snapshots after a room purge; nil disables.
type SnapshotPurger interface {
	Delete(ctx context.Context, roomKey string) error
}

// RoomHandler handles room lifecycle endpoints.
type RoomHandler struct {
	rooms     RoomStore
	admission *admission.Service
	ps        pubsub.PubSub
	archive   SnapshotPurger
	logger    *slog.Logger
}

func NewRoomHandler(rooms RoomStore, adm *admission.Service, ps pubsub.PubSub, archive SnapshotPurger, logger *slog.Logger) *RoomHandler {
	return &RoomHandler{
		rooms:     rooms,
		admission: adm,
		ps:        ps,
		archive:   archive,
		logger:    logger,
	}
}

type roomResponse struct {
	RoomKey    string            `json:"room_key"`
	JoinCode   string            `json:"join_code,omitempty"` // owner only
	Name       string            `json:"name"`
	Visibility domain.Visibility `json:"visibility"`
	Capacity   int               `json:"capacity"`
	Language   string            `json:"language"`
	CreatedAt  time.Time         `json:"created_at"`
}

func toResponse(room *domain.Room, includeCode bool) roomResponse {
	resp := roomResponse{
		RoomKey:    room.RoomKey,
		Name:       room.Name,
		Visibility: room.Visibility,
		Capacity:   room.Capacity,
		Language:   room.Language,
		CreatedAt:  room.CreatedAt,
	}
	if includeCode {
		resp.JoinCode = room.JoinCode
	}
	return resp
}

// principal resolves the request's bearer token, falling back to a guest.
func (h *RoomHandler) principal(r *http.Request) (domain.Principal, error) {
	return h.admission.Resolve(bearerToken(r), r.Header.Get("X-Display-Name"))
}

// CreateRoom handles POST /rooms
func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	principal, err := h.principal(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	var input struct {
		Name       string `json:"name"`
		Visibility string `json:"visibility"`
		Password   string `json:"password"`
		Capacity   int    `json:"capacity"`
		Language   string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	visibility := domain.Visibility(input.Visibility)
	if visibility == "" {
		visibility = domain.VisibilityPublic
	}
	if visibility != domain.VisibilityPublic && visibility != domain.VisibilityPrivate {
		writeError(w, http.StatusBadRequest, "visibility must be 'public' or 'private'")
		return
	}
	if visibility == domain.VisibilityPrivate && input.Password == "" {
		writeError(w, http.StatusBadRequest, "private rooms require a password")
		return
	}
	if input.Capacity == 0 {
		input.Capacity = domain.MaxCapacity
	}
	if input.Capacity < 1 || input.Capacity > domain.MaxCapacity {
		writeError(w, http.StatusBadRequest, "capacity out of range")
		return
	}
	if input.Language == "" {
		input.Language = domain.DefaultLanguage
	}
	if len(input.Name) > 100 {
		writeError(w, http.StatusBadRequest, "name too long (max 100)")
		return
	}

	room := &domain.Room{
		RoomKey:    domain.NewRoomKey(),
		JoinCode:   domain.NewJoinCode(),
		Name:       input.Name,
		OwnerRef:   principal.ID,
		Visibility: visibility,
		Capacity:   input.Capacity,
		Language:   input.Language,
		CreatedAt:  time.Now(),
	}
	if visibility == domain.VisibilityPrivate {
		hash, err := admission.HashPassword(input.Password)
		if err != nil {
			h.logger.Error("hash room password", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create room")
			return
		}
		room.PasswordHash = hash
	}

	if err := h.rooms.Create(r.Context(), room); err != nil {
		h.logger.Error("create room", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	h.logger.Info("room created", "room", room.RoomKey, "owner", principal.ID, "visibility", visibility)
	writeJSON(w, http.StatusCreated, toResponse(room, true))
}

// GetRoom handles GET /rooms/{key}
func (h *RoomHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Find(r.Context(), r.PathValue("key"))
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		h.logger.Error("find room", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load room")
		return
	}

	principal, err := h.principal(r)
	isOwner := err == nil && principal.ID == room.OwnerRef
	writeJSON(w, http.StatusOK, toResponse(room, isOwner))
}

// DeleteRoom handles DELETE /rooms/{key}. The purge event fans out so a live
// actor on any node kicks its sessions and terminates without saving.
func (h *RoomHandler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	room, principal, ok := h.authorizeOwner(w, r, admission.ActionDeleteRoom)
	if !ok {
		return
	}

	if err := h.rooms.PurgeRoom(r.Context(), room.RoomKey); err != nil {
		h.logger.Error("purge room", "room", room.RoomKey, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete room")
		return
	}

	if msg, err := pubsub.NewRoomEvent(pubsub.EventRoomPurged, pubsub.RoomEventPayload{RoomKey: room.RoomKey}); err == nil {
		if err := h.ps.Publish(r.Context(), msg.Topic, msg); err != nil {
			h.logger.Warn("publish room purge", "room", room.RoomKey, "error", err)
		}
	}

	if h.archive != nil {
		if err := h.archive.Delete(r.Context(), room.RoomKey); err != nil {
			h.logger.Warn("delete archived snapshot", "room", room.RoomKey, "error", err)
		}
	}

	h.logger.Info("room deleted", "room", room.RoomKey, "owner", principal.ID)
	w.WriteHeader(http.StatusNoContent)
}

// RotateJoinCode handles POST /rooms/{key}/rotate-code. Outstanding codes stop
// working immediately; live sessions are unaffected.
func (h *RoomHandler) RotateJoinCode(w http.ResponseWriter, r *http.Request) {
	room, _, ok := h.authorizeOwner(w, r, admission.ActionChangeSettings)
	if !ok {
		return
	}

	newCode := domain.NewJoinCode()
	if err := h.rooms.RotateJoinCode(r.Context(), room.RoomKey, newCode); err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		h.logger.Error("rotate join code", "room", room.RoomKey, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to rotate join code")
		return
	}

	if msg, err := pubsub.NewRoomEvent(pubsub.EventCodeRotated, pubsub.RoomEventPayload{
		RoomKey:  room.RoomKey,
		JoinCode: newCode,
	}); err == nil {
		if err := h.ps.Publish(r.Context(), msg.Topic, msg); err != nil {
			h.logger.Warn("publish code rotation", "room", room.RoomKey, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"room_key":  room.RoomKey,
		"join_code": newCode,
	})
}

// authorizeOwner loads the room and requires the caller to hold the owner
// role for the given action. Writes the error response itself on failure.
func (h *RoomHandler) authorizeOwner(w http.ResponseWriter, r *http.Request, action admission.Action) (*domain.Room, domain.Principal, bool) {
	room, err := h.rooms.Find(r.Context(), r.PathValue("key"))
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
		} else {
			h.logger.Error("find room", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load room")
		}
		return nil, domain.Principal{}, false
	}

	principal, err := h.principal(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil, domain.Principal{}, false
	}

	allowed, err := h.admission.AuthorizeAction(r.Context(), room.RoomKey, principal, action)
	if err != nil {
		h.logger.Error("authorize action", "room", room.RoomKey, "error", err)
		writeError(w, http.StatusInternalServerError, "authorization failed")
		return nil, domain.Principal{}, false
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "owner role required")
		return nil, domain.Principal{}, false
	}
	return room, principal, true
}
