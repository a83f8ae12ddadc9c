package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coedit/hub/internal/domain"
)

// RoomStore handles room and snapshot data access.
type RoomStore struct {
	db *DB
}

func NewRoomStore(db *DB) *RoomStore {
	return &RoomStore{db: db}
}

const roomColumns = `room_key, join_code, name, owner_ref, visibility,
       COALESCE(password_hash, ''), capacity, language,
       last_activity, COALESCE(last_saved, 'epoch'::timestamptz),
       COALESCE(last_save_reason, ''), created_at`

func scanRoom(row pgx.Row) (*domain.Room, error) {
	room := &domain.Room{}
	var reason string
	err := row.Scan(
		&room.RoomKey, &room.JoinCode, &room.Name, &room.OwnerRef, &room.Visibility,
		&room.PasswordHash, &room.Capacity, &room.Language,
		&room.LastActivity, &room.LastSaved, &reason, &room.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	room.LastReason = domain.SaveReason(reason)
	return room, nil
}

// Create inserts a new room row.
func (r *RoomStore) Create(ctx context.Context, room *domain.Room) error {
	var passwordHash *string
	if room.PasswordHash != "" {
		passwordHash = &room.PasswordHash
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO rooms (room_key, join_code, name, owner_ref, visibility, password_hash, capacity, language)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, room.RoomKey, room.JoinCode, room.Name, room.OwnerRef, room.Visibility,
		passwordHash, room.Capacity, room.Language)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// Find resolves a room key or join code to room metadata. Either uniquely
// addresses the room.
func (r *RoomStore) Find(ctx context.Context, keyOrCode string) (*domain.Room, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+roomColumns+`
		FROM rooms WHERE room_key = $1 OR join_code = $1
	`, keyOrCode)
	return scanRoom(row)
}

// LoadRoom returns the room metadata together with its document snapshot.
// Not-found is reported as domain.ErrRoomNotFound.
func (r *RoomStore) LoadRoom(ctx context.Context, roomKey string) (*domain.Room, []byte, string, error) {
	room := &domain.Room{}
	var (
		blob     []byte
		fallback string
		reason   string
	)
	err := r.db.Pool.QueryRow(ctx, `
		SELECT room_key, join_code, name, owner_ref, visibility,
		       COALESCE(password_hash, ''), capacity, language,
		       document_blob, fallback_text,
		       last_activity, COALESCE(last_saved, 'epoch'::timestamptz),
		       COALESCE(last_save_reason, ''), created_at
		FROM rooms WHERE room_key = $1
	`, roomKey).Scan(
		&room.RoomKey, &room.JoinCode, &room.Name, &room.OwnerRef, &room.Visibility,
		&room.PasswordHash, &room.Capacity, &room.Language,
		&blob, &fallback,
		&room.LastActivity, &room.LastSaved, &reason, &room.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, "", domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("load room %s: %w", roomKey, err)
	}
	room.LastReason = domain.SaveReason(reason)
	return room, blob, fallback, nil
}

// SaveRoom atomically replaces the document snapshot, its text fallback, and
// the room language in one statement.
func (r *RoomStore) SaveRoom(ctx context.Context, roomKey string, blob []byte, fallbackText, language string, reason domain.SaveReason, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE rooms
		SET document_blob = $2, fallback_text = $3, language = $4,
		    last_saved = $5, last_save_reason = $6, last_activity = $5
		WHERE room_key = $1
	`, roomKey, blob, fallbackText, language, at, string(reason))
	if err != nil {
		return fmt.Errorf("save room %s: %w", roomKey, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// RotateJoinCode replaces the join capability. The old code stops addressing
// the room immediately.
func (r *RoomStore) RotateJoinCode(ctx context.Context, roomKey, newCode string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE rooms SET join_code = $2 WHERE room_key = $1`, roomKey, newCode)
	if err != nil {
		return fmt.Errorf("rotate join code for %s: %w", roomKey, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// PurgeRoom deletes the room and, via cascade, all its member rows.
func (r *RoomStore) PurgeRoom(ctx context.Context, roomKey string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM rooms WHERE room_key = $1`, roomKey)
	if err != nil {
		return fmt.Errorf("purge room %s: %w", roomKey, err)
	}
	return nil
}
