package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/coedit/hub/internal/domain"
)

// MemberStore handles membership rows. Guests are never written here; their
// occupancy lives in the actor and the guest-session registry.
type MemberStore struct {
	db *DB
}

func NewMemberStore(db *DB) *MemberStore {
	return &MemberStore{db: db}
}

// Get returns the membership row for a principal.
func (m *MemberStore) Get(ctx context.Context, roomKey, principalID string) (*domain.Member, error) {
	member := &domain.Member{}
	err := m.db.Pool.QueryRow(ctx, `
		SELECT room_key, principal_id, role, banned, joined_at, last_seen, online
		FROM room_members WHERE room_key = $1 AND principal_id = $2
	`, roomKey, principalID).Scan(
		&member.RoomKey, &member.PrincipalID, &member.Role, &member.Banned,
		&member.JoinedAt, &member.LastSeen, &member.Online,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMemberMissing
	}
	if err != nil {
		return nil, err
	}
	return member, nil
}

// Upsert creates or refreshes the (room, principal) row. The composite
// primary key guarantees at most one row per pair.
func (m *MemberStore) Upsert(ctx context.Context, roomKey, principalID string, role domain.Role) error {
	_, err := m.db.Pool.Exec(ctx, `
		INSERT INTO room_members (room_key, principal_id, role, last_seen)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (room_key, principal_id)
		DO UPDATE SET last_seen = NOW()
	`, roomKey, principalID, role)
	if err != nil {
		return fmt.Errorf("upsert member %s/%s: %w", roomKey, principalID, err)
	}
	return nil
}

// MarkOnline flips the advisory online flag and refreshes last_seen.
func (m *MemberStore) MarkOnline(ctx context.Context, roomKey, principalID string, online bool) error {
	_, err := m.db.Pool.Exec(ctx, `
		UPDATE room_members SET online = $3, last_seen = NOW()
		WHERE room_key = $1 AND principal_id = $2
	`, roomKey, principalID, online)
	if err != nil {
		return fmt.Errorf("mark member %s/%s online=%t: %w", roomKey, principalID, online, err)
	}
	return nil
}

// MarkAllOffline clears the online flag for every member of a room. Called on
// actor termination so bookkeeping converges even after a crash.
func (m *MemberStore) MarkAllOffline(ctx context.Context, roomKey string) error {
	_, err := m.db.Pool.Exec(ctx,
		`UPDATE room_members SET online = FALSE WHERE room_key = $1`, roomKey)
	if err != nil {
		return fmt.Errorf("mark room %s offline: %w", roomKey, err)
	}
	return nil
}

// CountOnline returns the number of members currently flagged online.
func (m *MemberStore) CountOnline(ctx context.Context, roomKey string) (int, error) {
	var count int
	err := m.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM room_members WHERE room_key = $1 AND online`, roomKey,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count online members of %s: %w", roomKey, err)
	}
	return count, nil
}

// SetBanned flips the banned flag on a membership row.
func (m *MemberStore) SetBanned(ctx context.Context, roomKey, principalID string, banned bool) error {
	tag, err := m.db.Pool.Exec(ctx, `
		UPDATE room_members SET banned = $3 WHERE room_key = $1 AND principal_id = $2
	`, roomKey, principalID, banned)
	if err != nil {
		return fmt.Errorf("set banned %s/%s: %w", roomKey, principalID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMemberMissing
	}
	return nil
}

// SetRole updates a member's role.
func (m *MemberStore) SetRole(ctx context.Context, roomKey, principalID string, role domain.Role) error {
	tag, err := m.db.Pool.Exec(ctx, `
		UPDATE room_members SET role = $3 WHERE room_key = $1 AND principal_id = $2
	`, roomKey, principalID, role)
	if err != nil {
		return fmt.Errorf("set role %s/%s: %w", roomKey, principalID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMemberMissing
	}
	return nil
}
