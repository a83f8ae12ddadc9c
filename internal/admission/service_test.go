package admission

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit/hub/internal/domain"
)

type fakeRooms struct {
	room *domain.Room
}

func (f *fakeRooms) Find(ctx context.Context, keyOrCode string) (*domain.Room, error) {
	if f.room != nil && (keyOrCode == f.room.RoomKey || keyOrCode == f.room.JoinCode) {
		copied := *f.room
		return &copied, nil
	}
	return nil, domain.ErrRoomNotFound
}

type fakeMembers struct {
	members map[string]*domain.Member
	online  int
}

func (f *fakeMembers) Get(ctx context.Context, roomKey, principalID string) (*domain.Member, error) {
	if member, ok := f.members[principalID]; ok {
		return member, nil
	}
	return nil, domain.ErrMemberMissing
}

func (f *fakeMembers) CountOnline(ctx context.Context, roomKey string) (int, error) {
	return f.online, nil
}

type fakeGuests struct{ count int }

func (f *fakeGuests) CountGuests(ctx context.Context, roomKey string) (int, error) {
	return f.count, nil
}

func testService(t *testing.T, room *domain.Room, members *fakeMembers, guests GuestCounter) *Service {
	t.Helper()
	if members == nil {
		members = &fakeMembers{}
	}
	tokens, err := NewTokenService(strings.Repeat("k", 32))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(&fakeRooms{room: room}, members, guests, tokens, logger)
}

func publicRoom() *domain.Room {
	return &domain.Room{
		RoomKey:    "ABC123",
		JoinCode:   "WXYZ2345",
		OwnerRef:   "user-owner",
		Visibility: domain.VisibilityPublic,
		Capacity:   3,
		Language:   domain.DefaultLanguage,
	}
}

// ----------------------------------------------------------------------------

func TestResolve_EmptyTokenSynthesizesGuest(t *testing.T) {
	svc := testService(t, publicRoom(), nil, nil)

	p, err := svc.Resolve("", "Ada")
	require.NoError(t, err)
	assert.True(t, p.IsGuest())
	assert.Equal(t, "Ada", p.DisplayName)
	assert.True(t, domain.IsGuestID(p.ID))

	// Two guests never collide.
	q, err := svc.Resolve("", "Ada")
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, q.ID)
}

func TestResolve_ValidToken(t *testing.T) {
	svc := testService(t, publicRoom(), nil, nil)
	token, err := svc.tokens.Issue("user-7", "Grace", time.Hour)
	require.NoError(t, err)

	p, err := svc.Resolve(token, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "user-7", p.ID)
	assert.Equal(t, "Grace", p.DisplayName)
	assert.False(t, p.IsGuest())
}

func TestResolve_MalformedTokenRejected(t *testing.T) {
	svc := testService(t, publicRoom(), nil, nil)
	_, err := svc.Resolve("garbage", "Ada")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestAuthorizeJoin_GuestGetsEditorRole(t *testing.T) {
	svc := testService(t, publicRoom(), nil, nil)
	guest := domain.NewGuest("Ada")

	decision, err := svc.AuthorizeJoin(context.Background(), "ABC123", guest, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleEditor, decision.Role)
	assert.Equal(t, "ABC123", decision.Room.RoomKey)
}

func TestAuthorizeJoin_ByJoinCode(t *testing.T) {
	svc := testService(t, publicRoom(), nil, nil)
	decision, err := svc.AuthorizeJoin(context.Background(), "WXYZ2345", domain.NewGuest(""), "")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", decision.Room.RoomKey)
}

func TestAuthorizeJoin_OwnerRole(t *testing.T) {
	svc := testService(t, publicRoom(), nil, nil)
	owner := domain.Principal{ID: "user-owner", Kind: domain.PrincipalUser}

	decision, err := svc.AuthorizeJoin(context.Background(), "ABC123", owner, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, decision.Role)
}

func TestAuthorizeJoin_MemberRolePreserved(t *testing.T) {
	members := &fakeMembers{members: map[string]*domain.Member{
		"user-2": {RoomKey: "ABC123", PrincipalID: "user-2", Role: domain.RoleViewer},
	}}
	svc := testService(t, publicRoom(), members, nil)

	decision, err := svc.AuthorizeJoin(context.Background(), "ABC123",
		domain.Principal{ID: "user-2", Kind: domain.PrincipalUser}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleViewer, decision.Role)
}

func TestAuthorizeJoin_BannedMemberRejected(t *testing.T) {
	members := &fakeMembers{members: map[string]*domain.Member{
		"user-3": {RoomKey: "ABC123", PrincipalID: "user-3", Role: domain.RoleEditor, Banned: true},
	}}
	svc := testService(t, publicRoom(), members, nil)

	_, err := svc.AuthorizeJoin(context.Background(), "ABC123",
		domain.Principal{ID: "user-3", Kind: domain.PrincipalUser}, "")
	assert.ErrorIs(t, err, domain.ErrBanned)
}

func TestAuthorizeJoin_UnknownRoom(t *testing.T) {
	svc := testService(t, publicRoom(), nil, nil)
	_, err := svc.AuthorizeJoin(context.Background(), "NOPE42", domain.NewGuest(""), "")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestAuthorizeJoin_PrivateRoomPassword(t *testing.T) {
	room := publicRoom()
	room.Visibility = domain.VisibilityPrivate
	hash, err := HashPassword("sesame")
	require.NoError(t, err)
	room.PasswordHash = hash
	svc := testService(t, room, nil, nil)
	guest := domain.NewGuest("")

	_, err = svc.AuthorizeJoin(context.Background(), "ABC123", guest, "")
	assert.ErrorIs(t, err, domain.ErrPasswordRequired)

	_, err = svc.AuthorizeJoin(context.Background(), "ABC123", guest, "wrong")
	assert.ErrorIs(t, err, domain.ErrPasswordInvalid)

	decision, err := svc.AuthorizeJoin(context.Background(), "ABC123", guest, "sesame")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleEditor, decision.Role)
}

func TestAuthorizeJoin_CapacityIncludesGuests(t *testing.T) {
	// Capacity 3: two members online plus one tracked guest fills the room.
	members := &fakeMembers{online: 2}
	svc := testService(t, publicRoom(), members, &fakeGuests{count: 1})

	_, err := svc.AuthorizeJoin(context.Background(), "ABC123", domain.NewGuest(""), "")
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	svc = testService(t, publicRoom(), members, &fakeGuests{count: 0})
	_, err = svc.AuthorizeJoin(context.Background(), "ABC123", domain.NewGuest(""), "")
	assert.NoError(t, err)
}

func TestAuthorizeAction_OwnerOnlyOperations(t *testing.T) {
	svc := testService(t, publicRoom(), nil, nil)
	ctx := context.Background()
	owner := domain.Principal{ID: "user-owner", Kind: domain.PrincipalUser}
	guest := domain.NewGuest("")

	allowed, err := svc.AuthorizeAction(ctx, "ABC123", owner, ActionDeleteRoom)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = svc.AuthorizeAction(ctx, "ABC123", guest, ActionDeleteRoom)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = svc.AuthorizeAction(ctx, "ABC123", guest, ActionEdit)
	require.NoError(t, err)
	assert.True(t, allowed)
}
