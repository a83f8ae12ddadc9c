package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit/hub/internal/crdt"
	"github.com/coedit/hub/internal/domain"
	"github.com/coedit/hub/internal/protocol"
	"github.com/coedit/hub/internal/pubsub"
)

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

type savedSnapshot struct {
	blob     []byte
	text     string
	language string
	reason   domain.SaveReason
}

type fakeStore struct {
	mu        sync.Mutex
	room      domain.Room
	blob      []byte
	saves     []savedSnapshot
	loadErr   error
	failLoads int
	loads     int
	saveErr   error
}

func newFakeStore(capacity int) *fakeStore {
	return &fakeStore{
		room: domain.Room{
			RoomKey:    "ABC123",
			JoinCode:   "WXYZ2345",
			OwnerRef:   "owner-1",
			Visibility: domain.VisibilityPublic,
			Capacity:   capacity,
			Language:   domain.DefaultLanguage,
		},
	}
}

func (s *fakeStore) LoadRoom(ctx context.Context, roomKey string) (*domain.Room, []byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.failLoads > 0 {
		s.failLoads--
		return nil, nil, "", errors.New("store down")
	}
	if s.loadErr != nil {
		return nil, nil, "", s.loadErr
	}
	room := s.room
	return &room, s.blob, "", nil
}

func (s *fakeStore) SaveRoom(ctx context.Context, roomKey string, blob []byte, fallbackText, language string, reason domain.SaveReason, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.blob = blob
	s.saves = append(s.saves, savedSnapshot{blob: blob, text: fallbackText, language: language, reason: reason})
	return nil
}

func (s *fakeStore) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *fakeStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *fakeStore) savedReasons() []domain.SaveReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	reasons := make([]domain.SaveReason, len(s.saves))
	for i, save := range s.saves {
		reasons[i] = save.reason
	}
	return reasons
}

func (s *fakeStore) lastSave() savedSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[len(s.saves)-1]
}

type fakeMembers struct {
	mu         sync.Mutex
	upserts    int
	allOffline int
}

func (m *fakeMembers) Upsert(ctx context.Context, roomKey, principalID string, role domain.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	return nil
}

func (m *fakeMembers) MarkOnline(ctx context.Context, roomKey, principalID string, online bool) error {
	return nil
}

func (m *fakeMembers) MarkAllOffline(ctx context.Context, roomKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allOffline++
	return nil
}

type fakeGuests struct {
	mu      sync.Mutex
	touches map[string]int
	drops   map[string]int
}

func newFakeGuests() *fakeGuests {
	return &fakeGuests{touches: make(map[string]int), drops: make(map[string]int)}
}

func (g *fakeGuests) Touch(ctx context.Context, roomKey, principalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.touches[principalID]++
	return nil
}

func (g *fakeGuests) Drop(ctx context.Context, roomKey, principalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drops[principalID]++
	return nil
}

func (g *fakeGuests) touched(principalID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.touches[principalID]
}

func (g *fakeGuests) droppedCount(principalID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.drops[principalID]
}

type fakePeer struct {
	id   string
	p    domain.Principal
	role domain.Role

	mu         sync.Mutex
	frames     []*protocol.Frame
	reject     bool
	kickedKind domain.ErrorKind
}

func newFakePeer(session, principal string, role domain.Role) *fakePeer {
	return &fakePeer{
		id:   session,
		p:    domain.Principal{ID: principal, DisplayName: principal, Kind: domain.PrincipalUser},
		role: role,
	}
}

func newGuestPeer(session, principal string, role domain.Role) *fakePeer {
	peer := newFakePeer(session, principal, role)
	peer.p.Kind = domain.PrincipalGuest
	return peer
}

func (f *fakePeer) SessionID() string            { return f.id }
func (f *fakePeer) Principal() domain.Principal  { return f.p }
func (f *fakePeer) Role() domain.Role            { return f.role }

func (f *fakePeer) Enqueue(frame *protocol.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject && !protocol.Transient(frame.Type) {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakePeer) Kick(kind domain.ErrorKind, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kickedKind == "" {
		f.kickedKind = kind
	}
}

func (f *fakePeer) kickedWith() domain.ErrorKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kickedKind
}

func (f *fakePeer) framesOfType(frameType string) []*protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Frame
	for _, frame := range f.frames {
		if frame.Type == frameType {
			out = append(out, frame)
		}
	}
	return out
}

func (f *fakePeer) waitForFrame(t *testing.T, frameType string) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := f.framesOfType(frameType); len(frames) > 0 {
			return frames[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q frame arrived", frameType)
	return nil
}

// ----------------------------------------------------------------------------
// Harness
// ----------------------------------------------------------------------------

func testOptions() Options {
	return Options{
		DebouncePeriod:  30 * time.Millisecond,
		MaxStaleness:    120 * time.Millisecond,
		IdleGracePeriod: time.Hour,
		TypingTTL:       50 * time.Millisecond,
		SaveRetryBudget: 3,
		SaveBackoff:     5 * time.Millisecond,
		SaveBackoffCap:  20 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T, store *fakeStore, opts Options) (*Registry, pubsub.PubSub) {
	t.Helper()
	ps := pubsub.NewMemoryPubSub()
	reg := NewRegistry(Deps{
		Store:   store,
		Members: &fakeMembers{},
		PubSub:  ps,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
		_ = ps.Close()
	})
	return reg, ps
}

func newTestRegistryWithGuests(t *testing.T, store *fakeStore, guests GuestTracker, opts Options) *Registry {
	t.Helper()
	ps := pubsub.NewMemoryPubSub()
	reg := NewRegistry(Deps{
		Store:   store,
		Members: &fakeMembers{},
		Guests:  guests,
		PubSub:  ps,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
		_ = ps.Close()
	})
	return reg
}

func mustAttach(t *testing.T, a *Actor, peer *fakePeer) *protocol.HelloAckPayload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ack, err := a.Attach(ctx, peer)
	require.NoError(t, err)
	return ack
}

// editUpdate produces a valid incremental update appending s, built on a fork
// of the given base state the way a live client would.
func editUpdate(t *testing.T, base []byte, s string) []byte {
	t.Helper()
	doc, err := crdt.Load(base)
	require.NoError(t, err)
	update, err := doc.AppendText(s)
	require.NoError(t, err)
	return update
}

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

func TestActor_AttachDeliversSnapshot(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	ack := mustAttach(t, actor, alice)

	assert.Equal(t, "ABC123", ack.Room)
	assert.Equal(t, domain.RoleEditor, ack.Role)
	assert.Equal(t, domain.DefaultLanguage, ack.Snapshot.Language)
	assert.Len(t, ack.Snapshot.Users, 1)
	assert.NotEmpty(t, ack.Snapshot.Document)

	bob := newFakePeer("s2", "bob", domain.RoleEditor)
	ack = mustAttach(t, actor, bob)
	assert.Len(t, ack.Snapshot.Users, 2)

	alice.waitForFrame(t, protocol.TypeUserJoined)
}

func TestActor_UpdatesConvergeAcrossPeers(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	bob := newFakePeer("s2", "bob", domain.RoleEditor)
	ackA := mustAttach(t, actor, alice)
	ackB := mustAttach(t, actor, bob)

	actor.SubmitUpdate(alice, editUpdate(t, ackA.Snapshot.Document, "hello "))
	bob.waitForFrame(t, protocol.TypeCrdtUpdate)
	actor.SubmitUpdate(bob, editUpdate(t, ackB.Snapshot.Document, "world"))
	alice.waitForFrame(t, protocol.TypeCrdtUpdate)

	// Both updates are merged once each peer has seen the other's; a late
	// joiner's snapshot holds both edits in some deterministic interleaving.
	carol := newFakePeer("s3", "carol", domain.RoleViewer)
	ack := mustAttach(t, actor, carol)
	doc, err := crdt.Load(ack.Snapshot.Document)
	require.NoError(t, err)
	text := doc.TextProjection()
	assert.Len(t, text, len("hello ")+len("world"))
	assert.True(t, text == "hello world" || text == "worldhello ", "unexpected merge: %q", text)
}

func TestActor_BroadcastPreservesOrder(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	bob := newFakePeer("s2", "bob", domain.RoleEditor)
	ack := mustAttach(t, actor, alice)
	mustAttach(t, actor, bob)

	// Sequential edits from one source must reach the peer in submit order.
	doc, err := crdt.Load(ack.Snapshot.Document)
	require.NoError(t, err)
	var updates [][]byte
	for i := 0; i < 5; i++ {
		update, err := doc.AppendText(fmt.Sprintf("%d", i))
		require.NoError(t, err)
		updates = append(updates, update)
	}
	for _, update := range updates {
		actor.SubmitUpdate(alice, update)
	}

	require.Eventually(t, func() bool {
		return len(bob.framesOfType(protocol.TypeCrdtUpdate)) == 5
	}, 2*time.Second, 10*time.Millisecond)

	got := bob.framesOfType(protocol.TypeCrdtUpdate)
	for i, frame := range got {
		var payload protocol.CrdtBroadcastPayload
		require.NoError(t, jsonUnmarshal(frame.Payload, &payload))
		assert.Equal(t, updates[i], payload.Blob, "frame %d out of order", i)
		assert.Equal(t, "alice", payload.Origin)
	}
}

func TestActor_ViewerCannotEdit(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	viewer := newFakePeer("s1", "vera", domain.RoleViewer)
	ack := mustAttach(t, actor, viewer)

	actor.SubmitUpdate(viewer, editUpdate(t, ack.Snapshot.Document, "nope"))

	frame := viewer.waitForFrame(t, protocol.TypeError)
	var payload protocol.ErrorPayload
	require.NoError(t, jsonUnmarshal(frame.Payload, &payload))
	assert.Equal(t, domain.ErrKindUnauthorized, payload.Kind)
	assert.Equal(t, domain.ErrorKind(""), viewer.kickedWith())
	assert.Zero(t, store.saveCount())
}

func TestActor_MalformedUpdateKicksSender(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	bob := newFakePeer("s2", "bob", domain.RoleEditor)
	mustAttach(t, actor, alice)
	ack := mustAttach(t, actor, bob)

	actor.SubmitUpdate(alice, []byte("not a crdt update"))

	require.Eventually(t, func() bool {
		return alice.kickedWith() == domain.ErrKindProtocolError
	}, 2*time.Second, 10*time.Millisecond)

	// The room survives and keeps serving the other peer.
	actor.SubmitUpdate(bob, editUpdate(t, ack.Snapshot.Document, "still here"))
	require.Eventually(t, func() bool {
		return store.saveCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActor_BackpressureClosesSlowPeer(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	slow := newFakePeer("s2", "slowpoke", domain.RoleEditor)
	slow.reject = true
	ack := mustAttach(t, actor, alice)
	mustAttach(t, actor, slow)

	actor.SubmitUpdate(alice, editUpdate(t, ack.Snapshot.Document, "x"))

	require.Eventually(t, func() bool {
		return slow.kickedWith() == domain.ErrKindBackpressure
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.ErrorKind(""), alice.kickedWith())
}

func TestActor_CapacityCountsPrincipalsNotSessions(t *testing.T) {
	store := newFakeStore(1)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	mustAttach(t, actor, newFakePeer("s1", "alice", domain.RoleEditor))
	// Same principal on a second device squeezes in.
	mustAttach(t, actor, newFakePeer("s2", "alice", domain.RoleEditor))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = actor.Attach(ctx, newFakePeer("s3", "bob", domain.RoleEditor))
	assert.ErrorIs(t, err, domain.ErrRoomFull)
}

func TestActor_DetachIsIdempotent(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	mustAttach(t, actor, alice)

	actor.Detach(alice, "leave")
	actor.Detach(alice, "transport closed")

	require.Eventually(t, func() bool {
		return store.saveCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, store.saveCount(), "duplicate detach must not save twice")
	assert.Equal(t, domain.SaveReasonLastLeft, store.lastSave().reason)
}

func TestActor_DebouncedSaveCarriesEdit(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	ack := mustAttach(t, actor, alice)
	actor.SubmitUpdate(alice, editUpdate(t, ack.Snapshot.Document, "persist me"))

	require.Eventually(t, func() bool {
		return store.saveCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	save := store.lastSave()
	assert.Equal(t, domain.SaveReasonDebounce, save.reason)
	assert.Equal(t, "persist me", save.text)

	doc, err := crdt.Load(save.blob)
	require.NoError(t, err)
	assert.Equal(t, "persist me", doc.TextProjection())
}

func TestActor_MaxStalenessBoundsContinuousEdits(t *testing.T) {
	store := newFakeStore(10)
	opts := testOptions()
	opts.DebouncePeriod = 40 * time.Millisecond
	opts.MaxStaleness = 100 * time.Millisecond
	reg, _ := newTestRegistry(t, store, opts)
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	ack := mustAttach(t, actor, alice)

	// Edit faster than the debounce period for several staleness windows.
	doc, err := crdt.Load(ack.Snapshot.Document)
	require.NoError(t, err)
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		update, err := doc.AppendText("x")
		require.NoError(t, err)
		actor.SubmitUpdate(alice, update)
		time.Sleep(15 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return store.saveCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, store.savedReasons(), domain.SaveReasonMaxStaleness)
}

func TestActor_DegradedModeWarnsPeers(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	ack := mustAttach(t, actor, alice)

	store.setSaveErr(errors.New("store down"))
	actor.SubmitUpdate(alice, editUpdate(t, ack.Snapshot.Document, "doomed"))

	frame := alice.waitForFrame(t, protocol.TypeWarning)
	var payload protocol.WarningPayload
	require.NoError(t, jsonUnmarshal(frame.Payload, &payload))
	assert.Equal(t, domain.WarnPersistenceStalled, payload.Kind)

	// Session stays open in degraded mode.
	assert.Equal(t, domain.ErrorKind(""), alice.kickedWith())

	// Store recovery drains the dirty state on the retry timer.
	store.setSaveErr(nil)
	require.Eventually(t, func() bool {
		return store.saveCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActor_PresenceFanout(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	bob := newFakePeer("s2", "bob", domain.RoleEditor)
	mustAttach(t, actor, alice)
	mustAttach(t, actor, bob)

	actor.SubmitCursor(alice, domain.Cursor{Line: 3, Column: 7}, nil)
	frame := bob.waitForFrame(t, protocol.TypeCursor)
	var cursor protocol.CursorBroadcastPayload
	require.NoError(t, jsonUnmarshal(frame.Payload, &cursor))
	assert.Equal(t, "alice", cursor.PrincipalID)
	assert.Equal(t, 3, cursor.Cursor.Line)
	assert.Empty(t, alice.framesOfType(protocol.TypeCursor), "sender must not echo its own cursor")

	actor.SubmitTyping(alice, true)
	frame = bob.waitForFrame(t, protocol.TypeTyping)
	var typing protocol.TypingBroadcastPayload
	require.NoError(t, jsonUnmarshal(frame.Payload, &typing))
	assert.True(t, typing.Typing)
}

func TestActor_UsersSnapshotTracksMembership(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	mustAttach(t, actor, alice)

	lastRoster := func() []domain.Presence {
		frames := alice.framesOfType(protocol.TypeUsersSnapshot)
		if len(frames) == 0 {
			return nil
		}
		var payload protocol.UsersSnapshotPayload
		if err := jsonUnmarshal(frames[len(frames)-1].Payload, &payload); err != nil {
			return nil
		}
		return payload.Users
	}

	bob := newFakePeer("s2", "bob", domain.RoleEditor)
	mustAttach(t, actor, bob)
	require.Eventually(t, func() bool {
		return len(lastRoster()) == 2
	}, 2*time.Second, 5*time.Millisecond, "join must refresh the full roster")

	actor.Detach(bob, "leave")
	require.Eventually(t, func() bool {
		users := lastRoster()
		return len(users) == 1 && users[0].PrincipalID == "alice"
	}, 2*time.Second, 5*time.Millisecond, "leave must refresh the full roster")
}

func TestActor_GuestRecordsRefreshWhileAttached(t *testing.T) {
	store := newFakeStore(10)
	guests := newFakeGuests()
	opts := testOptions()
	opts.GuestRefreshInterval = 15 * time.Millisecond
	reg := newTestRegistryWithGuests(t, store, guests, opts)
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	visitor := newGuestPeer("s1", "guest_1_aaaa", domain.RoleEditor)
	mustAttach(t, actor, visitor)

	// One touch lands at attach; the housekeeping tick must keep re-touching
	// so the registry record outlives its TTL for the whole session.
	require.Eventually(t, func() bool {
		return guests.touched("guest_1_aaaa") >= 3
	}, 2*time.Second, 5*time.Millisecond)

	actor.Detach(visitor, "leave")
	require.Eventually(t, func() bool {
		return guests.droppedCount("guest_1_aaaa") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestActor_LanguageChangeBroadcastsAndPersists(t *testing.T) {
	store := newFakeStore(10)
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	bob := newFakePeer("s2", "bob", domain.RoleViewer)
	mustAttach(t, actor, alice)
	mustAttach(t, actor, bob)

	actor.SubmitLanguage(alice, "go")

	frame := bob.waitForFrame(t, protocol.TypeLanguageChange)
	var payload protocol.LanguageBroadcastPayload
	require.NoError(t, jsonUnmarshal(frame.Payload, &payload))
	assert.Equal(t, "go", payload.Language)

	// Sender receives the confirmation too.
	alice.waitForFrame(t, protocol.TypeLanguageChange)

	require.Eventually(t, func() bool {
		return store.saveCount() >= 1 && store.lastSave().language == "go"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActor_PurgeKicksEveryoneWithoutSaving(t *testing.T) {
	store := newFakeStore(10)
	reg, ps := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	ack := mustAttach(t, actor, alice)
	actor.SubmitUpdate(alice, editUpdate(t, ack.Snapshot.Document, "gone"))

	msg, err := pubsub.NewRoomEvent(pubsub.EventRoomPurged, pubsub.RoomEventPayload{RoomKey: "ABC123"})
	require.NoError(t, err)
	require.NoError(t, ps.Publish(context.Background(), msg.Topic, msg))

	require.Eventually(t, func() bool {
		return alice.kickedWith() == domain.ErrKindRoomNotFound
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-actor.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not terminate after purge")
	}
	// The purge path must never write the deleted room back.
	for _, reason := range store.savedReasons() {
		assert.NotEqual(t, domain.SaveReasonCleanup, reason)
	}
}

func TestActor_LoadFailureRefusesJoins(t *testing.T) {
	store := newFakeStore(10)
	store.loadErr = errors.New("store down")
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = actor.Attach(ctx, newFakePeer("s1", "alice", domain.RoleEditor))
	require.Error(t, err)
	assert.True(t,
		errors.Is(err, domain.ErrRoomUnavailable) || errors.Is(err, domain.ErrActorTerminated),
		"expected a retryable rejection, got %v", err)
}

func TestActor_MissingRoomRejectsJoin(t *testing.T) {
	store := newFakeStore(10)
	store.loadErr = domain.ErrRoomNotFound
	reg, _ := newTestRegistry(t, store, testOptions())
	actor, err := reg.Acquire("NOPE42")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = actor.Attach(ctx, newFakePeer("s1", "alice", domain.RoleEditor))
	require.Error(t, err)
	assert.True(t,
		errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrActorTerminated),
		"expected not-found rejection, got %v", err)
}

func TestActor_IdleTeardownWithoutAnySession(t *testing.T) {
	store := newFakeStore(10)
	store.failLoads = 1
	opts := testOptions()
	opts.IdleGracePeriod = 40 * time.Millisecond
	opts.SaveBackoff = 150 * time.Millisecond
	opts.SaveBackoffCap = 150 * time.Millisecond
	reg, _ := newTestRegistry(t, store, opts)
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.loadCount() >= 1
	}, 2*time.Second, 2*time.Millisecond)

	// The join that spawned the actor is refused while the load retries.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = actor.Attach(ctx, newFakePeer("s1", "alice", domain.RoleEditor))
	require.ErrorIs(t, err, domain.ErrRoomUnavailable)

	// The retry succeeds with nobody attached. The grace timer must still
	// tear the actor down instead of leaving it running forever.
	select {
	case <-actor.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session-less actor outlived the idle grace period")
	}
	assert.GreaterOrEqual(t, store.loadCount(), 2, "load must have recovered before teardown")
}

func TestActor_IdleTeardownSavesOnce(t *testing.T) {
	store := newFakeStore(10)
	opts := testOptions()
	opts.IdleGracePeriod = 50 * time.Millisecond
	reg, _ := newTestRegistry(t, store, opts)
	actor, err := reg.Acquire("ABC123")
	require.NoError(t, err)

	alice := newFakePeer("s1", "alice", domain.RoleEditor)
	ack := mustAttach(t, actor, alice)
	actor.SubmitUpdate(alice, editUpdate(t, ack.Snapshot.Document, "bye"))
	actor.Detach(alice, "leave")

	select {
	case <-actor.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("actor did not terminate after the idle grace period")
	}

	reasons := store.savedReasons()
	assert.Contains(t, reasons, domain.SaveReasonLastLeft)
	save := store.lastSave()
	doc, err := crdt.Load(save.blob)
	require.NoError(t, err)
	assert.Equal(t, "bye", doc.TextProjection())

	// The room is joinable again through a fresh actor.
	again, err := reg.Acquire("ABC123")
	require.NoError(t, err)
	require.NotSame(t, actor, again)
	ack = mustAttach(t, again, newFakePeer("s2", "bob", domain.RoleEditor))
	doc, err = crdt.Load(ack.Snapshot.Document)
	require.NoError(t, err)
	assert.Equal(t, "bye", doc.TextProjection())
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
