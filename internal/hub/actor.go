package hub

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/coedit/hub/internal/crdt"
	"github.com/coedit/hub/internal/domain"
	"github.com/coedit/hub/internal/metrics"
	"github.com/coedit/hub/internal/protocol"
	"github.com/coedit/hub/internal/pubsub"
)

type actorState int

const (
	stateInitializing actorState = iota
	stateRunning
	stateDraining
	stateTerminated
)

// Actor owns one room: its document, session set, presence, dirty flag, and
// timers. Exactly one goroutine drains the command channel; all mutation
// happens there.
type Actor struct {
	key      string
	opts     Options
	store    Store
	members  Members
	guests   GuestTracker
	archiver Archiver
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	cmds   chan command
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	sub    pubsub.Subscription

	// Everything below is owned by the run loop.
	room     *domain.Room
	doc      *crdt.Doc
	sessions map[string]Peer
	presence map[string]*domain.Presence
	state    actorState
	degraded bool
	purged   bool

	dirty            bool
	dirtySince       time.Time
	updatesSinceSave int
	saveInFlight     bool
	savePending      bool
	saveFailures     int
	lastGuestRefresh time.Time

	saveTimer *time.Timer
	idleTimer *time.Timer
}

func newActor(key string, reg *Registry) *Actor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Actor{
		key:      key,
		opts:     reg.opts,
		store:    reg.deps.Store,
		members:  reg.deps.Members,
		guests:   reg.deps.Guests,
		archiver: reg.deps.Archiver,
		registry: reg,
		metrics:  reg.deps.Metrics,
		logger:   reg.deps.Logger.With("component", "room-actor", "room", key),
		cmds:     make(chan command, reg.opts.CommandBuffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		sessions: make(map[string]Peer),
		presence: make(map[string]*domain.Presence),
	}
}

// start subscribes to the room control topic and launches the loop.
func (a *Actor) start(ps pubsub.PubSub) {
	if ps != nil {
		sub, err := ps.Subscribe(context.Background(), pubsub.Topics.Room(a.key), a.onControlEvent)
		if err != nil {
			a.logger.Warn("control topic subscription failed", "error", err)
		} else {
			a.sub = sub
		}
	}
	a.metrics.ActiveRooms.Inc()
	go a.run()
}

// Done is closed when the actor has fully terminated.
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) terminated() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// stop requests termination; the loop drains and runs a final save.
func (a *Actor) stop() { a.cancel() }

// ============================================================================
// Session-facing API. These run on session goroutines and only touch the
// command channel.
// ============================================================================

// Attach admits a peer and returns the room snapshot. The capacity decision
// is made on the actor loop, so concurrent joins cannot oversubscribe.
func (a *Actor) Attach(ctx context.Context, peer Peer) (*protocol.HelloAckPayload, error) {
	reply := make(chan attachResult, 1)
	select {
	case a.cmds <- attachCmd{peer: peer, reply: reply}:
	case <-a.done:
		return nil, domain.ErrActorTerminated
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.ack, res.err
	case <-a.done:
		return nil, domain.ErrActorTerminated
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Detach is idempotent and safe after termination.
func (a *Actor) Detach(peer Peer, reason string) {
	a.enqueue(detachCmd{peer: peer, reason: reason})
}

func (a *Actor) SubmitUpdate(peer Peer, blob []byte) {
	a.enqueue(updateCmd{peer: peer, blob: blob})
}

func (a *Actor) SubmitCursor(peer Peer, cursor domain.Cursor, selection *domain.Selection) {
	a.enqueue(cursorCmd{peer: peer, cursor: cursor, selection: selection})
}

func (a *Actor) SubmitTyping(peer Peer, typing bool) {
	a.enqueue(typingCmd{peer: peer, typing: typing})
}

func (a *Actor) SubmitLanguage(peer Peer, language string) {
	a.enqueue(languageCmd{peer: peer, language: language})
}

func (a *Actor) enqueue(cmd command) {
	select {
	case a.cmds <- cmd:
	case <-a.done:
	}
}

func (a *Actor) onControlEvent(ctx context.Context, msg *pubsub.Message) {
	switch msg.Type {
	case pubsub.EventRoomPurged:
		a.enqueue(purgeCmd{})
	case pubsub.EventCodeRotated:
		var payload pubsub.RoomEventPayload
		if err := decodeEvent(msg, &payload); err == nil && payload.JoinCode != "" {
			a.enqueue(codeRotatedCmd{joinCode: payload.JoinCode})
		}
	}
}

// ============================================================================
// Run loop
// ============================================================================

func (a *Actor) run() {
	defer close(a.done)
	defer a.terminate()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("actor panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if !a.loadPhase() {
		return
	}
	a.state = stateRunning
	// Nobody is attached yet. If the joins that spawned this actor were all
	// refused during the load phase, the grace timer is the only thing that
	// tears the session-less actor down; the first attach stops it.
	a.idleTimer = time.NewTimer(a.opts.IdleGracePeriod)
	a.logger.Info("room actor running", "language", a.room.Language, "capacity", a.room.Capacity)
	a.loop()
}

// loadPhase initializes the document from the store. Joins arriving while a
// retry backoff runs are refused with a retryable error; joins arriving
// between Acquire and the first load attempt simply queue on the channel.
func (a *Actor) loadPhase() bool {
	backoff := a.opts.SaveBackoff
	for attempt := 1; ; attempt++ {
		loadCtx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		room, blob, _, err := a.store.LoadRoom(loadCtx, a.key)
		cancel()

		if err == nil {
			doc, derr := crdt.Load(blob)
			if derr != nil {
				// A corrupt snapshot must not brick the room forever.
				a.logger.Error("stored document state unreadable, starting empty", "error", derr)
				doc = crdt.New()
			}
			a.room = room
			a.doc = doc
			return true
		}

		if errors.Is(err, domain.ErrRoomNotFound) {
			a.drainPending(domain.ErrRoomNotFound)
			return false
		}

		a.logger.Warn("room load failed", "attempt", attempt, "error", err)
		if attempt >= a.opts.SaveRetryBudget {
			a.drainPending(domain.ErrRoomUnavailable)
			return false
		}

		timer := time.NewTimer(backoff)
	waiting:
		for {
			select {
			case cmd := <-a.cmds:
				a.refuseDuringLoad(cmd)
			case <-timer.C:
				break waiting
			case <-a.ctx.Done():
				timer.Stop()
				a.drainPending(domain.ErrActorTerminated)
				return false
			}
		}
		backoff = capDuration(backoff*2, a.opts.SaveBackoffCap)
	}
}

func (a *Actor) refuseDuringLoad(cmd command) {
	if attach, ok := cmd.(attachCmd); ok {
		attach.reply <- attachResult{err: domain.ErrRoomUnavailable}
	}
}

func (a *Actor) drainPending(err error) {
	for {
		select {
		case cmd := <-a.cmds:
			if attach, ok := cmd.(attachCmd); ok {
				attach.reply <- attachResult{err: err}
			}
		default:
			return
		}
	}
}

func (a *Actor) loop() {
	tick := time.Second
	if a.guests != nil && a.opts.GuestRefreshInterval < tick {
		tick = a.opts.GuestRefreshInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for a.state == stateRunning {
		var saveC, idleC <-chan time.Time
		if a.saveTimer != nil {
			saveC = a.saveTimer.C
		}
		if a.idleTimer != nil {
			idleC = a.idleTimer.C
		}

		select {
		case cmd := <-a.cmds:
			a.handle(cmd)
		case <-saveC:
			a.saveTimer = nil
			reason := domain.SaveReasonDebounce
			if !a.dirtySince.IsZero() && time.Since(a.dirtySince) >= a.opts.MaxStaleness {
				reason = domain.SaveReasonMaxStaleness
			}
			a.beginSave(reason)
		case <-idleC:
			a.idleTimer = nil
			if len(a.sessions) == 0 {
				a.state = stateDraining
			}
		case <-ticker.C:
			a.expireTyping()
			a.refreshGuests()
		case <-a.ctx.Done():
			a.state = stateDraining
		}
	}
}

func (a *Actor) handle(cmd command) {
	switch c := cmd.(type) {
	case attachCmd:
		a.handleAttach(c)
	case detachCmd:
		a.handleDetach(c.peer, c.reason)
	case updateCmd:
		a.handleUpdate(c)
	case cursorCmd:
		a.handleCursor(c)
	case typingCmd:
		a.handleTyping(c)
	case languageCmd:
		a.handleLanguage(c)
	case saveDoneCmd:
		a.handleSaveDone(c)
	case purgeCmd:
		a.handlePurge()
	case codeRotatedCmd:
		a.room.JoinCode = c.joinCode
	}
}

// ============================================================================
// Command handlers (run loop only)
// ============================================================================

func (a *Actor) handleAttach(cmd attachCmd) {
	if a.state != stateRunning {
		cmd.reply <- attachResult{err: domain.ErrActorTerminated}
		return
	}

	p := cmd.peer.Principal()
	if _, present := a.presence[p.ID]; !present && a.distinctPrincipals() >= a.room.Capacity {
		cmd.reply <- attachResult{err: domain.ErrRoomFull}
		return
	}

	a.sessions[cmd.peer.SessionID()] = cmd.peer
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}

	now := time.Now()
	pres, present := a.presence[p.ID]
	if !present {
		pres = &domain.Presence{
			PrincipalID: p.ID,
			DisplayName: p.DisplayName,
			ColorToken:  domain.ColorToken(p.ID),
			Role:        cmd.peer.Role(),
		}
		a.presence[p.ID] = pres
	}
	pres.LastActivity = now
	a.room.LastActivity = now

	ack := &protocol.HelloAckPayload{
		Room: a.key,
		Role: cmd.peer.Role(),
		Snapshot: protocol.RoomSnapshot{
			Language: a.room.Language,
			Users:    a.presenceList(),
			Document: a.doc.EncodeState(),
		},
	}
	// Queued here, on the loop, so the ack precedes any later broadcast.
	if frame, err := protocol.NewFrame(protocol.TypeHelloAck, ack); err == nil {
		cmd.peer.Enqueue(frame)
	}
	cmd.reply <- attachResult{ack: ack}

	if !present {
		if frame, err := protocol.NewFrame(protocol.TypeUserJoined, protocol.UserJoinedPayload{User: *pres}); err == nil {
			a.broadcast(frame, cmd.peer)
		}
		a.broadcastUsersSnapshot()
	}

	a.metrics.ActiveSessions.Inc()
	go a.recordJoin(p, cmd.peer.Role())
}

func (a *Actor) handleDetach(peer Peer, reason string) {
	if _, attached := a.sessions[peer.SessionID()]; !attached {
		return // idempotent
	}
	delete(a.sessions, peer.SessionID())
	a.metrics.ActiveSessions.Dec()

	p := peer.Principal()
	if !a.principalAttached(p.ID) {
		delete(a.presence, p.ID)
		if frame, err := protocol.NewFrame(protocol.TypeUserLeft, protocol.UserLeftPayload{PrincipalID: p.ID}); err == nil {
			a.broadcast(frame, nil)
		}
		a.broadcastUsersSnapshot()
		go a.recordLeave(p)
	}

	a.logger.Debug("session detached", "principal", p.ID, "reason", reason)

	if len(a.sessions) == 0 && a.state == stateRunning {
		a.beginSave(domain.SaveReasonLastLeft)
		a.idleTimer = time.NewTimer(a.opts.IdleGracePeriod)
	}
}

func (a *Actor) handleUpdate(cmd updateCmd) {
	if _, attached := a.sessions[cmd.peer.SessionID()]; !attached {
		return
	}
	if !cmd.peer.Role().CanEdit() {
		cmd.peer.Enqueue(protocol.ErrorFrame(domain.ErrKindUnauthorized, "viewers cannot edit the document"))
		return
	}

	if err := a.doc.ApplyUpdate(cmd.blob); err != nil {
		a.logger.Warn("rejected malformed update", "principal", cmd.peer.Principal().ID, "error", err)
		a.kick(cmd.peer, domain.ErrKindProtocolError, "malformed CRDT update")
		return
	}

	now := time.Now()
	a.dirty = true
	if a.dirtySince.IsZero() {
		a.dirtySince = now
	}
	a.updatesSinceSave++
	a.room.LastActivity = now
	if pres, ok := a.presence[cmd.peer.Principal().ID]; ok {
		pres.LastActivity = now
	}
	a.metrics.UpdatesMerged.Inc()
	a.scheduleSave()

	if frame, err := protocol.NewFrame(protocol.TypeCrdtUpdate, protocol.CrdtBroadcastPayload{
		Blob:   cmd.blob,
		Origin: cmd.peer.Principal().ID,
	}); err == nil {
		a.broadcast(frame, cmd.peer)
	}
}

func (a *Actor) handleCursor(cmd cursorCmd) {
	pres, ok := a.presence[cmd.peer.Principal().ID]
	if !ok {
		return
	}
	cursor := cmd.cursor
	pres.Cursor = &cursor
	pres.Selection = cmd.selection
	pres.LastActivity = time.Now()

	if frame, err := protocol.NewFrame(protocol.TypeCursor, protocol.CursorBroadcastPayload{
		PrincipalID: pres.PrincipalID,
		Cursor:      cmd.cursor,
		Selection:   cmd.selection,
	}); err == nil {
		a.broadcast(frame, cmd.peer)
	}
}

func (a *Actor) handleTyping(cmd typingCmd) {
	pres, ok := a.presence[cmd.peer.Principal().ID]
	if !ok {
		return
	}
	pres.Typing = cmd.typing
	pres.TypingSince = time.Now()
	a.broadcastTyping(pres.PrincipalID, cmd.typing, cmd.peer)
}

func (a *Actor) handleLanguage(cmd languageCmd) {
	if _, attached := a.sessions[cmd.peer.SessionID()]; !attached {
		return
	}
	if !cmd.peer.Role().CanEdit() {
		cmd.peer.Enqueue(protocol.ErrorFrame(domain.ErrKindUnauthorized, "viewers cannot change the language"))
		return
	}
	if cmd.language == "" || cmd.language == a.room.Language {
		return
	}

	a.room.Language = cmd.language
	a.dirty = true
	if a.dirtySince.IsZero() {
		a.dirtySince = time.Now()
	}
	a.scheduleSave()

	if frame, err := protocol.NewFrame(protocol.TypeLanguageChange, protocol.LanguageBroadcastPayload{
		Language: cmd.language,
		Origin:   cmd.peer.Principal().ID,
	}); err == nil {
		a.broadcast(frame, nil) // everyone, sender included
	}
}

func (a *Actor) handlePurge() {
	a.purged = true
	for _, peer := range a.sessions {
		peer.Kick(domain.ErrKindRoomNotFound, "room deleted")
	}
	a.sessions = make(map[string]Peer)
	a.presence = make(map[string]*domain.Presence)
	a.state = stateDraining
}

// ============================================================================
// Persistence (run loop only)
// ============================================================================

// scheduleSave arms the debounce timer, bounded by MaxStaleness from the
// oldest unsaved change so continuous edits still persist.
func (a *Actor) scheduleSave() {
	deadline := time.Now().Add(a.opts.DebouncePeriod)
	if !a.dirtySince.IsZero() {
		if bound := a.dirtySince.Add(a.opts.MaxStaleness); bound.Before(deadline) {
			deadline = bound
		}
	}
	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	if a.saveTimer != nil {
		a.saveTimer.Stop()
	}
	a.saveTimer = time.NewTimer(wait)
}

// beginSave snapshots on the loop and writes on a short-lived worker. Only
// one save is in flight per room; a save requested meanwhile is deferred.
func (a *Actor) beginSave(reason domain.SaveReason) {
	if a.saveInFlight {
		a.savePending = true
		return
	}
	if !a.dirty && reason != domain.SaveReasonLastLeft {
		return
	}

	blob := a.doc.EncodeState()
	text := a.doc.TextProjection()
	language := a.room.Language
	at := time.Now()

	a.saveInFlight = true
	a.dirty = false
	a.dirtySince = time.Time{}
	a.updatesSinceSave = 0
	if a.saveTimer != nil {
		a.saveTimer.Stop()
		a.saveTimer = nil
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := a.store.SaveRoom(ctx, a.key, blob, text, language, reason, at)
		a.enqueue(saveDoneCmd{reason: reason, at: at, err: err})
	}()
}

func (a *Actor) handleSaveDone(cmd saveDoneCmd) {
	a.saveInFlight = false

	if cmd.err != nil {
		a.metrics.SaveFailures.Inc()
		a.saveFailures++
		a.dirty = true
		if a.dirtySince.IsZero() {
			a.dirtySince = cmd.at
		}
		a.logger.Warn("save failed", "reason", cmd.reason, "failures", a.saveFailures, "error", cmd.err)

		if a.saveFailures >= a.opts.SaveRetryBudget && !a.degraded {
			a.degraded = true
			a.broadcast(protocol.WarningFrame(domain.WarnPersistenceStalled,
				"recent edits are not being persisted", 0), nil)
		}

		if a.saveTimer != nil {
			a.saveTimer.Stop()
		}
		a.saveTimer = time.NewTimer(a.retryBackoff())
		return
	}

	a.saveFailures = 0
	a.degraded = false
	a.room.LastSaved = cmd.at
	a.room.LastReason = cmd.reason
	a.metrics.Saves.WithLabelValues(string(cmd.reason)).Inc()

	if a.savePending {
		a.savePending = false
		if a.dirty {
			a.beginSave(domain.SaveReasonDebounce)
			return
		}
	}
	if a.dirty {
		a.scheduleSave()
	}
}

func (a *Actor) retryBackoff() time.Duration {
	backoff := a.opts.SaveBackoff
	for i := 1; i < a.saveFailures; i++ {
		backoff *= 2
		if backoff >= a.opts.SaveBackoffCap {
			return a.opts.SaveBackoffCap
		}
	}
	return capDuration(backoff, a.opts.SaveBackoffCap)
}

// ============================================================================
// Fan-out (run loop only)
// ============================================================================

// broadcast enqueues a frame into every peer's outbox except the origin.
// Peers whose outbox cannot take a non-evictable frame are closed with
// Backpressure; the loop never blocks on a slow client.
func (a *Actor) broadcast(frame *protocol.Frame, except Peer) {
	var overloaded []Peer
	for _, peer := range a.sessions {
		if except != nil && peer.SessionID() == except.SessionID() {
			continue
		}
		if !peer.Enqueue(frame) {
			overloaded = append(overloaded, peer)
		}
	}
	for _, peer := range overloaded {
		a.metrics.Backpressure.Inc()
		a.kick(peer, domain.ErrKindBackpressure, "outbox overflow")
	}
}

// broadcastUsersSnapshot re-sends the authoritative roster after membership
// changes so clients that missed an incremental joined/left frame reconverge.
func (a *Actor) broadcastUsersSnapshot() {
	if len(a.sessions) == 0 {
		return
	}
	if frame, err := protocol.NewFrame(protocol.TypeUsersSnapshot, protocol.UsersSnapshotPayload{
		Users: a.presenceList(),
	}); err == nil {
		a.broadcast(frame, nil)
	}
}

func (a *Actor) broadcastTyping(principalID string, typing bool, except Peer) {
	if frame, err := protocol.NewFrame(protocol.TypeTyping, protocol.TypingBroadcastPayload{
		PrincipalID: principalID,
		Typing:      typing,
	}); err == nil {
		a.broadcast(frame, except)
	}
}

// kick closes a peer and runs detach bookkeeping immediately so remaining
// peers keep receiving updates in order. The transport close will enqueue a
// redundant Detach, which is idempotent.
func (a *Actor) kick(peer Peer, kind domain.ErrorKind, detail string) {
	peer.Kick(kind, detail)
	a.handleDetach(peer, string(kind))
}

func (a *Actor) expireTyping() {
	now := time.Now()
	for _, pres := range a.presence {
		if pres.Typing && now.Sub(pres.TypingSince) > a.opts.TypingTTL {
			pres.Typing = false
			a.broadcastTyping(pres.PrincipalID, false, nil)
		}
	}
}

func (a *Actor) presenceList() []domain.Presence {
	users := make([]domain.Presence, 0, len(a.presence))
	for _, pres := range a.presence {
		users = append(users, *pres)
	}
	return users
}

func (a *Actor) distinctPrincipals() int {
	seen := make(map[string]struct{}, len(a.sessions))
	for _, peer := range a.sessions {
		seen[peer.Principal().ID] = struct{}{}
	}
	return len(seen)
}

func (a *Actor) principalAttached(principalID string) bool {
	for _, peer := range a.sessions {
		if peer.Principal().ID == principalID {
			return true
		}
	}
	return false
}

// ============================================================================
// Bookkeeping workers and teardown
// ============================================================================

// recordJoin updates advisory membership state off the loop.
func (a *Actor) recordJoin(p domain.Principal, role domain.Role) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if p.IsGuest() {
		if a.guests != nil {
			if err := a.guests.Touch(ctx, a.key, p.ID); err != nil {
				a.logger.Warn("guest registry update failed", "error", err)
			}
		}
		return
	}
	if err := a.members.Upsert(ctx, a.key, p.ID, role); err != nil {
		a.logger.Warn("member upsert failed", "principal", p.ID, "error", err)
		return
	}
	if err := a.members.MarkOnline(ctx, a.key, p.ID, true); err != nil {
		a.logger.Warn("mark online failed", "principal", p.ID, "error", err)
	}
}

// refreshGuests re-touches attached guests so their registry records outlive
// the record TTL for as long as the session stays open.
func (a *Actor) refreshGuests() {
	if a.guests == nil || len(a.sessions) == 0 {
		return
	}
	if time.Since(a.lastGuestRefresh) < a.opts.GuestRefreshInterval {
		return
	}
	a.lastGuestRefresh = time.Now()

	seen := make(map[string]struct{}, len(a.sessions))
	ids := make([]string, 0, len(a.sessions))
	for _, peer := range a.sessions {
		p := peer.Principal()
		if !p.IsGuest() {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, id := range ids {
			if err := a.guests.Touch(ctx, a.key, id); err != nil {
				a.logger.Warn("guest registry refresh failed", "principal", id, "error", err)
			}
		}
	}()
}

func (a *Actor) recordLeave(p domain.Principal) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if p.IsGuest() {
		if a.guests != nil {
			if err := a.guests.Drop(ctx, a.key, p.ID); err != nil {
				a.logger.Warn("guest registry drop failed", "error", err)
			}
		}
		return
	}
	if err := a.members.MarkOnline(ctx, a.key, p.ID, false); err != nil {
		a.logger.Warn("mark offline failed", "principal", p.ID, "error", err)
	}
}

// terminate runs once when the loop exits, on any exit path including panic.
func (a *Actor) terminate() {
	a.state = stateTerminated
	if a.saveTimer != nil {
		a.saveTimer.Stop()
	}
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	if a.sub != nil {
		_ = a.sub.Unsubscribe()
	}

	for _, peer := range a.sessions {
		peer.Kick(domain.ErrKindRoomUnavailable, "room closing")
		a.metrics.ActiveSessions.Dec()
	}
	a.sessions = make(map[string]Peer)

	a.awaitInFlightSave()

	if !a.purged && a.doc != nil {
		a.finalSave()
		a.archiveSnapshot()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.members.MarkAllOffline(ctx, a.key); err != nil {
				a.logger.Warn("mark all offline failed", "error", err)
			}
		}()
	}

	a.cancel()
	a.registry.release(a.key, a)
	a.metrics.ActiveRooms.Dec()
	a.logger.Info("room actor terminated", "purged", a.purged)
}

// awaitInFlightSave blocks until an outstanding save worker reports back, so
// shutdown does not race the write it already started. A failed save leaves
// the document dirty for finalSave to retry.
func (a *Actor) awaitInFlightSave() {
	if !a.saveInFlight {
		return
	}
	timeout := time.NewTimer(15 * time.Second)
	defer timeout.Stop()
	for {
		select {
		case cmd := <-a.cmds:
			switch c := cmd.(type) {
			case saveDoneCmd:
				a.saveInFlight = false
				if c.err != nil {
					a.dirty = true
				}
				return
			case attachCmd:
				c.reply <- attachResult{err: domain.ErrActorTerminated}
			}
		case <-timeout.C:
			return
		}
	}
}

// finalSave writes the last snapshot synchronously. Skipped when a worker is
// still in flight with the same snapshot, or when nothing changed since the
// last successful save.
func (a *Actor) finalSave() {
	if a.saveInFlight || !a.dirty {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := a.store.SaveRoom(ctx, a.key, a.doc.EncodeState(), a.doc.TextProjection(),
		a.room.Language, domain.SaveReasonCleanup, time.Now())
	if err != nil {
		a.metrics.SaveFailures.Inc()
		a.logger.Error("final save failed", "error", err)
		return
	}
	a.dirty = false
	a.metrics.Saves.WithLabelValues(string(domain.SaveReasonCleanup)).Inc()
}

func (a *Actor) archiveSnapshot() {
	if a.archiver == nil {
		return
	}
	blob := a.doc.EncodeState()
	key := a.key
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.archiver.Put(ctx, key, blob); err != nil {
			a.logger.Warn("snapshot archive failed", "error", err)
		}
	}()
}

func capDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}
