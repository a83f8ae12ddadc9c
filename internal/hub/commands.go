package hub

import (
	"time"

	"github.com/coedit/hub/internal/domain"
	"github.com/coedit/hub/internal/protocol"
)

// Commands are the tagged variants drained by the actor's single loop. All
// per-room mutation flows through these; nothing else touches actor state.
type command interface{ isCommand() }

type attachCmd struct {
	peer  Peer
	reply chan attachResult
}

type attachResult struct {
	ack *protocol.HelloAckPayload
	err error
}

type detachCmd struct {
	peer   Peer
	reason string
}

type updateCmd struct {
	peer Peer
	blob []byte
}

type cursorCmd struct {
	peer      Peer
	cursor    domain.Cursor
	selection *domain.Selection
}

type typingCmd struct {
	peer   Peer
	typing bool
}

type languageCmd struct {
	peer     Peer
	language string
}

// saveDoneCmd is posted by the save worker when the store call returns.
type saveDoneCmd struct {
	reason domain.SaveReason
	at     time.Time
	err    error
}

// purgeCmd arrives via the room control topic when the room is deleted.
type purgeCmd struct{}

// codeRotatedCmd arrives via the room control topic; the actor refreshes its
// cached metadata so later snapshots carry the new capability.
type codeRotatedCmd struct {
	joinCode string
}

func (attachCmd) isCommand()      {}
func (detachCmd) isCommand()      {}
func (updateCmd) isCommand()      {}
func (cursorCmd) isCommand()      {}
func (typingCmd) isCommand()      {}
func (languageCmd) isCommand()    {}
func (saveDoneCmd) isCommand()    {}
func (purgeCmd) isCommand()       {}
func (codeRotatedCmd) isCommand() {}
