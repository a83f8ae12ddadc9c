package domain

import "errors"

// Sentinel errors - use these for consistent error handling across layers.
var (
	// Store errors
	ErrRoomNotFound  = errors.New("room not found")
	ErrMemberMissing = errors.New("member not found")

	// Admission errors
	ErrInvalidCredential = errors.New("malformed bearer token")
	ErrPasswordRequired  = errors.New("room password required")
	ErrPasswordInvalid   = errors.New("room password invalid")
	ErrRoomFull          = errors.New("room is at capacity")
	ErrBanned            = errors.New("principal is banned from this room")
	ErrUnauthorized      = errors.New("principal is not authorized for this action")

	// Actor errors
	ErrRoomUnavailable = errors.New("room state could not be loaded")
	ErrActorTerminated = errors.New("room actor has terminated")
)

// ErrorKind is a member of the closed set of error kinds surfaced to clients.
type ErrorKind string

const (
	ErrKindRoomNotFound     ErrorKind = "RoomNotFound"
	ErrKindPasswordRequired ErrorKind = "PasswordRequired"
	ErrKindPasswordInvalid  ErrorKind = "PasswordInvalid"
	ErrKindRoomFull         ErrorKind = "RoomFull"
	ErrKindBanned           ErrorKind = "Banned"
	ErrKindProtocolError    ErrorKind = "ProtocolError"
	ErrKindUnauthorized     ErrorKind = "Unauthorized"
	ErrKindTimeout          ErrorKind = "Timeout"
	ErrKindBackpressure     ErrorKind = "Backpressure"
	ErrKindRoomUnavailable  ErrorKind = "RoomUnavailable"
	ErrKindInternal         ErrorKind = "InternalError"
)

// WarningKind is a non-fatal condition reported to clients.
type WarningKind string

const (
	WarnPersistenceStalled WarningKind = "PersistenceStalled"
	WarnUnknownType        WarningKind = "UnknownType"
	WarnDroppedFrames      WarningKind = "DroppedFrames"
)

// KindForError maps sentinel errors onto the wire error kind.
func KindForError(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return ErrKindRoomNotFound
	case errors.Is(err, ErrPasswordRequired):
		return ErrKindPasswordRequired
	case errors.Is(err, ErrPasswordInvalid):
		return ErrKindPasswordInvalid
	case errors.Is(err, ErrRoomFull):
		return ErrKindRoomFull
	case errors.Is(err, ErrBanned):
		return ErrKindBanned
	case errors.Is(err, ErrUnauthorized):
		return ErrKindUnauthorized
	case errors.Is(err, ErrRoomUnavailable), errors.Is(err, ErrActorTerminated):
		return ErrKindRoomUnavailable
	case errors.Is(err, ErrInvalidCredential):
		return ErrKindUnauthorized
	default:
		return ErrKindInternal
	}
}
