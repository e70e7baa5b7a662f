package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRoomID           = errors.New("invalid room id")
	ErrInvalidRole             = errors.New("invalid role")
	ErrRoomNotFound            = errors.New("room does not exist")
	ErrHostConflict            = errors.New("room already has a host")
	ErrRoomFull                = errors.New("room is full")
	ErrAlreadyInRoom           = errors.New("connection already joined a room")
	ErrNotInRoom               = errors.New("connection has not joined a room")
	ErrSignalTargetUnreachable = errors.New("signal target unreachable")
	ErrRateLimited             = errors.New("too many messages")
	ErrRoomExpired             = errors.New("room expired")
	ErrRoomClosed              = errors.New("room closed by operator")
	ErrBadRequest              = errors.New("malformed message")

	// Client-side conditions, never sent by the server.
	ErrMediaAccessDenied     = errors.New("media access denied")
	ErrNegotiationFailure    = errors.New("peer negotiation failed")
	ErrTransportDisconnected = errors.New("signaling transport disconnected")
)

// ErrorCode is the stable wire identifier of an error event
type ErrorCode string

const (
	CodeInvalidRoomID           ErrorCode = "invalid-room-id"
	CodeInvalidRole             ErrorCode = "invalid-role"
	CodeRoomNotFound            ErrorCode = "room-not-found"
	CodeHostConflict            ErrorCode = "host-conflict"
	CodeRoomFull                ErrorCode = "room-full"
	CodeAlreadyInRoom           ErrorCode = "already-in-room"
	CodeNotInRoom               ErrorCode = "not-in-room"
	CodeSignalTargetUnreachable ErrorCode = "signal-target-unreachable"
	CodeRateLimited             ErrorCode = "rate-limited"
	CodeRoomExpired             ErrorCode = "room-expired"
	CodeRoomClosed              ErrorCode = "room-closed"
	CodeBadRequest              ErrorCode = "bad-request"
	CodeInternal                ErrorCode = "internal"
)

var codeTable = []struct {
	code ErrorCode
	err  error
}{
	{CodeInvalidRoomID, ErrInvalidRoomID},
	{CodeInvalidRole, ErrInvalidRole},
	{CodeRoomNotFound, ErrRoomNotFound},
	{CodeHostConflict, ErrHostConflict},
	{CodeRoomFull, ErrRoomFull},
	{CodeAlreadyInRoom, ErrAlreadyInRoom},
	{CodeNotInRoom, ErrNotInRoom},
	{CodeSignalTargetUnreachable, ErrSignalTargetUnreachable},
	{CodeRateLimited, ErrRateLimited},
	{CodeRoomExpired, ErrRoomExpired},
	{CodeRoomClosed, ErrRoomClosed},
	{CodeBadRequest, ErrBadRequest},
}

// CodeFor returns the wire code for err, or CodeInternal if err is not part
// of the taxonomy.
func CodeFor(err error) ErrorCode {
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeInternal
}

// ErrorForCode maps a wire code back to its sentinel. Unknown codes yield a
// generic error carrying message.
func ErrorForCode(code ErrorCode, message string) error {
	for _, e := range codeTable {
		if e.code == code {
			return e.err
		}
	}
	if message == "" {
		message = string(code)
	}
	return errors.New(message)
}

// Error attaches the failing operation and optional detail to a taxonomy error.
type Error struct {
	Op     string
	Peer   string
	Err    error
	Detail string
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Peer != "" {
		msg += " " + e.Peer
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v (%s)", msg, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the operation that produced it.
func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// NewPeerError wraps err for an operation on a specific remote participant.
func NewPeerError(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}

// WrapError wraps err with operation context and a free-form detail.
func WrapError(op string, err error, detail string) *Error {
	return &Error{Op: op, Err: err, Detail: detail}
}
