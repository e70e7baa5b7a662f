package models

import "encoding/json"

// SignalType represents the type of a signaling channel event
type SignalType string

const (
	SignalTypeJoinRoom          SignalType = "join-room"
	SignalTypeLeaveRoom         SignalType = "leave-room"
	SignalTypeRoomJoined        SignalType = "room-joined"
	SignalTypeParticipantJoined SignalType = "participant-joined"
	SignalTypeParticipantLeft   SignalType = "participant-left"
	SignalTypeHostChanged       SignalType = "host-changed"
	SignalTypeMuteStatus        SignalType = "mute-status-changed"
	SignalTypeSignal            SignalType = "signal"
	SignalTypeError             SignalType = "error"
)

// IsPresence reports whether t is one of the room presence events.
func (t SignalType) IsPresence() bool {
	switch t {
	case SignalTypeParticipantJoined, SignalTypeParticipantLeft, SignalTypeHostChanged, SignalTypeMuteStatus:
		return true
	}
	return false
}

// SignalMessage is the single envelope carried over the duplex channel in
// both directions. Only the fields relevant to Type are populated.
type SignalMessage struct {
	Type SignalType `json:"type"`

	RoomID        string            `json:"roomId,omitempty"`
	Role          Role              `json:"role,omitempty"`
	ParticipantID string            `json:"participantId,omitempty"`
	Participants  []ParticipantInfo `json:"participants,omitempty"`
	NewHostID     string            `json:"newHostId,omitempty"`
	IsMuted       bool              `json:"isMuted,omitempty"`

	// Targeted relay. Data is opaque to the server.
	Target string          `json:"target,omitempty"`
	From   string          `json:"from,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	MsgID  string          `json:"msgId,omitempty"`

	Message string    `json:"message,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
}

// NewErrorMessage builds the error event sent back to a client for err.
func NewErrorMessage(err error, msgID string) SignalMessage {
	return SignalMessage{
		Type:    SignalTypeError,
		Code:    CodeFor(err),
		Message: err.Error(),
		MsgID:   msgID,
	}
}
