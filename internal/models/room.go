package models

import "time"

// Role is the seat a participant holds in a room
type Role string

const (
	RoleHost   Role = "host"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleMember
}

// ParticipantInfo is the wire view of a room participant
type ParticipantInfo struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	JoinedAt int64  `json:"joinedAt"` // unix milliseconds
	IsMuted  bool   `json:"isMuted"`
}

// RoomSummary is the public view of a room served over HTTP and mirrored to Redis
type RoomSummary struct {
	ID               string    `json:"id"`
	HostID           string    `json:"hostId,omitempty"`
	ParticipantCount int       `json:"participantCount"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
}

// RoomDetail extends RoomSummary with the participant list (operator view)
type RoomDetail struct {
	RoomSummary
	Participants []ParticipantInfo `json:"participants"`
}
