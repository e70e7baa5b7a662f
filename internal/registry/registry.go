// Package registry owns room and participant lifecycle.
//
// A Registry is not safe for concurrent use. It is owned by the hub
// dispatcher goroutine, which serializes every mutation; the expiry sweep runs
// on the same goroutine, so it only ever observes completed operations.
package registry

import (
	"log/slog"
	"sort"
	"time"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

const (
	DefaultMinRoomIDLength = 3
	DefaultTTL             = 24 * time.Hour
)

// Config holds registry policy
type Config struct {
	MinRoomIDLength int
	// MaxParticipants caps room size. Zero means unbounded.
	MaxParticipants int
	TTL             time.Duration
}

// Participant is a seated connection
type Participant struct {
	ConnID   string
	Role     models.Role
	JoinedAt time.Time
	IsMuted  bool

	// seq orders joins when JoinedAt collides.
	seq uint64
}

// Info returns the wire view of p.
func (p Participant) Info() models.ParticipantInfo {
	return models.ParticipantInfo{
		ID:       p.ConnID,
		Role:     p.Role,
		JoinedAt: p.JoinedAt.UnixMilli(),
		IsMuted:  p.IsMuted,
	}
}

// joinedBefore orders by joinedAt, then by join sequence.
func (p *Participant) joinedBefore(o *Participant) bool {
	if !p.JoinedAt.Equal(o.JoinedAt) {
		return p.JoinedAt.Before(o.JoinedAt)
	}
	return p.seq < o.seq
}

// Room is a session keyed by an opaque id
type Room struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	// HostID is empty when no host is seated.
	HostID string

	participants map[string]*Participant
}

func (r *Room) ordered() []*Participant {
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].joinedBefore(out[j]) })
	return out
}

func (r *Room) summary() models.RoomSummary {
	return models.RoomSummary{
		ID:               r.ID,
		HostID:           r.HostID,
		ParticipantCount: len(r.participants),
		CreatedAt:        r.CreatedAt,
		LastActivity:     r.LastActivity,
	}
}

// Removal describes the effect of removing a participant
type Removal struct {
	RoomID      string
	Participant Participant
	// NewHostID is set when host failover happened.
	NewHostID   string
	RoomDeleted bool
	// Remaining lists the connection ids still seated, in join order.
	Remaining []string
}

// Expired is a room purged by the sweep
type Expired struct {
	RoomID  string
	Members []string
}

// Registry is the authoritative room table
type Registry struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	rooms map[string]*Room
	seats map[string]string // connID -> roomID
	seq   uint64
}

// New creates a registry. A nil now uses time.Now.
func New(cfg Config, now func() time.Time, logger *slog.Logger) *Registry {
	if cfg.MinRoomIDLength <= 0 {
		cfg.MinRoomIDLength = DefaultMinRoomIDLength
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		now:    now,
		logger: logger,
		rooms:  make(map[string]*Room),
		seats:  make(map[string]string),
	}
}

// Join seats connID in roomID with role. It returns the new participant and
// the full participant list, including the joiner, in join order.
func (r *Registry) Join(connID, roomID string, role models.Role) (Participant, []Participant, error) {
	if roomID == "" || len(roomID) < r.cfg.MinRoomIDLength {
		return Participant{}, nil, models.ErrInvalidRoomID
	}
	if !role.Valid() {
		return Participant{}, nil, models.ErrInvalidRole
	}
	if _, seated := r.seats[connID]; seated {
		return Participant{}, nil, models.ErrAlreadyInRoom
	}

	now := r.now()
	room, exists := r.rooms[roomID]
	if !exists {
		if role == models.RoleMember {
			return Participant{}, nil, models.ErrRoomNotFound
		}
		room = &Room{
			ID:           roomID,
			CreatedAt:    now,
			LastActivity: now,
			participants: make(map[string]*Participant),
		}
		r.rooms[roomID] = room
		r.logger.Info("created room", "room", roomID, "host", connID)
	} else {
		if role == models.RoleHost && room.HostID != "" {
			return Participant{}, nil, models.ErrHostConflict
		}
		if r.cfg.MaxParticipants > 0 && len(room.participants) >= r.cfg.MaxParticipants {
			return Participant{}, nil, models.ErrRoomFull
		}
	}

	r.seq++
	p := &Participant{
		ConnID:   connID,
		Role:     role,
		JoinedAt: now,
		seq:      r.seq,
	}
	room.participants[connID] = p
	room.LastActivity = now
	if role == models.RoleHost {
		room.HostID = connID
	}
	r.seats[connID] = roomID

	r.logger.Info("participant joined",
		"room", roomID,
		"peer", connID,
		"role", role,
		"participants", len(room.participants),
	)
	return *p, r.snapshot(room), nil
}

// Leave removes connID from whichever room it is seated in.
func (r *Registry) Leave(connID string) (Removal, bool) {
	roomID, ok := r.seats[connID]
	if !ok {
		return Removal{}, false
	}
	return r.RemoveParticipant(roomID, connID)
}

// RemoveParticipant deletes connID from roomID. When the host leaves and
// others remain, the participant with the earliest joinedAt becomes host,
// unmuted.
// An emptied room is deleted.
func (r *Registry) RemoveParticipant(roomID, connID string) (Removal, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return Removal{}, false
	}
	p, ok := room.participants[connID]
	if !ok {
		return Removal{}, false
	}
	delete(room.participants, connID)
	delete(r.seats, connID)
	room.LastActivity = r.now()

	rem := Removal{RoomID: roomID, Participant: *p}

	if len(room.participants) == 0 {
		delete(r.rooms, roomID)
		rem.RoomDeleted = true
		r.logger.Info("removed empty room", "room", roomID)
		return rem, true
	}

	if room.HostID == connID {
		room.HostID = ""
		next := room.ordered()[0]
		next.Role = models.RoleHost
		// Mute does not carry over into the host seat.
		next.IsMuted = false
		room.HostID = next.ConnID
		rem.NewHostID = next.ConnID
		r.logger.Info("host changed", "room", roomID, "from", connID, "to", next.ConnID)
	}

	for _, rp := range room.ordered() {
		rem.Remaining = append(rem.Remaining, rp.ConnID)
	}
	return rem, true
}

// SetMuted records the mute flag of a seated connection and returns its room.
func (r *Registry) SetMuted(connID string, muted bool) (string, error) {
	roomID, ok := r.seats[connID]
	if !ok {
		return "", models.ErrNotInRoom
	}
	room := r.rooms[roomID]
	room.participants[connID].IsMuted = muted
	room.LastActivity = r.now()
	return roomID, nil
}

// Touch marks activity in roomID.
func (r *Registry) Touch(roomID string) {
	if room, ok := r.rooms[roomID]; ok {
		room.LastActivity = r.now()
	}
}

// RoomOf returns the room connID is seated in.
func (r *Registry) RoomOf(connID string) (string, bool) {
	roomID, ok := r.seats[connID]
	return roomID, ok
}

// IsMember reports whether connID is seated in roomID.
func (r *Registry) IsMember(roomID, connID string) bool {
	return r.seats[connID] == roomID && roomID != ""
}

// Members returns the connection ids seated in roomID, in join order.
func (r *Registry) Members(roomID string) []string {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(room.participants))
	for _, p := range room.ordered() {
		out = append(out, p.ConnID)
	}
	return out
}

// Participants returns copies of the participants in roomID, in join order.
func (r *Registry) Participants(roomID string) []Participant {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return r.snapshot(room)
}

// Summary returns the public view of roomID.
func (r *Registry) Summary(roomID string) (models.RoomSummary, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return models.RoomSummary{}, false
	}
	return room.summary(), true
}

// Detail returns the operator view of roomID.
func (r *Registry) Detail(roomID string) (models.RoomDetail, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return models.RoomDetail{}, false
	}
	d := models.RoomDetail{RoomSummary: room.summary()}
	for _, p := range room.ordered() {
		d.Participants = append(d.Participants, p.Info())
	}
	return d, true
}

// List returns summaries of every room ordered by id.
func (r *Registry) List() []models.RoomSummary {
	out := make([]models.RoomSummary, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close deletes roomID regardless of membership and returns the evicted
// connection ids.
func (r *Registry) Close(roomID string) ([]string, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	members := r.Members(roomID)
	for id := range room.participants {
		delete(r.seats, id)
	}
	delete(r.rooms, roomID)
	r.logger.Info("closed room", "room", roomID, "evicted", len(members))
	return members, true
}

// Sweep deletes every room whose last activity is older than the TTL.
func (r *Registry) Sweep() []Expired {
	now := r.now()
	var expired []Expired
	for id, room := range r.rooms {
		if now.Sub(room.LastActivity) <= r.cfg.TTL {
			continue
		}
		members, _ := r.Close(id)
		expired = append(expired, Expired{RoomID: id, Members: members})
		r.logger.Info("room expired", "room", id, "idle", now.Sub(room.LastActivity).String())
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].RoomID < expired[j].RoomID })
	return expired
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	return len(r.rooms)
}

func (r *Registry) snapshot(room *Room) []Participant {
	ordered := room.ordered()
	out := make([]Participant, len(ordered))
	for i, p := range ordered {
		out[i] = *p
	}
	return out
}
