// Package presence projects relayed room events into the participant list a
// client renders.
package presence

import (
	"sync"
	"time"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

type Participant struct {
	ID       string
	Role     models.Role
	JoinedAt time.Time
	IsMuted  bool
	IsLocal  bool
}

// MediaTrack describes a remote track received from a participant.
type MediaTrack struct {
	ID       string
	Kind     string
	StreamID string
}

// Snapshot is a copy of the store; mutating it does not affect the store.
type Snapshot struct {
	RoomID       string
	LocalID      string
	HostID       string
	Participants []Participant
	RemoteMedia  map[string][]MediaTrack
}

// Participant returns the participant with id.
func (s Snapshot) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Store is safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	roomID       string
	localID      string
	hostID       string
	participants []Participant
	media        map[string][]MediaTrack

	subs    map[int]chan struct{}
	nextSub int
	now     func() time.Time
}

func New() *Store {
	return &Store{
		media: make(map[string][]MediaTrack),
		subs:  make(map[int]chan struct{}),
		now:   time.Now,
	}
}

// Apply folds a relayed event into the projection. Events that are not
// presence events are ignored.
func (s *Store) Apply(msg models.SignalMessage) {
	s.mu.Lock()
	changed := s.apply(msg)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store) apply(msg models.SignalMessage) bool {
	switch msg.Type {
	case models.SignalTypeRoomJoined:
		s.resetLocked()
		s.roomID = msg.RoomID
		s.localID = msg.ParticipantID
		for _, info := range msg.Participants {
			p := Participant{
				ID:       info.ID,
				Role:     info.Role,
				JoinedAt: time.UnixMilli(info.JoinedAt),
				IsMuted:  info.IsMuted,
				IsLocal:  info.ID == msg.ParticipantID,
			}
			if p.Role == models.RoleHost {
				s.hostID = p.ID
			}
			s.participants = append(s.participants, p)
		}
		return true

	case models.SignalTypeParticipantJoined:
		if s.indexOf(msg.ParticipantID) >= 0 {
			return false
		}
		s.participants = append(s.participants, Participant{
			ID:       msg.ParticipantID,
			Role:     msg.Role,
			JoinedAt: s.now(),
		})
		if msg.Role == models.RoleHost {
			s.hostID = msg.ParticipantID
		}
		return true

	case models.SignalTypeParticipantLeft:
		i := s.indexOf(msg.ParticipantID)
		if i < 0 {
			return false
		}
		s.participants = append(s.participants[:i], s.participants[i+1:]...)
		delete(s.media, msg.ParticipantID)
		if s.hostID == msg.ParticipantID {
			s.hostID = ""
		}
		return true

	case models.SignalTypeHostChanged:
		s.hostID = msg.NewHostID
		for i := range s.participants {
			if s.participants[i].ID == msg.NewHostID {
				s.participants[i].Role = models.RoleHost
				s.participants[i].IsMuted = false
			} else if s.participants[i].Role == models.RoleHost {
				s.participants[i].Role = models.RoleMember
			}
		}
		return true

	case models.SignalTypeMuteStatus:
		// Local mute is tracked optimistically by SetLocalMute.
		if msg.ParticipantID == s.localID {
			return false
		}
		i := s.indexOf(msg.ParticipantID)
		if i < 0 {
			return false
		}
		s.participants[i].IsMuted = msg.IsMuted
		return true
	}
	return false
}

// SetLocalMute records the local participant's mute flag without waiting for
// the server.
func (s *Store) SetLocalMute(muted bool) {
	s.mu.Lock()
	i := s.indexOf(s.localID)
	if i >= 0 {
		s.participants[i].IsMuted = muted
	}
	s.mu.Unlock()
	if i >= 0 {
		s.notify()
	}
}

// AddRemoteTrack records a track received from peerID.
func (s *Store) AddRemoteTrack(peerID string, track MediaTrack) {
	s.mu.Lock()
	if s.indexOf(peerID) < 0 {
		s.mu.Unlock()
		return
	}
	s.media[peerID] = append(s.media[peerID], track)
	s.mu.Unlock()
	s.notify()
}

// RemoveRemoteMedia drops every track received from peerID.
func (s *Store) RemoveRemoteMedia(peerID string) {
	s.mu.Lock()
	_, ok := s.media[peerID]
	delete(s.media, peerID)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// Reset clears the projection after leaving a room.
func (s *Store) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *Store) resetLocked() {
	s.roomID, s.localID, s.hostID = "", "", ""
	s.participants = nil
	s.media = make(map[string][]MediaTrack)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		RoomID:       s.roomID,
		LocalID:      s.localID,
		HostID:       s.hostID,
		Participants: append([]Participant(nil), s.participants...),
		RemoteMedia:  make(map[string][]MediaTrack, len(s.media)),
	}
	for id, tracks := range s.media {
		snap.RemoteMedia[id] = append([]MediaTrack(nil), tracks...)
	}
	return snap
}

// Subscribe returns a channel that receives a value after changes. Bursts of
// changes may be coalesced. Call cancel to unsubscribe.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, p := range s.participants {
		if p.ID == id {
			return i
		}
	}
	return -1
}
