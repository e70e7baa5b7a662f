// Package session coordinates one local participant: it owns local media,
// the signaling transport and one peer link per remote participant.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/mesh-signaling/internal/media"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/peerlink"
	"github.com/mossy-p/mesh-signaling/internal/presence"
	"github.com/oklog/ulid/v2"
	pion "github.com/pion/webrtc/v4"
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultJoinTimeout       = 10 * time.Second
	maxReconnectDelay        = 30 * time.Second
)

// State is the local session state.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConnectionFactory creates the media connection for a new link.
type ConnectionFactory interface {
	NewConnection() (peerlink.Connection, error)
}

// Observer receives session events. Callbacks must not block and must not
// call back into the Controller.
type Observer interface {
	StateChanged(state State)
	LinkStateChanged(peerID string, state peerlink.State)
	// Error reports a non-fatal error, or a fatal one followed by StateIdle.
	Error(err error)
}

type Config struct {
	URL               string
	Codec             string
	Capturer          media.Capturer
	Connections       ConnectionFactory
	Presence          *presence.Store
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	PeerFailureGrace  time.Duration
	JoinTimeout       time.Duration
	Observer          Observer
	Logger            *slog.Logger
}

// LinkInfo describes one peer link.
type LinkInfo struct {
	PeerID  string
	Offerer bool
	State   peerlink.State
}

// Controller drives join, leave and mute for one local participant.
type Controller struct {
	cfg      Config
	presence *presence.Store
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	reserved bool
	cancel   context.CancelFunc
	roomID   string
	role     models.Role
	selfID   string
	stream   *media.Stream
	links    map[string]*peerlink.Link
	muted    bool

	// transport gates every outbound message; nil while not joined.
	transport atomic.Pointer[Transport]
	// gen changes whenever the session is installed or torn down, so
	// events from an older transport or link are ignored.
	gen atomic.Uint64
}

func New(cfg Config) (*Controller, error) {
	if cfg.URL == "" || cfg.Capturer == nil || cfg.Connections == nil {
		return nil, errors.New("session: URL, Capturer and Connections are required")
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		presence: cfg.Presence,
		logger:   logger.With("component", "session"),
		links:    make(map[string]*peerlink.Link),
	}, nil
}

func (c *Controller) Presence() *presence.Store { return c.presence }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoomID returns the joined room, or "" when idle.
func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// SelfID returns the participant id assigned by the server.
func (c *Controller) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

func (c *Controller) Role() models.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Links lists the current peer links.
func (c *Controller) Links() []LinkInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LinkInfo, 0, len(c.links))
	for id, l := range c.links {
		out = append(out, LinkInfo{PeerID: id, Offerer: l.Offerer(), State: l.State()})
	}
	return out
}

// Join acquires local media, connects and joins roomID. It returns once the
// server has acknowledged the join or rejected it.
func (c *Controller) Join(ctx context.Context, roomID string, role models.Role) error {
	c.mu.Lock()
	if c.state != StateIdle || c.reserved {
		c.mu.Unlock()
		return models.NewError("join room", models.ErrAlreadyInRoom)
	}
	c.reserved = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	// abort undoes the reservation; notify is set once StateJoining was
	// announced.
	abort := func(notify bool) {
		c.mu.Lock()
		c.state = StateIdle
		c.reserved = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		if notify {
			c.notifyState(StateIdle)
		}
	}

	// Media first: a refusal aborts before anything reaches the server.
	stream, err := c.cfg.Capturer.Acquire(ctx)
	if err != nil {
		abort(false)
		return err
	}

	c.setState(StateJoining)
	t, ack, err := c.connect(ctx, roomID, []models.Role{role})
	if err != nil {
		stream.Stop()
		abort(true)
		return err
	}

	c.mu.Lock()
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		t.Close()
		stream.Stop()
		abort(true)
		return err
	}
	// The session outlives the Join call.
	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	cancel()
	c.cancel = sessionCancel
	c.reserved = false
	c.stream = stream
	c.roomID = roomID
	c.installLocked(sessionCtx, t, ack)
	c.mu.Unlock()

	c.notifyState(StateJoined)
	return nil
}

// Leave closes every link, stops local media and disconnects. No message is
// sent on behalf of the session once Leave has returned.
func (c *Controller) Leave() {
	c.mu.Lock()
	if c.state == StateIdle && !c.reserved {
		c.mu.Unlock()
		return
	}
	if c.reserved {
		// A Join in progress cleans up after itself.
		c.cancel()
		c.mu.Unlock()
		return
	}
	c.teardownLocked(true)
	c.mu.Unlock()
	c.notifyState(StateIdle)
}

// ToggleMute flips the local mute flag, applies it to the audio track and
// tells the room. It returns the new flag.
func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return false, models.NewError("toggle mute", models.ErrNotInRoom)
	}
	c.muted = !c.muted
	muted := c.muted
	c.stream.SetAudioEnabled(!muted)
	c.mu.Unlock()

	c.presence.SetLocalMute(muted)
	return muted, c.send(models.SignalMessage{
		Type:    models.SignalTypeMuteStatus,
		IsMuted: muted,
	})
}

// ToggleVideo enables or disables the local video track in place. It returns
// whether video is now enabled.
func (c *Controller) ToggleVideo() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoined {
		return false, models.NewError("toggle video", models.ErrNotInRoom)
	}
	if !c.stream.HasVideo() {
		return false, nil
	}
	enabled := !c.stream.VideoEnabled()
	c.stream.SetVideoEnabled(enabled)
	return enabled, nil
}

// SendSignal relays an opaque payload to target. Links call it; it fails once
// the session has been left.
func (c *Controller) SendSignal(target string, data json.RawMessage) error {
	return c.send(models.SignalMessage{
		Type:   models.SignalTypeSignal,
		Target: target,
		Data:   data,
		MsgID:  ulid.Make().String(),
	})
}

func (c *Controller) send(msg models.SignalMessage) error {
	t := c.transport.Load()
	if t == nil {
		return models.NewError("send "+string(msg.Type), models.ErrTransportDisconnected)
	}
	return t.Send(msg)
}

// connect dials with retries and joins roomID, trying each role in order
// until one is accepted.
func (c *Controller) connect(ctx context.Context, roomID string, roles []models.Role) (*Transport, models.SignalMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, models.SignalMessage{}, err
			}
		}

		t, err := Dial(ctx, c.cfg.URL, c.cfg.Codec, c.logger)
		if err != nil {
			lastErr = err
			c.logger.Warn("signaling dial failed", "attempt", attempt+1, "err", err)
			continue
		}

		for i, role := range roles {
			ack, err := c.handshake(ctx, t, roomID, role)
			if err == nil {
				return t, ack, nil
			}
			if errors.Is(err, models.ErrTransportDisconnected) {
				lastErr = err
				break
			}
			// Rejections are final unless another role is worth trying.
			if i == len(roles)-1 || !errors.Is(err, models.ErrRoomNotFound) {
				t.Close()
				return nil, models.SignalMessage{}, err
			}
		}
		t.Close()
		if err := ctx.Err(); err != nil {
			return nil, models.SignalMessage{}, err
		}
	}
	return nil, models.SignalMessage{}, models.WrapError("connect", models.ErrTransportDisconnected, fmt.Sprint(lastErr))
}

func (c *Controller) handshake(ctx context.Context, t *Transport, roomID string, role models.Role) (models.SignalMessage, error) {
	msgID := ulid.Make().String()
	if err := t.Send(models.SignalMessage{
		Type:   models.SignalTypeJoinRoom,
		RoomID: roomID,
		Role:   role,
		MsgID:  msgID,
	}); err != nil {
		return models.SignalMessage{}, err
	}

	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-t.Incoming():
			if !ok {
				return models.SignalMessage{}, models.WrapError("join room", models.ErrTransportDisconnected, "connection closed")
			}
			switch msg.Type {
			case models.SignalTypeRoomJoined:
				return msg, nil
			case models.SignalTypeError:
				if msg.MsgID != "" && msg.MsgID != msgID {
					continue
				}
				return models.SignalMessage{}, models.WrapError("join room", models.ErrorForCode(msg.Code, msg.Message), roomID)
			}
		case <-timer.C:
			return models.SignalMessage{}, models.WrapError("join room", models.ErrTransportDisconnected, "no acknowledgement")
		case <-ctx.Done():
			return models.SignalMessage{}, ctx.Err()
		}
	}
}

// installLocked makes t the live transport and creates an offerer link to
// every participant already present.
func (c *Controller) installLocked(ctx context.Context, t *Transport, ack models.SignalMessage) {
	gen := c.gen.Add(1)
	c.state = StateJoined
	c.selfID = ack.ParticipantID
	c.role = ack.Role
	c.muted = false
	c.stream.SetAudioEnabled(true)
	c.links = make(map[string]*peerlink.Link)
	c.transport.Store(t)
	c.presence.Apply(ack)

	c.logger.Info("joined room", "room", c.roomID, "self", c.selfID, "role", c.role, "participants", len(ack.Participants))

	for _, p := range ack.Participants {
		if p.ID == c.selfID {
			continue
		}
		c.addLinkLocked(gen, p.ID, true)
	}

	go c.loop(ctx, gen, t)
}

// teardownLocked closes the transport, then every link. Local media is
// stopped when release is set.
func (c *Controller) teardownLocked(release bool) {
	c.gen.Add(1)
	// A link may have loaded the transport already; closing it first makes
	// that send fail instead of reaching the wire.
	if t := c.transport.Swap(nil); t != nil {
		if release {
			t.Leave(models.SignalMessage{Type: models.SignalTypeLeaveRoom})
		} else {
			t.Close()
		}
	}
	for id, l := range c.links {
		l.Close()
		delete(c.links, id)
	}
	if release {
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		if c.stream != nil {
			c.stream.Stop()
			c.stream = nil
		}
		c.roomID = ""
		c.role = ""
	}
	c.selfID = ""
	c.muted = false
	c.state = StateIdle
	c.presence.Reset()
}

func (c *Controller) addLinkLocked(gen uint64, peerID string, offerer bool) {
	conn, err := c.cfg.Connections.NewConnection()
	if err != nil {
		c.reportError(models.NewPeerError("create link", peerID, fmt.Errorf("%w: %v", models.ErrNegotiationFailure, err)))
		return
	}
	l, err := peerlink.New(peerlink.Config{
		PeerID:       peerID,
		Offerer:      offerer,
		Conn:         conn,
		Tracks:       c.stream.Tracks(),
		Sender:       c,
		Observer:     linkObserver{c: c, gen: gen},
		FailureGrace: c.cfg.PeerFailureGrace,
		Logger:       c.logger.With("room", c.roomID),
	})
	if err != nil {
		c.reportError(err)
		return
	}
	c.links[peerID] = l
}

func (c *Controller) loop(ctx context.Context, gen uint64, t *Transport) {
	for msg := range t.Incoming() {
		c.handle(gen, msg)
	}
	if c.gen.Load() == gen {
		c.reconnect(ctx, gen)
	}
}

func (c *Controller) handle(gen uint64, msg models.SignalMessage) {
	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		return
	}

	switch msg.Type {
	case models.SignalTypeParticipantJoined:
		c.presence.Apply(msg)
		if msg.ParticipantID != c.selfID && c.links[msg.ParticipantID] == nil {
			c.addLinkLocked(gen, msg.ParticipantID, false)
		}

	case models.SignalTypeParticipantLeft:
		c.presence.Apply(msg)
		if l := c.links[msg.ParticipantID]; l != nil {
			l.Close()
			delete(c.links, msg.ParticipantID)
		}

	case models.SignalTypeHostChanged:
		c.presence.Apply(msg)
		if msg.NewHostID == c.selfID {
			c.role = models.RoleHost
			c.muted = false
			if c.stream != nil {
				c.stream.SetAudioEnabled(true)
			}
		}

	case models.SignalTypeMuteStatus:
		c.presence.Apply(msg)

	case models.SignalTypeSignal:
		l := c.links[msg.From]
		if l == nil {
			if _, known := c.presence.Snapshot().Participant(msg.From); !known || msg.From == c.selfID {
				c.logger.Warn("dropping signal from unknown participant", "from", msg.From)
				break
			}
			c.addLinkLocked(gen, msg.From, false)
			l = c.links[msg.From]
		}
		if l != nil {
			l.Deliver(msg.Data)
		}

	case models.SignalTypeError:
		err := models.ErrorForCode(msg.Code, msg.Message)
		switch {
		case errors.Is(err, models.ErrSignalTargetUnreachable):
			c.logger.Warn("signal target unreachable", "detail", msg.Message)
			c.mu.Unlock()
			c.reportError(models.WrapError("relay signal", err, msg.Message))
			return
		case errors.Is(err, models.ErrRoomExpired), errors.Is(err, models.ErrRoomClosed):
			c.logger.Info("room ended by server", "room", c.roomID, "reason", err)
			c.teardownLocked(true)
			c.mu.Unlock()
			c.reportError(models.WrapError("session", err, msg.Message))
			c.notifyState(StateIdle)
			return
		default:
			c.mu.Unlock()
			c.reportError(models.WrapError("server", err, msg.Message))
			return
		}

	default:
		c.logger.Debug("ignoring event", "type", msg.Type)
	}
	c.mu.Unlock()
}

// reconnect rebuilds the session after the transport dropped. Links are torn
// down and renegotiated; mute resets to unmuted.
func (c *Controller) reconnect(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		return
	}
	roomID := c.roomID
	c.teardownLocked(false)
	c.state = StateJoining
	c.mu.Unlock()

	c.logger.Warn("signaling transport lost, reconnecting", "room", roomID)
	c.notifyState(StateJoining)

	// Rejoin as member; the room may have gone away with everyone else, in
	// which case it is recreated.
	t, ack, err := c.connect(ctx, roomID, []models.Role{models.RoleMember, models.RoleHost})

	c.mu.Lock()
	if ctx.Err() != nil || c.state != StateJoining {
		c.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return
	}
	if err != nil {
		c.teardownLocked(true)
		c.mu.Unlock()
		c.reportError(models.WrapError("reconnect", models.ErrTransportDisconnected, err.Error()))
		c.notifyState(StateIdle)
		return
	}
	c.installLocked(ctx, t, ack)
	c.mu.Unlock()
	c.notifyState(StateJoined)
}

func (c *Controller) backoff(attempt int) time.Duration {
	d := c.cfg.ReconnectDelay << (attempt - 1)
	if d <= 0 || d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Controller) notifyState(s State) {
	if c.cfg.Observer != nil {
		c.cfg.Observer.StateChanged(s)
	}
}

func (c *Controller) reportError(err error) {
	c.logger.Debug("session error", "err", err)
	if c.cfg.Observer != nil {
		c.cfg.Observer.Error(err)
	}
}

// dropLink removes a failed link so a later offer can replace it.
func (c *Controller) dropLink(gen uint64, peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		return
	}
	if l := c.links[peerID]; l != nil && l.State() == peerlink.StateFailed {
		l.Close()
		delete(c.links, peerID)
		c.presence.RemoveRemoteMedia(peerID)
	}
}

type linkObserver struct {
	c   *Controller
	gen uint64
}

func (o linkObserver) LinkStateChanged(peerID string, state peerlink.State) {
	if o.c.gen.Load() != o.gen {
		return
	}
	if o.c.cfg.Observer != nil {
		o.c.cfg.Observer.LinkStateChanged(peerID, state)
	}
}

func (o linkObserver) LinkFailed(peerID string, err error) {
	if o.c.gen.Load() != o.gen {
		return
	}
	o.c.reportError(err)
	go o.c.dropLink(o.gen, peerID)
}

func (o linkObserver) RemoteTrack(peerID string, track *pion.TrackRemote) {
	if o.c.gen.Load() != o.gen {
		return
	}
	o.c.presence.AddRemoteTrack(peerID, presence.MediaTrack{
		ID:       track.ID(),
		Kind:     track.Kind().String(),
		StreamID: track.StreamID(),
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
