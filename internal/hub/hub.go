// Package hub is the signaling dispatcher.
//
// One goroutine (Run) owns the room registry and the table of live
// connections. Connection pumps, HTTP handlers and the expiry ticker all
// reach that state through channels, so every event is processed to
// completion before the next one starts.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/registry"
)

// ErrStopped is returned when the dispatcher is no longer running.
var ErrStopped = errors.New("hub stopped")

const DefaultSweepInterval = time.Hour

// Directory receives room snapshots after every membership change and on
// every sweep tick.
type Directory interface {
	Put(summary models.RoomSummary)
	Delete(roomID string)
}

// Config holds dispatcher policy
type Config struct {
	Registry      registry.Config
	SweepInterval time.Duration
	// AllowBroadcastSignals relays untargeted signals to the whole room.
	AllowBroadcastSignals bool
	// MaxMessagesPerSecond limits inbound events per connection. Zero
	// disables the limit.
	MaxMessagesPerSecond float64
}

type inbound struct {
	client *Client
	msg    models.SignalMessage
	// err is set when the pump already rejected the frame.
	err error
}

// Hub routes signaling events between connections.
type Hub struct {
	cfg       Config
	registry  *registry.Registry
	directory Directory
	logger    *slog.Logger

	// clients is only touched by Run.
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	calls      chan func()
	done       chan struct{}
}

// New creates a hub. directory may be nil. A nil now uses time.Now.
func New(cfg Config, directory Directory, now func() time.Time, logger *slog.Logger) *Hub {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:        cfg,
		registry:   registry.New(cfg.Registry, now, logger.With("component", "registry")),
		directory:  directory,
		logger:     logger.With("component", "hub"),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		calls:      make(chan func()),
		done:       make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled. It must be called exactly once.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer func() {
		ticker.Stop()
		h.shutdown()
		close(h.done)
	}()

	h.logger.Info("dispatcher started", "sweep_interval", h.cfg.SweepInterval.String())
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c.ID] = c
			h.logger.Debug("client registered", "peer", c.ID, "remote", c.remoteAddr())

		case c := <-h.unregister:
			h.removeClient(c)

		case in := <-h.inbound:
			h.handle(in)

		case fn := <-h.calls:
			fn()

		case <-ticker.C:
			h.sweep()
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) shutdown() {
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.logger.Info("dispatcher stopped")
}

func (h *Hub) registerClient(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) dispatch(in inbound) bool {
	select {
	case h.inbound <- in:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	close(c.send)
	h.leave(c.ID)
	h.logger.Debug("client unregistered", "peer", c.ID)
}

func (h *Hub) handle(in inbound) {
	c := in.client
	if _, live := h.clients[c.ID]; !live {
		return
	}
	if in.err != nil {
		h.sendError(c.ID, in.err, in.msg.MsgID)
		return
	}

	msg := in.msg
	switch msg.Type {
	case models.SignalTypeJoinRoom:
		h.join(c.ID, msg)

	case models.SignalTypeLeaveRoom:
		h.leave(c.ID)

	case models.SignalTypeSignal:
		if err := h.relay(c.ID, msg); err != nil {
			h.logger.Debug("signal rejected", "peer", c.ID, "target", msg.Target, "error", err)
			h.sendError(c.ID, err, msg.MsgID)
		}

	case models.SignalTypeMuteStatus:
		h.setMuted(c.ID, msg)

	default:
		h.sendError(c.ID, models.WrapError("dispatch", models.ErrBadRequest, "unknown type "+string(msg.Type)), msg.MsgID)
	}
}

func (h *Hub) join(connID string, msg models.SignalMessage) {
	p, participants, err := h.registry.Join(connID, msg.RoomID, msg.Role)
	if err != nil {
		h.logger.Info("join rejected", "peer", connID, "room", msg.RoomID, "role", msg.Role, "error", err)
		h.sendError(connID, models.WrapError("join room", err, msg.RoomID), msg.MsgID)
		return
	}

	infos := make([]models.ParticipantInfo, len(participants))
	for i, rp := range participants {
		infos[i] = rp.Info()
	}

	h.send(connID, models.SignalMessage{
		Type:          models.SignalTypeRoomJoined,
		RoomID:        msg.RoomID,
		Role:          p.Role,
		ParticipantID: connID,
		Participants:  infos,
		MsgID:         msg.MsgID,
	})
	h.broadcastPresence(msg.RoomID, models.SignalMessage{
		Type:          models.SignalTypeParticipantJoined,
		ParticipantID: connID,
		Role:          p.Role,
	}, connID)
	h.mirror(msg.RoomID)
}

func (h *Hub) leave(connID string) {
	rem, ok := h.registry.Leave(connID)
	if !ok {
		return
	}

	for _, id := range rem.Remaining {
		h.send(id, models.SignalMessage{
			Type:          models.SignalTypeParticipantLeft,
			ParticipantID: connID,
		})
	}
	if rem.NewHostID != "" {
		for _, id := range rem.Remaining {
			h.send(id, models.SignalMessage{
				Type:      models.SignalTypeHostChanged,
				NewHostID: rem.NewHostID,
			})
		}
	}
	h.mirror(rem.RoomID)
}

func (h *Hub) setMuted(connID string, msg models.SignalMessage) {
	roomID, err := h.registry.SetMuted(connID, msg.IsMuted)
	if err != nil {
		h.sendError(connID, err, msg.MsgID)
		return
	}
	h.broadcastPresence(roomID, models.SignalMessage{
		Type:          models.SignalTypeMuteStatus,
		ParticipantID: connID,
		IsMuted:       msg.IsMuted,
	}, connID)
}

// sweep expires idle rooms and re-mirrors the live ones. Relayed signals
// only touch the registry, so the tick is what keeps an active room's
// directory entry from outliving its TTL.
func (h *Hub) sweep() {
	for _, exp := range h.registry.Sweep() {
		h.evict(exp.RoomID, exp.Members, models.ErrRoomExpired)
	}
	if h.directory == nil {
		return
	}
	for _, s := range h.registry.List() {
		h.directory.Put(s)
	}
}

func (h *Hub) evict(roomID string, members []string, reason error) {
	for _, id := range members {
		h.sendError(id, reason, "")
	}
	if h.directory != nil {
		h.directory.Delete(roomID)
	}
}

func (h *Hub) mirror(roomID string) {
	if h.directory == nil {
		return
	}
	if s, ok := h.registry.Summary(roomID); ok {
		h.directory.Put(s)
		return
	}
	h.directory.Delete(roomID)
}

// send queues msg for connID without blocking the dispatcher. A client whose
// buffer is full misses the message.
func (h *Hub) send(connID string, msg models.SignalMessage) bool {
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		h.logger.Warn("send buffer full, dropping message", "peer", connID, "type", msg.Type)
		return false
	}
}

func (h *Hub) sendError(connID string, err error, msgID string) {
	h.send(connID, models.NewErrorMessage(err, msgID))
}

// do runs fn on the dispatcher goroutine and waits for it to finish.
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case h.calls <- func() { fn(); close(finished) }:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Room returns the public summary of a live room.
func (h *Hub) Room(ctx context.Context, roomID string) (summary models.RoomSummary, found bool, err error) {
	err = h.do(ctx, func() {
		summary, found = h.registry.Summary(roomID)
	})
	return summary, found, err
}

// RoomDetail returns the operator view of a live room.
func (h *Hub) RoomDetail(ctx context.Context, roomID string) (detail models.RoomDetail, found bool, err error) {
	err = h.do(ctx, func() {
		detail, found = h.registry.Detail(roomID)
	})
	return detail, found, err
}

// Rooms lists every live room.
func (h *Hub) Rooms(ctx context.Context) (rooms []models.RoomSummary, err error) {
	err = h.do(ctx, func() {
		rooms = h.registry.List()
	})
	return rooms, err
}

// CloseRoom evicts every participant of roomID and deletes the room.
func (h *Hub) CloseRoom(ctx context.Context, roomID string) (found bool, err error) {
	err = h.do(ctx, func() {
		var members []string
		members, found = h.registry.Close(roomID)
		if found {
			h.evict(roomID, members, models.ErrRoomClosed)
		}
	})
	return found, err
}

// Sweep runs the expiry sweep immediately.
func (h *Hub) Sweep(ctx context.Context) error {
	return h.do(ctx, h.sweep)
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount(ctx context.Context) (n int, err error) {
	err = h.do(ctx, func() {
		n = len(h.clients)
	})
	return n, err
}
