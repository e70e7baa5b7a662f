package hub

import (
	"github.com/mossy-p/mesh-signaling/internal/models"
)

// broadcastPresence delivers a presence event to every participant of roomID
// except exclude. Must be called from the dispatcher goroutine.
func (h *Hub) broadcastPresence(roomID string, event models.SignalMessage, exclude string) {
	for _, id := range h.registry.Members(roomID) {
		if id == exclude {
			continue
		}
		h.send(id, event)
	}
}

// relay forwards a signal to its target. The payload is never inspected; the
// sender identity always comes from the connection, not the message.
func (h *Hub) relay(from string, msg models.SignalMessage) error {
	roomID, ok := h.registry.RoomOf(from)
	if !ok {
		return models.NewError("relay signal", models.ErrNotInRoom)
	}

	out := models.SignalMessage{
		Type:   models.SignalTypeSignal,
		From:   from,
		Target: msg.Target,
		Data:   msg.Data,
		MsgID:  msg.MsgID,
	}

	if msg.Target == "" {
		if !h.cfg.AllowBroadcastSignals {
			return models.WrapError("relay signal", models.ErrBadRequest, "missing target")
		}
		h.registry.Touch(roomID)
		h.broadcastPresence(roomID, out, from)
		return nil
	}

	if msg.Target == from || !h.registry.IsMember(roomID, msg.Target) {
		return models.NewPeerError("relay signal", msg.Target, models.ErrSignalTargetUnreachable)
	}
	if _, live := h.clients[msg.Target]; !live {
		return models.NewPeerError("relay signal", msg.Target, models.ErrSignalTargetUnreachable)
	}

	h.registry.Touch(roomID)
	if !h.send(msg.Target, out) {
		return models.NewPeerError("relay signal", msg.Target, models.ErrSignalTargetUnreachable)
	}
	return nil
}
