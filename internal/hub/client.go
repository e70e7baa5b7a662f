package hub

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/mesh-signaling/internal/codec"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP documents for a
	// multi-track session stay well below this.
	maxMessageSize = 64 * 1024

	sendBufferSize = 256
)

// Client is one WebSocket connection. Its ID is the connection id used as
// participant identity.
type Client struct {
	ID string

	hub     *Hub
	conn    *websocket.Conn
	codec   codec.Codec
	send    chan models.SignalMessage
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Serve registers conn with the hub and starts its pumps. It returns once the
// connection is registered; the pumps run until the connection closes.
func (h *Hub) Serve(conn *websocket.Conn, cdc codec.Codec) (*Client, error) {
	c := &Client{
		ID:     uuid.New().String(),
		hub:    h,
		conn:   conn,
		codec:  cdc,
		send:   make(chan models.SignalMessage, sendBufferSize),
		logger: h.logger,
	}
	if perSecond := h.cfg.MaxMessagesPerSecond; perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	c.logger = h.logger.With("peer", c.ID)

	if err := h.registerClient(c); err != nil {
		conn.Close()
		return nil, err
	}

	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Info("websocket error", "error", err)
			}
			return
		}

		in := inbound{client: c}
		if err := c.codec.Decode(data, &in.msg); err != nil {
			in.err = models.WrapError("decode", models.ErrBadRequest, err.Error())
		} else if c.limiter != nil && !c.limiter.Allow() {
			in.err = models.ErrRateLimited
		}
		// The sender is always the connection itself.
		in.msg.From = c.ID

		if !c.hub.dispatch(in) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := c.codec.Encode(msg)
			if err != nil {
				c.logger.Error("failed to encode message", "type", msg.Type, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				c.logger.Debug("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
