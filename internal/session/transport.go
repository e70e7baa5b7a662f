package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/mesh-signaling/internal/codec"
	"github.com/mossy-p/mesh-signaling/internal/models"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 64 * 1024
	handshakeTimeout = 10 * time.Second
	bufferSize       = 256
)

var errSendBufferFull = errors.New("send buffer full")

// Transport is the WebSocket connection to the signaling server.
type Transport struct {
	conn     *websocket.Conn
	codec    codec.Codec
	incoming chan models.SignalMessage
	outgoing chan models.SignalMessage
	done     chan struct{}
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	// leave is written last when the transport is closed by Leave; signals
	// still queued at that point are dropped.
	leave *models.SignalMessage
}

// Dial connects to url offering the codec named codecName as subprotocol.
func Dial(ctx context.Context, url, codecName string, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	want, err := codec.ForSubprotocol(codecName)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{want.Name()},
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	// Servers that ignore the subprotocol speak JSON.
	negotiated, err := codec.ForSubprotocol(conn.Subprotocol())
	if err != nil {
		conn.Close()
		return nil, err
	}

	t := newTransport(conn, negotiated, logger)
	go t.readPump()
	go t.writePump()
	return t, nil
}

func newTransport(conn *websocket.Conn, cdc codec.Codec, logger *slog.Logger) *Transport {
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &Transport{
		conn:     conn,
		codec:    cdc,
		incoming: make(chan models.SignalMessage, bufferSize),
		outgoing: make(chan models.SignalMessage, bufferSize),
		done:     make(chan struct{}),
		logger:   logger.With("codec", cdc.Name()),
	}
}

// Incoming delivers server events. It is closed when the connection ends.
func (t *Transport) Incoming() <-chan models.SignalMessage {
	return t.incoming
}

// Send queues msg without blocking. It fails once the transport is closed.
func (t *Transport) Send(msg models.SignalMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return models.NewError("send "+string(msg.Type), models.ErrTransportDisconnected)
	}
	select {
	case t.outgoing <- msg:
		return nil
	default:
		return models.WrapError("send "+string(msg.Type), models.ErrTransportDisconnected, errSendBufferFull.Error())
	}
}

// Close flushes queued messages and closes the connection. It is idempotent.
func (t *Transport) Close() {
	t.shutdown(nil)
}

// Leave closes the transport like Close, except that queued signals are
// dropped and msg is written after the rest of the queue.
func (t *Transport) Leave(msg models.SignalMessage) {
	t.shutdown(&msg)
}

func (t *Transport) shutdown(leave *models.SignalMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.leave = leave
	close(t.done)
}

// dropped reports whether msg must not be written because the session is
// being left.
func (t *Transport) dropped(msg models.SignalMessage) bool {
	if msg.Type != models.SignalTypeSignal {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leave != nil
}

func (t *Transport) readPump() {
	defer func() {
		t.conn.Close()
		close(t.incoming)
	}()

	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug("signaling connection lost", "err", err)
			}
			return
		}

		var msg models.SignalMessage
		if err := t.codec.Decode(data, &msg); err != nil {
			t.logger.Warn("dropping undecodable message", "err", err)
			continue
		}

		select {
		case t.incoming <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case msg := <-t.outgoing:
			if t.dropped(msg) {
				continue
			}
			if err := t.write(msg); err != nil {
				t.Close()
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.Close()
				return
			}

		case <-t.done:
			if t.flush() != nil {
				return
			}
			t.mu.Lock()
			leave := t.leave
			t.mu.Unlock()
			if leave != nil && t.write(*leave) != nil {
				return
			}
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued.
func (t *Transport) flush() error {
	for {
		select {
		case msg := <-t.outgoing:
			if t.dropped(msg) {
				continue
			}
			if err := t.write(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (t *Transport) write(msg models.SignalMessage) error {
	data, err := t.codec.Encode(msg)
	if err != nil {
		t.logger.Error("failed to encode message", "type", msg.Type, "err", err)
		return nil
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(t.codec.FrameType(), data)
}
