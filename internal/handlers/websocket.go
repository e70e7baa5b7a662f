package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/mesh-signaling/internal/codec"
	"github.com/mossy-p/mesh-signaling/internal/hub"
)

// SignalingHandler upgrades participants to the signaling channel
type SignalingHandler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewSignalingHandler(h *hub.Hub, logger *slog.Logger) *SignalingHandler {
	return &SignalingHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    codec.Subprotocols(),
			CheckOrigin: func(r *http.Request) bool {
				// Origin checking is handled by middleware
				return true
			},
		},
		logger: logger,
	}
}

// HandleSignaling handles WebSocket connections. Room membership is
// negotiated over the channel with join-room, not in the URL.
func (s *SignalingHandler) HandleSignaling(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Info("failed to upgrade connection", "error", err)
		return
	}

	cdc, err := codec.ForSubprotocol(conn.Subprotocol())
	if err != nil {
		// The upgrader only selects protocols we offered.
		s.logger.Error("negotiated unknown subprotocol", "subprotocol", conn.Subprotocol())
		conn.Close()
		return
	}

	client, err := s.hub.Serve(conn, cdc)
	if err != nil {
		s.logger.Warn("rejected connection", "error", err)
		return
	}
	s.logger.Info("peer connected", "peer", client.ID, "codec", cdc.Name(), "remote", c.ClientIP())
}
