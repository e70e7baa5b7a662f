package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/mesh-signaling/internal/hub"
)

// RoomHandler serves room lookups from the live registry
type RoomHandler struct {
	hub *hub.Hub
}

func NewRoomHandler(h *hub.Hub) *RoomHandler {
	return &RoomHandler{hub: h}
}

// GetRoom returns the public summary of a room (public)
func (r *RoomHandler) GetRoom(c *gin.Context) {
	summary, found, err := r.hub.Room(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling unavailable"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListRooms returns every live room (operator)
func (r *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := r.hub.Rooms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoomDetail returns a room with its participants (operator)
func (r *RoomHandler) GetRoomDetail(c *gin.Context) {
	detail, found, err := r.hub.RoomDetail(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling unavailable"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// DeleteRoom evicts all participants and deletes the room (operator)
func (r *RoomHandler) DeleteRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	found, err := r.hub.CloseRoom(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling unavailable"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted", "operator": c.GetString("operator")})
}
