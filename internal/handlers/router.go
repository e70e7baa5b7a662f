package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/mesh-signaling/config"
	"github.com/mossy-p/mesh-signaling/internal/hub"
	"github.com/mossy-p/mesh-signaling/internal/middleware"
)

// NewRouter wires the HTTP surface of the signaling server.
func NewRouter(cfg *config.Config, h *hub.Hub, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	rooms := NewRoomHandler(h)
	apiGroup := router.Group("/api")
	{
		// Room lookup (public)
		apiGroup.GET("/rooms/:roomId", rooms.GetRoom)

		admin := apiGroup.Group("/admin", middleware.JWTAuth(cfg.JWTSecret))
		admin.GET("/rooms", rooms.ListRooms)
		admin.GET("/rooms/:roomId", rooms.GetRoomDetail)
		admin.DELETE("/rooms/:roomId", rooms.DeleteRoom)
	}

	signaling := NewSignalingHandler(h, logger)
	router.GET("/ws", signaling.HandleSignaling)

	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
		)
	}
}
