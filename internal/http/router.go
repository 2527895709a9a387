package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter mounts every route under /api.
func NewRouter(s *Server, origins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	api := r.Group("/api")
	{
		api.GET("/health", s.Health)
		api.POST("/sessions", s.CreateSession)

		api.POST("/chat", s.Chat)
		api.GET("/chat/history/:sessionId", s.History)
		api.POST("/chat/reset", s.Reset)
		api.GET("/chat/summary/:sessionId", s.Summary)

		api.GET("/departments", s.ListDepartments)
		api.GET("/departments/:id", s.GetDepartment)

		api.GET("/staff/alerts/stream", s.AlertStream)
	}
	return r
}
