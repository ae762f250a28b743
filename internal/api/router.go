package api

import (
	"github.com/gin-gonic/gin"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/intervention"
	"github.com/memnexus/memnexus/internal/memory/bus"
	"github.com/memnexus/memnexus/internal/memory/store"
	"github.com/memnexus/memnexus/internal/memory/streaming"
	"github.com/memnexus/memnexus/internal/orchestrator/engine"
	"github.com/memnexus/memnexus/internal/session"
)

// SetupRoutes configures the memnexus API routes on router, including the
// external websocket bridge for the Memory Sync Bus when b is non-nil.
func SetupRoutes(router *gin.Engine, sessions *session.Manager, orch *engine.Engine, interventions *intervention.Registry, st store.Store, b *bus.Bus, log *logger.Logger) {
	handler := NewHandler(sessions, orch, interventions, st, log)

	v1 := router.Group("/api/v1")

	v1.GET("/health", handler.HealthCheck)

	sessionsGroup := v1.Group("/sessions")
	{
		sessionsGroup.POST("", handler.CreateSession)
		sessionsGroup.GET("", handler.ListSessions)
		sessionsGroup.GET("/:id", handler.GetSession)
		sessionsGroup.DELETE("/:id", handler.DeleteSession)
		sessionsGroup.POST("/:id/agents", handler.LaunchAgent)
		sessionsGroup.POST("/:id/plan", handler.CreatePlan)
		sessionsGroup.POST("/:id/plan/execute", handler.ExecutePlan)
		sessionsGroup.GET("/:id/memory", handler.ListMemory)
	}

	v1.POST("/interventions/:id/resolve", handler.ResolveIntervention)

	if b != nil {
		wsHandler := streaming.NewWSHandler(streaming.NewHub(b, log), log)
		streaming.SetupRoutes(v1, wsHandler)
	}
}
