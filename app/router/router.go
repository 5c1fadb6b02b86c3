package router

import (
	"net/http"

	"tileflow/app/handler"
	"tileflow/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	stepHandler       *handler.StepHandler
	statisticsHandler *handler.StatisticsHandler
}

// NewRouter creates a new Router
func NewRouter(stepHandler *handler.StepHandler, statisticsHandler *handler.StatisticsHandler) *Router {
	return &Router{
		stepHandler:       stepHandler,
		statisticsHandler: statisticsHandler,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1")
	v1.Use(middleware.AuthMiddleware())
	{
		// Step lifecycle
		v1.POST("/steps", r.stepHandler.Create)
		v1.GET("/steps/:step_id", r.stepHandler.Get)
		v1.POST("/steps/:step_id/cancel", r.stepHandler.Cancel)
		v1.GET("/steps/:step_id/progress", r.stepHandler.Progress)
		v1.GET("/steps/:step_id/statistics", r.statisticsHandler.GetStepStatistics)

		// Space views
		v1.GET("/spaces/:space_id/steps", r.stepHandler.List)
		v1.GET("/spaces/:space_id/statistics", r.statisticsHandler.GetSpaceStatistics)
	}
}
