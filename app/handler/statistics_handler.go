package handler

import (
	"net/http"

	"tileflow/internal/model"
	"tileflow/internal/service"
	"tileflow/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatisticsHandler handles statistics-related HTTP requests
type StatisticsHandler struct {
	statsService *service.StatisticsService
}

// NewStatisticsHandler creates a new statistics handler
func NewStatisticsHandler(statsService *service.StatisticsService) *StatisticsHandler {
	return &StatisticsHandler{statsService: statsService}
}

// GetSpaceStatistics retrieves the hub statistics of a space
// @Summary Get space statistics
// @Description Get feature count, byte size and version range of a space
// @Tags statistics
// @Produce json
// @Param space_id path string true "Space ID"
// @Param context query string false "Space context (DEFAULT, EXTENSION, SUPER)"
// @Success 200 {object} model.SpaceStatistics
// @Router /spaces/{space_id}/statistics [get]
func (h *StatisticsHandler) GetSpaceStatistics(c *gin.Context) {
	spaceID := c.Param("space_id")
	spaceContext := model.SpaceContext(c.Query("context"))

	stats, err := h.statsService.GetSpaceStatistics(c.Request.Context(), spaceID, spaceContext)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get statistics of space %s: %v", spaceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get space statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetStepStatistics retrieves the live upload counters of a step
// @Summary Get step upload statistics
// @Description Aggregate bytes, rows and files uploaded by a step's finished tasks
// @Tags statistics
// @Produce json
// @Param step_id path string true "Step ID"
// @Success 200 {object} model.FileStatistics
// @Router /steps/{step_id}/statistics [get]
func (h *StatisticsHandler) GetStepStatistics(c *gin.Context) {
	stepID := c.Param("step_id")

	stats, err := h.statsService.GetStepStatistics(c.Request.Context(), stepID)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get statistics of step %s: %v", stepID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get step statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
