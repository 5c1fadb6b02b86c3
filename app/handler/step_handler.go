package handler

import (
	"net/http"
	"time"

	"tileflow/internal/model"
	"tileflow/internal/service"
	"tileflow/pkg/errs"
	"tileflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// StepHandler handles export step operations
type StepHandler struct {
	stepService *service.StepService
	progress    *service.ProgressBroker
	upgrader    websocket.Upgrader
}

// NewStepHandler creates step handler
func NewStepHandler(stepService *service.StepService, progress *service.ProgressBroker) *StepHandler {
	return &StepHandler{
		stepService: stepService,
		progress:    progress,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Create creates an export step
// @Summary Create export step
// @Description Create a tile export step for a space; equivalent changed-tiles steps are deduplicated
// @Tags steps
// @Accept json
// @Produce json
// @Param request body model.CreateStepRequest true "Step definition"
// @Success 201 {object} model.CreateStepResponse
// @Router /steps [post]
func (h *StepHandler) Create(c *gin.Context) {
	var req model.CreateStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.stepService.CreateStep(c.Request.Context(), &req)
	if err != nil {
		if errs.IsKind(err, errs.KindValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.ErrorCtx(c.Request.Context(), "failed to create step, space: %s, error: %v", req.SpaceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create step"})
		return
	}

	status := http.StatusCreated
	if resp.Reused {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// Get gets step details
// @Summary Get step details
// @Description Get the configuration, state and outputs of a step
// @Tags steps
// @Produce json
// @Param step_id path string true "Step ID"
// @Success 200 {object} model.StepDetails
// @Router /steps/{step_id} [get]
func (h *StepHandler) Get(c *gin.Context) {
	stepID := c.Param("step_id")
	details, err := h.stepService.GetStep(c.Request.Context(), stepID)
	if err != nil {
		if errs.IsKind(err, errs.KindValidation) {
			c.JSON(http.StatusNotFound, gin.H{"error": "step not found"})
			return
		}
		logger.ErrorCtx(c.Request.Context(), "failed to get step %s: %v", stepID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get step"})
		return
	}
	c.JSON(http.StatusOK, details)
}

// List lists the steps of a space
// @Summary List space steps
// @Description List all steps of a space, newest first
// @Tags steps
// @Produce json
// @Param space_id path string true "Space ID"
// @Success 200 {array} model.StepDetails
// @Router /spaces/{space_id}/steps [get]
func (h *StepHandler) List(c *gin.Context) {
	spaceID := c.Param("space_id")
	details, err := h.stepService.ListSpaceSteps(c.Request.Context(), spaceID)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to list steps of space %s: %v", spaceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list steps"})
		return
	}
	c.JSON(http.StatusOK, details)
}

// Cancel cancels a step
// @Summary Cancel step
// @Description Request cooperative cancellation of a running step
// @Tags steps
// @Param step_id path string true "Step ID"
// @Success 200 {object} map[string]string
// @Router /steps/{step_id}/cancel [post]
func (h *StepHandler) Cancel(c *gin.Context) {
	stepID := c.Param("step_id")
	if err := h.stepService.CancelStep(c.Request.Context(), stepID); err != nil {
		if errs.IsKind(err, errs.KindValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.ErrorCtx(c.Request.Context(), "failed to cancel step %s: %v", stepID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel step"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// Progress streams progress samples of a step over a websocket
// @Summary Stream step progress
// @Description Upgrade to a websocket and push estimated progress samples as they arrive
// @Tags steps
// @Param step_id path string true "Step ID"
// @Router /steps/{step_id}/progress [get]
func (h *StepHandler) Progress(c *gin.Context) {
	stepID := c.Param("step_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnCtx(c.Request.Context(), "websocket upgrade failed for step %s: %v", stepID, err)
		return
	}
	defer conn.Close()

	events, cancel := h.progress.Subscribe(stepID)
	defer cancel()

	// First frame carries the last known fraction so late subscribers
	// start from the current state.
	initial := service.ProgressEvent{StepID: stepID, Fraction: h.progress.Latest(stepID)}
	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	// Drain client frames so close messages are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event := <-events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
