package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/khenlevy/stocksync-backend/internal/http/response"
	"github.com/khenlevy/stocksync-backend/internal/jobs/cycle"
	"github.com/khenlevy/stocksync-backend/internal/services"
)

type CycleStatusHandler struct {
	controller *cycle.Controller
	projector  *services.StatusProjector
	// appCtx bounds the cycle loop; a start must outlive the request.
	appCtx context.Context
}

func NewCycleStatusHandler(controller *cycle.Controller, projector *services.StatusProjector, appCtx context.Context) *CycleStatusHandler {
	if appCtx == nil {
		appCtx = context.Background()
	}
	return &CycleStatusHandler{controller: controller, projector: projector, appCtx: appCtx}
}

// listName validates the optional ?name= query against the hosted list.
// An empty configured name rejects every control call.
func (h *CycleStatusHandler) listName(c *gin.Context) (string, bool) {
	name := h.controller.Name()
	if name == "" {
		response.RespondError(c, http.StatusBadRequest, "name_required", errors.New("no cycled list configured"))
		return "", false
	}
	if q := c.Query("name"); q != "" && q != name {
		response.RespondError(c, http.StatusNotFound, "unknown_cycled_list", errors.New("unknown cycled list: "+q))
		return "", false
	}
	return name, true
}

// GET /api/cycled-list-status
func (h *CycleStatusHandler) GetStatus(c *gin.Context) {
	doc, err := h.projector.Project(c.Request.Context())
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "status_projection_failed", err)
		return
	}
	response.RespondOK(c, doc)
}

// POST /api/cycled-list-status/pause
func (h *CycleStatusHandler) Pause(c *gin.Context) {
	if _, ok := h.listName(c); !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.controller.PauseManually(req.Reason); err != nil {
		h.controlError(c, "pause_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"status": h.controller.Status()})
}

// POST /api/cycled-list-status/resume
func (h *CycleStatusHandler) Resume(c *gin.Context) {
	if _, ok := h.listName(c); !ok {
		return
	}
	if err := h.controller.ResumeManually(); err != nil {
		h.controlError(c, "resume_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"status": h.controller.Status()})
}

// POST /api/cycled-list-status/start
func (h *CycleStatusHandler) Start(c *gin.Context) {
	if _, ok := h.listName(c); !ok {
		return
	}
	if err := h.controller.Start(h.appCtx); err != nil {
		h.controlError(c, "start_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"status": h.controller.Status()})
}

// POST /api/cycled-list-status/stop
func (h *CycleStatusHandler) Stop(c *gin.Context) {
	if _, ok := h.listName(c); !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "stopped by operator"
	}
	h.controller.Stop(req.Reason)
	response.RespondOK(c, gin.H{"status": h.controller.Status()})
}

func (h *CycleStatusHandler) controlError(c *gin.Context, code string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, cycle.ErrNotInitialized) {
		status = http.StatusBadRequest
	}
	response.RespondError(c, status, code, err)
}
