package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/khenlevy/stocksync-backend/internal/http/response"
	"github.com/khenlevy/stocksync-backend/internal/jobs/cycle"
	"github.com/khenlevy/stocksync-backend/internal/services"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

type JobHandler struct {
	jobs *services.JobService
}

func NewJobHandler(jobs *services.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// GET /api/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	filter := services.ListFilter{
		Name:     c.Query("name"),
		Status:   types.JobStatus(c.Query("status")),
		ListName: c.Query("cycledListName"),
	}
	if v := c.Query("cycleNumber"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_cycle_number", err)
			return
		}
		filter.CycleNumber = n
	}
	if v := c.Query("sinceHours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_since_hours", err)
			return
		}
		filter.Since = time.Duration(n) * time.Hour
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_limit", err)
			return
		}
		filter.Limit = n
	}

	recs, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_jobs_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": recs})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	rec, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"job": rec})
}

// POST /api/jobs/:id/run. The :id segment is the catalogued job name; the
// single instance rule keys on it.
func (h *JobHandler) RunJob(c *gin.Context) {
	name := c.Param("id")
	rec, err := h.jobs.RunAdHoc(c.Request.Context(), name)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, cycle.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		response.RespondError(c, status, "run_job_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"job": rec})
}

// GET /api/jobs/catalogue
func (h *JobHandler) ListCatalogue(c *gin.Context) {
	response.RespondOK(c, gin.H{"jobs": h.jobs.CatalogueEntries()})
}

// DELETE /api/jobs/:id
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	if err := h.jobs.Delete(c.Request.Context(), jobID); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "delete_job_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": jobID})
}

// DELETE /api/jobs
func (h *JobHandler) DeleteAllJobs(c *gin.Context) {
	if err := h.jobs.DeleteAll(c.Request.Context()); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "delete_all_jobs_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": "all"})
}
