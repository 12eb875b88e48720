package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/yungbote/gpudispatch/internal/domain"
	"github.com/yungbote/gpudispatch/internal/http/response"
	"github.com/yungbote/gpudispatch/internal/platform/apierr"
	"github.com/yungbote/gpudispatch/internal/wire"
)

// Handlers wires Service onto gin, the way the teacher's
// internal/http/handlers package wires its job/health handlers onto
// response.RespondOK/RespondError.
type Handlers struct {
	svc *Service
}

func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// Submit handles POST /api/v1/:job_type/jobs. Only the envelope is
// validated (required field presence); request_body's contents are
// opaque and pass through unexamined (§6).
func (h *Handlers) Submit(c *gin.Context) {
	jobType := c.Param("job_type")
	if !domain.ValidJobType(jobType) {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_type", errors.New("unknown job_type: "+jobType))
		return
	}

	var env wire.SubmitEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		response.RespondError(c, http.StatusBadRequest, "malformed_body", parseBindError(err))
		return
	}

	job, err := h.svc.Submit(c.Request.Context(), jobType, env.RequestBody)
	if err != nil {
		respondAPIErr(c, err, "submit_failed")
		return
	}

	c.JSON(http.StatusAccepted, projectSubmit(job))
}

// GetStatus handles GET /api/v1/jobs/:job_id.
func (h *Handlers) GetStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}

	job, err := h.svc.GetStatus(c.Request.Context(), id)
	if err != nil {
		respondAPIErr(c, err, "status_failed")
		return
	}

	response.RespondOK(c, projectStatus(job))
}

// List handles the supplemented GET /api/v1/jobs administrative
// endpoint (see SPEC_FULL.md's C4 section).
func (h *Handlers) List(c *gin.Context) {
	status := domain.Status(c.Query("status"))
	limit := 50

	jobs, err := h.svc.List(c.Request.Context(), status, limit)
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "list_failed", err)
		return
	}

	items := make([]wire.JobListItem, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, wire.JobListItem{
			JobID:     j.ID.String(),
			JobType:   j.JobType,
			Status:    string(j.Status),
			ResultURL: j.ResultURI,
			Error:     j.Error,
			Attempts:  j.Attempts,
			CreatedAt: j.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	response.RespondOK(c, wire.JobListResponse{Jobs: items})
}

// Health handles GET /health.
func (h *Handlers) Health(c *gin.Context) {
	status := h.svc.Health(c.Request.Context())
	c.JSON(http.StatusOK, wire.HealthResponse{
		Status: "healthy",
		Components: map[string]string{
			"registry": status.Registry,
			"queue":    status.Queue,
			"host":     status.Host,
		},
	})
}

// respondAPIErr unwraps an *apierr.Error for its intended status/code
// (§7's error taxonomy), falling back to a generic 503 for anything
// the service layer didn't classify.
func respondAPIErr(c *gin.Context, err error, fallbackCode string) {
	var aerr *apierr.Error
	if errors.As(err, &aerr) {
		response.RespondError(c, aerr.Status, aerr.Code, aerr.Err)
		return
	}
	response.RespondError(c, http.StatusServiceUnavailable, fallbackCode, err)
}

// parseBindError turns a validator.ValidationErrors into a short,
// field-scoped message instead of leaking the library's default
// "Key: '...' Error:Field validation..." text, matching the pack's
// Geocoder89-event-hub bind-error idiom but kept to the single level
// this envelope actually needs — request_body is opaque past this
// point, so there is no nested schema to walk.
func parseBindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return err
}

func projectSubmit(job *domain.Job) wire.SubmitResponse {
	return wire.SubmitResponse{
		JobID:     job.ID.String(),
		Status:    string(job.Status),
		ResultURL: job.ResultURI,
		Error:     job.Error,
	}
}

func projectStatus(job *domain.Job) wire.JobStatusResponse {
	return wire.JobStatusResponse{
		JobID:     job.ID.String(),
		Status:    string(job.Status),
		ResultURL: job.ResultURI,
		Error:     job.Error,
	}
}
