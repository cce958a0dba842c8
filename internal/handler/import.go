package handler

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/quillpost/api/internal/middleware"
	"github.com/quillpost/api/internal/model"
	"github.com/quillpost/api/internal/service"
	"github.com/quillpost/api/internal/storage"
	ws "github.com/quillpost/api/internal/websocket"
	"github.com/quillpost/api/pkg/response"
)

type ImportHandler struct {
	service        *service.ImportService
	hub            *ws.Hub
	validator      *validator.Validate
	maxUploadBytes int64
}

func NewImportHandler(svc *service.ImportService, hub *ws.Hub, v *validator.Validate, maxUploadBytes int64) *ImportHandler {
	return &ImportHandler{
		service:        svc,
		hub:            hub,
		validator:      v,
		maxUploadBytes: maxUploadBytes,
	}
}

// Upload handles POST /api/imports/csv
func (h *ImportHandler) Upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if !strings.EqualFold(filepath.Ext(file.Filename), ".csv") {
		return response.ValidationError(c, "Only .csv files are accepted", map[string]interface{}{
			"filename": file.Filename,
		})
	}

	if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
		return response.ValidationError(c, "File size exceeds upload limit", map[string]interface{}{
			"maxSize":  h.maxUploadBytes,
			"fileSize": file.Size,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	job, err := h.service.Submit(c.UserContext(), f, filepath.Base(file.Filename), middleware.GetUserID(c))
	if err != nil {
		if errors.Is(err, storage.ErrNoFile) {
			return response.ValidationError(c, "File is required", nil)
		}
		return response.ServiceError(c, "Failed to schedule import")
	}

	return response.Accepted(c, job)
}

// Status handles GET /api/imports/:jobId
func (h *ImportHandler) Status(c *fiber.Ctx) error {
	job, err := h.ownedJob(c)
	if err != nil || job == nil {
		return err
	}

	entries, err := job.DecodeErrorLog()
	if err != nil {
		return response.ServiceError(c, "Failed to read error log")
	}

	return response.OK(c, model.ImportJobResponse{ImportJob: job, ErrorLog: entries})
}

// Errors handles GET /api/imports/:jobId/errors
func (h *ImportHandler) Errors(c *fiber.Ctx) error {
	job, err := h.ownedJob(c)
	if err != nil || job == nil {
		return err
	}

	_, entries, err := h.service.GetErrors(c.UserContext(), job.ID)
	if err != nil {
		return h.serviceError(c, err)
	}

	return response.OK(c, model.ImportErrorsResponse{JobID: job.ID, Errors: entries})
}

// Resubmit handles POST /api/imports/:jobId/resubmit
func (h *ImportHandler) Resubmit(c *fiber.Ctx) error {
	job, err := h.ownedJob(c)
	if err != nil || job == nil {
		return err
	}

	next, err := h.service.Resubmit(c.UserContext(), job.ID)
	if err != nil {
		return h.serviceError(c, err)
	}

	return response.Accepted(c, next)
}

// Watch authorizes GET /ws/imports/:jobId before the websocket upgrade.
func (h *ImportHandler) Watch(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	job, err := h.ownedJob(c)
	if err != nil || job == nil {
		return err
	}

	c.Locals("jobId", job.ID)
	return c.Next()
}

// Stream serves the progress websocket of a job authorized by Watch.
func (h *ImportHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		jobID, _ := c.Locals("jobId").(string)
		h.hub.HandleConnection(c, jobID)
	})
}

// ownedJob loads the :jobId job of the current user. A nil job with a nil
// error means the response has already been written.
func (h *ImportHandler) ownedJob(c *fiber.Ctx) (*model.ImportJob, error) {
	jobID := c.Params("jobId")
	if err := h.validator.Var(jobID, "required,uuid"); err != nil {
		return nil, response.ValidationError(c, "Invalid job ID", map[string]interface{}{
			"jobId": jobID,
		})
	}

	job, err := h.service.GetStatus(c.UserContext(), jobID)
	if err != nil {
		return nil, h.serviceError(c, err)
	}

	// other users' jobs are indistinguishable from missing ones
	if job.OwnerID != middleware.GetUserID(c) {
		return nil, response.NotFound(c, "Job not found")
	}
	return job, nil
}

func (h *ImportHandler) serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrJobNotFailed):
		return response.Conflict(c, "Only failed jobs can be resubmitted")
	default:
		return response.ServiceError(c, "Import service error")
	}
}
