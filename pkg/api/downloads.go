// pkg/api/downloads.go
package api

import (
	"context"

	"github.com/ociproxy/imgfetch/pkg/models"
	"github.com/ociproxy/imgfetch/pkg/progressbus"
	"github.com/ociproxy/imgfetch/pkg/scheduler"
	"github.com/ociproxy/imgfetch/pkg/taskstore"
	"github.com/ociproxy/imgfetch/pkg/utils"

	"github.com/google/uuid"
	"github.com/gofiber/fiber/v2"
)

// DownloadsHandler exposes the task lifecycle over HTTP (§6).
type DownloadsHandler struct {
	store     *taskstore.Store
	scheduler *scheduler.Scheduler
	bus       *progressbus.Bus
	log       *utils.Logger
}

func NewDownloadsHandler(store *taskstore.Store, sched *scheduler.Scheduler, bus *progressbus.Bus, log *utils.Logger) *DownloadsHandler {
	return &DownloadsHandler{store: store, scheduler: sched, bus: bus, log: log}
}

type createDownloadRequest struct {
	Source     string `json:"source"`
	Repository string `json:"repository"`
	Reference  string `json:"reference"`
	Platform   struct {
		OS           string `json:"os"`
		Architecture string `json:"architecture"`
		Variant      string `json:"variant"`
	} `json:"platform"`
	TargetDir string `json:"targetDir"`
}

// Create handles POST /api/downloads (§6).
func (h *DownloadsHandler) Create(c *fiber.Ctx) error {
	var req createDownloadRequest
	if err := c.BodyParser(&req); err != nil {
		return HTTPError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.Source == "" || req.Repository == "" || req.Reference == "" {
		return HTTPError(c, fiber.StatusBadRequest, "source, repository and reference are required")
	}
	if err := utils.ValidateRepoName(req.Repository); err != nil {
		return HTTPError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := utils.ValidateReference(req.Reference); err != nil {
		return HTTPError(c, fiber.StatusBadRequest, err.Error())
	}

	platform := models.DefaultPlatform
	if req.Platform.OS != "" && req.Platform.Architecture != "" {
		platform = models.Platform{
			OS:           req.Platform.OS,
			Architecture: req.Platform.Architecture,
			Variant:      req.Platform.Variant,
		}
	}

	task := &models.Task{
		ID:    uuid.NewString(),
		State: models.StatePending,
		Coord: models.Coordinate{
			Source:     req.Source,
			Repository: req.Repository,
			Reference:  req.Reference,
		},
		Platform:  platform,
		TargetDir: req.TargetDir,
	}

	if err := h.store.Create(task); err != nil {
		return RespondErr(c, err)
	}

	if err := h.scheduler.Start(context.Background(), task.ID); err != nil {
		return RespondErr(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"code": fiber.StatusAccepted, "data": task})
}

// List handles GET /api/downloads.
func (h *DownloadsHandler) List(c *fiber.Ctx) error {
	tasks := h.store.List()
	return c.JSON(fiber.Map{"code": fiber.StatusOK, "data": tasks})
}

// Get handles GET /api/downloads/:id.
func (h *DownloadsHandler) Get(c *fiber.Ctx) error {
	task, err := h.store.Get(c.Params("id"))
	if err != nil {
		return RespondErr(c, err)
	}
	return c.JSON(fiber.Map{"code": fiber.StatusOK, "data": task})
}

// taskResponse re-fetches and returns the task record after a lifecycle
// action, matching §6's "task record" response contract for every
// pause/resume/cancel/retry endpoint (the same shape Create/Get return).
func (h *DownloadsHandler) taskResponse(c *fiber.Ctx, id string) error {
	task, err := h.store.Get(id)
	if err != nil {
		return RespondErr(c, err)
	}
	return c.JSON(fiber.Map{"code": fiber.StatusOK, "data": task})
}

// Pause handles POST /api/downloads/:id/pause.
func (h *DownloadsHandler) Pause(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.scheduler.Pause(id); err != nil {
		return RespondErr(c, err)
	}
	return h.taskResponse(c, id)
}

// Resume handles POST /api/downloads/:id/resume.
func (h *DownloadsHandler) Resume(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.scheduler.Resume(context.Background(), id); err != nil {
		return RespondErr(c, err)
	}
	return h.taskResponse(c, id)
}

// Cancel handles POST /api/downloads/:id/cancel.
func (h *DownloadsHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.scheduler.Cancel(id); err != nil {
		return RespondErr(c, err)
	}
	return h.taskResponse(c, id)
}

// Retry handles POST /api/downloads/:id/retry.
func (h *DownloadsHandler) Retry(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.scheduler.Retry(context.Background(), id); err != nil {
		return RespondErr(c, err)
	}
	return h.taskResponse(c, id)
}

// Delete handles DELETE /api/downloads/:id. A task must be in a terminal
// state before its directory can be removed (§6).
func (h *DownloadsHandler) Delete(c *fiber.Ctx) error {
	task, err := h.store.Get(c.Params("id"))
	if err != nil {
		return RespondErr(c, err)
	}
	if !task.State.IsTerminal() {
		return HTTPError(c, fiber.StatusConflict, "task must reach a terminal state before deletion")
	}
	if err := h.store.Delete(task.ID); err != nil {
		return RespondErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
