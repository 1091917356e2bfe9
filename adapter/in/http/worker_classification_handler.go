package http

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailsync_server/adapter/out/messaging"
	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/infra/middleware"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
)

// ReclassifyQueue hands full-mailbox runs to the worker process.
type ReclassifyQueue interface {
	EnqueueReclassify(ctx context.Context, job *messaging.ReclassifyJob) error
}

// RunHistory lists past reclassification runs (mongodb.ClassificationArchive).
type RunHistory interface {
	ListRuns(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.ReclassificationRun, error)
}

// ClassificationHandler serves analytics and the reclassification API.
type ClassificationHandler struct {
	analytics    in.AnalyticsService
	reclassifier in.Reclassifier
	queue        ReclassifyQueue
	runs         RunHistory
}

// NewClassificationHandler builds the handler. Without a queue, runs execute
// inside the request.
func NewClassificationHandler(analytics in.AnalyticsService, reclassifier in.Reclassifier, queue ReclassifyQueue) *ClassificationHandler {
	return &ClassificationHandler{analytics: analytics, reclassifier: reclassifier, queue: queue}
}

// SetRunHistory enables GET /classification/:owner/runs.
func (h *ClassificationHandler) SetRunHistory(runs RunHistory) {
	h.runs = runs
}

func (h *ClassificationHandler) Register(protected fiber.Router) {
	own := middleware.RequireOwnerParam("owner")
	protected.Get("/analytics/:owner/summary", own, h.Summary)
	protected.Post("/classification/:owner/reclassify", own, h.Reclassify)
	protected.Post("/classification/:owner/rollback/:backupId", own, h.Rollback)
	protected.Get("/classification/:owner/runs", own, h.ListRuns)
}

func (h *ClassificationHandler) Summary(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}
	summary, err := h.analytics.Summary(c.Context(), ownerID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, summary)
}

// Reclassify runs dry runs inline and queues real runs.
func (h *ClassificationHandler) Reclassify(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}

	var opts in.ReclassifyOptions
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&opts); err != nil {
			return apperr.BadRequest("invalid request body")
		}
	}
	if opts.ConfidenceThreshold < 0 || opts.ConfidenceThreshold > 1 {
		return apperr.InvalidInput("confidence_threshold", "must be between 0 and 1")
	}
	if opts.BatchSize < 0 {
		return apperr.InvalidInput("batch_size", "must not be negative")
	}

	if opts.DryRun || h.queue == nil {
		run, err := h.reclassifier.ReclassifyAll(c.Context(), ownerID, opts)
		if err != nil {
			return err
		}
		return SuccessResponse(c, run)
	}

	job := &messaging.ReclassifyJob{
		OwnerID:             ownerID.String(),
		BatchSize:           opts.BatchSize,
		ConfidenceThreshold: opts.ConfidenceThreshold,
	}
	if err := h.queue.EnqueueReclassify(c.Context(), job); err != nil {
		return apperr.InternalWithError(err)
	}
	logger.WithOwner(ownerID).Info("[ClassificationHandler.Reclassify] queued batch=%d threshold=%.2f", opts.BatchSize, opts.ConfidenceThreshold)
	return AcceptedResponse(c, fiber.Map{"queued": true})
}

func (h *ClassificationHandler) Rollback(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}
	backupID := c.Params("backupId")
	if backupID == "" {
		return apperr.InvalidInput("backupId", "required")
	}
	stats, err := h.reclassifier.Rollback(c.Context(), ownerID, backupID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, stats)
}

func (h *ClassificationHandler) ListRuns(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}
	if h.runs == nil {
		return apperr.NotFound("reclassification history")
	}
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	runs, err := h.runs.ListRuns(c.Context(), ownerID, limit)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*domain.ReclassificationRun{}
	}
	return SuccessResponse(c, runs)
}
