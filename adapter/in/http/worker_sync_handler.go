package http

import (
	"github.com/gofiber/fiber/v2"

	"mailsync_server/core/port/in"
	"mailsync_server/infra/middleware"
	"mailsync_server/pkg/logger"
)

// SyncHandler serves the per-owner sync control API.
type SyncHandler struct {
	control    in.SyncControl
	changes    in.ChangeFeed
	forceGuard fiber.Handler
}

// NewSyncHandler builds the handler. forceGuard, when set, runs before
// ForceSync (typically middleware.OwnerRateLimit).
func NewSyncHandler(control in.SyncControl, changes in.ChangeFeed, forceGuard fiber.Handler) *SyncHandler {
	return &SyncHandler{control: control, changes: changes, forceGuard: forceGuard}
}

func (h *SyncHandler) Register(protected fiber.Router) {
	own := middleware.RequireOwnerParam("owner")
	protected.Post("/sync/:owner/start", own, h.StartSync)
	protected.Post("/sync/:owner/stop", own, h.StopSync)
	protected.Get("/sync/:owner/status", own, h.GetStatus)
	protected.Get("/sync/:owner/changes", own, h.Changes)
	if h.forceGuard != nil {
		protected.Post("/sync/:owner/force", own, h.forceGuard, h.ForceSync)
	} else {
		protected.Post("/sync/:owner/force", own, h.ForceSync)
	}
}

func (h *SyncHandler) StartSync(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}
	result, err := h.control.StartSync(c.Context(), ownerID)
	if err != nil {
		return err
	}
	logger.WithOwner(ownerID).Info("[SyncHandler.StartSync] mode=%s watch=%v", result.Mode, result.WatchActive)
	return AcceptedResponse(c, result)
}

func (h *SyncHandler) StopSync(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}
	if err := h.control.StopSync(c.Context(), ownerID); err != nil {
		return err
	}
	return SuccessResponse(c, fiber.Map{"stopped": true})
}

func (h *SyncHandler) GetStatus(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}
	status, err := h.control.GetSyncStatus(c.Context(), ownerID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, status)
}

func (h *SyncHandler) ForceSync(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}
	synced, err := h.control.ForceSync(c.Context(), ownerID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, fiber.Map{"synced": synced})
}

// Changes returns the catch-up snapshot: ?since=<cursor>&limit=<n>.
func (h *SyncHandler) Changes(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}
	since, err := QueryUint64(c, "since", 0)
	if err != nil {
		return err
	}
	snap, err := h.changes.ChangesSince(c.Context(), ownerID, since, c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	return SuccessResponse(c, snap)
}
