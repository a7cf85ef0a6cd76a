package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/paysync/internal/pkg/middleware"
)

type AdminRouter struct {
	deps Dependencies
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	adminGroup := app.Group("/admin", middleware.RequireInternalToken(h.deps.InternalToken))
	adminGroup.Get("/monitor", monitor.New())

	// Queue monitor
	adminGroup.Get("/queue", h.deps.AdminQueue.HandleQueueOverview)
	adminGroup.Get("/queue/failed", h.deps.AdminQueue.HandleListFailed)
	adminGroup.Post("/queue/jobs/:id/retry", h.deps.AdminQueue.HandleRetryJob)
	adminGroup.Delete("/queue/jobs/:id", h.deps.AdminQueue.HandleDeleteJob)

	// Manual triggers
	adminGroup.Post("/queue/sweep", h.deps.AdminQueue.HandleRunSweep)
	adminGroup.Post("/queue/housekeeping", h.deps.AdminQueue.HandleRunHousekeeping)
}

func NewAdminRouter(deps Dependencies) *AdminRouter {
	return &AdminRouter{deps: deps}
}
