package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/paysync/app/controllers"
)

// Router installs one group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the controllers and guards shared by the routers.
type Dependencies struct {
	Billing       *controllers.BillingController
	AdminQueue    *controllers.AdminQueueController
	InternalToken string
	// APILimiter guards the internal billing API. Nil disables limiting.
	APILimiter fiber.Handler
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// The webhook route has no token guard: Stripe authenticates with the
	// signature header, checked inside the handler.
	setup(app, NewWebhookRouter(deps), NewApiRouter(deps), NewAdminRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
