package router

import (
	"github.com/gofiber/fiber/v2"
)

type WebhookRouter struct {
	deps Dependencies
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhooks/stripe", h.deps.Billing.HandleStripeWebhook)
}

func NewWebhookRouter(deps Dependencies) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
