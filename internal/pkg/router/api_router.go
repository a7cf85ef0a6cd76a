package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/paysync/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	handlers := []fiber.Handler{middleware.RequireInternalToken(h.deps.InternalToken)}
	if h.deps.APILimiter != nil {
		handlers = append(handlers, h.deps.APILimiter)
	}

	api := app.Group("/api", handlers...)
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1/billing")
	v1.Post("/checkout", h.deps.Billing.HandleStartCheckout)
	v1.Post("/subscription/plan", h.deps.Billing.HandleChangePlan)
	v1.Post("/subscription/cancel", h.deps.Billing.HandleCancelSubscription)
	v1.Get("/subscription/:userID", h.deps.Billing.HandleGetSubscription)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
