package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dreamtracer/mealnow-billing/app/controllers"
)

type WebhookRouter struct {
}

// InstallRouter registers the store webhook endpoints. The environment
// is part of the route, never sniffed from the payload; the bare
// app-store route stays registered for deployments configured before
// the split and behaves like production.
func (h WebhookRouter) InstallRouter(app *fiber.App) {
	webhooks := app.Group("/webhooks")
	webhooks.Post("/app-store/production", controllers.HandleAppStoreWebhookProduction)
	webhooks.Post("/app-store/sandbox", controllers.HandleAppStoreWebhookSandbox)
	webhooks.Post("/app-store", controllers.HandleAppStoreWebhook)
	webhooks.Post("/revenue-cat", controllers.HandleRevenueCatWebhook)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}
