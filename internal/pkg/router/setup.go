package router

import (
	"github.com/gofiber/fiber/v2"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers all route groups. Webhook routes come first;
// they carry their own authentication and must not sit behind the API
// limiter, store platforms retry aggressively on 429.
func InstallRouter(app *fiber.App) {
	setup(app, NewWebhookRouter(), NewApiRouter())
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
