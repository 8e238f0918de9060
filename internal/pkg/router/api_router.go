package router

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/dreamtracer/mealnow-billing/app/controllers"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/env"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        envInt("API_RATE_LIMIT", 120),
		Expiration: time.Minute,
		Storage:    newLimiterStorage(),
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "mealnow billing api",
		})
	})

	v1 := api.Group("/v1")

	billingGroup := v1.Group("/billing", middleware.JWTAuthMiddleware())
	billingGroup.Post("/receipts/verify", controllers.HandleVerifyReceipt)
	billingGroup.Get("/subscription", controllers.HandleGetSubscription)
	billingGroup.Get("/entitlement", controllers.HandleGetEntitlement)
	billingGroup.Post("/quota/consume", controllers.HandleConsumeQuota)
	billingGroup.Post("/usage", controllers.HandleRecordUsage)
	billingGroup.Get("/usage", controllers.HandleGetUsageHistory)
	billingGroup.Get("/stats", controllers.HandleGetUserStats)

	internal := v1.Group("/internal", middleware.ServiceTokenMiddleware())
	internal.Get("/subscribers/active", controllers.HandleListActiveSubscribers)
	internal.Get("/metrics", controllers.HandleInternalMetrics)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

// newLimiterStorage backs the rate limiter with redis so limits hold
// across instances. Database 1 keeps limiter keys away from the cache.
func newLimiterStorage() *redis.Storage {
	return redis.New(redis.Config{
		Host:     env.GetEnv("CACHE_HOST", "localhost"),
		Port:     envInt("CACHE_PORT", 6379),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		Database: 1,
		Reset:    false,
	})
}

func envInt(key string, def int) int {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
