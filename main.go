package main

import (
	"fmt"
	"log"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/dreamtracer/mealnow-billing/app/controllers"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/cache"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/database"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/env"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	controllers.SetupBilling()

	app := fiber.New(fiber.Config{
		AppName: "mealnow-billing",
	})
	app.Use(recover.New(), requestid.New(requestid.Config{Generator: uuid.NewString}), logger.New())
	app.Get("/metrics", monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}
