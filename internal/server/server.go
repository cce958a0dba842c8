package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/quillpost/api/internal/handler"
	"github.com/quillpost/api/internal/middleware"
	"github.com/quillpost/api/pkg/response"
	"github.com/sirupsen/logrus"
)

const healthTimeout = 2 * time.Second

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Imports     *handler.ImportHandler
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	Checks      map[string]HealthCheck
	Log         logrus.FieldLogger

	ImportPerHour int
	BodyLimit     int
	AccessLog     bool
}

// NewApp builds the HTTP application with every route mounted.
func NewApp(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler(d.Log),
		BodyLimit:    d.BodyLimit,
	})

	app.Use(recover.New())
	if d.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", health(d.Checks))

	api := app.Group("/api", d.Auth.Authenticate())

	imports := api.Group("/imports")
	submit := []fiber.Handler{}
	if d.RateLimiter != nil {
		submit = append(submit, d.RateLimiter.ImportLimit(d.ImportPerHour))
	}
	imports.Post("/csv", append(submit, d.Imports.Upload)...)
	imports.Get("/:jobId", d.Imports.Status)
	imports.Get("/:jobId/errors", d.Imports.Errors)
	imports.Post("/:jobId/resubmit", append(submit, d.Imports.Resubmit)...)

	app.Get("/ws/imports/:jobId", d.Auth.AuthenticateQuery(), d.Imports.Watch, d.Imports.Stream())

	return app
}

func health(checks map[string]HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
		defer cancel()

		status := "ok"
		services := fiber.Map{}
		for name, check := range checks {
			up := check(ctx) == nil
			services[name] = up
			if !up {
				status = "degraded"
			}
		}

		code := fiber.StatusOK
		if status != "ok" {
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status":   status,
			"services": services,
		})
	}
}

func errorHandler(log logrus.FieldLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		}

		if code >= fiber.StatusInternalServerError {
			log.WithError(err).WithField("path", c.Path()).Error("Request failed")
		}

		errCode := response.CodeServiceError
		switch code {
		case fiber.StatusNotFound:
			errCode = response.CodeNotFound
		case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge, fiber.StatusUpgradeRequired:
			errCode = response.CodeValidationError
		}
		return response.Error(c, code, errCode, message, nil)
	}
}
