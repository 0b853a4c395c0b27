package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AppOptions controls how the admin Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	ListenPort int
}

const contextKeyRequestID = "_ghast_request_id"

// AdminPrefix 是全部管理接口的路径前缀。
const AdminPrefix = "/-/"

// NewApp builds a Fiber application with request-ID middleware, panic recovery
// and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	return app, nil
}

// MountFallback 为未注册的路径返回 JSON 404，需在全部路由注册之后调用。
func MountFallback(app *fiber.App, logger *logrus.Logger) {
	app.Use(func(c fiber.Ctx) error {
		path := string(c.Request().URI().Path())
		logger.WithFields(logrus.Fields{
			"action":     "route_lookup",
			"path":       path,
			"method":     c.Method(),
			"request_id": RequestID(c),
		}).Debug("route not found")

		code := "route_not_found"
		if !isAdminPath(path) {
			code = "not_admin_path"
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": code})
	})
}

// requestContextMiddleware 负责生成请求 ID，并记录管理请求日志。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		path := string(c.Request().URI().Path())
		if isAdminPath(path) && c.Method() != fiber.MethodGet {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "admin_request",
				"method":     c.Method(),
				"path":       path,
				"status":     c.Response().StatusCode(),
				"request_id": reqID,
			}).Info("管理请求完成")
		}
		return err
	}
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		logger.WithFields(logrus.Fields{
			"action":     "request_error",
			"path":       string(c.Request().URI().Path()),
			"status":     code,
			"request_id": RequestID(c),
		}).WithError(err).Warn("request failed")
		return c.Status(code).JSON(fiber.Map{
			"error":  "internal_error",
			"detail": err.Error(),
		})
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isAdminPath(path string) bool {
	return strings.HasPrefix(path, AdminPrefix)
}
