package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/heptiolabs/healthcheck"

	"github.com/ghast-core/ghast-core/internal/metrics"
	"github.com/ghast-core/ghast-core/internal/version"
)

const readinessTimeout = 2 * time.Second

// DiagnosticsOptions 描述诊断接口依赖；Ready 为空时就绪探针只检查存活。
type DiagnosticsOptions struct {
	Metrics *metrics.Metrics
	Ready   func(ctx context.Context) error
	// GoroutineLimit 为 0 时不做 goroutine 数量检查。
	GoroutineLimit int
}

// RegisterDiagnosticRoutes 暴露 /-/metrics、/-/health/live、/-/health/ready 与 /-/version。
func RegisterDiagnosticRoutes(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil {
		return
	}

	health := healthcheck.NewHandler()
	if opts.GoroutineLimit > 0 {
		health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(opts.GoroutineLimit))
	}
	if opts.Ready != nil {
		ready := opts.Ready
		health.AddReadinessCheck("core", healthcheck.Timeout(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
			defer cancel()
			return ready(ctx)
		}, readinessTimeout))
	}

	app.Get("/-/health/live", adaptor.HTTPHandlerFunc(health.LiveEndpoint))
	app.Get("/-/health/ready", adaptor.HTTPHandlerFunc(health.ReadyEndpoint))
	app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	app.Get("/-/version", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version": version.Version,
			"commit":  version.Commit,
		})
	})
}
