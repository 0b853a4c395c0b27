package routes

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/ghast-core/ghast-core/internal/extension"
	"github.com/ghast-core/ghast-core/internal/registry"
)

// RegisterExtensionRoutes 暴露 /-/extensions 管理接口：查询、扫描、加载、卸载与调用。
func RegisterExtensionRoutes(app *fiber.App, manager *extension.Manager) {
	if app == nil || manager == nil {
		return
	}

	app.Get("/-/extensions", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"loaded":   encodeLoaded(manager.Loaded()),
			"pending":  encodePending(manager.Pending()),
			"scanning": manager.Scanning(),
		})
	})

	app.Get("/-/extensions/:name", func(c fiber.Ctx) error {
		name := c.Params("name")
		if registry.NormalizeName(name) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "extension_name_required"})
		}
		desc, ok := manager.Describe(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "extension_not_found"})
		}
		return c.JSON(encodeDescription(desc))
	})

	app.Post("/-/extensions/scan", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		if manager.Options().AsyncScan && c.Query("sync") != "true" {
			if err := manager.Scan(ctx); err != nil {
				return renderError(c, err)
			}
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"scanning": true})
		}
		report, err := manager.ScanSync(ctx)
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(report)
	})

	app.Post("/-/extensions/load-all", func(c fiber.Ctx) error {
		report, err := manager.LoadAll(requestContext(c))
		if err != nil {
			status, code := classify(err)
			return c.Status(status).JSON(fiber.Map{
				"error":  code,
				"detail": err.Error(),
				"report": report,
			})
		}
		return c.JSON(report)
	})

	app.Post("/-/extensions/:name/load", func(c fiber.Ctx) error {
		result, err := manager.Load(requestContext(c), c.Params("name"))
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(result)
	})

	app.Post("/-/extensions/:name/unload", func(c fiber.Ctx) error {
		name := c.Params("name")
		unloaded, err := manager.Unload(requestContext(c), name)
		// 未加载时卸载是幂等的 no-op
		if !unloaded {
			return c.JSON(fiber.Map{"name": name, "unloaded": false})
		}
		payload := fiber.Map{"name": name, "unloaded": true}
		if err != nil {
			payload["disable_error"] = err.Error()
		}
		return c.JSON(payload)
	})

	app.Post("/-/extensions/:name/invoke/:fn", func(c fiber.Ctx) error {
		var req invokeRequest
		if len(c.Body()) > 0 {
			if err := c.Bind().JSON(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error":  "invalid_body",
					"detail": err.Error(),
				})
			}
		}
		result, err := manager.Invoke(requestContext(c), c.Params("name"), c.Params("fn"), req.Args...)
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(fiber.Map{"result": result})
	})
}

type invokeRequest struct {
	Args []any `json:"args"`
}

type loadedPayload struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Authors    []string  `json:"authors,omitempty"`
	Namespace  string    `json:"namespace"`
	LoadedAt   time.Time `json:"loaded_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Sequence   uint64    `json:"sequence"`
}

type pendingPayload struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Path         string    `json:"path"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

type descriptionPayload struct {
	Name    string          `json:"name"`
	State   string          `json:"state"`
	Loaded  *loadedPayload  `json:"loaded,omitempty"`
	Package *pendingPayload `json:"package,omitempty"`
}

func encodeLoaded(entries []registry.Entry) []loadedPayload {
	result := make([]loadedPayload, 0, len(entries))
	for _, entry := range entries {
		result = append(result, encodeEntry(entry))
	}
	return result
}

func encodeEntry(entry registry.Entry) loadedPayload {
	return loadedPayload{
		Name:       entry.Descriptor.Name,
		Version:    entry.Descriptor.Version,
		Authors:    append([]string(nil), entry.Descriptor.Authors...),
		Namespace:  entry.Descriptor.Namespace,
		LoadedAt:   entry.Metadata.LoadedAt,
		LastUsedAt: entry.Metadata.LastUsedAt,
		Sequence:   entry.Metadata.Sequence,
	}
}

func encodePending(candidates []extension.Candidate) []pendingPayload {
	result := make([]pendingPayload, 0, len(candidates))
	for _, cand := range candidates {
		result = append(result, encodeCandidate(cand))
	}
	return result
}

func encodeCandidate(cand extension.Candidate) pendingPayload {
	return pendingPayload{
		Name:         cand.Name,
		Version:      cand.Manifest.Version,
		Path:         cand.Path,
		DiscoveredAt: cand.DiscoveredAt,
	}
}

func encodeDescription(desc extension.Description) descriptionPayload {
	payload := descriptionPayload{Name: desc.Name, State: desc.State}
	if desc.Entry != nil {
		loaded := encodeEntry(*desc.Entry)
		payload.Loaded = &loaded
	}
	if desc.Candidate != nil {
		pkg := encodeCandidate(*desc.Candidate)
		payload.Package = &pkg
	}
	return payload
}

// classify 将领域错误映射为 HTTP 状态码与错误码。
func classify(err error) (int, string) {
	var loadErr *extension.LoadError
	switch {
	case errors.Is(err, extension.ErrNotPending):
		return fiber.StatusNotFound, "extension_not_pending"
	case errors.Is(err, extension.ErrNotLoaded):
		return fiber.StatusNotFound, "extension_not_loaded"
	case errors.Is(err, extension.ErrNotInvocable):
		return fiber.StatusBadRequest, "extension_not_invocable"
	case errors.Is(err, extension.ErrShuttingDown):
		return fiber.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, extension.ErrScanInProgress):
		return fiber.StatusConflict, "scan_in_progress"
	case errors.As(err, &loadErr):
		return fiber.StatusUnprocessableEntity, "extension_load_failed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fiber.StatusGatewayTimeout, "timeout"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func renderError(c fiber.Ctx, err error) error {
	status, code := classify(err)
	return c.Status(status).JSON(fiber.Map{
		"error":  code,
		"detail": err.Error(),
	})
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
