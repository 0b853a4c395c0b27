package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/ghast-core/ghast-core/internal/datastore"
	"github.com/ghast-core/ghast-core/internal/events"
)

// RegisterEntityRoutes 暴露实体事件与缓存状态接口。
func RegisterEntityRoutes(app *fiber.App, bus *events.Bus, store *datastore.Store) {
	if app == nil || bus == nil || store == nil {
		return
	}

	app.Post("/-/entities/:id/disconnect", func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		if id == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "entity_id_required"})
		}
		bus.Disconnect(id)
		return c.JSON(fiber.Map{"entity": id, "event": events.KindDisconnect})
	})

	app.Post("/-/entities/:id/connect", func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		if id == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "entity_id_required"})
		}
		bus.Connect(id)
		return c.JSON(fiber.Map{"entity": id, "event": events.KindConnect})
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		stats := store.Stats()
		return c.JSON(fiber.Map{
			"caching_enabled": stats.CachingEnabled,
			"ttl_seconds":     int64(stats.TTL.Seconds()),
			"sections":        stats.Sections,
			"entries":         stats.Entries,
		})
	})
}
