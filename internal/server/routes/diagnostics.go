package routes

import (
	"context"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/samber/lo"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/metrics"
	"github.com/any-hub/media-cache/internal/proxy/hooks"
	"github.com/any-hub/media-cache/internal/resource"
	"github.com/any-hub/media-cache/internal/server"
)

// EntryCatalog 是诊断接口对缓存条目的最小依赖。
type EntryCatalog interface {
	Entries() []cache.EntrySnapshot
	EntriesFor(key resource.Key) []cache.EntrySnapshot
	Evict(ctx context.Context, key resource.Key) (int, error)
}

// RegisterDiagnosticsRoutes 暴露 /-/origins、/-/entries 与 /-/metrics 诊断接口。
// 必须在 server.NewApp 之后注册，依赖其对 /-/ 前缀的放行。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.OriginRegistry, catalog EntryCatalog, stats *metrics.Metrics) {
	if app == nil || registry == nil || catalog == nil {
		return
	}

	app.Get("/-/origins", func(c fiber.Ctx) error {
		names := lo.Map(resource.DataTypes(), func(dt resource.DataType, _ int) string { return dt.String() })
		return c.JSON(fiber.Map{
			"origins":       encodeOrigins(registry.List()),
			"hook_registry": hooks.Snapshot(names),
		})
	})

	app.Get("/-/entries", func(c fiber.Ctx) error {
		entries := catalog.Entries()
		return c.JSON(fiber.Map{
			"count":   len(entries),
			"entries": encodeEntries(entries),
		})
	})

	app.Get("/-/entries/:key", func(c fiber.Ctx) error {
		key, ok := parseKey(c)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
		}
		entries := catalog.EntriesFor(key)
		if len(entries) == 0 {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "entry_not_found"})
		}
		return c.JSON(fiber.Map{
			"key":     key,
			"entries": encodeEntries(entries),
		})
	})

	app.Delete("/-/entries/:key", func(c fiber.Ctx) error {
		key, ok := parseKey(c)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
		}
		removed, err := catalog.Evict(c.Context(), key)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "evict_failed", "removed": removed})
		}
		if removed == 0 {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "entry_not_found"})
		}
		return c.JSON(fiber.Map{"key": key, "removed": removed})
	})

	if stats != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(stats.Handler()))
	}
}

type originPayload struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Upstream    string `json:"upstream"`
	Proxy       string `json:"proxy,omitempty"`
	AuthMode    string `json:"auth_mode"`
	Port        int    `json:"port"`
	CustomAgent bool   `json:"custom_user_agent"`
}

type entryPayload struct {
	cache.EntrySnapshot
	Ranges []string `json:"ranges"`
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	return lo.Map(routes, func(route server.OriginRoute, _ int) originPayload {
		return originPayload{
			Name:        route.Config.Name,
			Domain:      route.Config.Domain,
			Upstream:    route.UpstreamURL.String(),
			Proxy:       route.Config.Proxy,
			AuthMode:    route.Config.AuthMode(),
			Port:        route.ListenPort,
			CustomAgent: route.Config.UserAgent != "",
		}
	})
}

func encodeEntries(entries []cache.EntrySnapshot) []entryPayload {
	return lo.Map(entries, func(entry cache.EntrySnapshot, _ int) entryPayload {
		return entryPayload{
			EntrySnapshot: entry,
			Ranges:        lo.Map(entry.Ranges, func(r cache.Range, _ int) string { return r.String() }),
		}
	})
}

func parseKey(c fiber.Ctx) (resource.Key, bool) {
	key := resource.Key(strings.ToLower(strings.TrimSpace(c.Params("key"))))
	return key, key.Valid()
}
