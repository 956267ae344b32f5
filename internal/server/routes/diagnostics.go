package routes

import (
	"context"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/dcmrs-broker/dcmrs-broker/internal/cache"
	"github.com/dcmrs-broker/dcmrs-broker/internal/metrics"
)

// DiagnosticsOptions 描述 /-/status 输出所需的信息。
type DiagnosticsOptions struct {
	Store   cache.Store
	Version string
	Driver  string
	// Now 默认 time.Now，测试中可替换。
	Now func() time.Time
}

// RegisterDiagnostics 暴露 /-/status 与 /-/metrics，供运维查看缓存状态与指标。
func RegisterDiagnostics(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil || opts.Store == nil {
		return
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		collections, err := opts.Store.Collections(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(statusPayload{
			Version:     opts.Version,
			Driver:      opts.Driver,
			CacheRoot:   opts.Store.Root(),
			Collections: encodeCollections(collections, opts.Store, opts.Now()),
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(metrics.Handler()))
}

type statusPayload struct {
	Version     string              `json:"version"`
	Driver      string              `json:"driver"`
	CacheRoot   string              `json:"cache_root"`
	Collections []collectionPayload `json:"collections"`
}

type collectionPayload struct {
	Study     string    `json:"study"`
	Status    string    `json:"status,omitempty"`
	Files     int       `json:"files"`
	Pinned    bool      `json:"pinned"`
	Error     string    `json:"error,omitempty"`
	ModTime   time.Time `json:"mod_time"`
	Age       string    `json:"age"`
	Remaining int       `json:"remaining,omitempty"`
}

func encodeCollections(cols []cache.Collection, store cache.Store, now time.Time) []collectionPayload {
	if len(cols) == 0 {
		return []collectionPayload{}
	}
	sort.Slice(cols, func(i, j int) bool {
		return cols[i].Study < cols[j].Study
	})
	result := make([]collectionPayload, 0, len(cols))
	for _, col := range cols {
		item := collectionPayload{
			Study:   col.Study,
			Files:   col.Files,
			Pinned:  store.Pinned(col.Study),
			ModTime: col.ModTime,
			Age:     humanize.RelTime(col.ModTime, now, "ago", "from now"),
		}
		if col.Entry != nil {
			item.Status = string(col.Entry.Status)
			item.Error = col.Entry.Error
			if col.Entry.Remaining > 0 {
				item.Remaining = col.Entry.Remaining
			}
		}
		result = append(result, item)
	}
	return result
}
