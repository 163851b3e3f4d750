// Package http exposes the daemon's observation surface: a liveness probe
// and a stats endpoint for operators.
package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"mailsort_daemon/core/port/in"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/metrics"
)

// Handler serves /health and /stats.
type Handler struct {
	store     out.MessageStorePort
	queue     in.ClassifyQueuePort
	latencies *metrics.Registry

	// duplexClients reports attached duplex clients; nil when the duplex
	// server is disabled.
	duplexClients func() int

	started time.Time
}

// NewHandler wires the stats sources. Any of them may be nil; the endpoint
// reports what it has.
func NewHandler(store out.MessageStorePort, queue in.ClassifyQueuePort,
	latencies *metrics.Registry, duplexClients func() int) *Handler {
	return &Handler{
		store:         store,
		queue:         queue,
		latencies:     latencies,
		duplexClients: duplexClients,
		started:       time.Now().UTC(),
	}
}

func (h *Handler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/stats", h.Stats)
}

func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) Stats(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	resp := fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.queue != nil {
		resp["pipeline"] = h.queue.Counters()
	}
	if h.store != nil {
		if total, err := h.store.Count(ctx); err == nil {
			resp["messages"] = total
		}
		if byCat, err := h.store.CountByCategory(ctx); err == nil {
			resp["by_category"] = byCat
		}
	}
	if h.latencies != nil {
		latencies := make(map[string]map[string]any)
		for op, snap := range h.latencies.All() {
			latencies[op] = snap.Millis()
		}
		resp["latency_ms"] = latencies
	}
	if h.duplexClients != nil {
		resp["duplex_clients"] = h.duplexClients()
	}
	return c.JSON(resp)
}
