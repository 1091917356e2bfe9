package http

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"mailsync_server/core/port/out"
	"mailsync_server/infra/database"
	"mailsync_server/pkg/metrics"
)

// HealthDeps are the optional dependencies probed by /ready.
type HealthDeps struct {
	Pool    *pgxpool.Pool
	SQL     *sql.DB
	Redis   *redis.Client
	Scorer  out.ScoringService
	Timeout time.Duration
}

type HealthHandler struct {
	deps HealthDeps
}

func NewHealthHandler(deps HealthDeps) *HealthHandler {
	if deps.Timeout <= 0 {
		deps.Timeout = 5 * time.Second
	}
	return &HealthHandler{deps: deps}
}

func (h *HealthHandler) Register(app fiber.Router) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready fails when PostgreSQL or Redis is unreachable. An unavailable
// classifier only degrades the report.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), h.deps.Timeout)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check PostgreSQL
	if h.deps.Pool != nil {
		if err := h.deps.Pool.Ping(ctx); err != nil {
			checks["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["postgres"] = "healthy"
		}
	} else {
		checks["postgres"] = "not configured"
	}

	// Check Redis
	if h.deps.Redis != nil {
		if err := h.deps.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	response := fiber.Map{"checks": checks}

	if h.deps.Scorer != nil {
		health, err := h.deps.Scorer.Health(ctx)
		switch {
		case err != nil:
			checks["classifier"] = "degraded: " + err.Error()
		case !health.Available:
			checks["classifier"] = "degraded: unavailable"
			response["classifier"] = health
		default:
			checks["classifier"] = "healthy"
			response["classifier"] = health
		}
	}

	pools := fiber.Map{}
	if h.deps.Pool != nil {
		pools["pgxpool"] = database.GetPoolStats(h.deps.Pool)
	}
	if h.deps.SQL != nil {
		pools["postgres"] = metrics.SQLPoolReport(h.deps.SQL)
	}
	if h.deps.Redis != nil {
		pools["redis"] = metrics.RedisPoolReport(h.deps.Redis)
	}
	if len(pools) > 0 {
		response["pools"] = pools
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}
	response["status"] = status
	response["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return c.Status(statusCode).JSON(response)
}
