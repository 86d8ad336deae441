package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// Pinger is any dependency that can report liveness, e.g. the draft store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler pings Postgres plus any named extra dependencies.
func HealthHandler(pool *pgxpool.Pool, extras map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		stats := GetPoolStats(pool)
		body := map[string]interface{}{"pool": stats}
		status := http.StatusOK

		if err := pool.Ping(ctx); err != nil {
			stats.Healthy = false
			body["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}

		deps := checkDependencies(ctx, extras)
		for _, v := range deps {
			if v != "ok" {
				status = http.StatusServiceUnavailable
			}
		}
		if len(deps) > 0 {
			body["dependencies"] = deps
		}

		body["status"] = "healthy"
		if status != http.StatusOK {
			body["status"] = "unhealthy"
		}
		return c.JSON(status, body)
	}
}

func checkDependencies(ctx context.Context, extras map[string]Pinger) map[string]string {
	out := make(map[string]string, len(extras))
	for name, p := range extras {
		if err := p.Ping(ctx); err != nil {
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	return out
}
