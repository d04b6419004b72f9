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
	}
}

// Check is one dependency probed by the health endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthHandler pings every dependency and reports 503 if any fails. Pool
// statistics are attached when a pool is given.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		healthy := true
		results := make(map[string]string, len(checks))
		for _, chk := range checks {
			if err := chk.Ping(ctx); err != nil {
				healthy = false
				results[chk.Name] = err.Error()
				continue
			}
			results[chk.Name] = "ok"
		}

		body := map[string]interface{}{"checks": results}
		if pool != nil {
			body["pool"] = GetPoolStats(pool)
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
