package db

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// Checker is a store that can report its liveness.
type Checker interface {
	Driver() string
	Ping(ctx context.Context) error
	Stats() interface{}
}

// PoolStats is the pgxpool view reported by /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// SQLiteStats is the database/sql view reported by /health/db.
type SQLiteStats struct {
	OpenConns int   `json:"open_conns"`
	InUse     int   `json:"in_use"`
	WaitCount int64 `json:"wait_count"`
}

type pgChecker struct{ pool *pgxpool.Pool }

// PostgresChecker reports on a pgx pool.
func PostgresChecker(pool *pgxpool.Pool) Checker { return pgChecker{pool: pool} }

func (p pgChecker) Driver() string                 { return "postgres" }
func (p pgChecker) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p pgChecker) Stats() interface{} {
	stat := p.pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

type sqliteChecker struct{ db *sql.DB }

// SQLiteChecker reports on the local SQLite store.
func SQLiteChecker(db *sql.DB) Checker { return sqliteChecker{db: db} }

func (s sqliteChecker) Driver() string                 { return "sqlite" }
func (s sqliteChecker) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s sqliteChecker) Stats() interface{} {
	st := s.db.Stats()
	return SQLiteStats{OpenConns: st.OpenConnections, InUse: st.InUse, WaitCount: st.WaitCount}
}

// HealthHandler serves /health/db: 200 when the store answers a ping within
// five seconds, 503 otherwise.
func HealthHandler(check Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		body := map[string]interface{}{
			"status": "healthy",
			"driver": check.Driver(),
			"stats":  check.Stats(),
		}
		if err := check.Ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
