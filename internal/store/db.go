package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const slowQuery = 200 * time.Millisecond

// NewPgxPool connects and pings within five seconds. Queries slower than
// 200ms are logged.
func NewPgxPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.Tracer = slowQueryTracer{threshold: slowQuery}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type queryStartKey struct{}

type queryStart struct {
	at  time.Time
	sql string
}

type slowQueryTracer struct {
	threshold time.Duration
}

func (t slowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: time.Now(), sql: data.SQL})
}

func (t slowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	if took := time.Since(start.at); took > t.threshold {
		slog.Warn("slow query", "took", took, "sql", start.sql, "error", data.Err)
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS ride_snapshots (
	ride_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	snapshot JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS websocket_sessions (
	session_id TEXT PRIMARY KEY,
	ride_id TEXT NOT NULL,
	connected_at TIMESTAMPTZ NOT NULL,
	last_heartbeat TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS websocket_sessions_heartbeat_idx ON websocket_sessions (last_heartbeat);
`

func EnsureSchema(ctx context.Context, db DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := db.Exec(ctx, schema)
	return err
}
