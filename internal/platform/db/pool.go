package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig describes the connection pool the server and CLI open.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// AppName shows up in pg_stat_activity.
	AppName string
	// TimeZone is the session time zone. CURRENT_DATE and the DATE columns
	// then agree with the clinic's calendar day. Empty keeps the server's.
	TimeZone string
}

// NewPool opens a traced pgx pool and pings it once.
func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if cfg.MinConns > cfg.MaxConns {
		return nil, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", cfg.MinConns, cfg.MaxConns)
	}

	applyRuntimeParams(cfg.ConnConfig.RuntimeParams, pc)
	cfg.ConnConfig.Tracer = NewQueryTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// applyRuntimeParams sets per-session parameters the URL did not already set.
func applyRuntimeParams(params map[string]string, pc PoolConfig) {
	if pc.AppName != "" && params["application_name"] == "" {
		params["application_name"] = pc.AppName
	}
	if pc.TimeZone != "" && params["timezone"] == "" {
		params["timezone"] = pc.TimeZone
	}
}
