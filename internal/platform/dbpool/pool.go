package dbpool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/invitewave/project/internal/platform/config"
)

func New(ctx context.Context, databaseURL string, tuning config.Pool) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	minConns := tuning.MinConns
	maxConns := tuning.MaxConns
	if minConns < 0 {
		minConns = 0
	}
	if maxConns <= 0 {
		maxConns = 20
	}
	if minConns > maxConns {
		minConns = maxConns
	}

	cfg.MinConns = int32(minConns)
	cfg.MaxConns = int32(maxConns)
	cfg.MaxConnLifetime = tuning.MaxConnLifetime
	cfg.MaxConnIdleTime = tuning.MaxConnIdleTime
	cfg.HealthCheckPeriod = tuning.HealthCheckPeriod

	return pgxpool.NewWithConfig(ctx, cfg)
}
