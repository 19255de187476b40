package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// pgxConn adapts a pgxpool.Pool to the Conn interface.
type pgxConn struct {
	pool *pgxpool.Pool
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.pool.Exec(ctx, sql, args...)
	return err
}

func (c *pgxConn) Close() {
	c.pool.Close()
}

// NewPgxDialer returns a Dialer that connects to the tenant's database: the
// base URL with the database name replaced by the tenant key. The connect
// timeout bounds server selection; after it the dial fails and the caller
// observes the error.
func NewPgxDialer(baseURL string, connectTimeout time.Duration, logger zerolog.Logger) Dialer {
	return func(ctx context.Context, tenantKey string) (Conn, error) {
		cfg, err := pgxpool.ParseConfig(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid storage URL: %w", err)
		}

		cfg.ConnConfig.Database = tenantKey
		if connectTimeout > 0 {
			cfg.ConnConfig.ConnectTimeout = connectTimeout
		}

		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to configure tenant pool: %w", err)
		}

		pingCtx := ctx
		if connectTimeout > 0 {
			var cancel context.CancelFunc
			pingCtx, cancel = context.WithTimeout(ctx, connectTimeout)
			defer cancel()
		}
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("tenant database unreachable: %w", err)
		}

		logger.Debug().Str("tenant", tenantKey).Msg("Tenant database connection established")
		return &pgxConn{pool: pool}, nil
	}
}
