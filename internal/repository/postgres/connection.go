// Package postgres implements history.Store on PostgreSQL via pgx. It is an
// optional collaborator; hosts without a database run the bridge without it.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TableNames holds environment-prefixed table names so dev, test, and prod
// share one database without colliding.
type TableNames struct {
	Messages string
}

// NewTableNames creates table names with the given prefix.
func NewTableNames(prefix string) *TableNames {
	return &TableNames{
		Messages: fmt.Sprintf("%schat_messages", prefix),
	}
}

// CreateConnectionPool creates a pgx pool and verifies connectivity.
//
// Port 6543 is the transaction-pooling PgBouncer port on hosted Postgres;
// that mode does not support prepared statements, so when it is detected and
// the user has not overridden default_query_exec_mode, the mode switches to
// QueryExecModeCacheDescribe, which keeps the extended protocol without
// creating server-side prepared statements.
func CreateConnectionPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1

	if config.ConnConfig.Port == 6543 && config.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
		slog.Debug("auto-configured cache_describe mode for PgBouncer compatibility", "port", 6543)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
