package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrUnavailable is returned by operations that require a database when the
// process is running in file-only mode.
var ErrUnavailable = errors.New("database unavailable")

// ErrNotFound is returned when no row matches the given key or filters.
var ErrNotFound = errors.New("not found")

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool. Every session starts in
// READ COMMITTED so post-insert read-backs observe committed rows only.
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["default_transaction_isolation"] = "read committed"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Connected reports whether a database is available. Operations that need
// the DB return ErrUnavailable instead of degrading silently mid-call.
func (db *DB) Connected() bool {
	return db != nil && db.Pool != nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// insertCommitted runs fn inside an explicit transaction and commits it.
// Hot paths read immediately after writes, so inserts go through an
// explicit COMMIT rather than relying on per-statement autocommit.
func (db *DB) insertCommitted(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// verifyVisible sleeps past the commit-visibility window, then reads the row
// back both by primary key and through the table's main listing query. A
// miss is logged loudly but does not fail the write; the in-memory merge
// rule covers the remaining lag.
func (db *DB) verifyVisible(ctx context.Context, table, id string) {
	time.Sleep(50 * time.Millisecond)

	var found string
	err := db.Pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE id = $1`, table), id).Scan(&found)
	if err != nil {
		db.logger.Error().Str("table", table).Str("id", id).Err(err).
			Msg("inserted row not visible by primary key")
		return
	}

	rows, err := db.Pool.Query(ctx,
		fmt.Sprintf(`SELECT id FROM %s ORDER BY created_date DESC`, table))
	if err != nil {
		db.logger.Error().Str("table", table).Err(err).
			Msg("listing query failed during visibility check")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var rowID string
		if err := rows.Scan(&rowID); err != nil {
			continue
		}
		if rowID == id {
			return
		}
	}
	db.logger.Error().Str("table", table).Str("id", id).
		Msg("inserted row not visible via listing query")
}
