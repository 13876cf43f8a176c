// Package postgres shares the flag store and the relay between server
// processes: documents and flags live in PostgreSQL (via gorm) and changes fan
// out over LISTEN/NOTIFY (via pgx).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/tides-backend/internal/config"
)

const (
	changesChannel = "tides_flag_changes"
	relayChannel   = "tides_relay"
)

// DB bundles the gorm handle used for document writes and the pgx pool that
// carries LISTEN/NOTIFY.
type DB struct {
	Gorm *gorm.DB
	Pool *pgxpool.Pool
}

// Open connects both handles from cfg.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a pinged DB or a non-nil error. Nothing is left open on error.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	return openDSN(ctx, cfg.DSN(), cfg.MaxConns, cfg.MinConns, cfg.MaxConnLifetime)
}

func openDSN(ctx context.Context, dsn string, maxConns, minConns int32, lifetime time.Duration) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	poolCfg.MinConns = minConns
	if lifetime > 0 {
		poolCfg.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	gdb, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("opening gorm: %w", err)
	}
	return &DB{Gorm: gdb, Pool: pool}, nil
}

// Migrate creates or updates the documents and flags tables.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.Gorm.WithContext(ctx).AutoMigrate(&documentRow{}, &flagRow{}); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Health checks that the database is reachable within the given timeout.
func (db *DB) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// Close releases both handles.
func (db *DB) Close() {
	if sqlDB, err := db.Gorm.DB(); err == nil {
		_ = sqlDB.Close()
	}
	db.Pool.Close()
}

// isDuplicateKeyError checks for SQLSTATE 23505 (unique_violation).
func isDuplicateKeyError(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
