package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	defaultPingAttempts = 5
	pingBackoffStep     = 200 * time.Millisecond
)

// ErrDatabaseUnavailable is returned when the database never answers a ping.
var ErrDatabaseUnavailable = errors.New("database unavailable")

// NewPool parses databaseURL and opens a pgx pool. maxConns <= 0 keeps the pgx default.
func NewPool(ctx context.Context, databaseURL string, maxConns int, logger *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	logger.Info("database pool initialized",
		zap.String("host", cfg.ConnConfig.Host),
		zap.String("database", cfg.ConnConfig.Database),
		zap.Int32("maxConns", cfg.MaxConns),
	)
	return pool, nil
}

// WaitForDB pings db with linear backoff until it answers or attempts run out.
func WaitForDB(ctx context.Context, db DB, attempts int, logger *zap.Logger) error {
	if attempts <= 0 {
		attempts = defaultPingAttempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = db.Ping(ctx); err == nil {
			return nil
		}
		wait := time.Duration(attempt) * pingBackoffStep
		logger.Warn("database ping failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrDatabaseUnavailable, ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err)
}

// RunMigrations applies the embedded migrations. No pending migrations is not an error.
func RunMigrations(databaseURL string, logger *zap.Logger) error {
	if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
		return errors.New("database url must start with postgres:// or postgresql://")
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			logger.Warn("closing migrate", zap.NamedError("sourceError", srcErr), zap.NamedError("databaseError", dbErr))
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		logger.Warn("could not read migration version", zap.Error(err))
		return nil
	}
	if dirty {
		return fmt.Errorf("migration state dirty at version %d", version)
	}
	logger.Info("database migrations applied", zap.Uint("version", version))
	return nil
}
