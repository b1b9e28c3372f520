// Package postgres persists finalized run summaries for run history.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"oprlmbatch/internal/config"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config configures the connection pool.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ConfigFromStore applies pool defaults to the environment-backed settings.
func ConfigFromStore(cfg config.StoreConfig) Config {
	return Config{
		URL:             cfg.DatabaseURL,
		PingTimeout:     config.GetDurationEnv("DATABASE_PING_TIMEOUT", 2*time.Second),
		MaxOpenConns:    config.GetIntEnv("DATABASE_MAX_OPEN_CONNS", 4),
		MaxIdleConns:    config.GetIntEnv("DATABASE_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: config.GetDurationEnv("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("DATABASE_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("DATABASE_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("DATABASE_MAX_IDLE_CONNS must be between 0 and DATABASE_MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("DATABASE_CONN_MAX_LIFETIME must be >= 0")
	}
	return nil
}

// Open connects through the pgx stdlib driver and pings the server.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", describe(err))
	}

	return db, nil
}

// describe adds the SQLSTATE of server errors.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%w (sqlstate %s)", err, pgErr.Code)
	}
	return err
}
