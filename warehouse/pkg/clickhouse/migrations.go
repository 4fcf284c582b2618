package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/warehouse/warehouse"
)

const migrationsDir = "db/clickhouse/migrations"

// MigrationConfig holds the configuration for running migrations
type MigrationConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// goose keeps its dialect, logger and FS in package globals.
var gooseMu sync.Mutex

func withGoose(log *slog.Logger, cfg MigrationConfig, fn func(db *sql.DB) error) error {
	db := newSQLDB(cfg)
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(warehouse.ClickHouseMigrationsFS)
	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn(db)
}

// Up applies pending migrations to the database of cfg.
func Up(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	log.Debug("clickhouse: running migrations", "database", cfg.Database)
	return withGoose(log, cfg, func(db *sql.DB) error {
		if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	log.Info("clickhouse: rolling back migration", "database", cfg.Database)
	return withGoose(log, cfg, func(db *sql.DB) error {
		if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		return nil
	})
}

// Version returns the current migration version of the database of cfg.
func Version(ctx context.Context, log *slog.Logger, cfg MigrationConfig) (int64, error) {
	var version int64
	err := withGoose(log, cfg, func(db *sql.DB) error {
		v, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to get migration version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

// newSQLDB creates a database/sql compatible connection for goose
func newSQLDB(cfg MigrationConfig) *sql.DB {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return clickhouse.OpenDB(options)
}
