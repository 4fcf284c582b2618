// Package clickhousetesting runs a disposable ClickHouse server for tests.
package clickhousetesting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/malbeclabs/warehouse/utils/pkg/retry"
	"github.com/malbeclabs/warehouse/warehouse/pkg/clickhouse"
	"github.com/malbeclabs/warehouse/warehouse/pkg/objectstore"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

type DBConfig struct {
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// DB is a ClickHouse container shared by the tests of a package. Every test
// gets its own database on it.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the native protocol address (host:port).
func (db *DB) Addr() string {
	return db.addr
}

// MigrationConfig returns the migration settings of database.
func (db *DB) MigrationConfig(database string) clickhouse.MigrationConfig {
	return clickhouse.MigrationConfig{
		Addr:     db.addr,
		Database: database,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	}
}

// ClientConfig returns client settings for the default database.
func (db *DB) ClientConfig() clickhouse.ClientConfig {
	return clickhouse.ClientConfig{
		Addr:     db.addr,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	}
}

func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(ctx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

// NewDB starts a ClickHouse container.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var container *tcch.ClickHouseContainer
	start := func(ctx context.Context) error {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		if err != nil && isRetryableContainerStartErr(err) {
			return &transientError{err: err}
		}
		return err
	}
	retryCfg := retry.Config{MaxAttempts: 3, BaseBackoff: 750 * time.Millisecond, MaxBackoff: 3 * time.Second}
	if err := retry.Do(ctx, retryCfg, start); err != nil {
		return nil, fmt.Errorf("failed to start ClickHouse container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port("9000/tcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

// NewClient returns a client on the default database, closed with the test.
func NewClient(t *testing.T, db *DB) clickhouse.Client {
	client, err := clickhouse.NewClient(t.Context(), db.log, db.ClientConfig())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// NewOperator returns an operator on a fresh, not yet created database. The
// database is dropped with the test.
func NewOperator(t *testing.T, db *DB, store objectstore.Store) (*clickhouse.Operator, string) {
	client := NewClient(t, db)
	database := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	op, err := clickhouse.New(clickhouse.Config{
		Logger:      db.log,
		Client:      client,
		Database:    database,
		Migrations:  db.MigrationConfig(database),
		Store:       store,
		PricePerTiB: 5,
		Settings:    clickhouse.Dialect.Settings,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := client.Conn(ctx)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.Exec(ctx, "DROP DATABASE IF EXISTS "+database)
	})
	return op, database
}

// transientError is a net.Error so that retry.Do retries it.
type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Timeout() bool   { return true }
func (e *transientError) Temporary() bool { return true }

var _ net.Error = (*transientError)(nil)

func isRetryableContainerStartErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json")
}
