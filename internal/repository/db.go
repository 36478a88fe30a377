package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const sqlitePrefix = "sqlite://"

type Config struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// Client bundles the database handle with the ent driver used for schema
// migration and the dialect used to build queries.
type Client struct {
	DB      *sql.DB
	Driver  *entsql.Driver
	Dialect string

	pool *pgxpool.Pool
}

// NewClient wraps an existing *sql.DB. Used by tests and by Open.
func NewClient(db *sql.DB, dialectName string) *Client {
	return &Client{
		DB:      db,
		Driver:  entsql.OpenDB(dialectName, db),
		Dialect: dialectName,
	}
}

// Open connects to Postgres (pgx pool wrapped for database/sql) or, for
// sqlite:// DSNs, to an embedded SQLite database.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.HasPrefix(cfg.DSN, sqlitePrefix) || cfg.DSN == ":memory:" {
		return openSQLite(cfg.DSN, logger)
	}
	return openPostgres(ctx, cfg, logger)
}

func openPostgres(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	logger.Info("connecting to database", "dialect", dialect.Postgres)
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database url", "error", err)
		return nil, err
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "image-batch"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	// Wrap pool as *sql.DB for the ent driver and query builder.
	db := stdlib.OpenDBFromPool(pool)
	c := NewClient(db, dialect.Postgres)
	c.pool = pool

	logger.Info("successfully connected to database")
	return c, nil
}

func openSQLite(dsn string, logger *slog.Logger) (*Client, error) {
	path := strings.TrimPrefix(dsn, sqlitePrefix)
	var conn string
	if path == ":memory:" || path == "" {
		// Shared cache keeps the in-memory database alive across pool connections.
		conn = fmt.Sprintf("file:image-batch-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	} else {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		conn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	logger.Info("opening database", "dialect", dialect.SQLite, "path", path)
	db, err := sql.Open("sqlite", conn)
	if err != nil {
		logger.Error("failed to open sqlite database", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	return NewClient(db, dialect.SQLite), nil
}

// Close closes the database connections gracefully
func (c *Client) Close(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("closing database connections")
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
	logger.Info("database connections closed")
}

// HealthCheck pings the database to catch DSN issues early.
func (c *Client) HealthCheck(ctx context.Context, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("pinging database")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var err error
	if c.pool != nil {
		err = c.pool.Ping(ctx)
	} else {
		err = c.DB.PingContext(ctx)
	}
	if err != nil {
		logger.Error("database ping failed", "error", err)
		return err
	}
	logger.Debug("database ping successful")
	return nil
}

// builder returns an ent SQL builder for the client's dialect.
func (c *Client) builder() *entsql.DialectBuilder {
	return entsql.Dialect(c.Dialect)
}
