package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Config holds query-engine connection settings.
type Config struct {
	// Dialect is one of trino, postgres, mysql, clickhouse, duckdb, sqlite. Empty disables the engine.
	Dialect string `json:"dialect" yaml:"dialect"`

	// DSN is the driver-specific connection string
	DSN string `json:"dsn" yaml:"dsn"`

	// MaxOpenConns caps concurrent engine queries (default 4)
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`

	// ConnMaxLifetime recycles pooled connections (default 5m)
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`

	// ConnectTimeout bounds the initial ping (default 10s)
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// QueryTimeout bounds catalog and DDL statements; zero means no limit
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

// DefaultConfig returns defaults with the engine disabled.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Enabled reports whether an engine is configured.
func (c Config) Enabled() bool {
	return c.Dialect != ""
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if _, err := Lookup(c.Dialect); err != nil {
		return err
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("engine.dsn is required when engine.dialect is set")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("engine.max_open_conns must be >= 1, got %d", c.MaxOpenConns)
	}
	return nil
}

// DB is a connection pool bound to a dialect.
type DB struct {
	db           *sql.DB
	dialect      Dialect
	queryTimeout time.Duration
}

// Open connects to the engine and pings it.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect, err := Lookup(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("engine: open %s: %w", dialect.Name, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen < 1 {
		maxOpen = DefaultConfig().MaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: ping %s: %w", dialect.Name, err)
	}

	return &DB{db: db, dialect: dialect, queryTimeout: cfg.QueryTimeout}, nil
}

// NewDB wraps an existing pool.
func NewDB(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// Dialect returns the pool's dialect.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.queryTimeout > 0 {
		return context.WithTimeout(ctx, d.queryTimeout)
	}
	return context.WithCancel(ctx)
}
