// Package store is the relational-store client: a pgx connection pool
// over the external schema shared with the transaction processor
// (tables basics.transactions, basics.blocks, basics.contracts,
// basics.metrics), plus health reporting, transactional units on a
// pooled connection (WithTransaction), and single non-pooled
// connections (DedicatedConn).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the DB coordinates recognised by the config registry
// (DBUSER, DBPASSWORD, DBNAME, DBHOST, DBPORT, DBMINCONNECTIONS,
// DBMAXCONNECTIONS).
type Config struct {
	User           string
	Password       string
	Name           string
	Host           string
	Port           int
	MinConnections int32
	MaxConnections int32

	// connString, when set, overrides the fields above entirely. Only
	// populated internally by OpenWithConnString.
	connString string
}

// ConnString builds a libpq-style connection string from cfg.
func (cfg Config) ConnString() string {
	if cfg.connString != "" {
		return cfg.connString
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
}

// Store wraps a pgxpool.Pool for the worker's shared queries.
type Store struct {
	cfg  Config
	Pool *pgxpool.Pool
}

// Open connects a pool sized per cfg and verifies connectivity with a
// ping.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	return openConnString(ctx, cfg, cfg.ConnString())
}

// OpenWithConnString connects a pool using a raw libpq connection
// string rather than a Config, for callers (integration tests, mainly)
// that get their connection string from an external source such as a
// testcontainers-go container rather than the config registry.
// DedicatedConn on the returned Store re-dials the same connString.
func OpenWithConnString(ctx context.Context, connString string) (*Store, error) {
	return openConnString(ctx, Config{}, connString)
}

func openConnString(ctx context.Context, cfg Config, connString string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("store: parse config: %w", err)
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	poolCfg.MaxConns = cfg.MaxConnections
	if poolCfg.MaxConns < 1 {
		poolCfg.MaxConns = 4
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{cfg: Config{connString: connString}, Pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// DedicatedConn opens a single non-pooled connection on the store's
// connection string. pkg/notifylistener dials its own LISTEN connection
// and does not use it.
func (s *Store) DedicatedConn(ctx context.Context) (*pgx.Conn, error) {
	return pgx.Connect(ctx, s.cfg.ConnString())
}
