// Package postgres stores the current job identity in Postgres, keyed by a
// profile name, so that several terminals sharing one account can reconnect
// to the same job.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/jobstream/internal/identity"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable = "job_identities"
	defaultKey   = "default"
)

// Config controls the Postgres connection pool and row placement.
type Config struct {
	DSN             string
	Table           string
	Key             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements identity.Store on a single table row.
type Store struct {
	pool  pool
	table string
	key   string
	now   func() time.Time
}

var _ identity.Store = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("identity.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table, cfg.Key)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table, key string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if key == "" {
		key = defaultKey
	}
	return &Store{pool: p, table: table, key: key, now: func() time.Time { return time.Now().UTC() }}, nil
}

// EnsureSchema creates the backing table when it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	profile_key TEXT PRIMARY KEY,
	client_uuid TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create identity table: %w", err)
	}
	return nil
}

// Load implements identity.Store.
func (s *Store) Load(ctx context.Context) (string, bool, error) {
	query := fmt.Sprintf(`SELECT client_uuid FROM %s WHERE profile_key = $1`, s.table)
	var id string
	err := s.pool.QueryRow(ctx, query, s.key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load identity: %w", err)
	}
	return id, id != "", nil
}

// Save implements identity.Store.
func (s *Store) Save(ctx context.Context, id string) error {
	if err := identity.Validate(id); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (profile_key, client_uuid, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (profile_key) DO UPDATE
SET client_uuid = EXCLUDED.client_uuid, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, s.key, id, s.now()); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// Clear implements identity.Store.
func (s *Store) Clear(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE profile_key = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, s.key); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
