package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig holds PostgreSQL connection configuration.
type PGConfig struct {
	URL             string `yaml:"url" json:"url"`
	MaxConns        int32  `yaml:"maxConns" json:"max_conns"`
	MinConns        int32  `yaml:"minConns" json:"min_conns"`
	MaxConnIdleTime string `yaml:"maxConnIdleTime" json:"max_conn_idle_time"`
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx so the sub-stores run
// unchanged inside and outside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
	db   dbtx
	inTx bool
}

// NewPGStore connects to PostgreSQL and returns a PGStore.
func NewPGStore(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime != "" {
		d, err := time.ParseDuration(cfg.MaxConnIdleTime)
		if err != nil {
			return nil, fmt.Errorf("parse max_conn_idle_time: %w", err)
		}
		poolCfg.MaxConnIdleTime = d
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	return NewPGStoreFromPool(pool), nil
}

// NewPGStoreFromPool wraps an existing pool.
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, db: pool}
}

// Pool returns the underlying pgxpool.Pool.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool.
func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) Tenants() TenantStore             { return &PGTenantStore{db: s.db} }
func (s *PGStore) Subscriptions() SubscriptionStore { return &PGSubscriptionStore{db: s.db} }
func (s *PGStore) Products() ProductStore           { return &PGProductStore{db: s.db} }
func (s *PGStore) Entitlements() EntitlementStore   { return &PGEntitlementStore{db: s.db} }
func (s *PGStore) Usage() UsageStore                { return &PGUsageStore{db: s.db} }
func (s *PGStore) Invoices() InvoiceStore           { return &PGInvoiceStore{db: s.db} }
func (s *PGStore) Outbox() OutboxStore              { return &PGOutboxStore{db: s.db} }
func (s *PGStore) Audit() AuditStore                { return &PGAuditStore{db: s.db} }

// InTx runs fn in a database transaction, committing if fn returns nil.
func (s *PGStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PGStore{pool: s.pool, db: tx, inTx: true}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// LockTenant takes a transaction-scoped advisory lock on the tenant id.
func (s *PGStore) LockTenant(ctx context.Context, tenantID string) error {
	if _, err := s.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID); err != nil {
		return fmt.Errorf("lock tenant %s: %w", tenantID, err)
	}
	return nil
}

// isDuplicateError checks for PostgreSQL unique-violation (23505).
func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

// notFound maps pgx.ErrNoRows to ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Store = (*PGStore)(nil)
