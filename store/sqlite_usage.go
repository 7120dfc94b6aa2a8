package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteUsageStore is a UsageStore backed by SQLite. It lets a memory-backed
// deployment keep usage events, and their idempotency keys, across restarts.
type SQLiteUsageStore struct {
	db *sql.DB
}

// OpenSQLiteUsageStore opens (or creates) the database at path.
func OpenSQLiteUsageStore(path string) (*SQLiteUsageStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteUsageStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteUsageStore creates the store and initialises the schema.
func NewSQLiteUsageStore(db *sql.DB) (*SQLiteUsageStore, error) {
	s := &SQLiteUsageStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("usage store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteUsageStore) Close() error { return s.db.Close() }

func (s *SQLiteUsageStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS usage_events (
    id              TEXT    PRIMARY KEY,
    tenant_id       TEXT    NOT NULL,
    feature_key     TEXT    NOT NULL,
    idempotency_key TEXT    NOT NULL UNIQUE,
    status          TEXT    NOT NULL,
    metadata        TEXT,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_events_window
    ON usage_events(tenant_id, feature_key, created_at);
`
	_, err := s.db.Exec(ddl)
	return err
}

func (s *SQLiteUsageStore) InsertOrGet(ctx context.Context, ev *billing.UsageEvent) (*billing.UsageEvent, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var metadata sql.NullString
	if len(ev.Metadata) > 0 {
		metadata = sql.NullString{String: string(ev.Metadata), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, feature_key, idempotency_key, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		ev.ID, ev.TenantID, ev.FeatureKey, ev.IdempotencyKey, string(ev.Status), metadata, ev.CreatedAt.UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("insert usage event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		out := *ev
		return &out, true, nil
	}

	var existing billing.UsageEvent
	var status string
	var created int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, feature_key, idempotency_key, status, metadata, created_at
		FROM usage_events WHERE idempotency_key = ?`, ev.IdempotencyKey,
	).Scan(&existing.ID, &existing.TenantID, &existing.FeatureKey, &existing.IdempotencyKey, &status, &metadata, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("get usage event: %w", err)
	}
	existing.Status = billing.UsageStatus(status)
	existing.CreatedAt = time.Unix(0, created).UTC()
	if metadata.Valid {
		existing.Metadata = []byte(metadata.String)
	}
	return &existing, false, nil
}

func (s *SQLiteUsageStore) CountSucceeded(ctx context.Context, tenantID, featureKey string, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM usage_events
		WHERE tenant_id = ? AND feature_key = ? AND status = 'SUCCEEDED' AND created_at >= ? AND created_at < ?`,
		tenantID, featureKey, from.UnixNano(), to.UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

func (s *SQLiteUsageStore) AggregateSucceeded(ctx context.Context, tenantID string, from, to time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feature_key, COUNT(*) FROM usage_events
		WHERE tenant_id = ? AND status = 'SUCCEEDED' AND created_at >= ? AND created_at < ?
		GROUP BY feature_key`, tenantID, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan usage aggregate: %w", err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

// WithUsage returns base with its usage events served by usage. Transactions
// opened on the result keep the override.
func WithUsage(base Store, usage UsageStore) Store {
	return usageOverride{Store: base, usage: usage}
}

type usageOverride struct {
	Store
	usage UsageStore
}

func (u usageOverride) Usage() UsageStore { return u.usage }

func (u usageOverride) InTx(ctx context.Context, fn func(tx Store) error) error {
	return u.Store.InTx(ctx, func(tx Store) error {
		return fn(usageOverride{Store: tx, usage: u.usage})
	})
}

var _ UsageStore = (*SQLiteUsageStore)(nil)
