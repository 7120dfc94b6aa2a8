package store

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/google/uuid"
)

// PGUsageStore implements UsageStore backed by PostgreSQL.
type PGUsageStore struct {
	db dbtx
}

func (s *PGUsageStore) InsertOrGet(ctx context.Context, ev *billing.UsageEvent) (*billing.UsageEvent, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var metadata any
	if len(ev.Metadata) > 0 {
		metadata = []byte(ev.Metadata)
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO usage_events (id, tenant_id, feature_key, idempotency_key, status, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		ev.ID, ev.TenantID, ev.FeatureKey, ev.IdempotencyKey, ev.Status, metadata, ev.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert usage event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		out := *ev
		return &out, true, nil
	}

	var existing billing.UsageEvent
	var raw []byte
	err = s.db.QueryRow(ctx, `
		SELECT id, tenant_id, feature_key, idempotency_key, status, metadata, created_at
		FROM usage_events WHERE idempotency_key = $1`, ev.IdempotencyKey,
	).Scan(&existing.ID, &existing.TenantID, &existing.FeatureKey, &existing.IdempotencyKey,
		&existing.Status, &raw, &existing.CreatedAt)
	if err != nil {
		return nil, false, notFound(err, "get usage event")
	}
	existing.Metadata = raw
	return &existing, false, nil
}

func (s *PGUsageStore) CountSucceeded(ctx context.Context, tenantID, featureKey string, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM usage_events
		WHERE tenant_id = $1 AND feature_key = $2 AND status = 'SUCCEEDED'
			AND created_at >= $3 AND created_at < $4`,
		tenantID, featureKey, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

func (s *PGUsageStore) AggregateSucceeded(ctx context.Context, tenantID string, from, to time.Time) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT feature_key, COUNT(*) FROM usage_events
		WHERE tenant_id = $1 AND status = 'SUCCEEDED' AND created_at >= $2 AND created_at < $3
		GROUP BY feature_key`, tenantID, from, to)
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
