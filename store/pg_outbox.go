package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PGOutboxStore implements OutboxStore backed by PostgreSQL.
type PGOutboxStore struct {
	db dbtx
}

const outboxColumns = `id, kind, tenant_id, payload::text, status, attempts, next_attempt_at,
	processing_started_at, last_error, created_at, updated_at`

func (s *PGOutboxStore) Enqueue(ctx context.Context, m *OutboxMessage) error {
	next := m.NextAttemptAt
	if next.IsZero() {
		next = time.Now().UTC()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO outbox (kind, tenant_id, payload, status, next_attempt_at)
		VALUES ($1, $2, $3::jsonb, 'pending', $4)
		RETURNING id, status, next_attempt_at, created_at, updated_at`,
		m.Kind, m.TenantID, string(m.Payload), next,
	).Scan(&m.ID, &m.Status, &m.NextAttemptAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue outbox %s: %w", m.Kind, err)
	}
	return nil
}

func (s *PGOutboxStore) Claim(ctx context.Context, limit int, staleAfter time.Duration) ([]*OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	staleSeconds := int(staleAfter / time.Second)
	if staleSeconds <= 0 {
		staleSeconds = 120
	}
	rows, err := s.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1,
			updated_at = NOW()
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.kind, o.tenant_id, o.payload::text, o.status, o.attempts, o.next_attempt_at,
			o.processing_started_at, o.last_error, o.created_at, o.updated_at`,
		limit, staleSeconds)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	return collectOutbox(rows)
}

func (s *PGOutboxStore) MarkDone(ctx context.Context, id int64) error {
	return s.exec(ctx, `
		UPDATE outbox SET status = 'done', processing_started_at = NULL, last_error = '', updated_at = NOW()
		WHERE id = $1`, id)
}

func (s *PGOutboxStore) MarkFailed(ctx context.Context, id int64, nextAttempt time.Time, lastErr string, dead bool) error {
	if len(lastErr) > 2000 {
		lastErr = lastErr[:2000]
	}
	status := OutboxPending
	if dead {
		status = OutboxDead
	}
	return s.exec(ctx, `
		UPDATE outbox SET status = $2, next_attempt_at = $3, processing_started_at = NULL,
			last_error = $4, updated_at = NOW()
		WHERE id = $1`, id, status, nextAttempt, lastErr)
}

func (s *PGOutboxStore) ListDead(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE status = 'dead' ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead outbox: %w", err)
	}
	return collectOutbox(rows)
}

func (s *PGOutboxStore) Requeue(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox SET status = 'pending', attempts = 0, next_attempt_at = NOW(), last_error = '',
			updated_at = NOW()
		WHERE id = $1 AND status = 'dead'`, id)
	if err != nil {
		return fmt.Errorf("requeue outbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM outbox WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("requeue outbox: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PGOutboxStore) Stats(ctx context.Context) (OutboxStats, error) {
	var st OutboxStats
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status OutboxStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("scan outbox stats: %w", err)
		}
		switch status {
		case OutboxPending:
			st.Pending = n
		case OutboxProcessing:
			st.Processing = n
		case OutboxDone:
			st.Done = n
		case OutboxDead:
			st.Dead = n
		}
	}
	return st, rows.Err()
}

func (s *PGOutboxStore) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectOutbox(rows pgx.Rows) ([]*OutboxMessage, error) {
	defer rows.Close()
	var out []*OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var payload string
		if err := rows.Scan(&m.ID, &m.Kind, &m.TenantID, &payload, &m.Status, &m.Attempts, &m.NextAttemptAt,
			&m.ProcessingStartedAt, &m.LastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		m.Payload = []byte(payload)
		out = append(out, &m)
	}
	return out, rows.Err()
}
