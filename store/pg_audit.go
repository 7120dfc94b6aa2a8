package store

import (
	"context"
	"fmt"
)

// PGAuditStore implements AuditStore backed by PostgreSQL.
type PGAuditStore struct {
	db dbtx
}

func (s *PGAuditStore) Record(ctx context.Context, e *AuditEntry) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO audit_log (tenant_id, action, resource_type, resource_id, actor, before_state, after_state, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		RETURNING id, created_at`,
		e.TenantID, e.Action, e.ResourceType, e.ResourceID, e.Actor, jsonArg(e.Before), jsonArg(e.After), e.Details,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func (s *PGAuditStore) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT id, tenant_id, action, resource_type, resource_id, actor, before_state, after_state, details, created_at
		FROM audit_log WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if f.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, idx)
		args = append(args, f.TenantID)
		idx++
	}
	if f.Action != "" {
		query += fmt.Sprintf(` AND action = $%d`, idx)
		args = append(args, f.Action)
		idx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, idx)
		args = append(args, *f.Since)
		idx++
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, idx)
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var before, after []byte
		err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Actor,
			&before, &after, &e.Details, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Before, e.After = before, after
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// jsonArg passes raw JSON to a JSONB column, mapping empty to NULL.
func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
