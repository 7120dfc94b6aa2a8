package store

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the lifecycle state of a pending mirror operation.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDone       OutboxStatus = "done"
	OutboxDead       OutboxStatus = "dead"
)

// OutboxMessage is a mirror operation recorded in the same transaction as the
// authoritative write that produced it.
type OutboxMessage struct {
	ID                  int64           `json:"id"`
	Kind                string          `json:"kind"`
	TenantID            string          `json:"tenant_id"`
	Payload             json.RawMessage `json:"payload"`
	Status              OutboxStatus    `json:"status"`
	Attempts            int             `json:"attempts"`
	NextAttemptAt       time.Time       `json:"next_attempt_at"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	LastError           string          `json:"last_error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// OutboxStats holds aggregate counts by status.
type OutboxStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Dead       int `json:"dead"`
}

// AuditEntry is a persisted before/after record of a state change.
type AuditEntry struct {
	ID           int64           `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Actor        string          `json:"actor"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	Details      string          `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	TenantID string
	Action   string
	Since    *time.Time
	Limit    int
}
