// Package audit records before/after snapshots of billing state changes, as
// JSON lines and optionally in the store.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/GoCodeAlone/billsync/store"
)

// EventType classifies audit events.
type EventType string

const (
	EventSubscriptionSync    EventType = "subscription_sync"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	EventInvoicePaid         EventType = "invoice_paid"
	EventPaymentFailed       EventType = "payment_failed"
	EventAdminOp             EventType = "admin_op"
	EventOutboxReplay        EventType = "outbox_replay"
)

// Event is a single audit record.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"type"`
	TenantID     string         `json:"tenant_id,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	Before       any            `json:"before,omitempty"`
	After        any            `json:"after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Logger writes audit events as JSON lines.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	slog   *slog.Logger
}

// NewLogger creates a Logger writing to w. A nil w means os.Stdout.
func NewLogger(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{
		writer: w,
		slog:   slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// Log writes one event. It is safe for concurrent use and a nil Logger
// discards the event.
func (l *Logger) Log(_ context.Context, event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		l.slog.Error("failed to marshal audit event", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := l.writer.Write(data); err != nil {
		l.slog.Error("failed to write audit event", "error", err)
	}
}

// Record persists event through st, usually inside the transaction that
// made the change.
func Record(ctx context.Context, st store.AuditStore, event Event) error {
	entry, err := Entry(event)
	if err != nil {
		return err
	}
	if err := st.Record(ctx, entry); err != nil {
		return fmt.Errorf("audit: record %s: %w", event.Type, err)
	}
	return nil
}

// Entry converts an event to its stored form.
func Entry(event Event) (*store.AuditEntry, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	before, err := marshalState(event.Before)
	if err != nil {
		return nil, fmt.Errorf("audit: encode before: %w", err)
	}
	after, err := marshalState(event.After)
	if err != nil {
		return nil, fmt.Errorf("audit: encode after: %w", err)
	}
	actor := event.Actor
	if actor == "" {
		actor = "system"
	}
	return &store.AuditEntry{
		TenantID:     event.TenantID,
		Action:       string(event.Type),
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Actor:        actor,
		Before:       before,
		After:        after,
		Details:      event.Detail,
		CreatedAt:    event.Timestamp,
	}, nil
}

func marshalState(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
