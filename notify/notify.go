// Package notify delivers tenant-facing billing notifications. Delivery is
// best-effort: callers log failures and carry on.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Kind classifies a notification.
type Kind string

const (
	KindSubscriptionUpdated   Kind = "subscription.updated"
	KindSubscriptionCancelled Kind = "subscription.cancelled"
	KindPaymentSucceeded      Kind = "payment.succeeded"
	KindPaymentFailed         Kind = "payment.failed"
	KindTrialEnding           Kind = "trial.ending"
)

// Notification is a message for a tenant's billing contacts.
type Notification struct {
	TenantID  string         `json:"tenant_id"`
	Kind      Kind           `json:"kind"`
	Subject   string         `json:"subject"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "notification", "tenant_id", n.TenantID, "kind", n.Kind, "subject", n.Subject, "data", n.Data)
	return nil
}

// Publisher is the subset of *nats.Conn used by NATSNotifier.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes notifications as JSON on <prefix>.<kind>.
type NATSNotifier struct {
	pub    Publisher
	prefix string
}

// NewNATSNotifier creates a NATSNotifier. An empty prefix defaults to
// "billing.notifications".
func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = "billing.notifications"
	}
	return &NATSNotifier{pub: pub, prefix: prefix}
}

// ConnectNATS dials a NATS server for notification publishing.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect nats %s: %w", url, err)
	}
	return conn, nil
}

// Subject returns the subject a notification of kind is published on.
func (n *NATSNotifier) Subject(kind Kind) string { return n.prefix + "." + string(kind) }

func (n *NATSNotifier) Notify(_ context.Context, note Notification) error {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	if err := n.pub.Publish(n.Subject(note.Kind), data); err != nil {
		return fmt.Errorf("notify: publish %s: %w", note.Kind, err)
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps notifications in memory. Used in tests.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

// NewRecorder creates a Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
	return nil
}

// Sent returns the notifications of kind, or all of them when kind is empty.
func (r *Recorder) Sent(kind Kind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.all {
		if kind == "" || n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}
