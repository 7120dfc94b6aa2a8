// Package outbox delivers mirror operations recorded alongside authoritative
// writes. A Worker claims due messages, dispatches them by kind and retries
// failures with backoff until they are dead-lettered.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/billsync/metrics"
	"github.com/GoCodeAlone/billsync/observability/tracing"
	"github.com/GoCodeAlone/billsync/store"
)

// Message kinds.
const (
	KindPushOrder       = "erp.push_order"
	KindCancelOrder     = "erp.cancel_order"
	KindRegisterPayment = "erp.register_payment"
)

// Enqueue records a message of kind with a JSON payload. st is usually the
// outbox of an open transaction.
func Enqueue(ctx context.Context, st store.OutboxStore, kind, tenantID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: encode %s: %w", kind, err)
	}
	if err := st.Enqueue(ctx, &store.OutboxMessage{Kind: kind, TenantID: tenantID, Payload: data}); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", kind, err)
	}
	return nil
}

// Dispatcher performs the operation a message describes.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *store.OutboxMessage) error
}

// HandlerFunc handles one kind of message.
type HandlerFunc func(ctx context.Context, msg *store.OutboxMessage) error

// Router dispatches messages to a handler by kind.
type Router map[string]HandlerFunc

func (r Router) Dispatch(ctx context.Context, msg *store.OutboxMessage) error {
	h, ok := r[msg.Kind]
	if !ok {
		return Permanent(fmt.Errorf("outbox: no handler for kind %q", msg.Kind))
	}
	return h(ctx, msg)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The message is dead-lettered
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config configures a Worker.
type Config struct {
	BatchSize    int           `yaml:"batchSize"`
	PollInterval time.Duration `yaml:"pollInterval"`
	// StaleAfter reclaims messages left in processing by a crashed worker.
	StaleAfter  time.Duration `yaml:"staleAfter"`
	MaxAttempts int           `yaml:"maxAttempts"`
	Backoff     Backoff       `yaml:"backoff"`
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:    20,
		PollInterval: 2 * time.Second,
		StaleAfter:   5 * time.Minute,
		MaxAttempts:  8,
		Backoff:      DefaultBackoff(),
	}
}

// Worker polls the outbox and dispatches due messages.
type Worker struct {
	store    store.OutboxStore
	dispatch Dispatcher
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// NewWorker creates a Worker. Zero config fields take their defaults.
func NewWorker(st store.OutboxStore, d Dispatcher, cfg Config, logger *slog.Logger, m *metrics.Collector) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, dispatch: d, cfg: cfg, logger: logger, metrics: m, now: time.Now}
}

// Run processes batches until ctx is cancelled. A full batch is followed
// immediately by the next one.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("outbox worker started", "batch_size", w.cfg.BatchSize, "poll_interval", w.cfg.PollInterval)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return nil
		case <-timer.C:
		}
		n, err := w.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("outbox batch failed", "error", err)
		}
		next := w.cfg.PollInterval
		if n == w.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// ProcessBatch claims and dispatches one batch and returns how many messages
// it handled.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := w.store.Claim(ctx, w.cfg.BatchSize, w.cfg.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	for _, msg := range msgs {
		w.handle(ctx, msg)
	}
	w.reportStats(ctx)
	return len(msgs), nil
}

func (w *Worker) handle(ctx context.Context, msg *store.OutboxMessage) {
	log := w.logger.With("outbox_id", msg.ID, "kind", msg.Kind, "tenant_id", msg.TenantID, "attempt", msg.Attempts)
	dctx, span := tracing.StartDispatch(ctx, msg.Kind, msg.ID, msg.Attempts)
	err := w.dispatch.Dispatch(dctx, msg)
	tracing.End(span, err)
	if err == nil {
		if err := w.store.MarkDone(ctx, msg.ID); err != nil {
			log.Error("mark outbox message done", "error", err)
		}
		w.metrics.RecordOutboxDispatch(msg.Kind, "done")
		return
	}

	dead := IsPermanent(err) || msg.Attempts >= w.cfg.MaxAttempts
	next := w.now().Add(w.cfg.Backoff.Delay(msg.Attempts))
	if markErr := w.store.MarkFailed(ctx, msg.ID, next, err.Error(), dead); markErr != nil {
		log.Error("mark outbox message failed", "error", markErr)
	}
	if dead {
		log.Error("outbox message dead-lettered", "error", err)
		w.metrics.RecordOutboxDispatch(msg.Kind, "dead")
		return
	}
	log.Warn("outbox dispatch failed, will retry", "error", err, "next_attempt_at", next)
	w.metrics.RecordOutboxDispatch(msg.Kind, "retry")
}

func (w *Worker) reportStats(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	st, err := w.store.Stats(ctx)
	if err != nil {
		return
	}
	w.metrics.SetOutboxMessages(string(store.OutboxPending), st.Pending)
	w.metrics.SetOutboxMessages(string(store.OutboxProcessing), st.Processing)
	w.metrics.SetOutboxMessages(string(store.OutboxDead), st.Dead)
}
