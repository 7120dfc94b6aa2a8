// Package metrics exposes Prometheus instrumentation for billing operations.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds collector configuration.
type Config struct {
	Namespace      string   `yaml:"namespace" json:"namespace"`
	Subsystem      string   `yaml:"subsystem" json:"subsystem"`
	Path           string   `yaml:"path" json:"path"`
	EnabledMetrics []string `yaml:"enabledMetrics" json:"enabledMetrics"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:      "billsync",
		Path:           "/metrics",
		EnabledMetrics: []string{"webhook", "sync", "usage", "outbox", "cycle", "http"},
	}
}

func enabled(list []string, name string) bool {
	for _, e := range list {
		if e == name {
			return true
		}
	}
	return false
}

// Collector wraps the Prometheus vectors for billing operations. All record
// methods are safe on a nil *Collector.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	WebhookEvents       *prometheus.CounterVec
	SyncDuration        *prometheus.HistogramVec
	UsageDecisions      *prometheus.CounterVec
	UsageRecorded       *prometheus.CounterVec
	OutboxDispatches    *prometheus.CounterVec
	OutboxMessages      *prometheus.GaugeVec
	CycleRuns           *prometheus.CounterVec
	CycleTenants        *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Collector with the default configuration.
func New() *Collector { return NewWithConfig(DefaultConfig()) }

// NewWithConfig creates a Collector with its own registry.
func NewWithConfig(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem
	c := &Collector{config: cfg, registry: reg}

	if enabled(cfg.EnabledMetrics, "webhook") {
		c.WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "webhook_events_total",
			Help: "Processor webhook events by type and outcome",
		}, []string{"type", "outcome"})
		reg.MustRegister(c.WebhookEvents)
	}
	if enabled(cfg.EnabledMetrics, "sync") {
		c.SyncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "subscription_sync_duration_seconds",
			Help:    "Duration of subscription syncs",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"})
		reg.MustRegister(c.SyncDuration)
	}
	if enabled(cfg.EnabledMetrics, "usage") {
		c.UsageDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "usage_decisions_total",
			Help: "Feature usage checks by feature and result",
		}, []string{"feature", "allowed", "reason"})
		c.UsageRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "usage_events_total",
			Help: "Usage events recorded, split into new and duplicate deliveries",
		}, []string{"feature", "result"})
		reg.MustRegister(c.UsageDecisions, c.UsageRecorded)
	}
	if enabled(cfg.EnabledMetrics, "outbox") {
		c.OutboxDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "outbox_dispatches_total",
			Help: "Outbox message dispatch attempts by kind and outcome",
		}, []string{"kind", "outcome"})
		c.OutboxMessages = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "outbox_messages",
			Help: "Outbox messages by status",
		}, []string{"status"})
		reg.MustRegister(c.OutboxDispatches, c.OutboxMessages)
	}
	if enabled(cfg.EnabledMetrics, "cycle") {
		c.CycleRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "billing_cycle_runs_total",
			Help: "Billing cycle runs by mode and outcome",
		}, []string{"mode", "outcome"})
		c.CycleTenants = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "billing_cycle_tenants_total",
			Help: "Tenants processed by billing cycle runs",
		}, []string{"mode", "result"})
		reg.MustRegister(c.CycleRuns, c.CycleTenants)
	}
	if enabled(cfg.EnabledMetrics, "http") {
		c.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"})
		c.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"})
		reg.MustRegister(c.HTTPRequestsTotal, c.HTTPRequestDuration)
	}
	return c
}

// Path returns the configured metrics endpoint path.
func (c *Collector) Path() string { return c.config.Path }

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordWebhook counts a processed webhook event.
func (c *Collector) RecordWebhook(eventType, outcome string) {
	if c != nil && c.WebhookEvents != nil {
		c.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	}
}

// RecordSync observes a subscription sync.
func (c *Collector) RecordSync(outcome string, d time.Duration) {
	if c != nil && c.SyncDuration != nil {
		c.SyncDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// RecordUsageDecision counts a feature usage check.
func (c *Collector) RecordUsageDecision(feature string, allowed bool, reason string) {
	if c != nil && c.UsageDecisions != nil {
		c.UsageDecisions.WithLabelValues(feature, strconv.FormatBool(allowed), reason).Inc()
	}
}

// RecordUsageEvent counts a usage recording; duplicates are counted apart.
func (c *Collector) RecordUsageEvent(feature string, created bool) {
	if c == nil || c.UsageRecorded == nil {
		return
	}
	result := "duplicate"
	if created {
		result = "created"
	}
	c.UsageRecorded.WithLabelValues(feature, result).Inc()
}

// RecordOutboxDispatch counts an outbox dispatch attempt.
func (c *Collector) RecordOutboxDispatch(kind, outcome string) {
	if c != nil && c.OutboxDispatches != nil {
		c.OutboxDispatches.WithLabelValues(kind, outcome).Inc()
	}
}

// SetOutboxMessages sets the gauge for messages in status.
func (c *Collector) SetOutboxMessages(status string, n int) {
	if c != nil && c.OutboxMessages != nil {
		c.OutboxMessages.WithLabelValues(status).Set(float64(n))
	}
}

// RecordCycleRun counts a billing cycle run and its per-tenant results.
func (c *Collector) RecordCycleRun(mode, outcome string, succeeded, failed, skipped int) {
	if c == nil {
		return
	}
	if c.CycleRuns != nil {
		c.CycleRuns.WithLabelValues(mode, outcome).Inc()
	}
	if c.CycleTenants != nil {
		c.CycleTenants.WithLabelValues(mode, "succeeded").Add(float64(succeeded))
		c.CycleTenants.WithLabelValues(mode, "failed").Add(float64(failed))
		c.CycleTenants.WithLabelValues(mode, "skipped").Add(float64(skipped))
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	if c.HTTPRequestsTotal != nil {
		c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	}
	if c.HTTPRequestDuration != nil {
		c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency. Paths are labelled by the
// matched mux pattern to keep cardinality bounded.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		c.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
	})
}
