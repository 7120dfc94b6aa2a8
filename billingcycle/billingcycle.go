// Package billingcycle turns a period's metered usage into ERP overage lines
// and consolidates those lines into one invoice per tenant. Tenants are
// processed one at a time and a failing tenant never aborts the run.
package billingcycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/erp"
	"github.com/GoCodeAlone/billsync/lock"
	"github.com/GoCodeAlone/billsync/metrics"
	"github.com/GoCodeAlone/billsync/store"
	"github.com/GoCodeAlone/billsync/usage"
)

// ErrSyncInProgress is returned when another run holds the job lock.
var ErrSyncInProgress = errors.New("billingcycle: run already in progress")

// ErrInvalidPeriod is returned for period keys that are not YYYY-MM.
var ErrInvalidPeriod = errors.New("billingcycle: invalid period")

// Lock keys held for the duration of a run.
const (
	SyncLockKey        = "billing-sync"
	ConsolidateLockKey = "billing-consolidate"
)

// Tenant outcomes.
const (
	ResultSynced  = "synced"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// Aggregator runs usage sync and invoice consolidation.
type Aggregator struct {
	store    store.Store
	erp      erp.ERP
	rules    *usage.RuleSource
	locker   lock.Locker
	lockTTL  time.Duration
	currency string
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Aggregator) { a.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(a *Aggregator) { a.metrics = m } }

// WithClock overrides the clock used to pick the current period.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// WithCurrency sets the currency of consolidated invoices for tenants without
// a subscription.
func WithCurrency(c string) Option { return func(a *Aggregator) { a.currency = c } }

// WithLockTTL bounds how long a crashed run can keep the job lock.
func WithLockTTL(d time.Duration) Option { return func(a *Aggregator) { a.lockTTL = d } }

// NewAggregator creates an Aggregator. A nil locker uses an in-process lock.
func NewAggregator(st store.Store, e erp.ERP, rules *usage.RuleSource, locker lock.Locker, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:    st,
		erp:      e,
		rules:    rules,
		locker:   locker,
		lockTTL:  30 * time.Minute,
		currency: "eur",
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.locker == nil {
		a.locker = lock.NewInMemoryLock()
	}
	return a
}

// SyncOptions scopes a usage sync.
type SyncOptions struct {
	// TenantID limits the run to one tenant when set.
	TenantID string `json:"tenant_id,omitempty"`
	// PeriodKey is the YYYY-MM period to sync; empty means the current one.
	PeriodKey string `json:"period,omitempty"`
}

// FeatureResult is the outcome for one feature of one tenant.
type FeatureResult struct {
	FeatureKey string `json:"feature_key"`
	Used       int64  `json:"used"`
	FreeQuota  int64  `json:"free_quota"`
	Billable   int64  `json:"billable"`
	UnitPrice  int64  `json:"unit_price"`
	Amount     int64  `json:"amount"`
	ERPOrderID int64  `json:"erp_order_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TenantResult is the outcome for one tenant.
type TenantResult struct {
	TenantID  string          `json:"tenant_id"`
	Status    string          `json:"status"`
	PartnerID int64           `json:"partner_id,omitempty"`
	Features  []FeatureResult `json:"features,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SyncReport summarizes a usage sync.
type SyncReport struct {
	PeriodKey  string         `json:"period"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Tenants    []TenantResult `json:"tenants"`
	Processed  int            `json:"processed"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
}

func (r *SyncReport) add(tr TenantResult) {
	r.Tenants = append(r.Tenants, tr)
	r.Processed++
	switch tr.Status {
	case ResultSynced:
		r.Succeeded++
	case ResultFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// period resolves a period key, defaulting to the one containing now.
func (a *Aggregator) period(key string) (string, time.Time, time.Time, error) {
	if key == "" {
		from, to := billing.PeriodBounds(a.now())
		return billing.PeriodKey(from), from, to, nil
	}
	from, to, err := billing.ParsePeriodKey(key)
	if err != nil {
		return "", time.Time{}, time.Time{}, fmt.Errorf("%w: %w", ErrInvalidPeriod, err)
	}
	return key, from, to, nil
}

// tenants returns the tenants a run covers.
func (a *Aggregator) tenants(ctx context.Context, tenantID string) ([]*billing.Tenant, error) {
	if tenantID == "" {
		ts, err := a.store.Tenants().List(ctx)
		if err != nil {
			return nil, fmt.Errorf("billingcycle: list tenants: %w", err)
		}
		return ts, nil
	}
	t, err := a.store.Tenants().Get(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", billing.ErrUnknownTenant, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("billingcycle: load tenant %s: %w", tenantID, err)
	}
	return []*billing.Tenant{t}, nil
}

// exclusive runs fn while holding key, failing fast if another run holds it.
func (a *Aggregator) exclusive(ctx context.Context, key string, fn func() error) error {
	release, ok, err := a.locker.TryAcquire(ctx, key, a.lockTTL)
	if err != nil {
		return fmt.Errorf("billingcycle: acquire %s: %w", key, err)
	}
	if !ok {
		return ErrSyncInProgress
	}
	defer release()
	return fn()
}

// SyncUsage records each tenant's billable overage for the period in the ERP.
// Quantities are written as absolute values, so re-running a period does not
// double-bill.
func (a *Aggregator) SyncUsage(ctx context.Context, opts SyncOptions) (*SyncReport, error) {
	periodKey, from, to, err := a.period(opts.PeriodKey)
	if err != nil {
		return nil, err
	}
	report := &SyncReport{PeriodKey: periodKey, StartedAt: a.now().UTC(), Tenants: []TenantResult{}}
	err = a.exclusive(ctx, SyncLockKey, func() error {
		tenants, err := a.tenants(ctx, opts.TenantID)
		if err != nil {
			return err
		}
		rules := a.rules.Rules(ctx)
		for _, t := range tenants {
			if err := ctx.Err(); err != nil {
				return err
			}
			report.add(a.syncTenant(ctx, t, rules, periodKey, from, to))
		}
		return nil
	})
	report.FinishedAt = a.now().UTC()
	if err != nil {
		if !errors.Is(err, ErrSyncInProgress) {
			a.metrics.RecordCycleRun("sync", "error", report.Succeeded, report.Failed, report.Skipped)
		}
		return nil, err
	}
	a.metrics.RecordCycleRun("sync", "ok", report.Succeeded, report.Failed, report.Skipped)
	a.logger.Info("usage sync finished", "period", periodKey, "processed", report.Processed,
		"succeeded", report.Succeeded, "failed", report.Failed, "skipped", report.Skipped)
	return report, nil
}

func (a *Aggregator) syncTenant(ctx context.Context, t *billing.Tenant, rules map[string]billing.OverageRule, periodKey string, from, to time.Time) TenantResult {
	res := TenantResult{TenantID: t.ID}
	log := a.logger.With("tenant_id", t.ID, "period", periodKey)

	counts, err := a.store.Usage().AggregateSucceeded(ctx, t.ID, from, to)
	if err != nil {
		log.Error("aggregate usage failed", "error", err)
		res.Status, res.Error = ResultFailed, err.Error()
		return res
	}
	features := make([]string, 0, len(counts))
	for f := range counts {
		features = append(features, f)
	}
	sort.Strings(features)

	var billable []FeatureResult
	for _, f := range features {
		rule, ok := rules[f]
		if !ok {
			continue
		}
		fr := FeatureResult{
			FeatureKey: f,
			Used:       counts[f],
			FreeQuota:  rule.FreeQuota,
			Billable:   billing.Billable(counts[f], rule.FreeQuota),
			UnitPrice:  rule.UnitPrice,
		}
		if fr.Billable == 0 {
			continue
		}
		fr.Amount = fr.Billable * fr.UnitPrice
		billable = append(billable, fr)
	}
	if len(billable) == 0 {
		res.Status = ResultSkipped
		return res
	}

	partnerID, err := erp.EnsurePartner(ctx, a.erp, a.store.Tenants(), t)
	if err != nil {
		log.Warn("erp partner unavailable", "error", err)
		res.Status, res.Error, res.Features = ResultFailed, err.Error(), billable
		return res
	}
	res.PartnerID = partnerID

	res.Status = ResultSynced
	for i := range billable {
		fr := &billable[i]
		orderID, err := a.erp.RecordUsage(ctx, erp.UsageRecord{
			PartnerID:  partnerID,
			TenantID:   t.ID,
			PeriodKey:  periodKey,
			FeatureKey: fr.FeatureKey,
			Quantity:   fr.Billable,
			UnitPrice:  fr.UnitPrice,
		})
		if errors.Is(err, erp.ErrPeriodClosed) {
			log.Info("usage period already consolidated, not re-billing", "error", err)
			res.Status, res.Error, res.Features = ResultSkipped, err.Error(), billable
			return res
		}
		if err != nil {
			log.Warn("record usage in erp failed", "feature", fr.FeatureKey, "error", err)
			fr.Error = err.Error()
			res.Status = ResultFailed
			continue
		}
		fr.ERPOrderID = orderID
	}
	res.Features = billable
	if res.Status == ResultFailed {
		res.Error = "one or more features failed"
	}
	return res
}
