package billingcycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/store"
)

// ConsolidationResult is the outcome for one tenant.
type ConsolidationResult struct {
	TenantID      string `json:"tenant_id"`
	Status        string `json:"status"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	ERPInvoiceID  int64  `json:"erp_invoice_id,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ConsolidationReport summarizes a consolidation run.
type ConsolidationReport struct {
	PeriodKey string                `json:"period"`
	Tenants   []ConsolidationResult `json:"tenants"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Skipped   int                   `json:"skipped"`
}

// Consolidate folds every tenant's usage orders for periodKey into one posted
// ERP invoice and mirrors it as a local OPEN invoice. Re-running returns the
// invoices already posted.
func (a *Aggregator) Consolidate(ctx context.Context, periodKey string) (*ConsolidationReport, error) {
	if periodKey == "" {
		periodKey = PreviousPeriod(a.now())
	}
	periodKey, from, to, err := a.period(periodKey)
	if err != nil {
		return nil, err
	}
	report := &ConsolidationReport{PeriodKey: periodKey, Tenants: []ConsolidationResult{}}
	err = a.exclusive(ctx, ConsolidateLockKey, func() error {
		tenants, err := a.tenants(ctx, "")
		if err != nil {
			return err
		}
		for _, t := range tenants {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := a.consolidateTenant(ctx, t, periodKey, from, to)
			switch res.Status {
			case ResultSynced:
				report.Succeeded++
			case ResultFailed:
				report.Failed++
			default:
				report.Skipped++
			}
			report.Tenants = append(report.Tenants, res)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrSyncInProgress) {
			a.metrics.RecordCycleRun("consolidate", "error", report.Succeeded, report.Failed, report.Skipped)
		}
		return nil, err
	}
	a.metrics.RecordCycleRun("consolidate", "ok", report.Succeeded, report.Failed, report.Skipped)
	a.logger.Info("usage consolidation finished", "period", periodKey,
		"succeeded", report.Succeeded, "failed", report.Failed, "skipped", report.Skipped)
	return report, nil
}

func (a *Aggregator) consolidateTenant(ctx context.Context, t *billing.Tenant, periodKey string, from, to time.Time) ConsolidationResult {
	res := ConsolidationResult{TenantID: t.ID}
	if t.ERPPartnerID == 0 {
		res.Status = ResultSkipped
		return res
	}
	log := a.logger.With("tenant_id", t.ID, "period", periodKey)
	inv, err := a.erp.ConsolidateUsage(ctx, t.ERPPartnerID, periodKey)
	if err != nil {
		log.Warn("consolidate usage failed", "error", err)
		res.Status, res.Error = ResultFailed, err.Error()
		return res
	}
	if inv == nil {
		res.Status = ResultSkipped
		return res
	}

	number := inv.Number
	if number == "" {
		number = fmt.Sprintf("USAGE-%s-%s", periodKey, t.ID)
	}
	local := &billing.Invoice{
		TenantID:     t.ID,
		Number:       number,
		Amount:       inv.Amount,
		Currency:     a.currency,
		Status:       billing.InvoiceOpen,
		PeriodStart:  &from,
		PeriodEnd:    &to,
		ERPInvoiceID: inv.InvoiceID,
	}
	now := a.now().UTC()
	local.IssuedAt = &now
	sub, err := a.store.Subscriptions().GetByTenant(ctx, t.ID)
	switch {
	case err == nil:
		local.SubscriptionID = sub.ID
		if sub.Currency != "" {
			local.Currency = sub.Currency
		}
	case !errors.Is(err, store.ErrNotFound):
		log.Warn("load subscription for consolidated invoice", "error", err)
	}
	stored, err := a.store.Invoices().UpsertByNumber(ctx, local)
	if err != nil {
		log.Error("store consolidated invoice failed", "invoice", number, "error", err)
		res.Status, res.Error = ResultFailed, err.Error()
		return res
	}
	res.Status = ResultSynced
	res.InvoiceNumber = stored.Number
	res.ERPInvoiceID = stored.ERPInvoiceID
	res.Amount = stored.Amount
	return res
}

// PreviousPeriod returns the key of the period before the one containing t.
func PreviousPeriod(t time.Time) string {
	from, _ := billing.PeriodBounds(t)
	return billing.PeriodKey(from.AddDate(0, -1, 0))
}
