package billing

import "time"

// External subscription statuses reported by the payment processor.
const (
	ExternalTrialing          = "trialing"
	ExternalActive            = "active"
	ExternalPastDue           = "past_due"
	ExternalUnpaid            = "unpaid"
	ExternalCanceled          = "canceled"
	ExternalPaused            = "paused"
	ExternalIncomplete        = "incomplete"
	ExternalIncompleteExpired = "incomplete_expired"
)

var externalStatusMap = map[string]SubscriptionStatus{
	ExternalTrialing:          StatusTrial,
	ExternalActive:            StatusActive,
	ExternalPastDue:           StatusPastDue,
	ExternalUnpaid:            StatusPastDue,
	ExternalCanceled:          StatusCancelled,
	ExternalPaused:            StatusCancelled,
	ExternalIncomplete:        StatusTrial,
	ExternalIncompleteExpired: StatusExpired,
}

// MapExternalStatus maps a processor status onto the local status. Unknown
// values map to PAST_DUE so an ambiguous state never grants full access; ok is
// false in that case so callers can log it.
func MapExternalStatus(external string) (SubscriptionStatus, bool) {
	s, ok := externalStatusMap[external]
	if !ok {
		return StatusPastDue, false
	}
	return s, true
}

// NextBillingDate advances from anchor in whole intervals until the result is
// strictly after now. A zero anchor starts from now.
func NextBillingDate(anchor, now time.Time, cycle BillingCycle, intervalCount int) time.Time {
	if intervalCount < 1 {
		intervalCount = 1
	}
	if anchor.IsZero() {
		anchor = now
	}
	step := func(n int) time.Time {
		if cycle == CycleYearly {
			return addMonthsClamped(anchor, 12*n*intervalCount)
		}
		return addMonthsClamped(anchor, n*intervalCount)
	}
	next := anchor
	// Steps are taken from the anchor rather than chained so month-end
	// anchors do not drift (Jan 31 -> Feb 28 -> Mar 31).
	for n := 1; !next.After(now); n++ {
		next = step(n)
	}
	return next
}

// addMonthsClamped adds months to t, clamping the day to the last day of the
// target month instead of overflowing into the next one.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(d, last)-1)
}
