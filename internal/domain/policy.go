package domain

import "time"

const (
	// Attribution window: a purchase within this period after the latest
	// click is credited to the referrer.
	DefaultAttributionWindow = 30 * 24 * time.Hour

	// Settlement delay: time after fulfillment before a commission is claimable.
	DefaultSettlementDelay = 20 * 24 * time.Hour
)

// IsActive reports whether the click can still be extended or converted.
// Expiry is inclusive: a click expiring exactly at now is still active.
func (c AffiliateClick) IsActive(now time.Time) bool {
	return !c.Converted && !c.ExpiresAt.Before(now)
}

// SettlementDueAt is nil until fulfillment has been confirmed.
func (c AffiliateClick) SettlementDueAt(settlementDelay time.Duration) *time.Time {
	if !c.Converted || c.FulfilledAt == nil {
		return nil
	}
	t := c.FulfilledAt.Add(settlementDelay)
	return &t
}

// Status derives the commission state for read-side consumers.
//
//	pending                   -> not converted
//	earned_pending_settlement -> converted, settlement clock not started or running
//	earned                    -> settled, or fulfilled + delay has elapsed
func (c AffiliateClick) Status(now time.Time, settlementDelay time.Duration) CommissionStatus {
	if !c.Converted {
		return CommissionPending
	}
	if c.SettledAt != nil {
		return CommissionEarned
	}
	if due := c.SettlementDueAt(settlementDelay); due != nil && !now.Before(*due) {
		return CommissionEarned
	}
	return CommissionEarnedPendingSettlement
}
