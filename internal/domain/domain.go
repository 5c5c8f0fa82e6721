package domain

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

type CommissionStatus string

const (
	CommissionPending                 CommissionStatus = "pending"
	CommissionEarnedPendingSettlement CommissionStatus = "earned_pending_settlement"
	CommissionEarned                  CommissionStatus = "earned"
)

// AffiliateClick is one attribution opportunity for (referrer, product).
type AffiliateClick struct {
	ClickID     string  `json:"click_id"`
	ReferrerFID string  `json:"referrer_fid"`
	VisitorFID  *string `json:"visitor_fid"`
	ProductID   string  `json:"product_id"`

	ClickedAt     time.Time `json:"clicked_at"`
	LastClickedAt time.Time `json:"last_clicked_at"`
	ExpiresAt     time.Time `json:"expires_at"`

	Converted          bool       `json:"converted"`
	CommissionAmount   *float64   `json:"commission_amount"`
	CommissionEarnedAt *time.Time `json:"commission_earned_at"`
	OrderID            *string    `json:"order_id"`

	FulfilledAt *time.Time `json:"fulfilled_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type TrackClickInput struct {
	ReferrerFID string
	ProductID   string
	VisitorFID  *string
}

type TrackResult struct {
	ClickID string
	Created bool
}

// ConversionResult: Attributed is false when no active click matched the
// order item. Duplicate marks a redelivered order item already recorded.
type ConversionResult struct {
	Click      AffiliateClick
	Attributed bool
	Duplicate  bool
}

type ConversionInput struct {
	OrderID          string
	VisitorFID       string
	ProductID        string
	CommissionAmount float64
}

// EarningsSummary is recomputed from click rows on every read.
type EarningsSummary struct {
	ReferrerFID       string     `json:"referrer_fid"`
	TotalClicks       int64      `json:"total_clicks"`
	ActiveClicks      int64      `json:"active_clicks"`
	Conversions       int64      `json:"conversions"`
	TotalCommission   float64    `json:"total_commission"`
	AverageCommission float64    `json:"average_commission"`
	LastEarningAt     *time.Time `json:"last_earning_at"`

	PendingSettlementCommission float64 `json:"pending_settlement_commission"`
	EarnedCommission            float64 `json:"earned_commission"`
}

// SettledCommission is a click that crossed the settlement delay in a sweep.
type SettledCommission struct {
	ClickID          string
	ReferrerFID      string
	OrderID          string
	CommissionAmount float64
	SettledAt        time.Time
}

type KeysetCursor struct {
	ClickedAt time.Time
	ClickID   string
}

// ClickRepository owns persistence of click rows. Implementations must make
// UpsertClick atomic per (referrer, product).
type ClickRepository interface {
	UpsertClick(ctx context.Context, traceID string, in TrackClickInput, now time.Time, window time.Duration) (TrackResult, error)
	FindActiveClick(ctx context.Context, visitorFID, productID string, now time.Time) (AffiliateClick, bool, error)
	LinkAnonymousClicks(ctx context.Context, traceID, visitorFID string, now time.Time, since *time.Time) (int64, error)

	GetEarningsSummary(ctx context.Context, referrerFID string, now time.Time, settlementDelay time.Duration) (EarningsSummary, error)
	ListByReferrer(ctx context.Context, referrerFID string, limit int, cursor *KeysetCursor) ([]AffiliateClick, *KeysetCursor, error)

	RecordConversion(ctx context.Context, traceID string, in ConversionInput, now time.Time) (ConversionResult, error)
	ConfirmFulfillment(ctx context.Context, traceID, orderID string, now time.Time) (int64, error)
	// DeferFulfillment handles a fulfillment seen before the order's
	// conversion: it is kept and applied by a later RecordConversion.
	// Returns the clicks fulfilled right away when a conversion landed meanwhile.
	DeferFulfillment(ctx context.Context, traceID, orderID string, now time.Time) (int64, error)
	SettleDue(ctx context.Context, traceID string, now time.Time, settlementDelay time.Duration) ([]SettledCommission, error)
}

type RateLimiter interface {
	AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// NewClickID returns a lexically sortable click identifier.
func NewClickID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// ClickView is a click annotated with its derived commission state.
type ClickView struct {
	AffiliateClick
	Status          CommissionStatus `json:"status"`
	SettlementDueAt *time.Time       `json:"settlement_due_at,omitempty"`
}
