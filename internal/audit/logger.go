package audit

import (
	"context"

	appCtx "github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/context"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for attribution events
type Logger struct {
	log zerolog.Logger
}

// New creates a new audit logger
func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// ClickTracked logs a tracked click, either a new record or an extended one
func (l *Logger) ClickTracked(ctx context.Context, clickID, referrerFID, productID string, created bool) {
	l.log.Info().
		Str("action", "click_tracked").
		Str("click_id", clickID).
		Str("referrer_fid", referrerFID).
		Str("product_id", productID).
		Bool("created", created).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Affiliate click tracked")
}

// SelfReferralRejected logs a click where visitor and referrer are the same FID
func (l *Logger) SelfReferralRejected(ctx context.Context, fid, productID string) {
	l.log.Warn().
		Str("action", "self_referral_rejected").
		Str("fid", fid).
		Str("product_id", productID).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Self-referral click rejected")
}

// ClicksLinked logs a batch link of anonymous clicks to a visitor
func (l *Logger) ClicksLinked(ctx context.Context, visitorFID string, linked int64) {
	l.log.Info().
		Str("action", "clicks_linked").
		Str("visitor_fid", visitorFID).
		Int64("linked", linked).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Anonymous clicks linked to FID")
}

// ConversionRecorded logs an order item attributed to a click
func (l *Logger) ConversionRecorded(ctx context.Context, clickID, referrerFID, orderID string, amount float64) {
	l.log.Info().
		Str("action", "conversion_recorded").
		Str("click_id", clickID).
		Str("referrer_fid", referrerFID).
		Str("order_id", orderID).
		Float64("commission_amount", amount).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Affiliate conversion recorded")
}

// FulfillmentConfirmed logs the start of the settlement clock for an order
func (l *Logger) FulfillmentConfirmed(ctx context.Context, orderID string, clicks int64) {
	l.log.Info().
		Str("action", "fulfillment_confirmed").
		Str("order_id", orderID).
		Int64("clicks", clicks).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Order fulfillment confirmed")
}

// CommissionSettled logs a commission that became claimable
func (l *Logger) CommissionSettled(ctx context.Context, clickID, referrerFID, orderID string, amount float64) {
	l.log.Info().
		Str("action", "commission_settled").
		Str("click_id", clickID).
		Str("referrer_fid", referrerFID).
		Str("order_id", orderID).
		Float64("commission_amount", amount).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("Commission settled")
}

// AffiliateEventPublished logs a click/commission event confirmed by the broker
func (l *Logger) AffiliateEventPublished(ctx context.Context, messageID, routingKey string) {
	l.log.Debug().
		Str("action", "affiliate_event_published").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Msg("Affiliate event published")
}

// AffiliateEventDead logs an event that ran out of publish attempts
func (l *Logger) AffiliateEventDead(ctx context.Context, messageID, routingKey string, attempts int) {
	l.log.Error().
		Str("action", "affiliate_event_dead").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Int("attempts", attempts).
		Msg("Affiliate event gave up after max publish attempts")
}
