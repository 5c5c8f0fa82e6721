package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/audit"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/logger"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Policy holds the attribution timing rules, built from config in main.
type Policy struct {
	AttributionWindow time.Duration
	SettlementDelay   time.Duration
	// LinkWindow bounds how old an anonymous click may be and still get
	// linked; 0 means any still-active click.
	LinkWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		AttributionWindow: domain.DefaultAttributionWindow,
		SettlementDelay:   domain.DefaultSettlementDelay,
	}
}

type AffiliateService struct {
	repo   domain.ClickRepository
	audit  *audit.Logger
	policy Policy
	nowFn  func() time.Time
}

func NewAffiliateService(repo domain.ClickRepository, auditLog *audit.Logger, policy Policy) *AffiliateService {
	if policy.AttributionWindow <= 0 {
		policy.AttributionWindow = domain.DefaultAttributionWindow
	}
	if auditLog == nil {
		auditLog = audit.New(logger.Logger)
	}
	return &AffiliateService{
		repo:   repo,
		audit:  auditLog,
		policy: policy,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source; tests only.
func (s *AffiliateService) WithClock(fn func() time.Time) *AffiliateService {
	s.nowFn = fn
	return s
}

func (s *AffiliateService) Policy() Policy { return s.policy }

// ----------------------
// Click tracker
// ----------------------

func (s *AffiliateService) TrackClick(ctx context.Context, traceID string, in domain.TrackClickInput) (domain.TrackResult, error) {
	in.ReferrerFID = strings.TrimSpace(in.ReferrerFID)
	in.ProductID = strings.TrimSpace(in.ProductID)
	in.VisitorFID = trimOptional(in.VisitorFID)

	if in.ReferrerFID == "" {
		return domain.TrackResult{}, domain.ErrMissingField("referrerFid")
	}
	if in.ProductID == "" {
		return domain.TrackResult{}, domain.ErrMissingField("productId")
	}
	if in.VisitorFID != nil && *in.VisitorFID == in.ReferrerFID {
		s.audit.SelfReferralRejected(ctx, in.ReferrerFID, in.ProductID)
		return domain.TrackResult{}, domain.ErrSelfReferral()
	}

	res, err := s.repo.UpsertClick(ctx, traceID, in, s.nowFn(), s.policy.AttributionWindow)
	if err != nil {
		return domain.TrackResult{}, storageErr(err)
	}
	s.audit.ClickTracked(ctx, res.ClickID, in.ReferrerFID, in.ProductID, res.Created)
	return res, nil
}

// FindActiveClick returns ok=false when the visitor has no attributable click.
func (s *AffiliateService) FindActiveClick(ctx context.Context, visitorFID, productID string) (domain.AffiliateClick, bool, error) {
	visitorFID = strings.TrimSpace(visitorFID)
	productID = strings.TrimSpace(productID)
	if visitorFID == "" {
		return domain.AffiliateClick{}, false, domain.ErrMissingField("visitorFid")
	}
	if productID == "" {
		return domain.AffiliateClick{}, false, domain.ErrMissingField("productId")
	}

	c, ok, err := s.repo.FindActiveClick(ctx, visitorFID, productID, s.nowFn())
	if err != nil {
		return domain.AffiliateClick{}, false, storageErr(err)
	}
	return c, ok, nil
}

// ----------------------
// Identity linker
// ----------------------

func (s *AffiliateService) LinkAnonymousClicksToFid(ctx context.Context, traceID, visitorFID string) (int64, error) {
	visitorFID = strings.TrimSpace(visitorFID)
	if visitorFID == "" {
		return 0, domain.ErrMissingField("visitorFid")
	}

	now := s.nowFn()
	var since *time.Time
	if s.policy.LinkWindow > 0 {
		t := now.Add(-s.policy.LinkWindow)
		since = &t
	}

	n, err := s.repo.LinkAnonymousClicks(ctx, traceID, visitorFID, now, since)
	if err != nil {
		return 0, storageErr(err)
	}
	s.audit.ClicksLinked(ctx, visitorFID, n)
	return n, nil
}

// ----------------------
// Earnings
// ----------------------

func (s *AffiliateService) GetEarningsSummary(ctx context.Context, referrerFID string) (domain.EarningsSummary, error) {
	referrerFID = strings.TrimSpace(referrerFID)
	if referrerFID == "" {
		return domain.EarningsSummary{}, domain.ErrMissingField("fid")
	}

	sum, err := s.repo.GetEarningsSummary(ctx, referrerFID, s.nowFn(), s.policy.SettlementDelay)
	if err != nil {
		return domain.EarningsSummary{}, storageErr(err)
	}
	return sum, nil
}

func (s *AffiliateService) ListReferrerClicks(ctx context.Context, referrerFID string, limit int, cursor *domain.KeysetCursor) ([]domain.ClickView, *domain.KeysetCursor, error) {
	referrerFID = strings.TrimSpace(referrerFID)
	if referrerFID == "" {
		return nil, nil, domain.ErrMissingField("fid")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	clicks, next, err := s.repo.ListByReferrer(ctx, referrerFID, limit, cursor)
	if err != nil {
		return nil, nil, storageErr(err)
	}

	now := s.nowFn()
	out := make([]domain.ClickView, 0, len(clicks))
	for _, c := range clicks {
		out = append(out, domain.ClickView{
			AffiliateClick:  c,
			Status:          c.Status(now, s.policy.SettlementDelay),
			SettlementDueAt: c.SettlementDueAt(s.policy.SettlementDelay),
		})
	}
	return out, next, nil
}

// ----------------------
// Conversion & settlement
// ----------------------

// RecordConversion attributes one order item to the visitor's active click.
// Redelivery of the same (order, product) is a no-op reported as Duplicate.
func (s *AffiliateService) RecordConversion(ctx context.Context, traceID string, in domain.ConversionInput) (domain.ConversionResult, error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	in.VisitorFID = strings.TrimSpace(in.VisitorFID)
	in.ProductID = strings.TrimSpace(in.ProductID)

	switch {
	case in.OrderID == "":
		return domain.ConversionResult{}, domain.ErrMissingField("orderId")
	case in.VisitorFID == "":
		return domain.ConversionResult{}, domain.ErrMissingField("visitorFid")
	case in.ProductID == "":
		return domain.ConversionResult{}, domain.ErrMissingField("productId")
	case in.CommissionAmount < 0:
		return domain.ConversionResult{}, domain.ErrInvalidField("commissionAmount", "must not be negative")
	}

	res, err := s.repo.RecordConversion(ctx, traceID, in, s.nowFn())
	if err != nil {
		return domain.ConversionResult{}, storageErr(err)
	}
	if res.Attributed && !res.Duplicate {
		s.audit.ConversionRecorded(ctx, res.Click.ClickID, res.Click.ReferrerFID, in.OrderID, in.CommissionAmount)
		if res.Click.FulfilledAt != nil {
			// fulfillment was delivered first and kept for this conversion
			s.audit.FulfillmentConfirmed(ctx, in.OrderID, 1)
		}
	}
	return res, nil
}

// ConfirmFulfillment starts the settlement clock for every click converted
// by the order. Repeated confirmation keeps the first timestamp.
func (s *AffiliateService) ConfirmFulfillment(ctx context.Context, traceID, orderID string) (int64, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, domain.ErrMissingField("orderId")
	}

	n, err := s.repo.ConfirmFulfillment(ctx, traceID, orderID, s.nowFn())
	if err != nil {
		return 0, storageErr(err)
	}
	if n == 0 {
		return 0, domain.ErrOrderNotAttributed(orderID)
	}
	s.audit.FulfillmentConfirmed(ctx, orderID, n)
	return n, nil
}

// DeferFulfillment keeps a fulfillment for an order with no conversion yet,
// so that a late order.created still starts the settlement clock from the
// fulfillment time. Returns the clicks fulfilled immediately, if any.
func (s *AffiliateService) DeferFulfillment(ctx context.Context, traceID, orderID string) (int64, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, domain.ErrMissingField("orderId")
	}

	n, err := s.repo.DeferFulfillment(ctx, traceID, orderID, s.nowFn())
	if err != nil {
		return 0, storageErr(err)
	}
	if n > 0 {
		s.audit.FulfillmentConfirmed(ctx, orderID, n)
	}
	return n, nil
}

func (s *AffiliateService) SettleDue(ctx context.Context, traceID string) ([]domain.SettledCommission, error) {
	settled, err := s.repo.SettleDue(ctx, traceID, s.nowFn(), s.policy.SettlementDelay)
	if err != nil {
		return nil, storageErr(err)
	}
	for _, sc := range settled {
		s.audit.CommissionSettled(ctx, sc.ClickID, sc.ReferrerFID, sc.OrderID, sc.CommissionAmount)
	}
	return settled, nil
}

// StartSettlementSweeper marks due commissions as settled on every tick
// until ctx is canceled.
func (s *AffiliateService) StartSettlementSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		log := logger.Logger.With().Str("component", "settlement_sweeper").Logger()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.sweepOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	}()
}

func (s *AffiliateService) sweepOnce(ctx context.Context) {
	settled, err := s.SettleDue(ctx, "settlement-sweeper")
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Logger.Warn().Err(err).Msg("settlement sweep failed")
		}
		return
	}
	if len(settled) > 0 {
		logger.Logger.Info().Int("settled", len(settled)).Msg("commissions settled")
	}
}

func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

// storageErr keeps domain errors as-is and wraps everything else.
func storageErr(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.ErrStorage(err)
}
