package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
)

// ClickStore is an in-process ClickRepository for local runs and tests.
// A single mutex serializes writers, which gives UpsertClick the same
// one-active-click-per-pair guarantee the Postgres advisory lock does.
type ClickStore struct {
	mu     sync.RWMutex
	clicks map[string]domain.AffiliateClick // click_id -> click
	// order_id -> fulfillment time, for fulfillments that beat their conversion
	pendingFulfillments map[string]time.Time
}

func NewClickStore() *ClickStore {
	return &ClickStore{
		clicks:              make(map[string]domain.AffiliateClick),
		pendingFulfillments: make(map[string]time.Time),
	}
}

func (s *ClickStore) UpsertClick(ctx context.Context, traceID string, in domain.TrackClickInput, now time.Time, window time.Duration) (domain.TrackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.latestActive(now, func(c domain.AffiliateClick) bool {
		return c.ReferrerFID == in.ReferrerFID && c.ProductID == in.ProductID
	}); ok {
		c.LastClickedAt = now
		c.ExpiresAt = now.Add(window)
		if c.VisitorFID == nil && in.VisitorFID != nil {
			v := *in.VisitorFID
			c.VisitorFID = &v
		}
		c.UpdatedAt = now
		s.clicks[c.ClickID] = c
		return domain.TrackResult{ClickID: c.ClickID, Created: false}, nil
	}

	c := domain.AffiliateClick{
		ClickID:       domain.NewClickID(now),
		ReferrerFID:   in.ReferrerFID,
		ProductID:     in.ProductID,
		ClickedAt:     now,
		LastClickedAt: now,
		ExpiresAt:     now.Add(window),
		UpdatedAt:     now,
	}
	if in.VisitorFID != nil {
		v := *in.VisitorFID
		c.VisitorFID = &v
	}
	s.clicks[c.ClickID] = c
	return domain.TrackResult{ClickID: c.ClickID, Created: true}, nil
}

func (s *ClickStore) FindActiveClick(ctx context.Context, visitorFID, productID string, now time.Time) (domain.AffiliateClick, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.latestActive(now, func(c domain.AffiliateClick) bool {
		return c.VisitorFID != nil && *c.VisitorFID == visitorFID && c.ProductID == productID
	})
	return c, ok, nil
}

func (s *ClickStore) LinkAnonymousClicks(ctx context.Context, traceID, visitorFID string, now time.Time, since *time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, c := range s.clicks {
		if c.VisitorFID != nil || !c.IsActive(now) || c.ReferrerFID == visitorFID {
			continue
		}
		if since != nil && c.LastClickedAt.Before(*since) {
			continue
		}
		v := visitorFID
		c.VisitorFID = &v
		c.UpdatedAt = now
		s.clicks[id] = c
		n++
	}
	return n, nil
}

func (s *ClickStore) GetEarningsSummary(ctx context.Context, referrerFID string, now time.Time, settlementDelay time.Duration) (domain.EarningsSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := domain.EarningsSummary{ReferrerFID: referrerFID}
	for _, c := range s.clicks {
		if c.ReferrerFID != referrerFID {
			continue
		}
		sum.TotalClicks++
		if c.IsActive(now) {
			sum.ActiveClicks++
		}
		if !c.Converted {
			continue
		}
		sum.Conversions++
		var amount float64
		if c.CommissionAmount != nil {
			amount = *c.CommissionAmount
		}
		sum.TotalCommission += amount
		switch c.Status(now, settlementDelay) {
		case domain.CommissionEarned:
			sum.EarnedCommission += amount
		case domain.CommissionEarnedPendingSettlement:
			sum.PendingSettlementCommission += amount
		}
		if c.CommissionEarnedAt != nil && (sum.LastEarningAt == nil || c.CommissionEarnedAt.After(*sum.LastEarningAt)) {
			t := *c.CommissionEarnedAt
			sum.LastEarningAt = &t
		}
	}
	if sum.Conversions > 0 {
		sum.AverageCommission = sum.TotalCommission / float64(sum.Conversions)
	}
	return sum, nil
}

func (s *ClickStore) ListByReferrer(ctx context.Context, referrerFID string, limit int, cursor *domain.KeysetCursor) ([]domain.AffiliateClick, *domain.KeysetCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []domain.AffiliateClick
	for _, c := range s.clicks {
		if c.ReferrerFID != referrerFID {
			continue
		}
		if cursor != nil && !before(c, *cursor) {
			continue
		}
		rows = append(rows, c)
	}
	// clicked_at DESC, click_id DESC
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].ClickedAt.Equal(rows[j].ClickedAt) {
			return rows[i].ClickedAt.After(rows[j].ClickedAt)
		}
		return rows[i].ClickID > rows[j].ClickID
	})

	if len(rows) <= limit {
		return rows, nil, nil
	}
	rows = rows[:limit]
	last := rows[len(rows)-1]
	return rows, &domain.KeysetCursor{ClickedAt: last.ClickedAt, ClickID: last.ClickID}, nil
}

func (s *ClickStore) RecordConversion(ctx context.Context, traceID string, in domain.ConversionInput, now time.Time) (domain.ConversionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clicks {
		if c.OrderID != nil && *c.OrderID == in.OrderID && c.ProductID == in.ProductID {
			return domain.ConversionResult{Click: c, Attributed: true, Duplicate: true}, nil
		}
	}

	c, ok := s.latestActive(now, func(c domain.AffiliateClick) bool {
		return c.VisitorFID != nil && *c.VisitorFID == in.VisitorFID && c.ProductID == in.ProductID
	})
	if !ok {
		return domain.ConversionResult{}, nil
	}

	amount := in.CommissionAmount
	orderID := in.OrderID
	earnedAt := now
	c.Converted = true
	c.CommissionAmount = &amount
	c.CommissionEarnedAt = &earnedAt
	c.OrderID = &orderID
	c.UpdatedAt = now
	if t, ok := s.pendingFulfillments[in.OrderID]; ok {
		c.FulfilledAt = &t
	}
	s.clicks[c.ClickID] = c
	return domain.ConversionResult{Click: c, Attributed: true}, nil
}

func (s *ClickStore) ConfirmFulfillment(ctx context.Context, traceID, orderID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fulfillLocked(orderID, now), nil
}

func (s *ClickStore) DeferFulfillment(ctx context.Context, traceID, orderID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.fulfillLocked(orderID, now); n > 0 {
		return n, nil
	}
	if _, ok := s.pendingFulfillments[orderID]; !ok {
		s.pendingFulfillments[orderID] = now
	}
	return 0, nil
}

// fulfillLocked must be called with s.mu held.
func (s *ClickStore) fulfillLocked(orderID string, now time.Time) int64 {
	var n int64
	for id, c := range s.clicks {
		if !c.Converted || c.OrderID == nil || *c.OrderID != orderID {
			continue
		}
		if c.FulfilledAt == nil {
			t := now
			c.FulfilledAt = &t
			c.UpdatedAt = now
			s.clicks[id] = c
		}
		n++
	}
	return n
}

func (s *ClickStore) SettleDue(ctx context.Context, traceID string, now time.Time, settlementDelay time.Duration) ([]domain.SettledCommission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.SettledCommission
	for id, c := range s.clicks {
		if c.SettledAt != nil {
			continue
		}
		due := c.SettlementDueAt(settlementDelay)
		if due == nil || now.Before(*due) {
			continue
		}
		t := now
		c.SettledAt = &t
		c.UpdatedAt = now
		s.clicks[id] = c

		sc := domain.SettledCommission{ClickID: c.ClickID, ReferrerFID: c.ReferrerFID, SettledAt: now}
		if c.OrderID != nil {
			sc.OrderID = *c.OrderID
		}
		if c.CommissionAmount != nil {
			sc.CommissionAmount = *c.CommissionAmount
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClickID < out[j].ClickID })
	return out, nil
}

// Get returns a copy of a click by id; used by tests and the dev seed.
func (s *ClickStore) Get(clickID string) (domain.AffiliateClick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clicks[clickID]
	return c, ok
}

// Len returns the number of stored click rows.
func (s *ClickStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clicks)
}

// latestActive must be called with s.mu held.
func (s *ClickStore) latestActive(now time.Time, match func(domain.AffiliateClick) bool) (domain.AffiliateClick, bool) {
	var (
		best  domain.AffiliateClick
		found bool
	)
	for _, c := range s.clicks {
		if !c.IsActive(now) || !match(c) {
			continue
		}
		if !found || c.LastClickedAt.After(best.LastClickedAt) {
			best, found = c, true
		}
	}
	return best, found
}

func before(c domain.AffiliateClick, cur domain.KeysetCursor) bool {
	if c.ClickedAt.Equal(cur.ClickedAt) {
		return c.ClickID < cur.ClickID
	}
	return c.ClickedAt.Before(cur.ClickedAt)
}
