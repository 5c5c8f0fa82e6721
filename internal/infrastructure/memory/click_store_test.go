package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const window = 30 * 24 * time.Hour

func strPtr(s string) *string { return &s }

func TestClickStore_UpsertClick_ConcurrentFirstClicksCreateOneRecord(t *testing.T) {
	s := NewClickStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	const workers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1"}, now, window)
			if err != nil {
				return
			}
			if res.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, s.Len())
}

func TestClickStore_UpsertClick_ConvertedClickStartsNewRecord(t *testing.T) {
	s := NewClickStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1", VisitorFID: strPtr("200")}, now, window)
	require.NoError(t, err)

	conv, err := s.RecordConversion(ctx, "t", domain.ConversionInput{OrderID: "o1", VisitorFID: "200", ProductID: "p1", CommissionAmount: 5}, now)
	require.NoError(t, err)
	require.True(t, conv.Attributed)

	second, err := s.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1"}, now.Add(time.Minute), window)
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.ClickID, second.ClickID)
}

func TestClickStore_UpsertClick_ExpiredClickStartsNewRecord(t *testing.T) {
	s := NewClickStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1"}, now, window)
	require.NoError(t, err)

	later := now.Add(window + time.Second)
	second, err := s.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1"}, later, window)
	require.NoError(t, err)

	assert.True(t, second.Created)
	old, ok := s.Get(first.ClickID)
	require.True(t, ok)
	assert.Equal(t, now.Add(window), old.ExpiresAt, "expired record is left untouched")
}

func TestClickStore_ListByReferrer_Keyset(t *testing.T) {
	s := NewClickStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := s.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: string(rune('a' + i))}, base.Add(time.Duration(i)*time.Minute), window)
		require.NoError(t, err)
	}
	_, err := s.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "999", ProductID: "x"}, base, window)
	require.NoError(t, err)

	page1, next, err := s.ListByReferrer(ctx, "100", 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, next)
	assert.Equal(t, "e", page1[0].ProductID)
	assert.Equal(t, "d", page1[1].ProductID)

	page2, next, err := s.ListByReferrer(ctx, "100", 2, next)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "c", page2[0].ProductID)

	page3, next, err := s.ListByReferrer(ctx, "100", 2, next)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Nil(t, next)
	assert.Equal(t, "a", page3[0].ProductID)
}

func TestClickStore_DeferFulfillment(t *testing.T) {
	s := NewClickStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, p := range []string{"p1", "p2"} {
		_, err := s.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: p, VisitorFID: strPtr("200")}, now, window)
		require.NoError(t, err)
	}

	n, err := s.DeferFulfillment(ctx, "t", "o1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	// a redelivery does not move the fulfillment time
	_, err = s.DeferFulfillment(ctx, "t", "o1", now.Add(time.Hour))
	require.NoError(t, err)

	// both items of the order pick up the kept fulfillment
	for _, p := range []string{"p1", "p2"} {
		res, err := s.RecordConversion(ctx, "t", domain.ConversionInput{OrderID: "o1", VisitorFID: "200", ProductID: p, CommissionAmount: 1}, now.Add(2*time.Hour))
		require.NoError(t, err)
		require.NotNil(t, res.Click.FulfilledAt)
		assert.Equal(t, now, *res.Click.FulfilledAt)
	}

	// once converted, a deferral fulfills directly
	_, err = s.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p3", VisitorFID: strPtr("200")}, now, window)
	require.NoError(t, err)
	_, err = s.RecordConversion(ctx, "t", domain.ConversionInput{OrderID: "o2", VisitorFID: "200", ProductID: "p3", CommissionAmount: 1}, now)
	require.NoError(t, err)
	n, err = s.DeferFulfillment(ctx, "t", "o2", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClickStore_SettleDue(t *testing.T) {
	s := NewClickStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	delay := 20 * 24 * time.Hour

	_, err := s.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1", VisitorFID: strPtr("200")}, now, window)
	require.NoError(t, err)
	_, err = s.RecordConversion(ctx, "t", domain.ConversionInput{OrderID: "o1", VisitorFID: "200", ProductID: "p1", CommissionAmount: 2.5}, now)
	require.NoError(t, err)

	settled, err := s.SettleDue(ctx, "t", now.Add(delay), delay)
	require.NoError(t, err)
	assert.Empty(t, settled, "not fulfilled yet")

	n, err := s.ConfirmFulfillment(ctx, "t", "o1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	settled, err = s.SettleDue(ctx, "t", now.Add(delay-time.Second), delay)
	require.NoError(t, err)
	assert.Empty(t, settled)

	settled, err = s.SettleDue(ctx, "t", now.Add(delay), delay)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, "o1", settled[0].OrderID)
	assert.Equal(t, 2.5, settled[0].CommissionAmount)

	settled, err = s.SettleDue(ctx, "t", now.Add(2*delay), delay)
	require.NoError(t, err)
	assert.Empty(t, settled, "settlement happens once")
}
