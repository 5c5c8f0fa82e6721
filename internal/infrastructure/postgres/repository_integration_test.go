//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/infrastructure/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const window = 30 * 24 * time.Hour

func strPtr(s string) *string { return &s }

func countRows(t *testing.T, repo *postgres.Repository, ctx context.Context, q string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, repo.Pool().QueryRow(ctx, q, args...).Scan(&n))
	return n
}

func TestUpsertClick_ConcurrentFirstClicks_OneRecord(t *testing.T) {
	pool := NewTestPool(t)
	repo := postgres.New(pool)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Microsecond)
	in := domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1"}

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.UpsertClick(ctx, "t", in, now, window); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, countRows(t, repo, ctx, `SELECT COUNT(*) FROM affiliate_clicks WHERE referrer_fid = '100' AND product_id = 'p1'`))
	assert.Equal(t, workers, countRows(t, repo, ctx, `SELECT COUNT(*) FROM outbox WHERE routing_key = 'affiliate.click_tracked'`))
}

func TestUpsertClick_ExtendsAndBackfills(t *testing.T) {
	pool := NewTestPool(t)
	repo := postgres.New(pool)
	ctx := context.Background()

	t0 := time.Now().UTC().Truncate(time.Microsecond)
	first, err := repo.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1"}, t0, window)
	require.NoError(t, err)
	require.True(t, first.Created)

	t1 := t0.Add(time.Hour)
	second, err := repo.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1", VisitorFID: strPtr("200")}, t1, window)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ClickID, second.ClickID)

	_, err = repo.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1", VisitorFID: strPtr("300")}, t1, window)
	require.NoError(t, err)

	c, ok, err := repo.FindActiveClick(ctx, "200", "p1", t1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "200", *c.VisitorFID)
	assert.True(t, c.ClickedAt.Equal(t0))
	assert.True(t, c.LastClickedAt.Equal(t1))
	assert.True(t, c.ExpiresAt.Equal(t1.Add(window)))
}

func TestLinkAnonymousClicks(t *testing.T) {
	pool := NewTestPool(t)
	repo := postgres.New(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := repo.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1"}, now, window)
	require.NoError(t, err)
	_, err = repo.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "200", ProductID: "p2"}, now, window)
	require.NoError(t, err)
	_, err = repo.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "101", ProductID: "old"}, now.Add(-2*window), window)
	require.NoError(t, err)

	n, err := repo.LinkAnonymousClicks(ctx, "t", "200", now, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "own click and expired click are skipped")

	n, err = repo.LinkAnonymousClicks(ctx, "t", "200", now, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	assert.Equal(t, 1, countRows(t, repo, ctx, `SELECT COUNT(*) FROM outbox WHERE routing_key = 'affiliate.clicks_linked'`))
}

func TestConversionSettlementAndSummary(t *testing.T) {
	pool := NewTestPool(t)
	repo := postgres.New(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	delay := 20 * 24 * time.Hour

	for _, p := range []string{"p1", "p2"} {
		_, err := repo.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: p, VisitorFID: strPtr("200")}, now, window)
		require.NoError(t, err)
	}

	in := domain.ConversionInput{OrderID: "o1", VisitorFID: "200", ProductID: "p1", CommissionAmount: 12.5}
	res, err := repo.RecordConversion(ctx, "t", in, now)
	require.NoError(t, err)
	require.True(t, res.Attributed)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Click.CommissionAmount)
	assert.InDelta(t, 12.5, *res.Click.CommissionAmount, 1e-9)

	dup, err := repo.RecordConversion(ctx, "t", in, now)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	miss, err := repo.RecordConversion(ctx, "t", domain.ConversionInput{OrderID: "o2", VisitorFID: "999", ProductID: "p1", CommissionAmount: 1}, now)
	require.NoError(t, err)
	assert.False(t, miss.Attributed)

	n, err := repo.ConfirmFulfillment(ctx, "t", "o1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.ConfirmFulfillment(ctx, "t", "unknown", now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	sum, err := repo.GetEarningsSummary(ctx, "100", now, delay)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.TotalClicks)
	assert.Equal(t, int64(1), sum.ActiveClicks)
	assert.Equal(t, int64(1), sum.Conversions)
	assert.InDelta(t, 12.5, sum.TotalCommission, 1e-9)
	assert.InDelta(t, 12.5, sum.AverageCommission, 1e-9)
	assert.InDelta(t, 12.5, sum.PendingSettlementCommission, 1e-9)
	assert.Zero(t, sum.EarnedCommission)
	require.NotNil(t, sum.LastEarningAt)

	settled, err := repo.SettleDue(ctx, "t", now.Add(delay-time.Second), delay)
	require.NoError(t, err)
	assert.Empty(t, settled)

	settled, err = repo.SettleDue(ctx, "t", now.Add(delay), delay)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, "o1", settled[0].OrderID)

	sum, err = repo.GetEarningsSummary(ctx, "100", now.Add(delay), delay)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, sum.EarnedCommission, 1e-9)
	assert.Zero(t, sum.PendingSettlementCommission)
}

func TestListByReferrer_Keyset(t *testing.T) {
	pool := NewTestPool(t)
	repo := postgres.New(pool)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i, p := range []string{"a", "b", "c"} {
		_, err := repo.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: p}, base.Add(time.Duration(i)*time.Second), window)
		require.NoError(t, err)
	}

	page, next, err := repo.ListByReferrer(ctx, "100", 2, nil)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotNil(t, next)
	assert.Equal(t, "c", page[0].ProductID)

	page, next, err = repo.ListByReferrer(ctx, "100", 2, next)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Nil(t, next)
	assert.Equal(t, "a", page[0].ProductID)
}

func TestProcessOnce_SkipsDuplicates(t *testing.T) {
	pool := NewTestPool(t)
	repo := postgres.New(pool)
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) error { calls++; return nil }

	ok, err := repo.ProcessOnce(ctx, "m1", "orders", fn)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ProcessOnce(ctx, "m1", "orders", fn)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestDeferFulfillment_AppliedByLateConversion(t *testing.T) {
	pool := NewTestPool(t)
	repo := postgres.New(pool)
	ctx := context.Background()
	fulfilledAt := time.Now().UTC().Truncate(time.Microsecond)
	delay := 20 * 24 * time.Hour

	_, err := repo.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1", VisitorFID: strPtr("200")}, fulfilledAt, window)
	require.NoError(t, err)

	n, err := repo.DeferFulfillment(ctx, "t", "o1", fulfilledAt)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// redelivered fulfillment keeps the first timestamp
	_, err = repo.DeferFulfillment(ctx, "t", "o1", fulfilledAt.Add(time.Hour))
	require.NoError(t, err)

	res, err := repo.RecordConversion(ctx, "t", domain.ConversionInput{OrderID: "o1", VisitorFID: "200", ProductID: "p1", CommissionAmount: 5}, fulfilledAt.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, res.Attributed)
	require.NotNil(t, res.Click.FulfilledAt)
	assert.True(t, fulfilledAt.Equal(*res.Click.FulfilledAt))

	settled, err := repo.SettleDue(ctx, "t", fulfilledAt.Add(delay), delay)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, "o1", settled[0].OrderID)
}

func TestDeferFulfillment_ConversionAlreadyPresent(t *testing.T) {
	pool := NewTestPool(t)
	repo := postgres.New(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := repo.UpsertClick(ctx, "t", domain.TrackClickInput{ReferrerFID: "100", ProductID: "p1", VisitorFID: strPtr("200")}, now, window)
	require.NoError(t, err)
	_, err = repo.RecordConversion(ctx, "t", domain.ConversionInput{OrderID: "o1", VisitorFID: "200", ProductID: "p1", CommissionAmount: 5}, now)
	require.NoError(t, err)

	n, err := repo.DeferFulfillment(ctx, "t", "o1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 0, countRows(t, repo, ctx, `SELECT COUNT(*) FROM pending_fulfillments`))
	assert.Equal(t, 1, countRows(t, repo, ctx, `SELECT COUNT(*) FROM affiliate_clicks WHERE order_id = 'o1' AND fulfilled_at IS NOT NULL`))
}
