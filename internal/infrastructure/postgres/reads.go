package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// GetEarningsSummary aggregates every click of the referrer in one pass.
// A commission counts as earned once settled_at is set or fulfilled_at is
// at least settlementDelay old, matching AffiliateClick.Status.
func (r *Repository) GetEarningsSummary(ctx context.Context, referrerFID string, now time.Time, settlementDelay time.Duration) (domain.EarningsSummary, error) {
	sum := domain.EarningsSummary{ReferrerFID: referrerFID}

	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE converted = FALSE AND expires_at >= $2),
			COUNT(*) FILTER (WHERE converted),
			COALESCE(SUM(commission_amount) FILTER (WHERE converted), 0)::float8,
			MAX(commission_earned_at),
			COALESCE(SUM(commission_amount) FILTER (
				WHERE converted AND (settled_at IS NOT NULL OR fulfilled_at <= $3)
			), 0)::float8,
			COALESCE(SUM(commission_amount) FILTER (
				WHERE converted AND settled_at IS NULL AND (fulfilled_at IS NULL OR fulfilled_at > $3)
			), 0)::float8
		FROM affiliate_clicks
		WHERE referrer_fid = $1
	`, referrerFID, now, now.Add(-settlementDelay)).Scan(
		&sum.TotalClicks,
		&sum.ActiveClicks,
		&sum.Conversions,
		&sum.TotalCommission,
		&sum.LastEarningAt,
		&sum.EarnedCommission,
		&sum.PendingSettlementCommission,
	)
	if err != nil {
		return domain.EarningsSummary{}, err
	}

	if sum.Conversions > 0 {
		sum.AverageCommission = sum.TotalCommission / float64(sum.Conversions)
	}
	return sum, nil
}

// ORDER BY clicked_at DESC, click_id DESC
// cursor means "start after this item" -> WHERE (clicked_at, click_id) < (cursor.clicked_at, cursor.click_id)
func (r *Repository) ListByReferrer(ctx context.Context, referrerFID string, limit int, cursor *domain.KeysetCursor) ([]domain.AffiliateClick, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	args := []any{referrerFID}
	where := "WHERE referrer_fid = $1"

	if cursor != nil {
		where += " AND (clicked_at, click_id) < ($2, $3)"
		args = append(args, cursor.ClickedAt, cursor.ClickID)
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM affiliate_clicks
		%s
		ORDER BY clicked_at DESC, click_id DESC
		LIMIT %d
	`, clickColumns, where, limit+1)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []domain.AffiliateClick
	for rows.Next() {
		c, err := scanClick(rows)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.KeysetCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.KeysetCursor{ClickedAt: last.ClickedAt, ClickID: last.ClickID}
		out = out[:limit]
	}
	return out, next, nil
}
