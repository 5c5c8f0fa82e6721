package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/audit"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/contracts/event"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool  *pgxpool.Pool
	audit *audit.Logger
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Pool() *pgxpool.Pool { return r.pool }

func (r *Repository) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

// WithAudit enables audit entries for outbox delivery outcomes.
func (r *Repository) WithAudit(a *audit.Logger) *Repository {
	r.audit = a
	return r
}

const clickColumns = `
	click_id, referrer_fid, visitor_fid, product_id,
	clicked_at, last_clicked_at, expires_at,
	converted, commission_amount::float8, commission_earned_at, order_id,
	fulfilled_at, settled_at, updated_at`

func scanClick(row pgx.Row) (domain.AffiliateClick, error) {
	var c domain.AffiliateClick
	err := row.Scan(
		&c.ClickID, &c.ReferrerFID, &c.VisitorFID, &c.ProductID,
		&c.ClickedAt, &c.LastClickedAt, &c.ExpiresAt,
		&c.Converted, &c.CommissionAmount, &c.CommissionEarnedAt, &c.OrderID,
		&c.FulfilledAt, &c.SettledAt, &c.UpdatedAt,
	)
	return c, err
}

// -------------------------
// Click upsert locking:
//   1) pg_advisory_xact_lock on hash(referrer_fid, product_id)
//   2) newest active row for the pair (FOR UPDATE)
//   3) update it, or insert a new row
// The advisory lock covers the "no row yet" case that FOR UPDATE cannot,
// so two concurrent first clicks serialize and the second one updates.
// -------------------------

func (r *Repository) UpsertClick(ctx context.Context, traceID string, in domain.TrackClickInput, now time.Time, window time.Duration) (domain.TrackResult, error) {
	traceID = strings.TrimSpace(traceID)
	expiresAt := now.Add(window)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.TrackResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text || ':' || $2::text, 0))`,
		in.ReferrerFID, in.ProductID,
	); err != nil {
		return domain.TrackResult{}, err
	}

	var (
		res     domain.TrackResult
		visitor *string
	)
	err = tx.QueryRow(ctx, `
		SELECT click_id, visitor_fid
		FROM affiliate_clicks
		WHERE referrer_fid = $1
		  AND product_id = $2
		  AND converted = FALSE
		  AND expires_at >= $3
		ORDER BY last_clicked_at DESC
		LIMIT 1
		FOR UPDATE
	`, in.ReferrerFID, in.ProductID, now).Scan(&res.ClickID, &visitor)

	switch {
	case err == nil:
		// visitor_fid is only ever backfilled, never overwritten
		if _, err := tx.Exec(ctx, `
			UPDATE affiliate_clicks
			SET last_clicked_at = $2,
			    expires_at = $3,
			    visitor_fid = COALESCE(visitor_fid, $4),
			    updated_at = $2
			WHERE click_id = $1
		`, res.ClickID, now, expiresAt, in.VisitorFID); err != nil {
			return domain.TrackResult{}, err
		}
		if visitor == nil {
			visitor = in.VisitorFID
		}
	case errors.Is(err, pgx.ErrNoRows):
		res.ClickID = domain.NewClickID(now)
		res.Created = true
		visitor = in.VisitorFID
		if _, err := tx.Exec(ctx, `
			INSERT INTO affiliate_clicks (
				click_id, referrer_fid, visitor_fid, product_id,
				clicked_at, last_clicked_at, expires_at, converted, updated_at
			) VALUES ($1, $2, $3, $4, $5, $5, $6, FALSE, $5)
		`, res.ClickID, in.ReferrerFID, in.VisitorFID, in.ProductID, now, expiresAt); err != nil {
			return domain.TrackResult{}, err
		}
	default:
		return domain.TrackResult{}, err
	}

	r.enqueueOutbox(ctx, tx, traceID, event.RKClickTracked, event.ClickTrackedPayload{
		ClickID:     res.ClickID,
		ReferrerFID: in.ReferrerFID,
		ProductID:   in.ProductID,
		VisitorFID:  visitor,
		Created:     res.Created,
		ExpiresAt:   expiresAt,
	}, now)

	if err := tx.Commit(ctx); err != nil {
		return domain.TrackResult{}, err
	}
	return res, nil
}

func (r *Repository) FindActiveClick(ctx context.Context, visitorFID, productID string, now time.Time) (domain.AffiliateClick, bool, error) {
	c, err := scanClick(r.pool.QueryRow(ctx, `
		SELECT `+clickColumns+`
		FROM affiliate_clicks
		WHERE visitor_fid = $1
		  AND product_id = $2
		  AND converted = FALSE
		  AND expires_at >= $3
		ORDER BY last_clicked_at DESC
		LIMIT 1
	`, visitorFID, productID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AffiliateClick{}, false, nil
	}
	if err != nil {
		return domain.AffiliateClick{}, false, err
	}
	return c, true, nil
}

// LinkAnonymousClicks backfills visitor_fid on every eligible anonymous click
// in one statement. since=nil means any still-active click qualifies.
func (r *Repository) LinkAnonymousClicks(ctx context.Context, traceID, visitorFID string, now time.Time, since *time.Time) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE affiliate_clicks
		SET visitor_fid = $1,
		    updated_at = $2
		WHERE visitor_fid IS NULL
		  AND converted = FALSE
		  AND expires_at >= $2
		  AND referrer_fid <> $1
		  AND ($3::timestamptz IS NULL OR last_clicked_at >= $3)
	`, visitorFID, now, since)
	if err != nil {
		return 0, err
	}

	linked := tag.RowsAffected()
	if linked > 0 {
		r.enqueueOutbox(ctx, tx, traceID, event.RKClicksLinked, event.ClicksLinkedPayload{
			VisitorFID: visitorFID,
			Linked:     linked,
		}, now)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return linked, nil
}

func (r *Repository) RecordConversion(ctx context.Context, traceID string, in domain.ConversionInput, now time.Time) (domain.ConversionResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ConversionResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockOrderFulfillment(ctx, tx, in.OrderID); err != nil {
		return domain.ConversionResult{}, err
	}

	// redelivered order item
	existing, err := scanClick(tx.QueryRow(ctx, `
		SELECT `+clickColumns+`
		FROM affiliate_clicks
		WHERE order_id = $1 AND product_id = $2
	`, in.OrderID, in.ProductID))
	if err == nil {
		return domain.ConversionResult{Click: existing, Attributed: true, Duplicate: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.ConversionResult{}, err
	}

	c, err := scanClick(tx.QueryRow(ctx, `
		UPDATE affiliate_clicks
		SET converted = TRUE,
		    commission_amount = $4,
		    commission_earned_at = $5,
		    order_id = $1,
		    fulfilled_at = (SELECT fulfilled_at FROM pending_fulfillments WHERE order_id = $1),
		    updated_at = $5
		WHERE click_id = (
			SELECT click_id
			FROM affiliate_clicks
			WHERE visitor_fid = $2
			  AND product_id = $3
			  AND converted = FALSE
			  AND expires_at >= $5
			ORDER BY last_clicked_at DESC
			LIMIT 1
			FOR UPDATE
		)
		RETURNING `+clickColumns,
		in.OrderID, in.VisitorFID, in.ProductID, in.CommissionAmount, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ConversionResult{}, nil
	}
	if err != nil {
		return domain.ConversionResult{}, err
	}

	r.enqueueOutbox(ctx, tx, traceID, event.RKConversionRecorded, event.ConversionRecordedPayload{
		ClickID:          c.ClickID,
		ReferrerFID:      c.ReferrerFID,
		OrderID:          in.OrderID,
		ProductID:        in.ProductID,
		CommissionAmount: in.CommissionAmount,
	}, now)

	if err := tx.Commit(ctx); err != nil {
		return domain.ConversionResult{}, err
	}
	return domain.ConversionResult{Click: c, Attributed: true}, nil
}

// ConfirmFulfillment returns the number of converted clicks on the order;
// fulfilled_at keeps its first value on repeat calls.
func (r *Repository) ConfirmFulfillment(ctx context.Context, traceID, orderID string, now time.Time) (int64, error) {
	return fulfillOrder(ctx, r.pool, orderID, now)
}

// DeferFulfillment runs under the same per-order lock as RecordConversion,
// so a conversion either sees the pending row or is fulfilled here.
func (r *Repository) DeferFulfillment(ctx context.Context, traceID, orderID string, now time.Time) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockOrderFulfillment(ctx, tx, orderID); err != nil {
		return 0, err
	}

	n, err := fulfillOrder(ctx, tx, orderID, now)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO pending_fulfillments (order_id, fulfilled_at)
			VALUES ($1, $2)
			ON CONFLICT (order_id) DO NOTHING
		`, orderID, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func fulfillOrder(ctx context.Context, db execer, orderID string, now time.Time) (int64, error) {
	tag, err := db.Exec(ctx, `
		UPDATE affiliate_clicks
		SET fulfilled_at = COALESCE(fulfilled_at, $2),
		    updated_at = CASE WHEN fulfilled_at IS NULL THEN $2 ELSE updated_at END
		WHERE order_id = $1
		  AND converted = TRUE
	`, orderID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func lockOrderFulfillment(ctx context.Context, tx pgx.Tx, orderID string) error {
	_, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('fulfillment:' || $1::text, 0))`, orderID)
	return err
}

func (r *Repository) SettleDue(ctx context.Context, traceID string, now time.Time, settlementDelay time.Duration) ([]domain.SettledCommission, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE affiliate_clicks
		SET settled_at = $1,
		    updated_at = $1
		WHERE converted = TRUE
		  AND settled_at IS NULL
		  AND fulfilled_at IS NOT NULL
		  AND fulfilled_at <= $2
		RETURNING click_id, referrer_fid, order_id, COALESCE(commission_amount, 0)::float8
	`, now, now.Add(-settlementDelay))
	if err != nil {
		return nil, err
	}

	var out []domain.SettledCommission
	for rows.Next() {
		sc := domain.SettledCommission{SettledAt: now}
		if err := rows.Scan(&sc.ClickID, &sc.ReferrerFID, &sc.OrderID, &sc.CommissionAmount); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sc := range out {
		r.enqueueOutbox(ctx, tx, traceID, event.RKCommissionSettled, event.CommissionSettledPayload{
			ClickID:          sc.ClickID,
			ReferrerFID:      sc.ReferrerFID,
			OrderID:          sc.OrderID,
			CommissionAmount: sc.CommissionAmount,
			SettledAt:        sc.SettledAt,
		}, now)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
