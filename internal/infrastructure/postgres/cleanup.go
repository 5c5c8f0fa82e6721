package postgres

import (
	"context"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/logger"
)

const (
	processedMessagesRetention = 7 * 24 * time.Hour
	sentOutboxRetention        = 72 * time.Hour
	// an order converting a month after its fulfillment is not expected
	pendingFulfillmentRetention = 30 * 24 * time.Hour
)

type PruneResult struct {
	ProcessedMessages   int64
	SentOutbox          int64
	PendingFulfillments int64
}

// StartHousekeeping periodically prunes processed_messages markers, sent
// outbox rows and stale pending fulfillments so the tables stay bounded.
// Dead outbox rows are kept for inspection.
func (r *Repository) StartHousekeeping(ctx context.Context, interval time.Duration) {
	go func() {
		log := logger.Logger.With().Str("component", "housekeeping").Logger()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.cleanupOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				r.cleanupOnce(ctx)
			}
		}
	}()
}

func (r *Repository) cleanupOnce(ctx context.Context) {
	log := logger.Logger.With().Str("component", "housekeeping").Logger()

	res, err := r.Prune(ctx, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("cleanup failed")
		return
	}
	if res.ProcessedMessages+res.SentOutbox+res.PendingFulfillments > 0 {
		log.Info().
			Int64("processed_messages", res.ProcessedMessages).
			Int64("sent_outbox", res.SentOutbox).
			Int64("pending_fulfillments", res.PendingFulfillments).
			Msg("cleaned up")
	}
}

// Prune deletes rows past their retention, measured back from now.
func (r *Repository) Prune(ctx context.Context, now time.Time) (PruneResult, error) {
	var res PruneResult

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM processed_messages WHERE processed_at < $1`,
		now.Add(-processedMessagesRetention))
	if err != nil {
		return res, err
	}
	res.ProcessedMessages = tag.RowsAffected()

	tag, err = r.pool.Exec(ctx,
		`DELETE FROM outbox WHERE status = 'sent' AND occurred_at < $1`,
		now.Add(-sentOutboxRetention))
	if err != nil {
		return res, err
	}
	res.SentOutbox = tag.RowsAffected()

	tag, err = r.pool.Exec(ctx,
		`DELETE FROM pending_fulfillments WHERE fulfilled_at < $1`,
		now.Add(-pendingFulfillmentRetention))
	if err != nil {
		return res, err
	}
	res.PendingFulfillments = tag.RowsAffected()
	return res, nil
}
