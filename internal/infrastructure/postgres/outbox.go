package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/contracts/event"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// newEnvelope wraps an outbound payload in the shared envelope.
func newEnvelope[T any](messageID uuid.UUID, traceID string, occurredAt time.Time, payload T) event.DomainEventEnvelope[T] {
	return event.DomainEventEnvelope[T]{
		Version:    event.EnvelopeVersion,
		Producer:   event.Producer,
		TraceID:    traceID,
		MessageID:  messageID.String(),
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	}
}

// enqueueOutbox writes one outbox row under a savepoint. A failed insert is
// logged and rolled back to the savepoint so the click write still commits.
func (r *Repository) enqueueOutbox(ctx context.Context, tx pgx.Tx, traceID, routingKey string, payload any, now time.Time) {
	log := logger.WithCtx(ctx).With().
		Str("component", "outbox").
		Str("routing_key", routingKey).
		Logger()

	messageID := uuid.New()
	body, err := json.Marshal(newEnvelope(messageID, traceID, now, payload))
	if err != nil {
		log.Warn().Err(err).Msg("outbox payload marshal failed; event skipped")
		return
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("outbox savepoint failed; event skipped")
		return
	}
	if _, err := sp.Exec(ctx, `
		INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
	`, messageID, traceID, routingKey, body, now); err != nil {
		_ = sp.Rollback(ctx)
		log.Warn().Err(err).Msg("outbox insert failed; event skipped")
		return
	}
	if err := sp.Commit(ctx); err != nil {
		log.Warn().Err(err).Msg("outbox savepoint release failed")
	}
}
