package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publishing of affiliate.* events written next to click and commission
// state changes.
const (
	publishBatchSize   = 20
	publishMaxAttempts = 12
	publishPollEvery   = 500 * time.Millisecond
	publishAckTimeout  = 600 * time.Millisecond
	// claimed rows are hidden from other workers for this long
	claimLease = 15 * time.Second

	retryFloor   = 5 * time.Second
	retryCeiling = 30 * time.Minute

	publisherAppID = "affiliate-service"
)

type affiliateEvent struct {
	ID         uuid.UUID
	MessageID  uuid.UUID
	TraceID    string
	RoutingKey string
	Payload    []byte
	Attempt    int
}

// retryDelay doubles from retryFloor per attempt up to retryCeiling, +/-10% jitter.
func retryDelay(attempt int) time.Duration {
	d := retryFloor
	for i := 3; i < attempt && d < retryCeiling; i++ {
		d *= 2
	}
	if d > retryCeiling {
		d = retryCeiling
	}
	return d + time.Duration(rand.Int63n(int64(d/5))) - d/10
}

// StartOutboxWorker drains affiliate events from the outbox table to the
// topic exchange until ctx is canceled. Each event waits for a broker ack;
// an unroutable (returned) event counts as a failed attempt.
func (r *Repository) StartOutboxWorker(ctx context.Context, rabbitURL, exchange string) {
	go func() {
		log := logger.Logger.With().Str("component", "affiliate_event_publisher").Logger()

		conn, err := amqp.Dial(rabbitURL)
		if err != nil {
			log.Error().Err(err).Msg("rabbitmq dial failed; affiliate events stay queued")
			return
		}
		defer conn.Close()

		ch, err := conn.Channel()
		if err != nil {
			log.Error().Err(err).Msg("rabbitmq channel open failed")
			return
		}
		defer ch.Close()

		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			log.Error().Err(err).Str("exchange", exchange).Msg("exchange declare failed")
			return
		}
		if err := ch.Confirm(false); err != nil {
			log.Error().Err(err).Msg("confirm mode failed")
			return
		}
		acks := ch.NotifyPublish(make(chan amqp.Confirmation, 100))
		returns := ch.NotifyReturn(make(chan amqp.Return, 100))

		ticker := time.NewTicker(publishPollEvery)
		defer ticker.Stop()

		var lastErr string
		var lastAt time.Time

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				err := r.publishDueEvents(ctx, ch, exchange, acks, returns)
				if err == nil {
					lastErr = ""
					continue
				}
				// same error repeats every tick while postgres is down
				if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
					log.Warn().Err(err).Msg("publish round failed")
					lastErr = err.Error()
					lastAt = time.Now()
				}
			}
		}
	}()
}

// claimDueEvents locks a batch with SKIP LOCKED, pushes its next_retry_at
// out by claimLease and commits before anything goes over the wire.
func (r *Repository) claimDueEvents(ctx context.Context) ([]affiliateEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, message_id, trace_id, routing_key, payload, attempt
		FROM outbox
		WHERE status = 'pending'
		  AND next_retry_at <= NOW()
		ORDER BY next_retry_at ASC, occurred_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, publishBatchSize)
	if err != nil {
		return nil, err
	}

	var due []affiliateEvent
	for rows.Next() {
		var ev affiliateEvent
		if err := rows.Scan(&ev.ID, &ev.MessageID, &ev.TraceID, &ev.RoutingKey, &ev.Payload, &ev.Attempt); err == nil {
			due = append(due, ev)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, 0, len(due))
	for _, ev := range due {
		ids = append(ids, ev.ID)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE outbox
		SET next_retry_at = NOW() + make_interval(secs => $2)
		WHERE id = ANY($1)
	`, ids, claimLease.Seconds()); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return due, nil
}

func (r *Repository) publishDueEvents(
	ctx context.Context,
	ch *amqp.Channel,
	exchange string,
	acks <-chan amqp.Confirmation,
	returns <-chan amqp.Return,
) error {
	due, err := r.claimDueEvents(ctx)
	if err != nil {
		return err
	}

	for _, ev := range due {
		if err := publishAndAwaitAck(ctx, ch, exchange, acks, returns, ev); err != nil {
			r.scheduleRetry(ctx, ev, err.Error())
			continue
		}
		r.markPublished(ctx, ev)
	}
	return nil
}

// publishAndAwaitAck sends one event as mandatory and waits for its ack.
// A basic.return for the same publish arrives before the ack.
func publishAndAwaitAck(
	ctx context.Context,
	ch *amqp.Channel,
	exchange string,
	acks <-chan amqp.Confirmation,
	returns <-chan amqp.Return,
	ev affiliateEvent,
) error {
	// leftovers from a previous event that timed out
	for drained := false; !drained; {
		select {
		case <-returns:
		case <-acks:
		default:
			drained = true
		}
	}

	pub := amqp.Publishing{
		ContentType:   "application/json",
		Body:          ev.Payload,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     ev.MessageID.String(),
		CorrelationId: ev.TraceID,
		AppId:         publisherAppID,
	}
	if err := ch.PublishWithContext(ctx, exchange, ev.RoutingKey, true, false, pub); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	var returned *amqp.Return
	timeout := time.After(publishAckTimeout)
	for {
		select {
		case ret := <-returns:
			returned = &ret
		case conf := <-acks:
			switch {
			case returned != nil:
				return fmt.Errorf("unroutable: code=%d text=%s rk=%s",
					returned.ReplyCode, returned.ReplyText, returned.RoutingKey)
			case !conf.Ack:
				return fmt.Errorf("nack: delivery_tag=%d", conf.DeliveryTag)
			}
			return nil
		case <-timeout:
			if returned != nil {
				return fmt.Errorf("unroutable: code=%d text=%s rk=%s",
					returned.ReplyCode, returned.ReplyText, returned.RoutingKey)
			}
			return errors.New("no broker ack before timeout")
		}
	}
}

func (r *Repository) markPublished(ctx context.Context, ev affiliateEvent) {
	_, _ = r.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'sent',
		    last_error = NULL
		WHERE id = $1
	`, ev.ID)

	if r.audit != nil {
		r.audit.AffiliateEventPublished(ctx, ev.MessageID.String(), ev.RoutingKey)
	}
	logger.Logger.Info().
		Str("component", "affiliate_event_publisher").
		Str("outbox_id", ev.ID.String()).
		Str("message_id", ev.MessageID.String()).
		Str("routing_key", ev.RoutingKey).
		Msg("affiliate event published")
}

// scheduleRetry bumps the attempt counter; the row goes dead once
// publishMaxAttempts is reached and stays until an operator replays it.
func (r *Repository) scheduleRetry(ctx context.Context, ev affiliateEvent, reason string) {
	log := logger.Logger.With().
		Str("component", "affiliate_event_publisher").
		Str("outbox_id", ev.ID.String()).
		Str("message_id", ev.MessageID.String()).
		Str("routing_key", ev.RoutingKey).
		Logger()

	attempt := ev.Attempt + 1
	if attempt >= publishMaxAttempts {
		_, _ = r.pool.Exec(ctx, `
			UPDATE outbox
			SET status = 'dead',
			    attempt = $2,
			    last_error = $3
			WHERE id = $1
		`, ev.ID, attempt, reason)

		if r.audit != nil {
			r.audit.AffiliateEventDead(ctx, ev.MessageID.String(), ev.RoutingKey, attempt)
		}
		log.Error().Int("attempt", attempt).Str("reason", reason).Msg("affiliate event dead")
		return
	}

	delay := retryDelay(attempt)
	_, _ = r.pool.Exec(ctx, `
		UPDATE outbox
		SET attempt = $2,
		    next_retry_at = NOW() + make_interval(secs => $3),
		    last_error = $4
		WHERE id = $1
	`, ev.ID, attempt, delay.Seconds(), reason)

	log.Warn().
		Int("attempt", attempt).
		Dur("retry_in", delay).
		Str("reason", reason).
		Msg("affiliate event publish failed; retry scheduled")
}
