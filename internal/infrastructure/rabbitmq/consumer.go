package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/contracts/event"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
	appCtx "github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/context"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	supportedVersion = 1

	queueName   = "affiliate-service.orders"
	handlerName = "order_attribution"
)

// AttributionService is the part of the affiliate service driven by order events.
type AttributionService interface {
	RecordConversion(ctx context.Context, traceID string, in domain.ConversionInput) (domain.ConversionResult, error)
	ConfirmFulfillment(ctx context.Context, traceID, orderID string) (int64, error)
	DeferFulfillment(ctx context.Context, traceID, orderID string) (int64, error)
}

// Inbox dedupes deliveries by message id.
type Inbox interface {
	ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(ctx context.Context) error) (bool, error)
}

type Consumer struct {
	rabbitURL string
	exchange  string
	svc       AttributionService
	inbox     Inbox
}

// NewConsumer: inbox may be nil (memory store); deliveries are then
// processed without dedupe and rely on service idempotency.
func NewConsumer(rabbitURL, exchange string, svc AttributionService, inbox Inbox) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		svc:       svc,
		inbox:     inbox,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()

	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	// Ensure exchange exists (idempotent)
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	for _, rk := range []string{event.RKOrderCreated, event.RKOrderFulfilled} {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return err
		}
	}

	if err := ch.Qos(10, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	deliveries, err := ch.Consume(q.Name, "affiliate-service", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	go func() {
		defer func() {
			_ = ch.Close()
			_ = conn.Close()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn().Msg("delivery channel closed")
					return
				}

				if err := c.handleDelivery(ctx, d); err != nil {
					_ = d.Nack(false, true) // transient => requeue
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	log.Info().Str("queue", q.Name).Msg("consumer started")
	return nil
}

// messageID: prefer envelope.message_id, then AMQP MessageId, else hash fallback
func messageID(envID string, d amqp.Delivery) string {
	if id := strings.TrimSpace(envID); id != "" {
		return id
	}
	if id := strings.TrimSpace(d.MessageId); id != "" {
		return id
	}
	h := sha256.Sum256(append([]byte(d.RoutingKey+"\n"), d.Body...))
	return "hash:" + hex.EncodeToString(h[:])
}

// handleDelivery returns nil for processed, duplicate and poison messages;
// a non-nil error means requeue.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", d.RoutingKey).
		Logger()

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(d.Body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		return nil // poison => drop
	}

	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		return nil
	}

	msgID := messageID(env.MessageID, d)
	traceID := strings.TrimSpace(env.TraceID)
	if traceID == "" {
		traceID = msgID
	}

	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", traceID).
		Logger()

	ctx = appCtx.WithRequestID(ctx, traceID)

	if c.inbox == nil {
		return applyOrderEvent(ctx, c.svc, d.RoutingKey, env.Payload, traceID, log)
	}

	processed, err := c.inbox.ProcessOnce(ctx, msgID, handlerName, func(ctx context.Context) error {
		return applyOrderEvent(ctx, c.svc, d.RoutingKey, env.Payload, traceID, log)
	})
	if err != nil {
		log.Error().Err(err).Msg("processing failed (requeue)")
		return err
	}
	if !processed {
		log.Info().Msg("duplicate delivery ignored")
	}
	return nil
}

func applyOrderEvent(ctx context.Context, svc AttributionService, routingKey string, raw json.RawMessage, traceID string, log zerolog.Logger) error {
	switch routingKey {
	case event.RKOrderCreated:
		var p event.OrderCreatedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn().Err(err).Msg("invalid payload json; dropping")
			return nil
		}
		orderID := strings.TrimSpace(p.OrderID)
		buyer := strings.TrimSpace(p.BuyerFID)
		if orderID == "" || buyer == "" {
			// guest checkout without an FID can't be attributed
			log.Debug().Msg("order without order_id/buyer_fid; skipping")
			return nil
		}

		for _, item := range p.Items {
			if item.CommissionAmount == nil || strings.TrimSpace(item.ProductID) == "" {
				continue
			}
			res, err := svc.RecordConversion(ctx, traceID, domain.ConversionInput{
				OrderID:          orderID,
				VisitorFID:       buyer,
				ProductID:        item.ProductID,
				CommissionAmount: *item.CommissionAmount,
			})
			if err != nil {
				if domain.IsKind(err, domain.KindValidation) {
					log.Warn().Err(err).Str("product_id", item.ProductID).Msg("invalid order item; skipping")
					continue
				}
				return err
			}
			conversionsTotal.WithLabelValues(conversionOutcome(res.Attributed, res.Duplicate)).Inc()
			if res.Attributed && !res.Duplicate {
				log.Info().
					Str("order_id", orderID).
					Str("product_id", item.ProductID).
					Str("click_id", res.Click.ClickID).
					Msg("conversion attributed")
			}
		}
		return nil

	case event.RKOrderFulfilled:
		var p event.OrderFulfilledPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn().Err(err).Msg("invalid payload json; dropping")
			return nil
		}
		orderID := strings.TrimSpace(p.OrderID)
		if orderID == "" {
			log.Warn().Msg("missing order_id; dropping")
			return nil
		}

		_, err := svc.ConfirmFulfillment(ctx, traceID, orderID)
		if domain.IsKind(err, domain.KindNotFound) {
			// Either the order carries no affiliate conversion or its
			// order.created is still in flight (requeued, reordered).
			// Keep the fulfillment for a later conversion.
			if _, err := svc.DeferFulfillment(ctx, traceID, orderID); err != nil {
				return err
			}
			log.Debug().Str("order_id", orderID).Msg("fulfillment deferred until conversion")
			return nil
		}
		return err

	default:
		log.Warn().Msg("unknown routing key; ignoring")
		return nil
	}
}
