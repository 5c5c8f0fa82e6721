package event

import "time"

const (
	EnvelopeVersion = 1
	Producer        = "affiliate-service"
)

// DomainEventEnvelope is the canonical envelope consumed across services.
// NOTE: message_id is optional for backward compatibility.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// ---- inbound (order service) ----

// OrderCreatedPayload: extra producer fields are ignored by json.Unmarshal.
type OrderCreatedPayload struct {
	OrderID  string             `json:"order_id"`
	BuyerFID string             `json:"buyer_fid"`
	Items    []OrderItemPayload `json:"items"`
}

type OrderItemPayload struct {
	ProductID        string   `json:"product_id"`
	CommissionAmount *float64 `json:"commission_amount,omitempty"` // nil: item not affiliate-eligible
}

type OrderFulfilledPayload struct {
	OrderID string `json:"order_id"`
}

// ---- outbound (affiliate.*) ----

const (
	RKClickTracked       = "affiliate.click_tracked"
	RKClicksLinked       = "affiliate.clicks_linked"
	RKConversionRecorded = "affiliate.conversion_recorded"
	RKCommissionSettled  = "affiliate.commission_settled"
	RKOrderCreated       = "order.created"
	RKOrderFulfilled     = "order.fulfilled"
)

type ClickTrackedPayload struct {
	ClickID     string    `json:"click_id"`
	ReferrerFID string    `json:"referrer_fid"`
	ProductID   string    `json:"product_id"`
	VisitorFID  *string   `json:"visitor_fid,omitempty"`
	Created     bool      `json:"created"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type ClicksLinkedPayload struct {
	VisitorFID string `json:"visitor_fid"`
	Linked     int64  `json:"linked"`
}

type ConversionRecordedPayload struct {
	ClickID          string  `json:"click_id"`
	ReferrerFID      string  `json:"referrer_fid"`
	OrderID          string  `json:"order_id"`
	ProductID        string  `json:"product_id"`
	CommissionAmount float64 `json:"commission_amount"`
}

type CommissionSettledPayload struct {
	ClickID          string    `json:"click_id"`
	ReferrerFID      string    `json:"referrer_fid"`
	OrderID          string    `json:"order_id"`
	CommissionAmount float64   `json:"commission_amount"`
	SettledAt        time.Time `json:"settled_at"`
}
