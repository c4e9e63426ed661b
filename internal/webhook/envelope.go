package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider event types this service understands.
const (
	EventTypeOrderCompleted = "order.completed"
	EventTypePromoGranted   = "promo.granted"
	EventTypeOrderRefunded  = "order.refunded"
)

// Envelope is the provider's outer event frame.
type Envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// ParseEnvelope decodes the raw body and requires an event id.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return Envelope{}, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}
	return envelope, nil
}

// Event is the decoded, typed form of a provider event.
type Event interface {
	isEvent()
}

// OrderCompleted credits paid points for a finished purchase.
type OrderCompleted struct {
	OrderID        string `json:"order_id"`
	UserID         string `json:"uid"`
	ProductID      string `json:"product_id"`
	ProductVersion string `json:"product_version"`
	Points         int64  `json:"points"`
	CustomerID     string `json:"customer_id"`
	IPAddress      string `json:"ip"`
}

func (OrderCompleted) isEvent() {}

// PromoGranted credits an expiring promotional lot.
type PromoGranted struct {
	UserID           string `json:"uid"`
	Points           int64  `json:"points"`
	ExpiresAtUnixUTC int64  `json:"expires_at"`
	CampaignID       string `json:"campaign_id"`
}

func (PromoGranted) isEvent() {}

// OrderRefunded debits paid points previously credited for an order.
type OrderRefunded struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"uid"`
	Points  int64  `json:"points"`
}

func (OrderRefunded) isEvent() {}

// UnknownEvent is any event type this service does not handle. It is
// logged and ignored, never an error.
type UnknownEvent struct {
	EventType string
}

func (UnknownEvent) isEvent() {}

// DecodeEvent maps an envelope onto its typed event.
func DecodeEvent(envelope Envelope) (Event, error) {
	switch envelope.EventType {
	case EventTypeOrderCompleted:
		var event OrderCompleted
		if err := json.Unmarshal(envelope.Data, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return event, nil
	case EventTypePromoGranted:
		var event PromoGranted
		if err := json.Unmarshal(envelope.Data, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return event, nil
	case EventTypeOrderRefunded:
		var event OrderRefunded
		if err := json.Unmarshal(envelope.Data, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return event, nil
	}
	return UnknownEvent{EventType: envelope.EventType}, nil
}
