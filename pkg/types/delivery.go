package types

import (
	"encoding/json"
	"fmt"
)

// DeliveryType discriminates the delivery_config variants.
type DeliveryType string

const (
	DeliveryTypeWebhook      DeliveryType = "webhook"
	DeliveryTypeAMQPQueue    DeliveryType = "amqp_queue"
	DeliveryTypeAMQPExchange DeliveryType = "amqp_exchange"
)

// DeliveryConfig is the tagged union describing where a request's result is
// delivered. Exactly one variant shape is valid:
//
//	{"type": "webhook",       "url": "https://..."}
//	{"type": "amqp_queue",    "queue": "results"}
//	{"type": "amqp_exchange", "exchange": "ex", "routing_key": "rk"}
type DeliveryConfig struct {
	Type       DeliveryType `json:"type"`
	URL        string       `json:"url,omitempty"`
	Queue      string       `json:"queue,omitempty"`
	Exchange   string       `json:"exchange,omitempty"`
	RoutingKey string       `json:"routing_key,omitempty"`
}

// Validate enforces field presence per variant.
func (c DeliveryConfig) Validate() error {
	switch c.Type {
	case DeliveryTypeWebhook:
		if c.URL == "" {
			return fmt.Errorf("delivery_config: webhook requires url")
		}
		if c.Queue != "" || c.Exchange != "" || c.RoutingKey != "" {
			return fmt.Errorf("delivery_config: webhook accepts only url")
		}
	case DeliveryTypeAMQPQueue:
		if c.Queue == "" {
			return fmt.Errorf("delivery_config: amqp_queue requires queue")
		}
		if c.URL != "" || c.Exchange != "" || c.RoutingKey != "" {
			return fmt.Errorf("delivery_config: amqp_queue accepts only queue")
		}
	case DeliveryTypeAMQPExchange:
		if c.Exchange == "" || c.RoutingKey == "" {
			return fmt.Errorf("delivery_config: amqp_exchange requires exchange and routing_key")
		}
		if c.URL != "" || c.Queue != "" {
			return fmt.Errorf("delivery_config: amqp_exchange accepts only exchange and routing_key")
		}
	case "":
		return fmt.Errorf("delivery_config: type is required")
	default:
		return fmt.Errorf("delivery_config: unknown type %q", c.Type)
	}
	return nil
}

// Value returns the JSON encoding used for the jsonb column and for
// delivery-attempt snapshots.
func (c DeliveryConfig) Value() (json.RawMessage, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return b, nil
}
