package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

const amqpConfirmTimeout = 10 * time.Second

// AMQPSink publishes result lines to RabbitMQ with publisher confirms.
// The queue form of the delivery config publishes to the default exchange
// with the queue name as routing key; the exchange form publishes to the
// named exchange with the configured routing key.
//
// A nil sink reports rabbitmq_not_configured for every publish, so callers
// never have to special-case a deployment without a broker.
type AMQPSink struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	returns chan amqp.Return
	closed  chan *amqp.Error
}

func NewAMQPSink(url string, logger *zap.Logger) *AMQPSink {
	return &AMQPSink{url: url, logger: logger}
}

// Publish sends payload per cfg and classifies the outcome.
func (s *AMQPSink) Publish(ctx context.Context, cfg types.DeliveryConfig, payload []byte) (types.DeliveryOutcome, error) {
	if s == nil || s.url == "" {
		return types.DeliveryRabbitMQNotConfigured, errors.New("rabbitmq is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channel()
	if err != nil {
		return types.DeliveryConnectionError, fmt.Errorf("amqp connect: %w", err)
	}

	exchange, routingKey := "", cfg.Queue
	if cfg.Type == types.DeliveryTypeAMQPExchange {
		exchange, routingKey = cfg.Exchange, cfg.RoutingKey
	}

	// Mandatory publish: an unroutable message comes back as a basic.return
	// instead of being silently dropped.
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		s.reset()
		return types.DeliveryConnectionError, fmt.Errorf("amqp publish: %w", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, amqpConfirmTimeout)
	defer cancel()

	acked, err := dc.WaitContext(confirmCtx)
	if err != nil {
		s.reset()
		if errors.Is(err, context.DeadlineExceeded) {
			return types.DeliveryTimeout, errors.New("publish confirm timed out")
		}
		return types.DeliveryConnectionError, fmt.Errorf("publish confirm: %w", err)
	}

	if acked {
		// The broker sends basic.return before the ack for unroutable
		// mandatory publishes, so any return for this publish is here now.
		select {
		case ret := <-s.returns:
			if exchange == "" {
				return types.DeliveryQueueNotFound, fmt.Errorf("queue %q not found (%d: %s)", cfg.Queue, ret.ReplyCode, ret.ReplyText)
			}
			return types.DeliveryOtherError, fmt.Errorf("message unroutable (%d: %s)", ret.ReplyCode, ret.ReplyText)
		default:
			return types.DeliverySuccess, nil
		}
	}

	// Nacked, or the channel was torn down. Publishing to a missing
	// exchange closes the channel with a 404.
	s.reset()
	select {
	case cerr := <-s.closed:
		if cerr != nil && cerr.Code == amqp.NotFound {
			if exchange != "" {
				return types.DeliveryExchangeNotFound, fmt.Errorf("exchange %q not found", exchange)
			}
			return types.DeliveryQueueNotFound, fmt.Errorf("queue %q not found", cfg.Queue)
		}
		return types.DeliveryOtherError, fmt.Errorf("channel closed: %v", cerr)
	default:
		return types.DeliveryOtherError, errors.New("broker nacked publish")
	}
}

// Close releases the connection. Safe on a nil or never-connected sink.
func (s *AMQPSink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// channel returns a confirm-mode channel, dialing on first use and
// redialing after a teardown. Caller holds s.mu.
func (s *AMQPSink) channel() (*amqp.Channel, error) {
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	s.reset()

	conn, err := amqp.Dial(s.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}

	s.conn, s.ch = conn, ch
	s.returns = make(chan amqp.Return, 8)
	ch.NotifyReturn(s.returns)
	s.closed = make(chan *amqp.Error, 1)
	ch.NotifyClose(s.closed)

	s.logger.Info("amqp channel opened")
	return ch, nil
}

func (s *AMQPSink) reset() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.ch, s.conn = nil, nil
}
