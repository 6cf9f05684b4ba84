package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/metrics"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/store"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

// Store is the persistence surface the worker needs.
type Store interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*types.Request, error)
	TransitionRequest(ctx context.Context, id uuid.UUID, to types.RequestState, upd *store.RequestUpdate) (*types.Request, error)
	InsertDeliveryAttempt(ctx context.Context, a *types.RequestDeliveryAttempt) error
	CountRequestsByState(ctx context.Context, batchID uuid.UUID) (map[types.RequestState]int, error)
}

// Notifier is told when the last request of a batch reaches a terminal
// state, so batch finalization runs without waiting for the periodic sweep.
type Notifier interface {
	DeliveryCompleted(ctx context.Context, batchID uuid.UUID) error
}

// Worker delivers one request's result line to its configured sink and
// records the attempt. It is invoked from the delivery job queue.
type Worker struct {
	store    Store
	webhook  *WebhookSink
	amqp     *AMQPSink
	notifier Notifier
	logger   *zap.Logger
}

func NewWorker(st Store, webhook *WebhookSink, amqpSink *AMQPSink, notifier Notifier, logger *zap.Logger) *Worker {
	return &Worker{
		store:    st,
		webhook:  webhook,
		amqp:     amqpSink,
		notifier: notifier,
		logger:   logger,
	}
}

// Deliver runs one delivery attempt for the request. finalAttempt tells the
// worker this is the job queue's last try, so a failure must terminalize
// the request instead of handing it back for a retry.
//
// Every failed attempt lands in delivery_failed; the next attempt re-arms
// the request through the retry edge back to openai_processed. Delivery
// failures never touch Request.error_msg, the audit trail lives on
// RequestDeliveryAttempt rows.
func (w *Worker) Deliver(ctx context.Context, requestID uuid.UUID, finalAttempt bool) error {
	req, err := w.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	switch req.State {
	case types.RequestOpenAIProcessed:
		if req.ResponsePayload == nil {
			return fmt.Errorf("request %s is openai_processed with no response payload", req.ID)
		}
		if req, err = w.store.TransitionRequest(ctx, requestID, types.RequestDelivering, nil); err != nil {
			return err
		}
	case types.RequestDelivering:
		// A previous attempt crashed mid-flight; resume.
	case types.RequestDeliveryFailed:
		// A previous attempt failed; re-arm through the retry edge.
		if _, err = w.store.TransitionRequest(ctx, requestID, types.RequestOpenAIProcessed, nil); err != nil {
			return err
		}
		if req, err = w.store.TransitionRequest(ctx, requestID, types.RequestDelivering, nil); err != nil {
			return err
		}
	default:
		w.logger.Info("skipping delivery, request not deliverable",
			zap.String("request_id", req.ID.String()),
			zap.String("state", string(req.State)))
		return nil
	}

	outcome, derr := w.dispatch(ctx, req)
	metrics.Deliveries.WithLabelValues(string(outcome)).Inc()

	attempt := &types.RequestDeliveryAttempt{
		RequestID:              req.ID,
		Outcome:                outcome,
		DeliveryConfigSnapshot: req.DeliveryConfig,
	}
	if derr != nil {
		msg := derr.Error()
		attempt.ErrorMsg = &msg
	}
	if err := w.store.InsertDeliveryAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}

	if outcome == types.DeliverySuccess {
		if _, err := w.store.TransitionRequest(ctx, requestID, types.RequestDelivered, &store.RequestUpdate{IncDeliveryAttempts: true}); err != nil {
			return err
		}
		w.logger.Info("request delivered",
			zap.String("request_id", req.ID.String()),
			zap.String("delivery_type", string(req.DeliveryConfig.Type)))
		return w.maybeNotify(ctx, req.BatchID)
	}

	if _, err := w.store.TransitionRequest(ctx, requestID, types.RequestDeliveryFailed, &store.RequestUpdate{IncDeliveryAttempts: true}); err != nil {
		return err
	}

	if finalAttempt {
		w.logger.Warn("request delivery failed permanently",
			zap.String("request_id", req.ID.String()),
			zap.String("outcome", string(outcome)),
			zap.Error(derr))
		return w.maybeNotify(ctx, req.BatchID)
	}

	return fmt.Errorf("delivery attempt failed (%s): %w", outcome, derr)
}

func (w *Worker) dispatch(ctx context.Context, req *types.Request) (types.DeliveryOutcome, error) {
	if err := req.DeliveryConfig.Validate(); err != nil {
		return types.DeliveryOtherError, err
	}
	payload := []byte(req.ResponsePayload)
	switch req.DeliveryConfig.Type {
	case types.DeliveryTypeWebhook:
		return w.webhook.Deliver(ctx, req.DeliveryConfig.URL, payload)
	case types.DeliveryTypeAMQPQueue, types.DeliveryTypeAMQPExchange:
		return w.amqp.Publish(ctx, req.DeliveryConfig, payload)
	default:
		return types.DeliveryOtherError, fmt.Errorf("unknown delivery type %q", req.DeliveryConfig.Type)
	}
}

// maybeNotify checks whether every request of the batch is terminal and,
// if so, asks for the batch-level completion check.
func (w *Worker) maybeNotify(ctx context.Context, batchID uuid.UUID) error {
	counts, err := w.store.CountRequestsByState(ctx, batchID)
	if err != nil {
		return err
	}
	for state, n := range counts {
		if n > 0 && !state.IsTerminal() {
			return nil
		}
	}
	return w.notifier.DeliveryCompleted(ctx, batchID)
}
