package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/config"
	apperrors "github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

// handleStartDelivering fans the batch's processed requests out onto the
// delivery queue.
func (e *Engine) handleStartDelivering(ctx context.Context, batch *types.Batch) error {
	switch batch.State {
	case types.BatchReadyToDeliver:
		if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchDelivering, nil); err != nil {
			return err
		}
	case types.BatchDelivering:
		// Crash between transition and fan-out; enqueues are deduplicated.
	default:
		return nil
	}
	return e.fanOutDeliveries(ctx, batch.ID)
}

func (e *Engine) fanOutDeliveries(ctx context.Context, batchID uuid.UUID) error {
	ids, err := e.store.ListRequestIDsInState(ctx, batchID, types.RequestOpenAIProcessed)
	if err != nil {
		return err
	}
	for _, id := range ids {
		err := e.queue.Enqueue(ctx, KindDeliver, requestArgs{RequestID: id}, jobs.Options{
			Queue:       jobs.QueueDelivery,
			UniqueKey:   "deliver:" + id.String(),
			Tag:         batchTag(batchID),
			MaxAttempts: config.DeliveryMaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("enqueue delivery: %w", err)
		}
	}
	e.logger.Info("deliveries enqueued",
		zap.String("batch_id", batchID.String()),
		zap.Int("count", len(ids)))

	if len(ids) == 0 {
		// Nothing deliverable; finalize straight away.
		return e.enqueueBatchJob(ctx, KindCheckDeliveryCompletion, batchID, jobs.Options{})
	}
	return nil
}

// handleDeliver runs one delivery attempt through the delivery worker.
func (e *Engine) handleDeliver(ctx context.Context, job *jobs.Job) error {
	var args requestArgs
	if err := job.UnmarshalArgs(&args); err != nil {
		return fmt.Errorf("decode deliver args: %w", err)
	}
	if e.deliverer == nil {
		return fmt.Errorf("no delivery worker attached")
	}
	return e.deliverer.Deliver(ctx, args.RequestID, job.Attempt >= job.MaxAttempts)
}

// handleCheckDeliveryCompletion finalizes a delivering batch once every
// request is terminal. Anything that is not delivered counts against the
// batch as failed.
func (e *Engine) handleCheckDeliveryCompletion(ctx context.Context, batch *types.Batch) error {
	if batch.State != types.BatchDelivering {
		return nil
	}

	counts, err := e.store.CountRequestsByState(ctx, batch.ID)
	if err != nil {
		return err
	}

	total, delivered := 0, 0
	for state, n := range counts {
		if n > 0 && !state.IsTerminal() {
			return nil // still in flight
		}
		total += n
		if state == types.RequestDelivered {
			delivered = n
		}
	}

	var final types.BatchState
	switch {
	case total == 0 || delivered == total:
		final = types.BatchDelivered
	case delivered == 0:
		final = types.BatchDeliveryFailed
	default:
		final = types.BatchPartiallyDelivered
	}

	if _, err := e.store.TransitionBatch(ctx, batch.ID, final, nil); err != nil {
		return err
	}
	e.logger.Info("batch finalized",
		zap.String("batch_id", batch.ID.String()),
		zap.String("state", string(final)),
		zap.Int("delivered", delivered),
		zap.Int("total", total))

	// The batch left its active state; its tokens no longer count against
	// the model's headroom.
	e.triggerDispatch(ctx, batch.Model)
	return nil
}

// Redeliver re-runs delivery for every delivery_failed request of a
// finished batch. Sinks must stay idempotent on custom_id; a request that
// was already delivered is never re-sent by this path.
func (e *Engine) Redeliver(ctx context.Context, batchID uuid.UUID) error {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	switch batch.State {
	case types.BatchDelivered, types.BatchPartiallyDelivered, types.BatchDeliveryFailed:
	default:
		return apperrors.ErrInvalidTransition("batch", string(batch.State), string(types.BatchDelivering))
	}

	rearmed, err := e.store.MarkRequestsState(ctx, batchID,
		[]types.RequestState{types.RequestDeliveryFailed}, types.RequestOpenAIProcessed)
	if err != nil {
		return err
	}
	if rearmed == 0 {
		return apperrors.NewError(apperrors.ErrCodeInvalidTransition, "no requests eligible for redelivery")
	}

	if _, err := e.store.TransitionBatch(ctx, batchID, types.BatchDelivering, nil); err != nil {
		return err
	}
	e.logger.Info("redelivery started",
		zap.String("batch_id", batchID.String()),
		zap.Int64("requests", rearmed))

	return e.fanOutDeliveries(ctx, batchID)
}
