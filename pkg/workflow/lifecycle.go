package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/config"
	apperrors "github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

// nonTerminalRequestStates are the request states cancel sweeps over.
var nonTerminalRequestStates = []types.RequestState{
	types.RequestPending,
	types.RequestOpenAIProcessing,
	types.RequestOpenAIProcessed,
	types.RequestDelivering,
}

// CancelBatch aborts a non-terminal batch: cancels the provider-side job if
// one is running, drops the batch's queued work and terminalizes its
// requests. A provider that no longer knows the batch counts as cancelled;
// any other provider error aborts so the batch is not left half-cancelled.
func (e *Engine) CancelBatch(ctx context.Context, batchID uuid.UUID) error {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.State.IsTerminal() {
		return apperrors.ErrInvalidTransition("batch", string(batch.State), string(types.BatchCancelled))
	}

	if batch.State == types.BatchOpenAIProcessing && batch.ProviderBatchID != nil {
		if err := e.provider.CancelBatch(ctx, *batch.ProviderBatchID); err != nil && !apperrors.IsNotFound(err) {
			return fmt.Errorf("cancel provider batch: %w", err)
		}
	}

	if _, err := e.store.TransitionBatch(ctx, batchID, types.BatchCancelled, nil); err != nil {
		return err
	}
	if err := e.queue.CancelByTag(ctx, batchTag(batchID)); err != nil {
		e.logger.Warn("cancelling queued jobs failed",
			zap.String("batch_id", batchID.String()), zap.Error(err))
	}
	if _, err := e.store.MarkRequestsState(ctx, batchID, nonTerminalRequestStates, types.RequestCancelled); err != nil {
		return err
	}

	e.logger.Info("batch cancelled", zap.String("batch_id", batchID.String()))
	e.triggerDispatch(ctx, batch.Model)
	return nil
}

// DestroyBatch removes a batch and everything it owns: cancel if still in
// flight, best-effort delete the provider files, then drop the row.
func (e *Engine) DestroyBatch(ctx context.Context, batchID uuid.UUID) error {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if !batch.State.IsTerminal() && batch.State != types.BatchBuilding {
		if err := e.CancelBatch(ctx, batchID); err != nil {
			return err
		}
	}

	for _, fileID := range []*string{batch.ProviderInputFileID, batch.ProviderOutputFileID, batch.ProviderErrorFileID} {
		if fileID == nil {
			continue
		}
		if err := e.provider.DeleteFile(ctx, *fileID); err != nil && !apperrors.IsNotFound(err) {
			e.logger.Warn("provider file delete failed",
				zap.String("batch_id", batchID.String()),
				zap.String("file_id", *fileID), zap.Error(err))
		}
	}

	if err := e.queue.CancelByTag(ctx, batchTag(batchID)); err != nil {
		e.logger.Warn("cancelling queued jobs failed",
			zap.String("batch_id", batchID.String()), zap.Error(err))
	}
	if err := e.store.DeleteBatch(ctx, batchID); err != nil {
		return err
	}

	e.logger.Info("batch destroyed", zap.String("batch_id", batchID.String()))
	return nil
}

// ExpireStaleBuilding sweeps building batches older than the stale age:
// empty ones are destroyed, the rest are promoted into the upload path.
func (e *Engine) ExpireStaleBuilding(ctx context.Context) error {
	cutoff := time.Now().Add(-config.BuildingBatchStaleAge)
	stale, err := e.store.ListStaleBuildingBatches(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale building batches: %w", err)
	}

	for _, b := range stale {
		if b.RequestCount == 0 {
			if err := e.DestroyBatch(ctx, b.ID); err != nil {
				e.logger.Error("destroying empty stale batch failed",
					zap.String("batch_id", b.ID.String()), zap.Error(err))
			}
			continue
		}
		if err := e.StartUpload(ctx, b.ID); err != nil {
			e.logger.Error("promoting stale batch failed",
				zap.String("batch_id", b.ID.String()), zap.Error(err))
		}
	}

	if len(stale) > 0 {
		e.logger.Info("stale building sweep done", zap.Int("batches", len(stale)))
	}
	return nil
}

// PollTick enqueues a status poll for every batch sitting in
// openai_processing. Enqueues are deduplicated, so overlapping ticks are
// harmless.
func (e *Engine) PollTick(ctx context.Context) error {
	batches, err := e.store.ListBatchesInStates(ctx, types.BatchOpenAIProcessing)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := e.enqueueBatchJob(ctx, KindPollStatus, b.ID, jobs.Options{}); err != nil {
			e.logger.Error("poll enqueue failed",
				zap.String("batch_id", b.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// DeliveryCompletionTick enqueues a completion check for every delivering
// batch, the safety net behind the per-request notifications.
func (e *Engine) DeliveryCompletionTick(ctx context.Context) error {
	batches, err := e.store.ListBatchesInStates(ctx, types.BatchDelivering)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := e.enqueueBatchJob(ctx, KindCheckDeliveryCompletion, b.ID, jobs.Options{}); err != nil {
			e.logger.Error("completion check enqueue failed",
				zap.String("batch_id", b.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// DeleteExpired destroys finished batches whose retention window passed.
func (e *Engine) DeleteExpired(ctx context.Context) error {
	expired, err := e.store.ListExpiredBatches(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("list expired batches: %w", err)
	}

	for _, b := range expired {
		if err := e.DestroyBatch(ctx, b.ID); err != nil {
			e.logger.Error("destroying expired batch failed",
				zap.String("batch_id", b.ID.String()), zap.Error(err))
		}
	}

	if len(expired) > 0 {
		e.logger.Info("retention sweep done", zap.Int("batches", len(expired)))
	}
	return nil
}
