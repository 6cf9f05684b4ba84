package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/config"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/provider"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/store"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

// resettableRequestStates are the request states the token-limit retry flow
// rewinds to pending before a full re-submission.
var resettableRequestStates = []types.RequestState{
	types.RequestOpenAIProcessing,
	types.RequestOpenAIProcessed,
	types.RequestDelivering,
	types.RequestDelivered,
	types.RequestDeliveryFailed,
	types.RequestFailed,
	types.RequestExpired,
	types.RequestCancelled,
}

// handlePollStatus fetches the provider's view of an in-flight batch, merges
// counters and usage, and dispatches on the provider status.
func (e *Engine) handlePollStatus(ctx context.Context, batch *types.Batch) error {
	if batch.State != types.BatchOpenAIProcessing {
		return nil
	}
	if batch.ProviderBatchID == nil {
		return fmt.Errorf("batch %s is openai_processing without a provider batch id", batch.ID)
	}

	pb, err := e.provider.GetBatch(ctx, *batch.ProviderBatchID)
	if err != nil {
		return fmt.Errorf("poll provider batch: %w", err)
	}

	now := time.Now()
	upd := &store.BatchUpdate{ProviderStatusLastCheckedAt: &now}
	if pb.RequestCounts != nil {
		upd.ProviderRequestsCompleted = &pb.RequestCounts.Completed
		upd.ProviderRequestsFailed = &pb.RequestCounts.Failed
		upd.ProviderRequestsTotal = &pb.RequestCounts.Total
	}
	if pb.Usage != nil {
		upd.InputTokens = &pb.Usage.InputTokens
		upd.CachedTokens = &pb.Usage.CachedTokens
		upd.ReasoningTokens = &pb.Usage.ReasoningTokens
		upd.OutputTokens = &pb.Usage.OutputTokens
	}

	switch pb.Status {
	case provider.StatusCompleted:
		return e.pollCompleted(ctx, batch, pb, upd)
	case provider.StatusFailed:
		if pb.HasTokenLimitError() {
			return e.tokenLimitRetry(ctx, batch, pb)
		}
		return e.pollFailed(ctx, batch, pb, upd)
	case provider.StatusExpired:
		return e.pollExpired(ctx, batch, pb, upd)
	case provider.StatusCancelled, provider.StatusCancelling:
		return e.pollCancelled(ctx, batch, upd)
	default:
		// validating | in_progress | finalizing: persist progress only; the
		// cron tick schedules the next poll.
		return e.store.UpdateBatch(ctx, batch.ID, upd)
	}
}

func (e *Engine) pollCompleted(ctx context.Context, batch *types.Batch, pb *provider.Batch, upd *store.BatchUpdate) error {
	if pb.OutputFileID == "" && pb.ErrorFileID == "" {
		// Completed with nothing to download is indistinguishable from a
		// lost batch; surface it instead of delivering nothing.
		msg := "provider batch completed without result files"
		upd.ErrorMsg = &msg
		if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchFailed, upd); err != nil {
			return err
		}
		_, err := e.store.MarkRequestsState(ctx, batch.ID,
			[]types.RequestState{types.RequestOpenAIProcessing}, types.RequestFailed)
		e.triggerDispatch(ctx, batch.Model)
		return err
	}

	if pb.OutputFileID != "" {
		upd.ProviderOutputFileID = &pb.OutputFileID
	}
	if pb.ErrorFileID != "" {
		upd.ProviderErrorFileID = &pb.ErrorFileID
	}
	if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchOpenAICompleted, upd); err != nil {
		return err
	}
	e.logger.Info("provider batch completed",
		zap.String("batch_id", batch.ID.String()),
		zap.String("output_file_id", pb.OutputFileID))
	return e.enqueueBatchJob(ctx, KindDownloadResults, batch.ID, jobs.Options{})
}

func (e *Engine) pollFailed(ctx context.Context, batch *types.Batch, pb *provider.Batch, upd *store.BatchUpdate) error {
	msg := providerErrorsMessage(pb.Errors)
	upd.ErrorMsg = &msg
	if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchFailed, upd); err != nil {
		return err
	}
	if _, err := e.store.MarkRequestsState(ctx, batch.ID,
		[]types.RequestState{types.RequestOpenAIProcessing}, types.RequestFailed); err != nil {
		return err
	}
	e.logger.Warn("provider batch failed",
		zap.String("batch_id", batch.ID.String()),
		zap.String("error", msg))
	e.triggerDispatch(ctx, batch.Model)
	return nil
}

func (e *Engine) pollExpired(ctx context.Context, batch *types.Batch, pb *provider.Batch, upd *store.BatchUpdate) error {
	if pb.OutputFileID != "" || pb.ErrorFileID != "" {
		// Partial completion: reconcile whatever the provider produced,
		// then re-submit the leftovers.
		if pb.OutputFileID != "" {
			upd.ProviderOutputFileID = &pb.OutputFileID
		}
		if pb.ErrorFileID != "" {
			upd.ProviderErrorFileID = &pb.ErrorFileID
		}
		if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchExpired, upd); err != nil {
			return err
		}
		e.logger.Info("provider batch expired with partial results",
			zap.String("batch_id", batch.ID.String()))
		e.triggerDispatch(ctx, batch.Model)
		return e.enqueueBatchJob(ctx, KindProcessExpiredBatch, batch.ID, jobs.Options{Queue: jobs.QueueProcessing})
	}

	// Nothing was produced; keep the input file and re-submit it whole.
	upd.ClearProviderIDs = true
	if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchExpired, upd); err != nil {
		return err
	}
	if _, err := e.store.ResetRequestsToPending(ctx, batch.ID,
		[]types.RequestState{types.RequestOpenAIProcessing}); err != nil {
		return err
	}
	if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchUploading, nil); err != nil {
		return err
	}
	e.logger.Info("provider batch expired, resubmitting",
		zap.String("batch_id", batch.ID.String()))
	e.triggerDispatch(ctx, batch.Model)
	return e.enqueueBatchJob(ctx, KindUpload, batch.ID, jobs.Options{Queue: jobs.QueueUploads})
}

func (e *Engine) pollCancelled(ctx context.Context, batch *types.Batch, upd *store.BatchUpdate) error {
	if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchCancelled, upd); err != nil {
		return err
	}
	if _, err := e.store.MarkRequestsState(ctx, batch.ID,
		[]types.RequestState{types.RequestPending, types.RequestOpenAIProcessing},
		types.RequestCancelled); err != nil {
		return err
	}
	e.logger.Warn("provider batch was cancelled upstream",
		zap.String("batch_id", batch.ID.String()))
	e.triggerDispatch(ctx, batch.Model)
	return nil
}

// tokenLimitRetry parks a batch the provider bounced for the enqueued-token
// limit: rewind every request to pending, drop the provider batch handle and
// wait out an escalating backoff before the dispatcher tries again.
func (e *Engine) tokenLimitRetry(ctx context.Context, batch *types.Batch, pb *provider.Batch) error {
	attempts := batch.TokenLimitRetryAttempts + 1
	if attempts > len(config.TokenLimitRetryDelays) {
		msg := fmt.Sprintf("token limit retries exhausted after %d attempts", attempts-1)
		if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchFailed, &store.BatchUpdate{
			ErrorMsg:         &msg,
			ClearProviderIDs: true,
		}); err != nil {
			return err
		}
		_, err := e.store.MarkRequestsState(ctx, batch.ID,
			[]types.RequestState{types.RequestPending, types.RequestOpenAIProcessing},
			types.RequestFailed)
		e.triggerDispatch(ctx, batch.Model)
		return err
	}

	delay := config.TokenLimitRetryDelays[attempts-1]
	nextAt := time.Now().Add(delay)
	now := time.Now()
	reason := types.WaitReasonTokenLimitBackoff
	lastErr := providerErrorsMessage(pb.Errors)

	if _, err := e.store.ResetRequestsToPending(ctx, batch.ID, resettableRequestStates); err != nil {
		return err
	}
	if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchWaitingForCapacity, &store.BatchUpdate{
		TokenLimitRetryAttempts:   &attempts,
		TokenLimitRetryNextAt:     &nextAt,
		TokenLimitRetryLastError:  &lastErr,
		CapacityWaitReason:        &reason,
		WaitingForCapacitySinceAt: &now,
		ClearProviderIDs:          true,
	}); err != nil {
		return err
	}

	e.logger.Warn("token limit hit, backing off",
		zap.String("batch_id", batch.ID.String()),
		zap.String("model", batch.Model),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))
	return nil
}

func providerErrorsMessage(errs []provider.BatchError) string {
	if len(errs) == 0 {
		return "provider batch failed"
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.Message != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", e.Code, e.Message))
		} else {
			parts = append(parts, e.Code)
		}
	}
	return strings.Join(parts, "; ")
}
