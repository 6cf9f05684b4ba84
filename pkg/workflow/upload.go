package workflow

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/store"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

const uploadPageSize = 1000

// StartUpload promotes a full or stale building batch into the upload path.
// The builder calls it on rotation; the stale sweeper on age.
func (e *Engine) StartUpload(ctx context.Context, batchID uuid.UUID) error {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.State != types.BatchBuilding {
		// Already promoted, nothing to do.
		return nil
	}
	if batch.RequestCount == 0 {
		return apperrors.ErrInvalidTransition("batch", string(types.BatchBuilding), string(types.BatchUploading)).
			WithDetails(map[string]any{"reason": "batch has no requests"})
	}

	if _, err := e.store.TransitionBatch(ctx, batchID, types.BatchUploading, nil); err != nil {
		return err
	}
	e.logger.Info("batch promoted to uploading",
		zap.String("batch_id", batchID.String()),
		zap.Int("requests", batch.RequestCount),
		zap.Int64("size_bytes", batch.SizeBytes))

	return e.enqueueBatchJob(ctx, KindUpload, batchID, jobs.Options{Queue: jobs.QueueUploads})
}

// handleUpload renders the batch's pending requests to JSONL, streams the
// file to the provider and advances to uploaded.
//
// A batch re-entering uploading after a full provider-side expiration still
// carries its input file id; the render and upload are skipped and the batch
// goes straight back to submission.
func (e *Engine) handleUpload(ctx context.Context, batch *types.Batch) error {
	switch batch.State {
	case types.BatchUploading:
	case types.BatchUploaded:
		// Crash between transition and enqueue; just re-arm the next step.
		return e.enqueueBatchJob(ctx, KindCreateProviderBatch, batch.ID, jobs.Options{})
	default:
		e.logger.Info("upload skipped",
			zap.String("batch_id", batch.ID.String()),
			zap.String("state", string(batch.State)))
		return nil
	}

	if batch.ProviderInputFileID == nil {
		fileID, err := e.uploadJSONL(ctx, batch.ID)
		if err != nil {
			return err
		}
		batch.ProviderInputFileID = &fileID
	}

	if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchUploaded, &store.BatchUpdate{
		ProviderInputFileID: batch.ProviderInputFileID,
	}); err != nil {
		return err
	}
	e.logger.Info("batch uploaded",
		zap.String("batch_id", batch.ID.String()),
		zap.String("input_file_id", *batch.ProviderInputFileID))

	return e.enqueueBatchJob(ctx, KindCreateProviderBatch, batch.ID, jobs.Options{})
}

// uploadJSONL streams one line per pending request to the provider without
// materializing the whole file.
func (e *Engine) uploadJSONL(ctx context.Context, batchID uuid.UUID) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		offset := 0
		for {
			payloads, err := e.store.RequestPayloads(ctx, batchID, types.RequestPending, uploadPageSize, offset)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if len(payloads) == 0 {
				pw.Close()
				return
			}
			for _, p := range payloads {
				if _, err := pw.Write(append(p, '\n')); err != nil {
					return
				}
			}
			offset += len(payloads)
		}
	}()

	fileID, err := e.provider.UploadFile(ctx, pr, fmt.Sprintf("batch_%s.jsonl", batchID))
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("upload batch file: %w", err)
	}
	return fileID, nil
}

// handleCreateProviderBatch runs admission for an uploaded batch and either
// submits it or parks it in waiting_for_capacity.
func (e *Engine) handleCreateProviderBatch(ctx context.Context, batch *types.Batch) error {
	switch batch.State {
	case types.BatchUploaded:
	case types.BatchOpenAIProcessing:
		return nil
	default:
		e.logger.Info("submission skipped",
			zap.String("batch_id", batch.ID.String()),
			zap.String("state", string(batch.State)))
		return nil
	}

	decision := e.admission.Check(ctx, batch)
	if !decision.Admit {
		now := time.Now()
		if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchWaitingForCapacity, &store.BatchUpdate{
			CapacityWaitReason:        &decision.WaitReason,
			WaitingForCapacitySinceAt: &now,
		}); err != nil {
			return err
		}
		e.logger.Info("batch parked for capacity",
			zap.String("batch_id", batch.ID.String()),
			zap.String("model", batch.Model),
			zap.String("reason", decision.WaitReason),
			zap.Int64("needed", decision.Needed),
			zap.Int64("reserved", decision.Reserved),
			zap.Int64("limit", decision.Limit))
		return nil
	}

	return e.submit(ctx, batch)
}

// SubmitToProvider creates the provider batch for an uploaded or waiting
// batch. The capacity dispatcher calls it once headroom opens up.
func (e *Engine) SubmitToProvider(ctx context.Context, batchID uuid.UUID) error {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	switch batch.State {
	case types.BatchUploaded, types.BatchWaitingForCapacity:
		return e.submit(ctx, batch)
	case types.BatchOpenAIProcessing:
		return nil
	default:
		return apperrors.ErrInvalidTransition("batch", string(batch.State), string(types.BatchOpenAIProcessing))
	}
}

func (e *Engine) submit(ctx context.Context, batch *types.Batch) error {
	if batch.ProviderInputFileID == nil {
		return fmt.Errorf("batch %s has no input file", batch.ID)
	}

	pb, err := e.provider.CreateBatch(ctx, *batch.ProviderInputFileID, batch.URL)
	if err != nil {
		if apperrors.IsTokenLimitExceeded(err) {
			// Creation bounced off the enqueued-token limit; park and let
			// the dispatcher retry when headroom opens.
			return e.parkForCapacity(ctx, batch, types.WaitReasonInsufficientHeadroom)
		}
		return fmt.Errorf("create provider batch: %w", err)
	}

	upd := &store.BatchUpdate{
		ProviderBatchID:         &pb.ID,
		ClearCapacityWaitReason: true,
		ClearTokenLimitRetry:    true,
	}
	if !pb.ExpiresAt.IsZero() {
		upd.ExpiresAt = &pb.ExpiresAt
	}
	if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchOpenAIProcessing, upd); err != nil {
		return err
	}
	if _, err := e.store.MarkRequestsState(ctx, batch.ID,
		[]types.RequestState{types.RequestPending}, types.RequestOpenAIProcessing); err != nil {
		return err
	}

	e.logger.Info("provider batch created",
		zap.String("batch_id", batch.ID.String()),
		zap.String("provider_batch_id", pb.ID),
		zap.String("model", batch.Model),
		zap.Int64("estimated_tokens", batch.EstimatedInputTokensTotal))

	return e.enqueueBatchJob(ctx, KindPollStatus, batch.ID, jobs.Options{
		RunAt: time.Now().Add(time.Minute),
	})
}

// parkForCapacity moves a batch into waiting_for_capacity, or refreshes the
// reason if it is already parked.
func (e *Engine) parkForCapacity(ctx context.Context, batch *types.Batch, reason string) error {
	if batch.State == types.BatchWaitingForCapacity {
		return e.store.UpdateBatch(ctx, batch.ID, &store.BatchUpdate{CapacityWaitReason: &reason})
	}
	now := time.Now()
	_, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchWaitingForCapacity, &store.BatchUpdate{
		CapacityWaitReason:        &reason,
		WaitingForCapacitySinceAt: &now,
	})
	return err
}
