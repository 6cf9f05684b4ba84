package workflow

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/provider"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/store"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

const (
	reconcileChunkLines = 100
	reconcileLogEvery   = 10

	// Result lines carry full model output; individual lines can be large.
	maxResultLineBytes = 16 * 1024 * 1024
)

// handleDownloadResults moves a completed batch into downloading and hands
// off to the serialized processing queue.
func (e *Engine) handleDownloadResults(ctx context.Context, batch *types.Batch) error {
	switch batch.State {
	case types.BatchOpenAICompleted:
		if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchDownloading, nil); err != nil {
			return err
		}
	case types.BatchDownloading:
		// Crash between transition and enqueue.
	default:
		return nil
	}
	return e.enqueueBatchJob(ctx, KindProcessDownloadedFile, batch.ID, jobs.Options{Queue: jobs.QueueProcessing})
}

// handleProcessDownloadedFile downloads and reconciles the batch's result
// and error files, then releases the batch into delivery.
func (e *Engine) handleProcessDownloadedFile(ctx context.Context, batch *types.Batch) error {
	if batch.State != types.BatchDownloading {
		return nil
	}

	if err := e.reconcileProviderFiles(ctx, batch); err != nil {
		return err
	}

	// Requests the provider never answered, in either file, count as failed.
	leftover, err := e.store.MarkRequestsState(ctx, batch.ID,
		[]types.RequestState{types.RequestOpenAIProcessing}, types.RequestFailed)
	if err != nil {
		return err
	}
	if leftover > 0 {
		e.logger.Warn("requests missing from result files",
			zap.String("batch_id", batch.ID.String()),
			zap.Int64("count", leftover))
	}

	if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchReadyToDeliver, nil); err != nil {
		return err
	}
	return e.enqueueBatchJob(ctx, KindStartDelivering, batch.ID, jobs.Options{})
}

// handleProcessExpiredBatch reconciles whatever a provider-expired batch
// produced, then re-submits the leftovers or finalizes through delivery.
func (e *Engine) handleProcessExpiredBatch(ctx context.Context, batch *types.Batch) error {
	if batch.State != types.BatchExpired {
		return nil
	}

	if err := e.reconcileProviderFiles(ctx, batch); err != nil {
		return err
	}

	// Unanswered requests go back to pending for the next submission.
	if _, err := e.store.ResetRequestsToPending(ctx, batch.ID,
		[]types.RequestState{types.RequestOpenAIProcessing}); err != nil {
		return err
	}

	counts, err := e.store.CountRequestsByState(ctx, batch.ID)
	if err != nil {
		return err
	}

	if counts[types.RequestPending] > 0 {
		// A fresh input file must be rendered from the pending leftovers.
		if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchUploading, &store.BatchUpdate{
			ClearProviderIDs:         true,
			ClearProviderInputFileID: true,
		}); err != nil {
			return err
		}
		e.logger.Info("expired batch resubmitting leftovers",
			zap.String("batch_id", batch.ID.String()),
			zap.Int("pending", counts[types.RequestPending]))
		return e.enqueueBatchJob(ctx, KindUpload, batch.ID, jobs.Options{Queue: jobs.QueueUploads})
	}

	// Everything got an answer; finalize through the normal delivery path.
	if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchReadyToDeliver, &store.BatchUpdate{
		ClearProviderIDs: true,
	}); err != nil {
		return err
	}
	return e.enqueueBatchJob(ctx, KindStartDelivering, batch.ID, jobs.Options{})
}

func (e *Engine) reconcileProviderFiles(ctx context.Context, batch *types.Batch) error {
	if batch.ProviderOutputFileID != nil {
		if err := e.reconcileFile(ctx, batch.ID, *batch.ProviderOutputFileID, false); err != nil {
			return fmt.Errorf("reconcile output file: %w", err)
		}
	}
	if batch.ProviderErrorFileID != nil {
		if err := e.reconcileFile(ctx, batch.ID, *batch.ProviderErrorFileID, true); err != nil {
			return fmt.Errorf("reconcile error file: %w", err)
		}
	}
	return nil
}

func (e *Engine) reconcileFile(ctx context.Context, batchID uuid.UUID, fileID string, isErrorFile bool) error {
	path, err := e.provider.DownloadFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("download %s: %w", fileID, err)
	}
	defer os.Remove(path)

	return e.reconcileLocalFile(ctx, batchID, path, isErrorFile)
}

// reconcileLocalFile streams a JSONL result file in bounded chunks and
// applies each chunk in one transaction. Re-running over the same file is a
// no-op for every already-settled request.
func (e *Engine) reconcileLocalFile(ctx context.Context, batchID uuid.UUID, path string, isErrorFile bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open result file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxResultLineBytes)

	chunk := make([][]byte, 0, reconcileChunkLines)
	chunks := 0
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := e.reconcileChunk(ctx, batchID, chunk, isErrorFile); err != nil {
			return err
		}
		chunks++
		if chunks%reconcileLogEvery == 0 {
			e.logger.Info("reconciliation progress",
				zap.String("batch_id", batchID.String()),
				zap.Int("chunks", chunks),
				zap.Int("lines", chunks*reconcileChunkLines))
		}
		chunk = chunk[:0]
		return nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		chunk = append(chunk, append([]byte(nil), line...))
		if len(chunk) == reconcileChunkLines {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan result file: %w", err)
	}
	return flush()
}

func (e *Engine) reconcileChunk(ctx context.Context, batchID uuid.UUID, lines [][]byte, isErrorFile bool) error {
	parsed := make([]provider.ResultLine, 0, len(lines))
	raw := make([]json.RawMessage, 0, len(lines))
	customIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		var rl provider.ResultLine
		if err := json.Unmarshal(line, &rl); err != nil || rl.CustomID == "" {
			e.logger.Warn("skipping malformed result line",
				zap.String("batch_id", batchID.String()))
			continue
		}
		parsed = append(parsed, rl)
		raw = append(raw, json.RawMessage(line))
		customIDs = append(customIDs, rl.CustomID)
	}
	if len(parsed) == 0 {
		return nil
	}

	refs, err := e.store.GetRequestRefs(ctx, batchID, customIDs)
	if err != nil {
		return err
	}

	results := make([]store.RequestResult, 0, len(parsed))
	for i, rl := range parsed {
		ref, ok := refs[rl.CustomID]
		if !ok {
			e.logger.Warn("result line for unknown custom_id",
				zap.String("batch_id", batchID.String()),
				zap.String("custom_id", rl.CustomID))
			continue
		}
		if ref.State.IsTerminal() || ref.State == types.RequestOpenAIProcessed {
			continue
		}

		if isErrorFile || rl.IsError() {
			msg := string(raw[i])
			results = append(results, store.RequestResult{
				ID:       ref.ID,
				ToState:  types.RequestFailed,
				ErrorMsg: &msg,
			})
			continue
		}
		// The full line, not just the body: delivery needs custom_id at the
		// top level.
		results = append(results, store.RequestResult{
			ID:              ref.ID,
			ToState:         types.RequestOpenAIProcessed,
			ResponsePayload: raw[i],
		})
	}
	return e.store.ApplyRequestResults(ctx, results)
}
