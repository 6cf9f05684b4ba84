// Package workflow drives the batch state machine: upload, provider
// submission, status polling, result download and reconciliation, delivery
// fan-out and finalization. Every step is a job queue handler keyed so at
// most one runs per batch, and every handler re-reads the persisted state
// first, so at-least-once invocation is safe.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/capacity"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/provider"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/store"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

// Job kinds handled by the engine.
const (
	KindUpload                  = "upload"
	KindCreateProviderBatch     = "create_provider_batch"
	KindPollStatus              = "poll_status"
	KindDownloadResults         = "download_results"
	KindProcessDownloadedFile   = "process_downloaded_file"
	KindProcessExpiredBatch     = "process_expired_batch"
	KindStartDelivering         = "start_delivering"
	KindCheckDeliveryCompletion = "check_delivery_completion"
	KindDeliver                 = "deliver"
	KindDispatchCapacity        = "dispatch_capacity"
)

// Store is the persistence surface the engine consumes. *store.Store
// implements it; tests substitute fakes.
type Store interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*types.Batch, error)
	TransitionBatch(ctx context.Context, id uuid.UUID, to types.BatchState, upd *store.BatchUpdate) (*types.Batch, error)
	UpdateBatch(ctx context.Context, id uuid.UUID, upd *store.BatchUpdate) error
	DeleteBatch(ctx context.Context, id uuid.UUID) error
	ListBatchesInStates(ctx context.Context, states ...types.BatchState) ([]*types.Batch, error)
	ListStaleBuildingBatches(ctx context.Context, cutoff time.Time) ([]*types.Batch, error)
	ListExpiredBatches(ctx context.Context, now time.Time) ([]*types.Batch, error)

	GetRequest(ctx context.Context, id uuid.UUID) (*types.Request, error)
	TransitionRequest(ctx context.Context, id uuid.UUID, to types.RequestState, upd *store.RequestUpdate) (*types.Request, error)
	MarkRequestsState(ctx context.Context, batchID uuid.UUID, from []types.RequestState, to types.RequestState) (int64, error)
	ResetRequestsToPending(ctx context.Context, batchID uuid.UUID, from []types.RequestState) (int64, error)
	CountRequestsByState(ctx context.Context, batchID uuid.UUID) (map[types.RequestState]int, error)
	ListRequestIDsInState(ctx context.Context, batchID uuid.UUID, state types.RequestState) ([]uuid.UUID, error)
	RequestPayloads(ctx context.Context, batchID uuid.UUID, state types.RequestState, limit, offset int) ([]json.RawMessage, error)
	GetRequestRefs(ctx context.Context, batchID uuid.UUID, customIDs []string) (map[string]store.RequestRef, error)
	ApplyRequestResults(ctx context.Context, results []store.RequestResult) error
}

// Enqueuer is the job queue surface the engine drives steps through.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, args any, opts jobs.Options) error
	CancelByTag(ctx context.Context, tag string) error
}

// Admitter checks enqueued-token headroom before a provider submission.
type Admitter interface {
	Check(ctx context.Context, batch *types.Batch) capacity.Decision
}

// Deliverer runs one delivery attempt for a request.
type Deliverer interface {
	Deliver(ctx context.Context, requestID uuid.UUID, finalAttempt bool) error
}

// CapacityDispatcher re-scans a model's parked batches. The engine triggers
// it when a batch finishes and frees headroom.
type CapacityDispatcher interface {
	DispatchModel(ctx context.Context, model string) error
	DispatchAll(ctx context.Context) error
}

// Engine owns every batch workflow step.
type Engine struct {
	store     Store
	provider  provider.Client
	queue     Enqueuer
	admission Admitter
	deliverer Deliverer
	logger    *zap.Logger

	// set after construction; the dispatcher submits through the engine
	dispatcher CapacityDispatcher
}

// NewEngine wires the workflow engine. The capacity dispatcher is attached
// later with SetDispatcher since it submits batches through the engine.
func NewEngine(st Store, client provider.Client, queue Enqueuer, admission Admitter, logger *zap.Logger) *Engine {
	return &Engine{
		store:     st,
		provider:  client,
		queue:     queue,
		admission: admission,
		logger:    logger,
	}
}

// SetDispatcher attaches the capacity dispatcher.
func (e *Engine) SetDispatcher(d CapacityDispatcher) { e.dispatcher = d }

// SetDeliverer attaches the per-request delivery worker.
func (e *Engine) SetDeliverer(d Deliverer) { e.deliverer = d }

type batchArgs struct {
	BatchID uuid.UUID `json:"batch_id"`
}

type requestArgs struct {
	RequestID uuid.UUID `json:"request_id"`
}

type modelArgs struct {
	Model string `json:"model"`
}

func batchTag(id uuid.UUID) string { return "batch:" + id.String() }

// enqueueBatchJob schedules one workflow step for a batch, deduplicated on
// (kind, batch_id) and tagged for cancel-by-batch.
func (e *Engine) enqueueBatchJob(ctx context.Context, kind string, batchID uuid.UUID, opts jobs.Options) error {
	opts.UniqueKey = fmt.Sprintf("%s:%s", kind, batchID)
	opts.Tag = batchTag(batchID)
	return e.queue.Enqueue(ctx, kind, batchArgs{BatchID: batchID}, opts)
}

// Register binds every workflow handler and error hook to the queue.
func (e *Engine) Register(q *jobs.Queue) {
	q.Register(KindUpload, e.batchHandler(e.handleUpload))
	q.Register(KindCreateProviderBatch, e.batchHandler(e.handleCreateProviderBatch))
	q.Register(KindPollStatus, e.batchHandler(e.handlePollStatus))
	q.Register(KindDownloadResults, e.batchHandler(e.handleDownloadResults))
	q.Register(KindProcessDownloadedFile, e.batchHandler(e.handleProcessDownloadedFile))
	q.Register(KindProcessExpiredBatch, e.batchHandler(e.handleProcessExpiredBatch))
	q.Register(KindStartDelivering, e.batchHandler(e.handleStartDelivering))
	q.Register(KindCheckDeliveryCompletion, e.batchHandler(e.handleCheckDeliveryCompletion))
	q.Register(KindDeliver, e.handleDeliver)
	q.Register(KindDispatchCapacity, e.handleDispatchCapacity)

	q.RegisterErrorHook(KindUpload, e.failBatchHook)
	q.RegisterErrorHook(KindCreateProviderBatch, e.failBatchHook)
	q.RegisterErrorHook(KindDownloadResults, e.failBatchHook)
	q.RegisterErrorHook(KindProcessDownloadedFile, e.failBatchHook)
	q.RegisterErrorHook(KindProcessExpiredBatch, e.failBatchHook)
	q.RegisterErrorHook(KindDeliver, e.failDeliveryHook)
}

// batchHandler adapts a per-batch step: decode args, load the row, hand the
// current persisted state to the step.
func (e *Engine) batchHandler(step func(ctx context.Context, batch *types.Batch) error) jobs.HandlerFunc {
	return func(ctx context.Context, job *jobs.Job) error {
		var args batchArgs
		if err := job.UnmarshalArgs(&args); err != nil {
			return fmt.Errorf("decode %s args: %w", job.Kind, err)
		}
		batch, err := e.store.GetBatch(ctx, args.BatchID)
		if err != nil {
			return err
		}
		return step(ctx, batch)
	}
}

// failBatchHook surfaces an exhausted workflow step on the batch row. Steps
// are retried by the queue first; only a persistent failure lands here.
func (e *Engine) failBatchHook(ctx context.Context, job *jobs.Job, jobErr error) {
	var args batchArgs
	if err := job.UnmarshalArgs(&args); err != nil {
		return
	}
	batch, err := e.store.GetBatch(ctx, args.BatchID)
	if err != nil {
		e.logger.Error("cannot load batch for failure hook",
			zap.String("kind", job.Kind), zap.Error(err))
		return
	}
	if batch.State.IsTerminal() || !batch.State.CanTransition(types.BatchFailed) {
		return
	}
	msg := fmt.Sprintf("%s failed after %d attempts: %v", job.Kind, job.Attempt, jobErr)
	if _, err := e.store.TransitionBatch(ctx, batch.ID, types.BatchFailed, &store.BatchUpdate{ErrorMsg: &msg}); err != nil {
		e.logger.Error("failure transition failed",
			zap.String("batch_id", batch.ID.String()), zap.Error(err))
		return
	}
	if _, err := e.store.MarkRequestsState(ctx, batch.ID,
		[]types.RequestState{types.RequestPending, types.RequestOpenAIProcessing},
		types.RequestFailed); err != nil {
		e.logger.Error("marking requests failed",
			zap.String("batch_id", batch.ID.String()), zap.Error(err))
	}
}

// failDeliveryHook terminalizes a request whose delivery job crashed on its
// final attempt, leaving it stuck in delivering.
func (e *Engine) failDeliveryHook(ctx context.Context, job *jobs.Job, jobErr error) {
	var args requestArgs
	if err := job.UnmarshalArgs(&args); err != nil {
		return
	}
	req, err := e.store.GetRequest(ctx, args.RequestID)
	if err != nil {
		return
	}
	if req.State != types.RequestDelivering {
		return
	}
	if _, err := e.store.TransitionRequest(ctx, req.ID, types.RequestDeliveryFailed, &store.RequestUpdate{}); err != nil {
		e.logger.Error("delivery failure transition failed",
			zap.String("request_id", req.ID.String()), zap.Error(err))
	}
	e.logger.Warn("delivery job exhausted",
		zap.String("request_id", req.ID.String()), zap.Error(jobErr))
}

// DeliveryCompleted is called by the delivery worker when a batch's last
// request reaches a terminal state.
func (e *Engine) DeliveryCompleted(ctx context.Context, batchID uuid.UUID) error {
	return e.enqueueBatchJob(ctx, KindCheckDeliveryCompletion, batchID, jobs.Options{})
}

// handleDispatchCapacity re-runs capacity dispatch for one model.
func (e *Engine) handleDispatchCapacity(ctx context.Context, job *jobs.Job) error {
	var args modelArgs
	if err := job.UnmarshalArgs(&args); err != nil {
		return err
	}
	if e.dispatcher == nil {
		return nil
	}
	return e.dispatcher.DispatchModel(ctx, args.Model)
}

// triggerDispatch schedules a capacity pass for the model, typically after a
// batch left an active state and freed headroom.
func (e *Engine) triggerDispatch(ctx context.Context, model string) {
	err := e.queue.Enqueue(ctx, KindDispatchCapacity, modelArgs{Model: model}, jobs.Options{
		UniqueKey: "dispatch_capacity:" + model,
	})
	if err != nil {
		e.logger.Warn("capacity dispatch enqueue failed",
			zap.String("model", model), zap.Error(err))
	}
}

// Recovery re-arms the trigger for every non-terminal batch. Run once on
// process start, after RecoverStuck returned abandoned jobs to the queue.
func (e *Engine) Recovery(ctx context.Context) error {
	batches, err := e.store.ListBatchesInStates(ctx,
		types.BatchUploading, types.BatchUploaded, types.BatchWaitingForCapacity,
		types.BatchOpenAIProcessing, types.BatchOpenAICompleted, types.BatchDownloading,
		types.BatchReadyToDeliver, types.BatchDelivering, types.BatchExpired)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}

	for _, b := range batches {
		var kind string
		var opts jobs.Options
		switch b.State {
		case types.BatchUploading:
			kind, opts.Queue = KindUpload, jobs.QueueUploads
		case types.BatchUploaded:
			kind = KindCreateProviderBatch
		case types.BatchWaitingForCapacity:
			e.triggerDispatch(ctx, b.Model)
			continue
		case types.BatchOpenAIProcessing:
			kind = KindPollStatus
		case types.BatchOpenAICompleted:
			kind = KindDownloadResults
		case types.BatchDownloading:
			kind, opts.Queue = KindProcessDownloadedFile, jobs.QueueProcessing
		case types.BatchExpired:
			kind, opts.Queue = KindProcessExpiredBatch, jobs.QueueProcessing
		case types.BatchReadyToDeliver:
			kind = KindStartDelivering
		case types.BatchDelivering:
			kind = KindCheckDeliveryCompletion
		default:
			continue
		}
		if err := e.enqueueBatchJob(ctx, kind, b.ID, opts); err != nil {
			e.logger.Error("recovery enqueue failed",
				zap.String("batch_id", b.ID.String()),
				zap.String("kind", kind), zap.Error(err))
		}
	}

	e.logger.Info("recovery complete", zap.Int("batches", len(batches)))
	return nil
}
