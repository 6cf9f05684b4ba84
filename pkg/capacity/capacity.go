// Package capacity decides which batches may occupy provider queue slots:
// per-batch admission against the model's enqueued-token limit, and the
// periodic dispatcher that promotes parked batches oldest-first.
package capacity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/metrics"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/tokens"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

// Store is the persistence surface capacity control consumes. Reservation is
// computed on the fly from persisted aggregates; there is no in-memory
// reservation state.
type Store interface {
	ReservedTokens(ctx context.Context, model string, exclude uuid.UUID) (int64, error)
	ListWaitingForCapacity(ctx context.Context, model string) ([]*types.Batch, error)
	WaitingModels(ctx context.Context) ([]string, error)
	SetCapacityWaitReason(ctx context.Context, id uuid.UUID, reason string) error
}

// Submitter performs the actual provider submission of an admitted batch
// (create provider batch, transition to openai_processing, schedule polling).
type Submitter interface {
	SubmitToProvider(ctx context.Context, batchID uuid.UUID) error
}

// Decision is the admission outcome for one batch.
type Decision struct {
	Admit bool

	// WaitReason is set when Admit is false.
	WaitReason string

	Limit    int64
	Reserved int64
	Needed   int64
}

// Admission checks enqueued-token headroom for a batch ready to submit.
type Admission struct {
	store    Store
	capacity tokens.CapacityProvider
	logger   *zap.Logger
}

// NewAdmission creates the admission checker.
func NewAdmission(store Store, capacity tokens.CapacityProvider, logger *zap.Logger) *Admission {
	return &Admission{store: store, capacity: capacity, logger: logger}
}

// Check computes headroom for the batch's model. A failed capacity lookup is
// never admitted; ambiguity parks the batch with reason
// capacity_check_failed.
func (a *Admission) Check(ctx context.Context, batch *types.Batch) Decision {
	limit, err := a.capacity.GetBatchLimitTokens(ctx, batch.Model)
	if err != nil {
		a.logger.Warn("capacity lookup failed",
			zap.String("model", batch.Model), zap.Error(err))
		return Decision{Admit: false, WaitReason: types.WaitReasonCapacityCheckFailed}
	}

	reserved, err := a.store.ReservedTokens(ctx, batch.Model, batch.ID)
	if err != nil {
		a.logger.Warn("reserved tokens query failed",
			zap.String("model", batch.Model), zap.Error(err))
		return Decision{Admit: false, WaitReason: types.WaitReasonCapacityCheckFailed}
	}

	headroom := limit - reserved
	if headroom < 0 {
		headroom = 0
	}
	needed := batch.EstimatedInputTokensTotal

	d := Decision{Limit: limit, Reserved: reserved, Needed: needed}
	if needed <= headroom {
		d.Admit = true
	} else {
		d.WaitReason = types.WaitReasonInsufficientHeadroom
	}
	return d
}

// Dispatcher promotes batches out of waiting_for_capacity, per model,
// oldest wait first. Fairness is by age of the wait, but a smaller younger
// batch may be admitted while an older larger one keeps waiting; utilization
// wins over strict FIFO.
type Dispatcher struct {
	store     Store
	capacity  tokens.CapacityProvider
	submitter Submitter
	logger    *zap.Logger
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(store Store, capacity tokens.CapacityProvider, submitter Submitter, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, capacity: capacity, submitter: submitter, logger: logger}
}

// DispatchAll runs one dispatch pass over every model with parked batches.
func (d *Dispatcher) DispatchAll(ctx context.Context) error {
	models, err := d.store.WaitingModels(ctx)
	if err != nil {
		return err
	}
	for _, model := range models {
		if err := d.DispatchModel(ctx, model); err != nil {
			d.logger.Error("capacity dispatch failed",
				zap.String("model", model), zap.Error(err))
		}
	}
	return nil
}

// DispatchModel scans the model's waiting batches in wait order and submits
// every batch that fits into the remaining headroom.
func (d *Dispatcher) DispatchModel(ctx context.Context, model string) error {
	limit, err := d.capacity.GetBatchLimitTokens(ctx, model)
	if err != nil {
		return err
	}
	reserved, err := d.store.ReservedTokens(ctx, model, uuid.Nil)
	if err != nil {
		return err
	}

	waiting, err := d.store.ListWaitingForCapacity(ctx, model)
	if err != nil {
		return err
	}
	metrics.BatchesWaitingForCapacity.WithLabelValues(model).Set(float64(len(waiting)))

	now := time.Now()
	for _, b := range waiting {
		// A pending token-limit backoff keeps the batch parked.
		if b.TokenLimitRetryNextAt != nil && b.TokenLimitRetryNextAt.After(now) {
			continue
		}

		if b.EstimatedInputTokensTotal > limit-reserved {
			if err := d.store.SetCapacityWaitReason(ctx, b.ID, types.WaitReasonInsufficientHeadroom); err != nil {
				d.logger.Warn("wait reason update failed",
					zap.String("batch_id", b.ID.String()), zap.Error(err))
			}
			continue
		}

		if err := d.submitter.SubmitToProvider(ctx, b.ID); err != nil {
			d.logger.Error("provider submission failed",
				zap.String("batch_id", b.ID.String()), zap.Error(err))
			continue
		}
		reserved += b.EstimatedInputTokensTotal
	}
	return nil
}
