// Package builder absorbs individually submitted requests into the current
// building batch per (url, model) and rotates batches when a limit is hit.
package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/config"
	apperrors "github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/metrics"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/tokens"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

// Store is the persistence surface the builder consumes.
type Store interface {
	FindBuildingBatch(ctx context.Context, url, model string) (*types.Batch, error)
	CreateBatch(ctx context.Context, model, url string) (*types.Batch, error)
	InsertRequest(ctx context.Context, r *types.Request) (*types.Request, error)
}

// Promoter starts the upload workflow for a full or token-saturated batch.
type Promoter interface {
	StartUpload(ctx context.Context, batchID uuid.UUID) error
}

// SubmitParams is one submission.
type SubmitParams struct {
	URL            string
	Model          string
	CustomID       string
	RequestPayload json.RawMessage
	DeliveryConfig types.DeliveryConfig
}

// Builder serializes submissions per (url, model) through a registry of
// per-key actors. Two concurrent submits for the same key are linearized;
// different keys proceed in parallel.
type Builder struct {
	store     Store
	promoter  Promoter
	estimator tokens.Estimator
	capacity  tokens.CapacityProvider
	logger    *zap.Logger

	mu     sync.Mutex
	actors map[string]*sync.Mutex
}

// New creates a builder.
func New(store Store, promoter Promoter, estimator tokens.Estimator, capacity tokens.CapacityProvider, logger *zap.Logger) *Builder {
	return &Builder{
		store:     store,
		promoter:  promoter,
		estimator: estimator,
		capacity:  capacity,
		logger:    logger,
		actors:    make(map[string]*sync.Mutex),
	}
}

// actor returns the serialization lock for a (url, model) key, creating it
// lazily on first use.
func (b *Builder) actor(url, model string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := url + "|" + model
	if m, ok := b.actors[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	b.actors[key] = m
	return m
}

// AddRequest validates and persists one submission into the current building
// batch for its (url, model), rotating the batch first when the request
// would push it over the count or byte cap, and rotating after the insert
// when the batch reaches the model's enqueued-token limit.
//
// All errors surface to the caller; no partial writes remain.
func (b *Builder) AddRequest(ctx context.Context, params SubmitParams) (*types.Request, error) {
	payload, err := b.validate(params)
	if err != nil {
		return nil, err
	}

	estimated, err := b.estimator.EstimateInputTokens(params.Model, payload)
	if err != nil {
		return nil, apperrors.ErrInternal("token estimation failed").WithCause(err)
	}

	mu := b.actor(params.URL, params.Model)
	mu.Lock()
	defer mu.Unlock()

	batch, err := b.currentBatch(ctx, params.URL, params.Model)
	if err != nil {
		return nil, err
	}

	// Rotate-by-count / rotate-by-size: promote the full batch, then retry
	// against a fresh one.
	if batch.RequestCount+1 > config.MaxRequestsPerBatch ||
		batch.SizeBytes+int64(len(payload)) > config.MaxBatchBytes {
		if err := b.rotate(ctx, batch); err != nil {
			return nil, err
		}
		batch, err = b.currentBatch(ctx, params.URL, params.Model)
		if err != nil {
			return nil, err
		}
	}

	req := &types.Request{
		ID:                          uuid.New(),
		BatchID:                     batch.ID,
		CustomID:                    params.CustomID,
		URL:                         params.URL,
		Model:                       params.Model,
		RequestPayload:              payload,
		RequestPayloadSize:          int64(len(payload)),
		EstimatedInputTokens:        estimated,
		EstimatedRequestInputTokens: estimated,
		DeliveryConfig:              params.DeliveryConfig,
	}

	persisted, err := b.store.InsertRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.RequestsSubmitted.WithLabelValues(params.Model).Inc()

	// Rotate-by-tokens: once the batch's estimate reaches the model's queue
	// limit there is no point accumulating further.
	limit, err := b.capacity.GetBatchLimitTokens(ctx, params.Model)
	if err == nil && batch.EstimatedInputTokensTotal+estimated >= limit {
		if err := b.rotate(ctx, batch); err != nil {
			b.logger.Warn("token rotation failed, batch stays building",
				zap.String("batch_id", batch.ID.String()), zap.Error(err))
		}
	}

	return persisted, nil
}

// currentBatch finds or creates the building batch for the key.
func (b *Builder) currentBatch(ctx context.Context, url, model string) (*types.Batch, error) {
	batch, err := b.store.FindBuildingBatch(ctx, url, model)
	if err != nil {
		return nil, err
	}
	if batch != nil {
		return batch, nil
	}
	return b.store.CreateBatch(ctx, model, url)
}

func (b *Builder) rotate(ctx context.Context, batch *types.Batch) error {
	b.logger.Info("rotating building batch",
		zap.String("batch_id", batch.ID.String()),
		zap.String("model", batch.Model),
		zap.Int("request_count", batch.RequestCount),
		zap.Int64("size_bytes", batch.SizeBytes))
	return b.promoter.StartUpload(ctx, batch.ID)
}

// validate checks the delivery config shape and the payload's internal
// consistency, and returns the canonical (compact) payload bytes.
func (b *Builder) validate(params SubmitParams) (json.RawMessage, error) {
	if params.URL == "" || params.Model == "" || params.CustomID == "" {
		return nil, apperrors.ErrInvalidPayload("url, model and custom_id are required")
	}
	// A payload over the byte cap cannot fit even in a fresh batch.
	if int64(len(params.RequestPayload)) > config.MaxBatchBytes {
		return nil, apperrors.ErrBatchSizeWouldExceed(config.MaxBatchBytes)
	}
	if err := params.DeliveryConfig.Validate(); err != nil {
		return nil, apperrors.ErrInvalidDeliveryConfig(err.Error())
	}

	var line struct {
		CustomID string `json:"custom_id"`
		Method   string `json:"method"`
		URL      string `json:"url"`
		Body     struct {
			Model string `json:"model"`
		} `json:"body"`
	}
	if err := json.Unmarshal(params.RequestPayload, &line); err != nil {
		return nil, apperrors.ErrInvalidPayload("request_payload is not valid JSON").WithCause(err)
	}
	if line.CustomID != params.CustomID {
		return nil, apperrors.ErrInvalidPayload("request_payload.custom_id does not match custom_id")
	}
	if line.URL != params.URL {
		return nil, apperrors.ErrInvalidPayload("request_payload.url does not match url")
	}
	if line.Body.Model != params.Model {
		return nil, apperrors.ErrInvalidPayload("request_payload.body.model does not match model")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, params.RequestPayload); err != nil {
		return nil, apperrors.ErrInvalidPayload("request_payload cannot be canonicalized").WithCause(err)
	}
	return json.RawMessage(buf.Bytes()), nil
}
