// Package tokens provides the per-model input token estimator and the
// per-model enqueued-token capacity provider consumed by admission.
package tokens

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/config"
)

// Estimator estimates input tokens for a rendered request payload.
type Estimator interface {
	EstimateInputTokens(model string, payload []byte) (int64, error)
}

// CapacityProvider returns the enqueued-token limit for a model.
type CapacityProvider interface {
	GetBatchLimitTokens(ctx context.Context, model string) (int64, error)
}

// TiktokenEstimator estimates tokens by BPE-encoding the payload text with
// the model's encoding. Encoders are cached per model.
type TiktokenEstimator struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewTiktokenEstimator creates an estimator with an empty encoder cache.
func NewTiktokenEstimator() *TiktokenEstimator {
	return &TiktokenEstimator{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// EstimateInputTokens encodes the payload and returns the token count.
// Unknown models fall back to the cl100k_base encoding; estimation is a
// capacity heuristic, not billing.
func (e *TiktokenEstimator) EstimateInputTokens(model string, payload []byte) (int64, error) {
	enc, err := e.encoder(model)
	if err != nil {
		return 0, err
	}
	return int64(len(enc.Encode(string(payload), nil, nil))), nil
}

func (e *TiktokenEstimator) encoder(model string) (*tiktoken.Tiktoken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encoders[model]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	e.encoders[model] = enc
	return enc, nil
}

// ConfigCapacityProvider serves limits from static configuration.
type ConfigCapacityProvider struct {
	cfg config.CapacityConfig
}

// NewConfigCapacityProvider creates a capacity provider over the config.
func NewConfigCapacityProvider(cfg config.CapacityConfig) *ConfigCapacityProvider {
	return &ConfigCapacityProvider{cfg: cfg}
}

// GetBatchLimitTokens returns the model's enqueued-token limit.
func (p *ConfigCapacityProvider) GetBatchLimitTokens(_ context.Context, model string) (int64, error) {
	return p.cfg.BatchLimitTokens(model), nil
}

var (
	_ Estimator        = (*TiktokenEstimator)(nil)
	_ CapacityProvider = (*ConfigCapacityProvider)(nil)
)
