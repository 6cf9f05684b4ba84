package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/config"
	apperrors "github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

type fakeStore struct {
	batches  map[uuid.UUID]*types.Batch
	inserted []*types.Request
	seen     map[string]bool // batch_id|custom_id
	// building holds the current building batch per url|model key
	building map[string]uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches:  make(map[uuid.UUID]*types.Batch),
		seen:     make(map[string]bool),
		building: make(map[string]uuid.UUID),
	}
}

func (f *fakeStore) FindBuildingBatch(_ context.Context, url, model string) (*types.Batch, error) {
	id, ok := f.building[url+"|"+model]
	if !ok {
		return nil, nil
	}
	// return a snapshot, like a row read does
	cp := *f.batches[id]
	return &cp, nil
}

func (f *fakeStore) CreateBatch(_ context.Context, model, url string) (*types.Batch, error) {
	b := &types.Batch{ID: uuid.New(), Model: model, URL: url, State: types.BatchBuilding}
	f.batches[b.ID] = b
	f.building[url+"|"+model] = b.ID
	cp := *b
	return &cp, nil
}

func (f *fakeStore) InsertRequest(_ context.Context, r *types.Request) (*types.Request, error) {
	key := r.BatchID.String() + "|" + r.CustomID
	if f.seen[key] {
		return nil, apperrors.ErrDuplicateCustomID(r.CustomID)
	}
	f.seen[key] = true
	r.State = types.RequestPending
	f.inserted = append(f.inserted, r)
	// mimic the aggregate triggers
	b := f.batches[r.BatchID]
	b.RequestCount++
	b.SizeBytes += r.RequestPayloadSize
	b.EstimatedInputTokensTotal += r.EstimatedInputTokens
	return r, nil
}

type fakePromoter struct {
	store    *fakeStore
	promoted []uuid.UUID
}

func (f *fakePromoter) StartUpload(_ context.Context, batchID uuid.UUID) error {
	f.promoted = append(f.promoted, batchID)
	b := f.store.batches[batchID]
	b.State = types.BatchUploading
	delete(f.store.building, b.URL+"|"+b.Model)
	return nil
}

type fixedEstimator struct{ tokens int64 }

func (f fixedEstimator) EstimateInputTokens(string, []byte) (int64, error) {
	return f.tokens, nil
}

type fixedCapacity struct{ limit int64 }

func (f fixedCapacity) GetBatchLimitTokens(context.Context, string) (int64, error) {
	return f.limit, nil
}

func payloadFor(customID, url, model string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"custom_id":%q,"method":"POST","url":%q,"body":{"model":%q,"messages":[]}}`,
		customID, url, model))
}

func webhook() types.DeliveryConfig {
	return types.DeliveryConfig{Type: types.DeliveryTypeWebhook, URL: "https://example.com/hook"}
}

func newTestBuilder(limit int64) (*Builder, *fakeStore, *fakePromoter) {
	st := newFakeStore()
	pr := &fakePromoter{store: st}
	b := New(st, pr, fixedEstimator{tokens: 100}, fixedCapacity{limit: limit}, zap.NewNop())
	return b, st, pr
}

func TestAddRequestHappyPath(t *testing.T) {
	b, st, pr := newTestBuilder(1_000_000)

	req, err := b.AddRequest(context.Background(), SubmitParams{
		URL:            "/v1/chat/completions",
		Model:          "gpt-4o",
		CustomID:       "c1",
		RequestPayload: payloadFor("c1", "/v1/chat/completions", "gpt-4o"),
		DeliveryConfig: webhook(),
	})
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, types.RequestPending, req.State)
	assert.Equal(t, int64(100), req.EstimatedInputTokens)
	assert.Len(t, st.inserted, 1)
	assert.Empty(t, pr.promoted)

	batch := st.batches[req.BatchID]
	assert.Equal(t, 1, batch.RequestCount)
	assert.Equal(t, req.RequestPayloadSize, batch.SizeBytes)
}

func TestAddRequestValidation(t *testing.T) {
	b, _, _ := newTestBuilder(1_000_000)
	ctx := context.Background()

	tests := []struct {
		name     string
		params   SubmitParams
		wantCode string
	}{
		{
			"missing fields",
			SubmitParams{},
			apperrors.ErrCodeInvalidPayload,
		},
		{
			"bad delivery config",
			SubmitParams{
				URL: "/u", Model: "m", CustomID: "c",
				RequestPayload: payloadFor("c", "/u", "m"),
				DeliveryConfig: types.DeliveryConfig{Type: "smtp"},
			},
			apperrors.ErrCodeInvalidDeliveryConfig,
		},
		{
			"custom_id mismatch",
			SubmitParams{
				URL: "/u", Model: "m", CustomID: "c",
				RequestPayload: payloadFor("other", "/u", "m"),
				DeliveryConfig: webhook(),
			},
			apperrors.ErrCodeInvalidPayload,
		},
		{
			"model mismatch",
			SubmitParams{
				URL: "/u", Model: "m", CustomID: "c",
				RequestPayload: payloadFor("c", "/u", "different"),
				DeliveryConfig: webhook(),
			},
			apperrors.ErrCodeInvalidPayload,
		},
		{
			"url mismatch",
			SubmitParams{
				URL: "/u", Model: "m", CustomID: "c",
				RequestPayload: payloadFor("c", "/other", "m"),
				DeliveryConfig: webhook(),
			},
			apperrors.ErrCodeInvalidPayload,
		},
		{
			"invalid json",
			SubmitParams{
				URL: "/u", Model: "m", CustomID: "c",
				RequestPayload: json.RawMessage(`{nope`),
				DeliveryConfig: webhook(),
			},
			apperrors.ErrCodeInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.AddRequest(ctx, tt.params)
			require.Error(t, err)
			var berr *apperrors.BrokerError
			require.ErrorAs(t, err, &berr)
			assert.Equal(t, tt.wantCode, berr.Code)
		})
	}
}

func TestPayloadCanonicalized(t *testing.T) {
	b, st, _ := newTestBuilder(1_000_000)

	spaced := json.RawMessage(`{
		"custom_id": "c1",
		"method": "POST",
		"url": "/u",
		"body": { "model": "m" }
	}`)
	req, err := b.AddRequest(context.Background(), SubmitParams{
		URL: "/u", Model: "m", CustomID: "c1",
		RequestPayload: spaced,
		DeliveryConfig: webhook(),
	})
	require.NoError(t, err)
	assert.NotContains(t, string(req.RequestPayload), "\n")
	assert.Equal(t, int64(len(st.inserted[0].RequestPayload)), req.RequestPayloadSize)
}

func TestRotateByTokens(t *testing.T) {
	b, st, pr := newTestBuilder(300)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		customID := fmt.Sprintf("c%d", i)
		_, err := b.AddRequest(ctx, SubmitParams{
			URL: "/u", Model: "m", CustomID: customID,
			RequestPayload: payloadFor(customID, "/u", "m"),
			DeliveryConfig: webhook(),
		})
		require.NoError(t, err)
	}

	// The third insert reads a pre-insert total of 200; 200+100 reaches the
	// 300-token limit and rotates the batch after the insert.
	require.Len(t, pr.promoted, 1)
	rotated := st.batches[pr.promoted[0]]
	assert.Equal(t, types.BatchUploading, rotated.State)
	assert.Equal(t, 3, rotated.RequestCount)
}

func TestRotateBySize(t *testing.T) {
	b, st, pr := newTestBuilder(1_000_000)
	ctx := context.Background()

	// First request, then inflate the batch's recorded size to just under
	// the cap so the next payload would overflow it.
	first, err := b.AddRequest(ctx, SubmitParams{
		URL: "/u", Model: "m", CustomID: "c1",
		RequestPayload: payloadFor("c1", "/u", "m"),
		DeliveryConfig: webhook(),
	})
	require.NoError(t, err)
	st.batches[first.BatchID].SizeBytes = config.MaxBatchBytes - 10

	second, err := b.AddRequest(ctx, SubmitParams{
		URL: "/u", Model: "m", CustomID: "c2",
		RequestPayload: payloadFor("c2", "/u", "m"),
		DeliveryConfig: webhook(),
	})
	require.NoError(t, err)

	require.Len(t, pr.promoted, 1)
	assert.Equal(t, first.BatchID, pr.promoted[0])
	assert.NotEqual(t, first.BatchID, second.BatchID, "second request must land in a fresh batch")
}

func TestRotateByCount(t *testing.T) {
	b, st, pr := newTestBuilder(1 << 50)
	ctx := context.Background()

	for i := 0; i < config.MaxRequestsPerBatch+1; i++ {
		customID := fmt.Sprintf("c%d", i)
		_, err := b.AddRequest(ctx, SubmitParams{
			URL: "/u", Model: "m", CustomID: customID,
			RequestPayload: payloadFor(customID, "/u", "m"),
			DeliveryConfig: webhook(),
		})
		require.NoError(t, err)
	}

	// Request cap+1 promotes the full batch and lands in a fresh one.
	require.Len(t, pr.promoted, 1)
	full := st.batches[pr.promoted[0]]
	assert.Equal(t, types.BatchUploading, full.State)
	assert.Equal(t, config.MaxRequestsPerBatch, full.RequestCount)

	last := st.inserted[len(st.inserted)-1]
	require.NotEqual(t, full.ID, last.BatchID)
	assert.Equal(t, types.BatchBuilding, st.batches[last.BatchID].State)
	assert.Equal(t, 1, st.batches[last.BatchID].RequestCount)
}

func TestRejectOversizedPayload(t *testing.T) {
	b, st, pr := newTestBuilder(1_000_000)

	_, err := b.AddRequest(context.Background(), SubmitParams{
		URL: "/u", Model: "m", CustomID: "c1",
		RequestPayload: json.RawMessage(make([]byte, config.MaxBatchBytes+1)),
		DeliveryConfig: webhook(),
	})
	require.Error(t, err)
	var berr *apperrors.BrokerError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, apperrors.ErrCodeBatchSizeWouldExceed, berr.Code)
	assert.Empty(t, st.inserted)
	assert.Empty(t, pr.promoted)
}

func TestDuplicateCustomID(t *testing.T) {
	b, _, _ := newTestBuilder(1_000_000)
	ctx := context.Background()

	params := SubmitParams{
		URL: "/u", Model: "m", CustomID: "c1",
		RequestPayload: payloadFor("c1", "/u", "m"),
		DeliveryConfig: webhook(),
	}
	_, err := b.AddRequest(ctx, params)
	require.NoError(t, err)

	_, err = b.AddRequest(ctx, params)
	require.Error(t, err)
	var berr *apperrors.BrokerError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, apperrors.ErrCodeDuplicateCustomID, berr.Code)
}

func TestDifferentKeysUseDifferentBatches(t *testing.T) {
	b, _, _ := newTestBuilder(1_000_000)
	ctx := context.Background()

	a, err := b.AddRequest(ctx, SubmitParams{
		URL: "/u", Model: "m1", CustomID: "c1",
		RequestPayload: payloadFor("c1", "/u", "m1"),
		DeliveryConfig: webhook(),
	})
	require.NoError(t, err)

	c, err := b.AddRequest(ctx, SubmitParams{
		URL: "/u", Model: "m2", CustomID: "c1",
		RequestPayload: payloadFor("c1", "/u", "m2"),
		DeliveryConfig: webhook(),
	})
	require.NoError(t, err)

	assert.NotEqual(t, a.BatchID, c.BatchID)
}
