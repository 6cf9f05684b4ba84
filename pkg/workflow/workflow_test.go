package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/capacity"
	apperrors "github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/provider"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/store"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

// fakeStore keeps batches and requests in memory and enforces the same
// transition legality as the real store.
type fakeStore struct {
	batches  map[uuid.UUID]*types.Batch
	requests map[uuid.UUID]*types.Request

	transitions []string // "<from>-><to>" in order
	lastUpdate  *store.BatchUpdate
	applied     []store.RequestResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches:  make(map[uuid.UUID]*types.Batch),
		requests: make(map[uuid.UUID]*types.Request),
	}
}

func (f *fakeStore) addBatch(b *types.Batch) *types.Batch {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	f.batches[b.ID] = b
	return b
}

func (f *fakeStore) addRequest(r *types.Request) *types.Request {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	f.requests[r.ID] = r
	return r
}

func (f *fakeStore) GetBatch(_ context.Context, id uuid.UUID) (*types.Batch, error) {
	b, ok := f.batches[id]
	if !ok {
		return nil, apperrors.ErrBatchNotFound(id.String())
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStore) TransitionBatch(_ context.Context, id uuid.UUID, to types.BatchState, upd *store.BatchUpdate) (*types.Batch, error) {
	b, ok := f.batches[id]
	if !ok {
		return nil, apperrors.ErrBatchNotFound(id.String())
	}
	if !b.State.CanTransition(to) {
		return nil, apperrors.ErrInvalidTransition("batch", string(b.State), string(to))
	}
	f.transitions = append(f.transitions, string(b.State)+"->"+string(to))
	b.State = to
	f.applyUpdate(b, upd)
	cp := *b
	return &cp, nil
}

func (f *fakeStore) UpdateBatch(_ context.Context, id uuid.UUID, upd *store.BatchUpdate) error {
	b, ok := f.batches[id]
	if !ok {
		return apperrors.ErrBatchNotFound(id.String())
	}
	f.applyUpdate(b, upd)
	return nil
}

func (f *fakeStore) applyUpdate(b *types.Batch, upd *store.BatchUpdate) {
	f.lastUpdate = upd
	if upd == nil {
		return
	}
	if upd.ProviderInputFileID != nil {
		b.ProviderInputFileID = upd.ProviderInputFileID
	}
	if upd.ProviderOutputFileID != nil {
		b.ProviderOutputFileID = upd.ProviderOutputFileID
	}
	if upd.ProviderErrorFileID != nil {
		b.ProviderErrorFileID = upd.ProviderErrorFileID
	}
	if upd.ProviderBatchID != nil {
		b.ProviderBatchID = upd.ProviderBatchID
	}
	if upd.ClearProviderIDs {
		b.ProviderBatchID = nil
		b.ProviderOutputFileID = nil
		b.ProviderErrorFileID = nil
		b.ProviderStatusLastCheckedAt = nil
	}
	if upd.ClearProviderInputFileID {
		b.ProviderInputFileID = nil
	}
	if upd.CapacityWaitReason != nil {
		b.CapacityWaitReason = upd.CapacityWaitReason
	}
	if upd.ClearCapacityWaitReason {
		b.CapacityWaitReason = nil
	}
	if upd.TokenLimitRetryAttempts != nil {
		b.TokenLimitRetryAttempts = *upd.TokenLimitRetryAttempts
	}
	if upd.TokenLimitRetryNextAt != nil {
		b.TokenLimitRetryNextAt = upd.TokenLimitRetryNextAt
	}
	if upd.ClearTokenLimitRetry {
		b.TokenLimitRetryAttempts = 0
		b.TokenLimitRetryNextAt = nil
		b.TokenLimitRetryLastError = nil
	}
	if upd.ErrorMsg != nil {
		b.ErrorMsg = upd.ErrorMsg
	}
	if upd.ExpiresAt != nil {
		b.ExpiresAt = upd.ExpiresAt
	}
	if upd.WaitingForCapacitySinceAt != nil {
		b.WaitingForCapacitySinceAt = upd.WaitingForCapacitySinceAt
	}
}

func (f *fakeStore) DeleteBatch(_ context.Context, id uuid.UUID) error {
	delete(f.batches, id)
	for rid, r := range f.requests {
		if r.BatchID == id {
			delete(f.requests, rid)
		}
	}
	return nil
}

func (f *fakeStore) ListBatchesInStates(_ context.Context, states ...types.BatchState) ([]*types.Batch, error) {
	var out []*types.Batch
	for _, b := range f.batches {
		for _, s := range states {
			if b.State == s {
				cp := *b
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ListStaleBuildingBatches(_ context.Context, cutoff time.Time) ([]*types.Batch, error) {
	var out []*types.Batch
	for _, b := range f.batches {
		if b.State == types.BatchBuilding && b.CreatedAt.Before(cutoff) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListExpiredBatches(_ context.Context, now time.Time) ([]*types.Batch, error) {
	var out []*types.Batch
	for _, b := range f.batches {
		if b.State.IsTerminal() && b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetRequest(_ context.Context, id uuid.UUID) (*types.Request, error) {
	r, ok := f.requests[id]
	if !ok {
		return nil, apperrors.ErrRequestNotFound(id.String())
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) TransitionRequest(_ context.Context, id uuid.UUID, to types.RequestState, upd *store.RequestUpdate) (*types.Request, error) {
	r, ok := f.requests[id]
	if !ok {
		return nil, apperrors.ErrRequestNotFound(id.String())
	}
	if !r.State.CanTransition(to) {
		return nil, apperrors.ErrInvalidTransition("request", string(r.State), string(to))
	}
	r.State = to
	if upd != nil && upd.IncDeliveryAttempts {
		r.DeliveryAttemptCount++
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) MarkRequestsState(_ context.Context, batchID uuid.UUID, from []types.RequestState, to types.RequestState) (int64, error) {
	var n int64
	for _, r := range f.requests {
		if r.BatchID != batchID {
			continue
		}
		for _, s := range from {
			if r.State == s {
				r.State = to
				if !to.CarriesResponse() {
					r.ResponsePayload = nil
					r.ErrorMsg = nil
				}
				n++
				break
			}
		}
	}
	return n, nil
}

func (f *fakeStore) ResetRequestsToPending(_ context.Context, batchID uuid.UUID, from []types.RequestState) (int64, error) {
	var n int64
	for _, r := range f.requests {
		if r.BatchID != batchID {
			continue
		}
		for _, s := range from {
			if r.State == s {
				r.State = types.RequestPending
				r.ErrorMsg = nil
				r.ResponsePayload = nil
				n++
				break
			}
		}
	}
	return n, nil
}

func (f *fakeStore) CountRequestsByState(_ context.Context, batchID uuid.UUID) (map[types.RequestState]int, error) {
	out := make(map[types.RequestState]int)
	for _, r := range f.requests {
		if r.BatchID == batchID {
			out[r.State]++
		}
	}
	return out, nil
}

func (f *fakeStore) ListRequestIDsInState(_ context.Context, batchID uuid.UUID, state types.RequestState) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, r := range f.requests {
		if r.BatchID == batchID && r.State == state {
			out = append(out, r.ID)
		}
	}
	return out, nil
}

func (f *fakeStore) RequestPayloads(_ context.Context, batchID uuid.UUID, state types.RequestState, limit, offset int) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for _, r := range f.requests {
		if r.BatchID == batchID && r.State == state {
			all = append(all, r.RequestPayload)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeStore) GetRequestRefs(_ context.Context, batchID uuid.UUID, customIDs []string) (map[string]store.RequestRef, error) {
	out := make(map[string]store.RequestRef)
	for _, r := range f.requests {
		if r.BatchID != batchID {
			continue
		}
		for _, cid := range customIDs {
			if r.CustomID == cid {
				out[cid] = store.RequestRef{ID: r.ID, State: r.State}
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ApplyRequestResults(_ context.Context, results []store.RequestResult) error {
	f.applied = append(f.applied, results...)
	for _, res := range results {
		r, ok := f.requests[res.ID]
		if !ok || r.State != types.RequestOpenAIProcessing {
			continue
		}
		r.State = res.ToState
		r.ResponsePayload = res.ResponsePayload
		r.ErrorMsg = res.ErrorMsg
	}
	return nil
}

// fakeProvider scripts provider responses.
type fakeProvider struct {
	batch       *provider.Batch
	getErr      error
	uploaded    []string
	created     int
	createErr   error
	cancelled   []string
	cancelErr   error
	deleted     []string
	downloadMap map[string]string // fileID -> local path
}

func (f *fakeProvider) UploadFile(_ context.Context, content io.Reader, filename string) (string, error) {
	if _, err := io.Copy(io.Discard, content); err != nil {
		return "", err
	}
	f.uploaded = append(f.uploaded, filename)
	return "file_new", nil
}

func (f *fakeProvider) CreateBatch(_ context.Context, inputFileID, _ string) (*provider.Batch, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &provider.Batch{ID: "pb_" + inputFileID, Status: provider.StatusValidating,
		ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

func (f *fakeProvider) GetBatch(_ context.Context, _ string) (*provider.Batch, error) {
	return f.batch, f.getErr
}

func (f *fakeProvider) DownloadFile(_ context.Context, fileID string) (string, error) {
	path, ok := f.downloadMap[fileID]
	if !ok {
		return "", apperrors.ErrNotFound("file " + fileID)
	}
	return path, nil
}

func (f *fakeProvider) DeleteFile(_ context.Context, fileID string) error {
	f.deleted = append(f.deleted, fileID)
	return nil
}

func (f *fakeProvider) CancelBatch(_ context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeQueue struct {
	enqueued  []string // kind
	cancelled []string // tags
}

func (f *fakeQueue) Enqueue(_ context.Context, kind string, _ any, _ jobs.Options) error {
	f.enqueued = append(f.enqueued, kind)
	return nil
}

func (f *fakeQueue) CancelByTag(_ context.Context, tag string) error {
	f.cancelled = append(f.cancelled, tag)
	return nil
}

type fakeAdmitter struct{ decision capacity.Decision }

func (f fakeAdmitter) Check(context.Context, *types.Batch) capacity.Decision { return f.decision }

func newTestEngine(st *fakeStore, p *fakeProvider, q *fakeQueue, adm Admitter) *Engine {
	if adm == nil {
		adm = fakeAdmitter{decision: capacity.Decision{Admit: true}}
	}
	return NewEngine(st, p, q, adm, zap.NewNop())
}

func strptr(s string) *string { return &s }

func TestPollCompletedAdvancesToDownload(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchOpenAIProcessing, Model: "m",
		ProviderBatchID: strptr("pb_1")})
	q := &fakeQueue{}
	p := &fakeProvider{batch: &provider.Batch{
		Status:        provider.StatusCompleted,
		OutputFileID:  "out_1",
		RequestCounts: &provider.RequestCounts{Total: 2, Completed: 2},
		Usage:         &provider.Usage{InputTokens: 123, OutputTokens: 45},
	}}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.handlePollStatus(context.Background(), mustBatch(t, st, b.ID)))

	got := st.batches[b.ID]
	assert.Equal(t, types.BatchOpenAICompleted, got.State)
	assert.Equal(t, "out_1", *got.ProviderOutputFileID)
	assert.Contains(t, q.enqueued, KindDownloadResults)
}

func TestPollInProgressOnlyPersistsCounters(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchOpenAIProcessing, Model: "m",
		ProviderBatchID: strptr("pb_1")})
	q := &fakeQueue{}
	p := &fakeProvider{batch: &provider.Batch{
		Status:        provider.StatusInProgress,
		RequestCounts: &provider.RequestCounts{Total: 5, Completed: 2},
	}}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.handlePollStatus(context.Background(), mustBatch(t, st, b.ID)))
	assert.Equal(t, types.BatchOpenAIProcessing, st.batches[b.ID].State)
	assert.Empty(t, st.transitions)
	assert.Empty(t, q.enqueued)
}

func TestPollFailedMarksBatchAndRequests(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchOpenAIProcessing, Model: "m",
		ProviderBatchID: strptr("pb_1")})
	r := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "c1", State: types.RequestOpenAIProcessing})
	q := &fakeQueue{}
	p := &fakeProvider{batch: &provider.Batch{
		Status: provider.StatusFailed,
		Errors: []provider.BatchError{{Code: "server_error", Message: "boom"}},
	}}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.handlePollStatus(context.Background(), mustBatch(t, st, b.ID)))

	assert.Equal(t, types.BatchFailed, st.batches[b.ID].State)
	assert.Contains(t, *st.batches[b.ID].ErrorMsg, "server_error")
	assert.Equal(t, types.RequestFailed, st.requests[r.ID].State)
}

func TestTokenLimitRetryFlow(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchOpenAIProcessing, Model: "m",
		ProviderBatchID:     strptr("pb_1"),
		ProviderInputFileID: strptr("in_1")})
	r := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "c1", State: types.RequestOpenAIProcessing})
	q := &fakeQueue{}
	p := &fakeProvider{batch: &provider.Batch{
		Status: provider.StatusFailed,
		Errors: []provider.BatchError{{Code: provider.ErrCodeTokenLimitExceeded, Message: "enqueued token limit reached"}},
	}}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.handlePollStatus(context.Background(), mustBatch(t, st, b.ID)))

	got := st.batches[b.ID]
	assert.Equal(t, types.BatchWaitingForCapacity, got.State)
	assert.Equal(t, 1, got.TokenLimitRetryAttempts)
	require.NotNil(t, got.TokenLimitRetryNextAt)
	wantDelay := 5 * time.Minute
	assert.WithinDuration(t, time.Now().Add(wantDelay), *got.TokenLimitRetryNextAt, 10*time.Second)
	assert.Equal(t, types.WaitReasonTokenLimitBackoff, *got.CapacityWaitReason)
	assert.Nil(t, got.ProviderBatchID, "provider batch handle must be dropped")
	assert.NotNil(t, got.ProviderInputFileID, "input file is kept for re-submission")
	assert.Equal(t, types.RequestPending, st.requests[r.ID].State)
}

func TestTokenLimitRetriesExhausted(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchOpenAIProcessing, Model: "m",
		ProviderBatchID:         strptr("pb_1"),
		TokenLimitRetryAttempts: 5})
	r := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "c1", State: types.RequestOpenAIProcessing})
	q := &fakeQueue{}
	p := &fakeProvider{batch: &provider.Batch{
		Status: provider.StatusFailed,
		Errors: []provider.BatchError{{Code: provider.ErrCodeTokenLimitExceeded}},
	}}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.handlePollStatus(context.Background(), mustBatch(t, st, b.ID)))

	got := st.batches[b.ID]
	assert.Equal(t, types.BatchFailed, got.State)
	assert.Contains(t, *got.ErrorMsg, "retries exhausted")
	assert.Equal(t, types.RequestFailed, st.requests[r.ID].State)
}

func TestPollExpiredWithPartialResults(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchOpenAIProcessing, Model: "m",
		ProviderBatchID: strptr("pb_1")})
	q := &fakeQueue{}
	p := &fakeProvider{batch: &provider.Batch{
		Status:       provider.StatusExpired,
		OutputFileID: "out_1",
	}}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.handlePollStatus(context.Background(), mustBatch(t, st, b.ID)))

	assert.Equal(t, types.BatchExpired, st.batches[b.ID].State)
	assert.Contains(t, q.enqueued, KindProcessExpiredBatch)
}

func TestPollExpiredWithoutResultsResubmits(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchOpenAIProcessing, Model: "m",
		ProviderBatchID:     strptr("pb_1"),
		ProviderInputFileID: strptr("in_1")})
	r := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "c1", State: types.RequestOpenAIProcessing})
	q := &fakeQueue{}
	p := &fakeProvider{batch: &provider.Batch{Status: provider.StatusExpired}}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.handlePollStatus(context.Background(), mustBatch(t, st, b.ID)))

	got := st.batches[b.ID]
	assert.Equal(t, types.BatchUploading, got.State)
	assert.NotNil(t, got.ProviderInputFileID, "full resubmission reuses the uploaded file")
	assert.Nil(t, got.ProviderBatchID)
	assert.Equal(t, types.RequestPending, st.requests[r.ID].State)
	assert.Contains(t, q.enqueued, KindUpload)
}

func TestCreateProviderBatchParksWithoutHeadroom(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchUploaded, Model: "m",
		ProviderInputFileID: strptr("in_1")})
	q := &fakeQueue{}
	p := &fakeProvider{}
	e := newTestEngine(st, p, q, fakeAdmitter{decision: capacity.Decision{
		Admit: false, WaitReason: types.WaitReasonInsufficientHeadroom,
	}})

	require.NoError(t, e.handleCreateProviderBatch(context.Background(), mustBatch(t, st, b.ID)))

	got := st.batches[b.ID]
	assert.Equal(t, types.BatchWaitingForCapacity, got.State)
	assert.Equal(t, types.WaitReasonInsufficientHeadroom, *got.CapacityWaitReason)
	assert.NotNil(t, got.WaitingForCapacitySinceAt)
	assert.Equal(t, 0, p.created, "no provider call when parked")
}

func TestSubmitToProviderAdmitted(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchWaitingForCapacity, Model: "m",
		ProviderInputFileID: strptr("in_1")})
	r := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "c1", State: types.RequestPending})
	q := &fakeQueue{}
	p := &fakeProvider{}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.SubmitToProvider(context.Background(), b.ID))

	got := st.batches[b.ID]
	assert.Equal(t, types.BatchOpenAIProcessing, got.State)
	assert.Equal(t, "pb_in_1", *got.ProviderBatchID)
	assert.Equal(t, types.RequestOpenAIProcessing, st.requests[r.ID].State)
	assert.Contains(t, q.enqueued, KindPollStatus)
}

func TestExhaustedStepFailsBatch(t *testing.T) {
	tests := []struct {
		name  string
		state types.BatchState
		kind  string
	}{
		{"upload", types.BatchUploading, KindUpload},
		{"create provider batch", types.BatchUploaded, KindCreateProviderBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore()
			b := st.addBatch(&types.Batch{State: tt.state, Model: "m"})
			r := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "a", State: types.RequestPending})
			e := newTestEngine(st, &fakeProvider{}, &fakeQueue{}, nil)

			args, err := json.Marshal(batchArgs{BatchID: b.ID})
			require.NoError(t, err)
			job := &jobs.Job{Kind: tt.kind, Args: args, Attempt: 3, MaxAttempts: 3}
			e.failBatchHook(context.Background(), job, apperrors.ErrProviderError("file rejected"))

			got := st.batches[b.ID]
			assert.Equal(t, types.BatchFailed, got.State)
			require.NotNil(t, got.ErrorMsg)
			assert.Contains(t, *got.ErrorMsg, "file rejected")
			assert.Equal(t, types.RequestFailed, st.requests[r.ID].State)
		})
	}
}

func resultLine(customID string, statusCode int) string {
	return fmt.Sprintf(`{"id":"resp_%s","custom_id":%q,"response":{"status_code":%d,"body":{"ok":true}},"error":null}`,
		customID, customID, statusCode)
}

func errorLine(customID, code string) string {
	return fmt.Sprintf(`{"id":"resp_%s","custom_id":%q,"response":null,"error":{"code":%q}}`,
		customID, customID, code)
}

func writeTempJSONL(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.jsonl")
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestReconcileClassifiesLines(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchDownloading, Model: "m"})
	ok := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "a", State: types.RequestOpenAIProcessing})
	rate := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "b", State: types.RequestOpenAIProcessing})
	badStatus := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "c", State: types.RequestOpenAIProcessing})
	e := newTestEngine(st, &fakeProvider{}, &fakeQueue{}, nil)

	path := writeTempJSONL(t,
		resultLine("a", 200),
		errorLine("b", "rate_limited"),
		resultLine("c", 500),
		`not json at all`,
		resultLine("ghost", 200), // unknown custom_id
	)

	require.NoError(t, e.reconcileLocalFile(context.Background(), b.ID, path, false))

	assert.Equal(t, types.RequestOpenAIProcessed, st.requests[ok.ID].State)
	assert.JSONEq(t, resultLine("a", 200), string(st.requests[ok.ID].ResponsePayload))

	assert.Equal(t, types.RequestFailed, st.requests[rate.ID].State)
	require.NotNil(t, st.requests[rate.ID].ErrorMsg)
	assert.Contains(t, *st.requests[rate.ID].ErrorMsg, "rate_limited")

	assert.Equal(t, types.RequestFailed, st.requests[badStatus.ID].State)
}

func TestReconcileErrorFileIsAlwaysFailure(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchDownloading, Model: "m"})
	r := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "a", State: types.RequestOpenAIProcessing})
	e := newTestEngine(st, &fakeProvider{}, &fakeQueue{}, nil)

	// even a 200-looking line in the error file counts as failed
	path := writeTempJSONL(t, resultLine("a", 200))
	require.NoError(t, e.reconcileLocalFile(context.Background(), b.ID, path, true))

	assert.Equal(t, types.RequestFailed, st.requests[r.ID].State)
}

func TestReconcileIsIdempotent(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchDownloading, Model: "m"})
	ok := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "a", State: types.RequestOpenAIProcessing})
	failed := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "b", State: types.RequestOpenAIProcessing})
	e := newTestEngine(st, &fakeProvider{}, &fakeQueue{}, nil)

	path := writeTempJSONL(t, resultLine("a", 200), errorLine("b", "x"))

	require.NoError(t, e.reconcileLocalFile(context.Background(), b.ID, path, false))
	firstApplied := len(st.applied)

	require.NoError(t, e.reconcileLocalFile(context.Background(), b.ID, path, false))

	assert.Equal(t, firstApplied, len(st.applied), "second pass must settle nothing new")
	assert.Equal(t, types.RequestOpenAIProcessed, st.requests[ok.ID].State)
	assert.Equal(t, types.RequestFailed, st.requests[failed.ID].State)
}

func TestProcessDownloadedFileMarksLeftoversFailed(t *testing.T) {
	st := newFakeStore()
	path := writeTempJSONL(t, resultLine("a", 200))
	b := st.addBatch(&types.Batch{State: types.BatchDownloading, Model: "m",
		ProviderOutputFileID: strptr("out_1")})
	answered := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "a", State: types.RequestOpenAIProcessing})
	ghost := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "b", State: types.RequestOpenAIProcessing})
	q := &fakeQueue{}
	p := &fakeProvider{downloadMap: map[string]string{"out_1": path}}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.handleProcessDownloadedFile(context.Background(), mustBatch(t, st, b.ID)))

	assert.Equal(t, types.BatchReadyToDeliver, st.batches[b.ID].State)
	assert.Equal(t, types.RequestOpenAIProcessed, st.requests[answered.ID].State)
	assert.Equal(t, types.RequestFailed, st.requests[ghost.ID].State)
	assert.Contains(t, q.enqueued, KindStartDelivering)
}

func TestProcessExpiredBatchResubmitsLeftovers(t *testing.T) {
	st := newFakeStore()
	path := writeTempJSONL(t, resultLine("a", 200))
	b := st.addBatch(&types.Batch{State: types.BatchExpired, Model: "m",
		ProviderInputFileID:  strptr("in_1"),
		ProviderOutputFileID: strptr("out_1")})
	answered := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "a", State: types.RequestOpenAIProcessing})
	leftover := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "b", State: types.RequestOpenAIProcessing})
	q := &fakeQueue{}
	p := &fakeProvider{downloadMap: map[string]string{"out_1": path}}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.handleProcessExpiredBatch(context.Background(), mustBatch(t, st, b.ID)))

	got := st.batches[b.ID]
	assert.Equal(t, types.BatchUploading, got.State)
	assert.Nil(t, got.ProviderInputFileID, "partial resubmission needs a fresh file")
	assert.Equal(t, types.RequestOpenAIProcessed, st.requests[answered.ID].State)
	assert.Equal(t, types.RequestPending, st.requests[leftover.ID].State)
	assert.Contains(t, q.enqueued, KindUpload)
}

func TestProcessExpiredBatchFinalizesWhenNothingLeft(t *testing.T) {
	st := newFakeStore()
	path := writeTempJSONL(t, resultLine("a", 200))
	b := st.addBatch(&types.Batch{State: types.BatchExpired, Model: "m",
		ProviderOutputFileID: strptr("out_1")})
	st.addRequest(&types.Request{BatchID: b.ID, CustomID: "a", State: types.RequestOpenAIProcessing})
	q := &fakeQueue{}
	p := &fakeProvider{downloadMap: map[string]string{"out_1": path}}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.handleProcessExpiredBatch(context.Background(), mustBatch(t, st, b.ID)))

	assert.Equal(t, types.BatchReadyToDeliver, st.batches[b.ID].State)
	assert.Contains(t, q.enqueued, KindStartDelivering)
}

func TestCheckDeliveryCompletion(t *testing.T) {
	tests := []struct {
		name   string
		states []types.RequestState
		want   types.BatchState
	}{
		{"all delivered", []types.RequestState{types.RequestDelivered, types.RequestDelivered}, types.BatchDelivered},
		{"zero requests", nil, types.BatchDelivered},
		{"none delivered", []types.RequestState{types.RequestDeliveryFailed, types.RequestFailed}, types.BatchDeliveryFailed},
		{"mixed", []types.RequestState{types.RequestDelivered, types.RequestFailed}, types.BatchPartiallyDelivered},
		{"expired counts as failed", []types.RequestState{types.RequestDelivered, types.RequestExpired}, types.BatchPartiallyDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore()
			b := st.addBatch(&types.Batch{State: types.BatchDelivering, Model: "m"})
			for i, s := range tt.states {
				st.addRequest(&types.Request{BatchID: b.ID, CustomID: fmt.Sprintf("c%d", i), State: s})
			}
			e := newTestEngine(st, &fakeProvider{}, &fakeQueue{}, nil)

			require.NoError(t, e.handleCheckDeliveryCompletion(context.Background(), mustBatch(t, st, b.ID)))
			assert.Equal(t, tt.want, st.batches[b.ID].State)
		})
	}
}

func TestCheckDeliveryCompletionWaitsForInFlight(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchDelivering, Model: "m"})
	st.addRequest(&types.Request{BatchID: b.ID, CustomID: "a", State: types.RequestDelivered})
	st.addRequest(&types.Request{BatchID: b.ID, CustomID: "b", State: types.RequestDelivering})
	e := newTestEngine(st, &fakeProvider{}, &fakeQueue{}, nil)

	require.NoError(t, e.handleCheckDeliveryCompletion(context.Background(), mustBatch(t, st, b.ID)))
	assert.Equal(t, types.BatchDelivering, st.batches[b.ID].State)
}

func TestRedeliver(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchPartiallyDelivered, Model: "m"})
	failed := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "a", State: types.RequestDeliveryFailed,
		ResponsePayload: json.RawMessage(`{"custom_id":"a"}`)})
	delivered := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "b", State: types.RequestDelivered})
	q := &fakeQueue{}
	e := newTestEngine(st, &fakeProvider{}, q, nil)

	require.NoError(t, e.Redeliver(context.Background(), b.ID))

	assert.Equal(t, types.BatchDelivering, st.batches[b.ID].State)
	assert.Equal(t, types.RequestOpenAIProcessed, st.requests[failed.ID].State)
	assert.Equal(t, types.RequestDelivered, st.requests[delivered.ID].State, "already delivered requests are untouched")
	assert.Contains(t, q.enqueued, KindDeliver)
}

func TestRedeliverRejectsWrongState(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchOpenAIProcessing, Model: "m"})
	e := newTestEngine(st, &fakeProvider{}, &fakeQueue{}, nil)

	err := e.Redeliver(context.Background(), b.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidTransition(err))
}

func TestCancelBatch(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchOpenAIProcessing, Model: "m",
		ProviderBatchID: strptr("pb_1")})
	r := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "a", State: types.RequestOpenAIProcessing})
	answered := st.addRequest(&types.Request{BatchID: b.ID, CustomID: "b", State: types.RequestOpenAIProcessed,
		ResponsePayload: json.RawMessage(`{"custom_id":"b"}`)})
	q := &fakeQueue{}
	p := &fakeProvider{}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.CancelBatch(context.Background(), b.ID))

	assert.Equal(t, types.BatchCancelled, st.batches[b.ID].State)
	assert.Equal(t, []string{"pb_1"}, p.cancelled)
	assert.Equal(t, types.RequestCancelled, st.requests[r.ID].State)
	assert.Equal(t, types.RequestCancelled, st.requests[answered.ID].State)
	assert.Nil(t, st.requests[answered.ID].ResponsePayload, "cancelled request must not retain a response")
	assert.Equal(t, []string{batchTag(b.ID)}, q.cancelled)
}

func TestCancelBatchAcceptsProviderNotFound(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchOpenAIProcessing, Model: "m",
		ProviderBatchID: strptr("pb_1")})
	q := &fakeQueue{}
	p := &fakeProvider{cancelErr: apperrors.ErrNotFound("gone")}
	e := newTestEngine(st, p, q, nil)

	require.NoError(t, e.CancelBatch(context.Background(), b.ID))
	assert.Equal(t, types.BatchCancelled, st.batches[b.ID].State)
}

func TestCancelBatchAbortsOnProviderError(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchOpenAIProcessing, Model: "m",
		ProviderBatchID: strptr("pb_1")})
	q := &fakeQueue{}
	p := &fakeProvider{cancelErr: apperrors.ErrProviderUnavailable("503")}
	e := newTestEngine(st, p, q, nil)

	require.Error(t, e.CancelBatch(context.Background(), b.ID))
	assert.Equal(t, types.BatchOpenAIProcessing, st.batches[b.ID].State, "state unchanged on abort")
}

func TestCancelBatchRejectsTerminal(t *testing.T) {
	st := newFakeStore()
	b := st.addBatch(&types.Batch{State: types.BatchDelivered, Model: "m"})
	e := newTestEngine(st, &fakeProvider{}, &fakeQueue{}, nil)

	err := e.CancelBatch(context.Background(), b.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidTransition(err))
}

func mustBatch(t *testing.T, st *fakeStore, id uuid.UUID) *types.Batch {
	t.Helper()
	b, err := st.GetBatch(context.Background(), id)
	require.NoError(t, err)
	return b
}
