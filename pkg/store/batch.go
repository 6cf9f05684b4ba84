package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/metrics"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

const batchColumns = `id, model, url, state,
	provider_input_file_id, provider_output_file_id, provider_error_file_id, provider_batch_id,
	request_count, size_bytes, estimated_input_tokens_total,
	provider_requests_completed, provider_requests_failed, provider_requests_total,
	input_tokens, cached_tokens, reasoning_tokens, output_tokens,
	capacity_wait_reason, token_limit_retry_attempts, token_limit_retry_next_at, token_limit_retry_last_error,
	error_msg, created_at, updated_at, expires_at, provider_status_last_checked_at, waiting_for_capacity_since_at`

func scanBatch(row pgx.Row) (*types.Batch, error) {
	var b types.Batch
	err := row.Scan(
		&b.ID, &b.Model, &b.URL, &b.State,
		&b.ProviderInputFileID, &b.ProviderOutputFileID, &b.ProviderErrorFileID, &b.ProviderBatchID,
		&b.RequestCount, &b.SizeBytes, &b.EstimatedInputTokensTotal,
		&b.ProviderRequestsCompleted, &b.ProviderRequestsFailed, &b.ProviderRequestsTotal,
		&b.InputTokens, &b.CachedTokens, &b.ReasoningTokens, &b.OutputTokens,
		&b.CapacityWaitReason, &b.TokenLimitRetryAttempts, &b.TokenLimitRetryNextAt, &b.TokenLimitRetryLastError,
		&b.ErrorMsg, &b.CreatedAt, &b.UpdatedAt, &b.ExpiresAt, &b.ProviderStatusLastCheckedAt, &b.WaitingForCapacitySinceAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// BatchUpdate names the batch columns a caller may mutate alongside a state
// change. Nil pointer fields are left untouched; the Clear flags set groups
// of nullable columns back to NULL. The trigger-owned aggregates are not
// listed here on purpose.
type BatchUpdate struct {
	ProviderInputFileID  *string
	ProviderOutputFileID *string
	ProviderErrorFileID  *string
	ProviderBatchID      *string

	// ClearProviderIDs nulls provider_batch_id, provider_output_file_id,
	// provider_error_file_id and provider_status_last_checked_at (token-limit
	// retry and full re-submission keep the input file).
	ClearProviderIDs bool

	// ClearProviderInputFileID additionally nulls the input file id, forcing
	// the next upload to render a fresh JSONL (partial re-submission).
	ClearProviderInputFileID bool

	ProviderRequestsCompleted *int
	ProviderRequestsFailed    *int
	ProviderRequestsTotal     *int

	InputTokens     *int64
	CachedTokens    *int64
	ReasoningTokens *int64
	OutputTokens    *int64

	CapacityWaitReason      *string
	ClearCapacityWaitReason bool

	TokenLimitRetryAttempts  *int
	TokenLimitRetryNextAt    *time.Time
	TokenLimitRetryLastError *string
	ClearTokenLimitRetry     bool

	ErrorMsg      *string
	ClearErrorMsg bool

	ExpiresAt                   *time.Time
	ProviderStatusLastCheckedAt *time.Time
	WaitingForCapacitySinceAt   *time.Time
}

// set builds the UPDATE clause for the batch update.
func (u *BatchUpdate) set() (clauses []string, args []any) {
	add := func(col string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	setNull := func(col string) {
		clauses = append(clauses, col+" = NULL")
	}

	if u == nil {
		return nil, nil
	}
	if u.ProviderInputFileID != nil {
		add("provider_input_file_id", *u.ProviderInputFileID)
	}
	if u.ProviderOutputFileID != nil {
		add("provider_output_file_id", *u.ProviderOutputFileID)
	}
	if u.ProviderErrorFileID != nil {
		add("provider_error_file_id", *u.ProviderErrorFileID)
	}
	if u.ProviderBatchID != nil {
		add("provider_batch_id", *u.ProviderBatchID)
	}
	if u.ClearProviderIDs {
		setNull("provider_batch_id")
		setNull("provider_output_file_id")
		setNull("provider_error_file_id")
		setNull("provider_status_last_checked_at")
	}
	if u.ClearProviderInputFileID {
		setNull("provider_input_file_id")
	}
	if u.ProviderRequestsCompleted != nil {
		add("provider_requests_completed", *u.ProviderRequestsCompleted)
	}
	if u.ProviderRequestsFailed != nil {
		add("provider_requests_failed", *u.ProviderRequestsFailed)
	}
	if u.ProviderRequestsTotal != nil {
		add("provider_requests_total", *u.ProviderRequestsTotal)
	}
	if u.InputTokens != nil {
		add("input_tokens", *u.InputTokens)
	}
	if u.CachedTokens != nil {
		add("cached_tokens", *u.CachedTokens)
	}
	if u.ReasoningTokens != nil {
		add("reasoning_tokens", *u.ReasoningTokens)
	}
	if u.OutputTokens != nil {
		add("output_tokens", *u.OutputTokens)
	}
	if u.CapacityWaitReason != nil {
		add("capacity_wait_reason", *u.CapacityWaitReason)
	}
	if u.ClearCapacityWaitReason {
		setNull("capacity_wait_reason")
	}
	if u.TokenLimitRetryAttempts != nil {
		add("token_limit_retry_attempts", *u.TokenLimitRetryAttempts)
	}
	if u.TokenLimitRetryNextAt != nil {
		add("token_limit_retry_next_at", *u.TokenLimitRetryNextAt)
	}
	if u.TokenLimitRetryLastError != nil {
		add("token_limit_retry_last_error", *u.TokenLimitRetryLastError)
	}
	if u.ClearTokenLimitRetry {
		clauses = append(clauses, "token_limit_retry_attempts = 0")
		setNull("token_limit_retry_next_at")
		setNull("token_limit_retry_last_error")
	}
	if u.ErrorMsg != nil {
		add("error_msg", *u.ErrorMsg)
	}
	if u.ClearErrorMsg {
		setNull("error_msg")
	}
	if u.ExpiresAt != nil {
		add("expires_at", *u.ExpiresAt)
	}
	if u.ProviderStatusLastCheckedAt != nil {
		add("provider_status_last_checked_at", *u.ProviderStatusLastCheckedAt)
	}
	if u.WaitingForCapacitySinceAt != nil {
		add("waiting_for_capacity_since_at", *u.WaitingForCapacitySinceAt)
	}
	return clauses, args
}

// CreateBatch inserts a new batch in state building.
func (s *Store) CreateBatch(ctx context.Context, model, url string) (*types.Batch, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO batches (id, model, url, state)
		VALUES ($1, $2, $3, $4)
		RETURNING `+batchColumns,
		uuid.New(), model, url, types.BatchBuilding)
	b, err := scanBatch(row)
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	return b, nil
}

// GetBatch loads one batch.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*types.Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrBatchNotFound(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// FindBuildingBatch returns the building batch for (url, model), or nil when
// none exists. A batch already at a cap is still returned: the builder
// rotates it under its own lock before inserting.
func (s *Store) FindBuildingBatch(ctx context.Context, url, model string) (*types.Batch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+batchColumns+`
		  FROM batches
		 WHERE url = $1 AND model = $2 AND state = $3
		 LIMIT 1`,
		url, model, types.BatchBuilding)
	b, err := scanBatch(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find building batch: %w", err)
	}
	return b, nil
}

// TransitionBatch atomically validates and performs a state transition,
// applies the accompanying column updates and appends the audit record.
// Illegal transitions fail with invalid_transition and change nothing.
func (s *Store) TransitionBatch(ctx context.Context, id uuid.UUID, to types.BatchState, upd *BatchUpdate) (*types.Batch, error) {
	var out *types.Batch
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, id)
		b, err := scanBatch(row)
		if err == pgx.ErrNoRows {
			return apperrors.ErrBatchNotFound(id.String())
		}
		if err != nil {
			return fmt.Errorf("lock batch: %w", err)
		}

		from := b.State
		if !from.CanTransition(to) {
			return apperrors.ErrInvalidTransition("batch", string(from), string(to))
		}

		clauses, args := upd.set()
		args = append(args, to)
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
		clauses = append(clauses, "updated_at = now()")
		args = append(args, id)

		query := "UPDATE batches SET "
		for i, c := range clauses {
			if i > 0 {
				query += ", "
			}
			query += c
		}
		query += fmt.Sprintf(" WHERE id = $%d", len(args))

		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("update batch: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO batch_transitions (batch_id, from_state, to_state) VALUES ($1, $2, $3)`,
			id, from, to); err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}

		row = tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
		out, err = scanBatch(row)
		if err != nil {
			return fmt.Errorf("reload batch: %w", err)
		}

		metrics.BatchTransitions.WithLabelValues(string(from), string(to)).Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateBatch applies column updates without a state change (poll counter
// merges while the batch stays in openai_processing).
func (s *Store) UpdateBatch(ctx context.Context, id uuid.UUID, upd *BatchUpdate) error {
	clauses, args := upd.set()
	if len(clauses) == 0 {
		return nil
	}
	clauses = append(clauses, "updated_at = now()")
	args = append(args, id)

	query := "UPDATE batches SET "
	for i, c := range clauses {
		if i > 0 {
			query += ", "
		}
		query += c
	}
	query += fmt.Sprintf(" WHERE id = $%d", len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrBatchNotFound(id.String())
	}
	return nil
}

// SetCapacityWaitReason records why a parked batch keeps waiting.
func (s *Store) SetCapacityWaitReason(ctx context.Context, id uuid.UUID, reason string) error {
	return s.UpdateBatch(ctx, id, &BatchUpdate{CapacityWaitReason: &reason})
}

// DeleteBatch removes the batch row; requests, transitions and delivery
// attempts cascade.
func (s *Store) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	return nil
}

func (s *Store) queryBatches(ctx context.Context, query string, args ...any) ([]*types.Batch, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []*types.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBatchesInStates returns all batches in any of the given states.
func (s *Store) ListBatchesInStates(ctx context.Context, states ...types.BatchState) ([]*types.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM batches WHERE state = ANY($1) ORDER BY created_at, id`,
		batchStateStrings(states))
}

// ListBatches returns batches page by creation time, newest first.
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]*types.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limit, offset)
}

// ListWaitingForCapacity returns a model's parked batches, oldest wait first.
func (s *Store) ListWaitingForCapacity(ctx context.Context, model string) ([]*types.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+`
		  FROM batches
		 WHERE model = $1 AND state = $2
		 ORDER BY waiting_for_capacity_since_at ASC NULLS LAST, id ASC`,
		model, types.BatchWaitingForCapacity)
}

// WaitingModels returns the models that currently have parked batches.
func (s *Store) WaitingModels(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT model FROM batches WHERE state = $1`, types.BatchWaitingForCapacity)
	if err != nil {
		return nil, fmt.Errorf("waiting models: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReservedTokens sums the estimated tokens of the model's batches that
// occupy provider queue slots, excluding one batch (the admission candidate).
func (s *Store) ReservedTokens(ctx context.Context, model string, exclude uuid.UUID) (int64, error) {
	var reserved int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(estimated_input_tokens_total), 0)
		  FROM batches
		 WHERE model = $1 AND state = ANY($2) AND id <> $3`,
		model, batchStateStrings(types.ActiveBatchStates), exclude).Scan(&reserved)
	if err != nil {
		return 0, fmt.Errorf("reserved tokens: %w", err)
	}
	return reserved, nil
}

// ListStaleBuildingBatches returns building batches created before cutoff.
func (s *Store) ListStaleBuildingBatches(ctx context.Context, cutoff time.Time) ([]*types.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM batches WHERE state = $1 AND created_at < $2`,
		types.BatchBuilding, cutoff)
}

// ListExpiredBatches returns terminal batches whose retention window has
// passed. Batches still in flight past their expiry are left for the status
// poller, which sees the provider-side expiration first.
func (s *Store) ListExpiredBatches(ctx context.Context, now time.Time) ([]*types.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+`
		  FROM batches
		 WHERE expires_at IS NOT NULL AND expires_at < $1 AND state = ANY($2)`,
		now, batchStateStrings(types.TerminalBatchStates))
}

// ListTransitions returns a batch's audit chain in order.
func (s *Store) ListTransitions(ctx context.Context, batchID uuid.UUID) ([]types.BatchTransition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, from_state, to_state, transitioned_at
		  FROM batch_transitions WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []types.BatchTransition
	for rows.Next() {
		var t types.BatchTransition
		if err := rows.Scan(&t.ID, &t.BatchID, &t.FromState, &t.ToState, &t.TransitionedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func batchStateStrings(states []types.BatchState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
