package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

const requestColumns = `id, batch_id, custom_id, url, model, state,
	request_payload, request_payload_size, response_payload,
	estimated_input_tokens, estimated_request_input_tokens,
	delivery_config, error_msg, delivery_attempt_count, created_at, updated_at`

func scanRequest(row pgx.Row) (*types.Request, error) {
	var r types.Request
	var deliveryConfig []byte
	err := row.Scan(
		&r.ID, &r.BatchID, &r.CustomID, &r.URL, &r.Model, &r.State,
		&r.RequestPayload, &r.RequestPayloadSize, &r.ResponsePayload,
		&r.EstimatedInputTokens, &r.EstimatedRequestInputTokens,
		&deliveryConfig, &r.ErrorMsg, &r.DeliveryAttemptCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(deliveryConfig, &r.DeliveryConfig); err != nil {
		return nil, fmt.Errorf("decode delivery config: %w", err)
	}
	return &r, nil
}

// InsertRequest persists a new request in state pending. The insert and the
// trigger-driven aggregate bump commit in the same transaction; a custom_id
// collision surfaces as duplicate_custom_id without any partial write.
func (s *Store) InsertRequest(ctx context.Context, r *types.Request) (*types.Request, error) {
	cfg, err := r.DeliveryConfig.Value()
	if err != nil {
		return nil, apperrors.ErrInvalidDeliveryConfig("unencodable delivery config").WithCause(err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO requests (
			id, batch_id, custom_id, url, model, state,
			request_payload, request_payload_size,
			estimated_input_tokens, estimated_request_input_tokens, delivery_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+requestColumns,
		r.ID, r.BatchID, r.CustomID, r.URL, r.Model, types.RequestPending,
		r.RequestPayload, r.RequestPayloadSize,
		r.EstimatedInputTokens, r.EstimatedRequestInputTokens, cfg)

	out, err := scanRequest(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperrors.ErrDuplicateCustomID(r.CustomID)
		}
		return nil, fmt.Errorf("insert request: %w", err)
	}
	return out, nil
}

// GetRequest loads one request.
func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*types.Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrRequestNotFound(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

// RequestUpdate names the request columns mutable alongside a transition.
type RequestUpdate struct {
	ResponsePayload      json.RawMessage
	ClearResponsePayload bool
	ErrorMsg             *string
	ClearErrorMsg        bool
	IncDeliveryAttempts  bool
}

// TransitionRequest atomically validates and performs a request state change.
func (s *Store) TransitionRequest(ctx context.Context, id uuid.UUID, to types.RequestState, upd *RequestUpdate) (*types.Request, error) {
	var out *types.Request
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1 FOR UPDATE`, id)
		r, err := scanRequest(row)
		if err == pgx.ErrNoRows {
			return apperrors.ErrRequestNotFound(id.String())
		}
		if err != nil {
			return fmt.Errorf("lock request: %w", err)
		}

		if !r.State.CanTransition(to) {
			return apperrors.ErrInvalidTransition("request", string(r.State), string(to))
		}

		clauses := []string{"state = $1", "updated_at = now()"}
		args := []any{to}
		if upd != nil {
			if upd.ResponsePayload != nil {
				args = append(args, []byte(upd.ResponsePayload))
				clauses = append(clauses, fmt.Sprintf("response_payload = $%d", len(args)))
			}
			if upd.ClearResponsePayload {
				clauses = append(clauses, "response_payload = NULL")
			}
			if upd.ErrorMsg != nil {
				args = append(args, *upd.ErrorMsg)
				clauses = append(clauses, fmt.Sprintf("error_msg = $%d", len(args)))
			}
			if upd.ClearErrorMsg {
				clauses = append(clauses, "error_msg = NULL")
			}
			if upd.IncDeliveryAttempts {
				clauses = append(clauses, "delivery_attempt_count = delivery_attempt_count + 1")
			}
		}
		args = append(args, id)

		query := "UPDATE requests SET "
		for i, c := range clauses {
			if i > 0 {
				query += ", "
			}
			query += c
		}
		query += fmt.Sprintf(" WHERE id = $%d", len(args))

		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("update request: %w", err)
		}

		row = tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
		out, err = scanRequest(row)
		if err != nil {
			return fmt.Errorf("reload request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRequestsState bulk-moves a batch's requests from the given states to
// one target state. Used for set-level flows (submission, batch failure,
// cancellation) where per-row locking at 50k rows would be pointless.
// Moving into a state that does not carry a response payload nulls it out,
// so a cancelled or failed request never retains its provider response.
func (s *Store) MarkRequestsState(ctx context.Context, batchID uuid.UUID, from []types.RequestState, to types.RequestState) (int64, error) {
	query := `
		UPDATE requests SET state = $1, updated_at = now()
		 WHERE batch_id = $2 AND state = ANY($3)`
	if !to.CarriesResponse() {
		query = `
		UPDATE requests SET state = $1, response_payload = NULL, error_msg = NULL, updated_at = now()
		 WHERE batch_id = $2 AND state = ANY($3)`
	}
	tag, err := s.pool.Exec(ctx, query, to, batchID, requestStateStrings(from))
	if err != nil {
		return 0, fmt.Errorf("mark requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetRequestsToPending rewinds a batch's requests for re-submission,
// clearing error and response payloads. Requests already pending are left
// alone so the rewind is idempotent.
func (s *Store) ResetRequestsToPending(ctx context.Context, batchID uuid.UUID, from []types.RequestState) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE requests
		   SET state = $1, error_msg = NULL, response_payload = NULL, updated_at = now()
		 WHERE batch_id = $2 AND state = ANY($3)`,
		types.RequestPending, batchID, requestStateStrings(from))
	if err != nil {
		return 0, fmt.Errorf("reset requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountRequestsByState aggregates a batch's request states.
func (s *Store) CountRequestsByState(ctx context.Context, batchID uuid.UUID) (map[types.RequestState]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, COUNT(*) FROM requests WHERE batch_id = $1 GROUP BY state`, batchID)
	if err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}
	defer rows.Close()

	out := make(map[types.RequestState]int)
	for rows.Next() {
		var state types.RequestState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// ListRequestIDsInState streams the IDs of a batch's requests in a state,
// ordered by creation for deterministic enqueueing.
func (s *Store) ListRequestIDsInState(ctx context.Context, batchID uuid.UUID, state types.RequestState) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM requests WHERE batch_id = $1 AND state = $2 ORDER BY created_at, id`,
		batchID, state)
	if err != nil {
		return nil, fmt.Errorf("list request ids: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListRequests returns a page of a batch's requests in creation order.
func (s *Store) ListRequests(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*types.Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		  FROM requests WHERE batch_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		batchID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []*types.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RequestPayloads pages through the request_payload column of a batch's
// requests in the given state, in creation order. The upload renderer uses
// it to stream JSONL without loading full rows.
func (s *Store) RequestPayloads(ctx context.Context, batchID uuid.UUID, state types.RequestState, limit, offset int) ([]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_payload
		  FROM requests
		 WHERE batch_id = $1 AND state = $2
		 ORDER BY created_at, id LIMIT $3 OFFSET $4`,
		batchID, state, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("request payloads: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var p []byte
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(p))
	}
	return out, rows.Err()
}

// RequestRef is the per-custom_id lookup the reconciler works from.
type RequestRef struct {
	ID    uuid.UUID
	State types.RequestState
}

// GetRequestRefs resolves a batch's requests by custom_id.
func (s *Store) GetRequestRefs(ctx context.Context, batchID uuid.UUID, customIDs []string) (map[string]RequestRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT custom_id, id, state FROM requests WHERE batch_id = $1 AND custom_id = ANY($2)`,
		batchID, customIDs)
	if err != nil {
		return nil, fmt.Errorf("get request refs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]RequestRef, len(customIDs))
	for rows.Next() {
		var customID string
		var ref RequestRef
		if err := rows.Scan(&customID, &ref.ID, &ref.State); err != nil {
			return nil, err
		}
		out[customID] = ref
	}
	return out, rows.Err()
}

// RequestResult is one reconciled outcome to apply.
type RequestResult struct {
	ID              uuid.UUID
	ToState         types.RequestState
	ResponsePayload json.RawMessage
	ErrorMsg        *string
}

// ApplyRequestResults applies one reconciliation chunk in a single
// transaction. Rows that left the expected source state concurrently are
// skipped rather than failed, keeping re-application idempotent.
func (s *Store) ApplyRequestResults(ctx context.Context, results []RequestResult) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, res := range results {
			switch res.ToState {
			case types.RequestOpenAIProcessed:
				if _, err := tx.Exec(ctx, `
					UPDATE requests
					   SET state = $1, response_payload = $2, error_msg = NULL, updated_at = now()
					 WHERE id = $3 AND state = $4`,
					types.RequestOpenAIProcessed, []byte(res.ResponsePayload), res.ID, types.RequestOpenAIProcessing); err != nil {
					return fmt.Errorf("apply success: %w", err)
				}
			case types.RequestFailed:
				if _, err := tx.Exec(ctx, `
					UPDATE requests
					   SET state = $1, error_msg = $2, response_payload = NULL, updated_at = now()
					 WHERE id = $3 AND state = $4`,
					types.RequestFailed, res.ErrorMsg, res.ID, types.RequestOpenAIProcessing); err != nil {
					return fmt.Errorf("apply failure: %w", err)
				}
			default:
				return fmt.Errorf("unsupported result state %q", res.ToState)
			}
		}
		return nil
	})
}

// InsertDeliveryAttempt appends one delivery-attempt audit record.
func (s *Store) InsertDeliveryAttempt(ctx context.Context, a *types.RequestDeliveryAttempt) error {
	cfg, err := a.DeliveryConfigSnapshot.Value()
	if err != nil {
		return fmt.Errorf("encode delivery config snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO request_delivery_attempts (request_id, outcome, delivery_config_snapshot, error_msg)
		VALUES ($1, $2, $3, $4)`,
		a.RequestID, a.Outcome, cfg, a.ErrorMsg)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

// ListDeliveryAttempts returns a request's delivery audit in order.
func (s *Store) ListDeliveryAttempts(ctx context.Context, requestID uuid.UUID) ([]types.RequestDeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, outcome, delivery_config_snapshot, error_msg, attempted_at
		  FROM request_delivery_attempts WHERE request_id = $1 ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []types.RequestDeliveryAttempt
	for rows.Next() {
		var a types.RequestDeliveryAttempt
		var cfg []byte
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Outcome, &cfg, &a.ErrorMsg, &a.AttemptedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(cfg, &a.DeliveryConfigSnapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func requestStateStrings(states []types.RequestState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
