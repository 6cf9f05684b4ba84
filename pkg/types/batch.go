// Package types defines the persistent domain model of the batch manager:
// batches, requests, their state machines, the transition audit records and
// the delivery configuration variants.
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Batch aggregates individually submitted requests into one asynchronous
// provider batch job. A batch exclusively owns its requests, transitions and
// (through requests) delivery attempts.
type Batch struct {
	ID    uuid.UUID  `json:"id"`
	Model string     `json:"model"`
	URL   string     `json:"url"`
	State BatchState `json:"state"`

	// Provider handles. ProviderBatchID is non-nil while the batch occupies
	// a provider queue slot (openai_processing through downloading).
	ProviderInputFileID  *string `json:"provider_input_file_id,omitempty"`
	ProviderOutputFileID *string `json:"provider_output_file_id,omitempty"`
	ProviderErrorFileID  *string `json:"provider_error_file_id,omitempty"`
	ProviderBatchID      *string `json:"provider_batch_id,omitempty"`

	// Aggregates maintained by store triggers on request writes. Application
	// code never sets these.
	RequestCount              int   `json:"request_count"`
	SizeBytes                 int64 `json:"size_bytes"`
	EstimatedInputTokensTotal int64 `json:"estimated_input_tokens_total"`

	// Counters reported by the provider while polling.
	ProviderRequestsCompleted int `json:"provider_requests_completed"`
	ProviderRequestsFailed    int `json:"provider_requests_failed"`
	ProviderRequestsTotal     int `json:"provider_requests_total"`

	// Token usage reported by the provider on completion.
	InputTokens     int64 `json:"input_tokens"`
	CachedTokens    int64 `json:"cached_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	OutputTokens    int64 `json:"output_tokens"`

	CapacityWaitReason       *string    `json:"capacity_wait_reason,omitempty"`
	TokenLimitRetryAttempts  int        `json:"token_limit_retry_attempts"`
	TokenLimitRetryNextAt    *time.Time `json:"token_limit_retry_next_at,omitempty"`
	TokenLimitRetryLastError *string    `json:"token_limit_retry_last_error,omitempty"`

	ErrorMsg *string `json:"error_msg,omitempty"`

	CreatedAt                   time.Time  `json:"created_at"`
	UpdatedAt                   time.Time  `json:"updated_at"`
	ExpiresAt                   *time.Time `json:"expires_at,omitempty"`
	ProviderStatusLastCheckedAt *time.Time `json:"provider_status_last_checked_at,omitempty"`
	WaitingForCapacitySinceAt   *time.Time `json:"waiting_for_capacity_since_at,omitempty"`
}

// Capacity wait reasons recorded on a batch in waiting_for_capacity.
const (
	WaitReasonInsufficientHeadroom = "insufficient_headroom"
	WaitReasonCapacityCheckFailed  = "capacity_check_failed"
	WaitReasonTokenLimitBackoff    = "token_limit_exceeded_backoff"
)

// Request is a single submitted inference request, owned by exactly one
// batch and correlated with its provider result via CustomID.
type Request struct {
	ID       uuid.UUID    `json:"id"`
	BatchID  uuid.UUID    `json:"batch_id"`
	CustomID string       `json:"custom_id"`
	URL      string       `json:"url"`
	Model    string       `json:"model"`
	State    RequestState `json:"state"`

	// RequestPayload is the canonical JSONL input line for the provider.
	// Its custom_id, url and body.model fields match the row's columns.
	RequestPayload     json.RawMessage `json:"request_payload"`
	RequestPayloadSize int64           `json:"request_payload_size"`

	// ResponsePayload is the full provider output line, non-nil exactly in
	// states openai_processed, delivering, delivered and delivery_failed.
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`

	EstimatedInputTokens        int64 `json:"estimated_input_tokens"`
	EstimatedRequestInputTokens int64 `json:"estimated_request_input_tokens"`

	DeliveryConfig DeliveryConfig `json:"delivery_config"`

	ErrorMsg             *string `json:"error_msg,omitempty"`
	DeliveryAttemptCount int     `json:"delivery_attempt_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchTransition is one append-only audit record per batch state change.
type BatchTransition struct {
	ID             int64      `json:"id"`
	BatchID        uuid.UUID  `json:"batch_id"`
	FromState      BatchState `json:"from_state"`
	ToState        BatchState `json:"to_state"`
	TransitionedAt time.Time  `json:"transitioned_at"`
}

// DeliveryOutcome classifies one delivery attempt.
type DeliveryOutcome string

const (
	DeliverySuccess               DeliveryOutcome = "success"
	DeliveryHTTPStatusNot2xx      DeliveryOutcome = "http_status_not_2xx"
	DeliveryConnectionError       DeliveryOutcome = "connection_error"
	DeliveryTimeout               DeliveryOutcome = "timeout"
	DeliveryQueueNotFound         DeliveryOutcome = "queue_not_found"
	DeliveryExchangeNotFound      DeliveryOutcome = "exchange_not_found"
	DeliveryRabbitMQNotConfigured DeliveryOutcome = "rabbitmq_not_configured"
	DeliveryOtherError            DeliveryOutcome = "other"
)

// RequestDeliveryAttempt is one append-only audit record per delivery try.
// Delivery failures live here and on the request state, never in the
// request's error_msg.
type RequestDeliveryAttempt struct {
	ID                     int64           `json:"id"`
	RequestID              uuid.UUID       `json:"request_id"`
	Outcome                DeliveryOutcome `json:"outcome"`
	DeliveryConfigSnapshot DeliveryConfig  `json:"delivery_config_snapshot"`
	ErrorMsg               *string         `json:"error_msg,omitempty"`
	AttemptedAt            time.Time       `json:"attempted_at"`
}
