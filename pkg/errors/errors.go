// Package errors provides unified error types for the batch manager.
package errors

import (
	"errors"
	"fmt"
)

// Error codes
const (
	ErrCodeInvalidPayload        = "invalid_payload"
	ErrCodeInvalidDeliveryConfig = "invalid_delivery_config"
	ErrCodeDuplicateCustomID     = "duplicate_custom_id"
	ErrCodeBatchNotFound         = "batch_not_found"
	ErrCodeRequestNotFound       = "request_not_found"
	ErrCodeBatchNotBuilding      = "batch_not_building"
	ErrCodeBatchFull             = "batch_full"
	ErrCodeBatchSizeWouldExceed  = "batch_size_would_exceed"
	ErrCodeInvalidTransition     = "invalid_transition"
	ErrCodeProviderUnavailable   = "provider_unavailable"
	ErrCodeProviderError         = "provider_error"
	ErrCodeTokenLimitExceeded    = "token_limit_exceeded"
	ErrCodeNotFound              = "not_found"
	ErrCodeTimeout               = "timeout"
	ErrCodeInternal              = "internal_error"
)

// BrokerError is the base error type for all batch manager errors.
type BrokerError struct {
	// Error code for programmatic handling
	Code string `json:"code"`

	// Human-readable error message
	Message string `json:"message"`

	// HTTP status code from the provider (if applicable)
	StatusCode int `json:"status_code,omitempty"`

	// Original error
	Cause error `json:"-"`

	// Additional details
	Details map[string]any `json:"details,omitempty"`
}

func (e *BrokerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target error by code.
func (e *BrokerError) Is(target error) bool {
	var t *BrokerError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a new BrokerError.
func NewError(code, message string) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
	}
}

// WithCause adds the underlying cause to the error.
func (e *BrokerError) WithCause(err error) *BrokerError {
	e.Cause = err
	return e
}

// WithStatusCode adds an HTTP status code to the error.
func (e *BrokerError) WithStatusCode(code int) *BrokerError {
	e.StatusCode = code
	return e
}

// WithDetails adds additional details to the error.
func (e *BrokerError) WithDetails(details map[string]any) *BrokerError {
	e.Details = details
	return e
}

// Common error constructors

// ErrInvalidPayload creates a submit-time payload validation error.
func ErrInvalidPayload(message string) *BrokerError {
	return NewError(ErrCodeInvalidPayload, message)
}

// ErrInvalidDeliveryConfig creates a delivery config validation error.
func ErrInvalidDeliveryConfig(message string) *BrokerError {
	return NewError(ErrCodeInvalidDeliveryConfig, message)
}

// ErrDuplicateCustomID reports a custom_id collision within a batch.
func ErrDuplicateCustomID(customID string) *BrokerError {
	return NewError(ErrCodeDuplicateCustomID, fmt.Sprintf("custom_id already exists in batch: %s", customID))
}

// ErrBatchNotFound reports an unknown batch.
func ErrBatchNotFound(id string) *BrokerError {
	return NewError(ErrCodeBatchNotFound, fmt.Sprintf("batch not found: %s", id)).WithStatusCode(404)
}

// ErrRequestNotFound reports an unknown request.
func ErrRequestNotFound(id string) *BrokerError {
	return NewError(ErrCodeRequestNotFound, fmt.Sprintf("request not found: %s", id)).WithStatusCode(404)
}

// ErrBatchNotBuilding reports a submit against a batch that stopped accepting.
func ErrBatchNotBuilding(id string) *BrokerError {
	return NewError(ErrCodeBatchNotBuilding, fmt.Sprintf("batch is no longer building: %s", id))
}

// ErrBatchFull reports the per-batch request cap being reached.
func ErrBatchFull(max int) *BrokerError {
	return NewError(ErrCodeBatchFull, fmt.Sprintf("batch request cap reached: %d", max))
}

// ErrBatchSizeWouldExceed reports the per-batch byte cap being reached.
func ErrBatchSizeWouldExceed(max int64) *BrokerError {
	return NewError(ErrCodeBatchSizeWouldExceed, fmt.Sprintf("batch size cap would be exceeded: %d bytes", max))
}

// ErrInvalidTransition reports an illegal state machine transition. It is a
// programming error path and leaves state unchanged.
func ErrInvalidTransition(entity, from, to string) *BrokerError {
	return NewError(ErrCodeInvalidTransition, fmt.Sprintf("illegal %s transition: %s -> %s", entity, from, to))
}

// ErrProviderUnavailable creates a transient provider error.
func ErrProviderUnavailable(message string) *BrokerError {
	return NewError(ErrCodeProviderUnavailable, message)
}

// ErrProviderError creates a permanent provider error.
func ErrProviderError(message string) *BrokerError {
	return NewError(ErrCodeProviderError, message)
}

// ErrTokenLimitExceeded reports the provider's enqueued-token limit error.
func ErrTokenLimitExceeded(message string) *BrokerError {
	return NewError(ErrCodeTokenLimitExceeded, message)
}

// ErrNotFound reports a missing provider resource (file or batch).
func ErrNotFound(message string) *BrokerError {
	return NewError(ErrCodeNotFound, message).WithStatusCode(404)
}

// ErrTimeout reports an external call exceeding its hard timeout.
func ErrTimeout(message string) *BrokerError {
	return NewError(ErrCodeTimeout, message)
}

// ErrInternal wraps an unexpected internal failure.
func ErrInternal(message string) *BrokerError {
	return NewError(ErrCodeInternal, message)
}

// code extracts the broker error code, or "" for foreign errors.
func code(err error) string {
	var berr *BrokerError
	if errors.As(err, &berr) {
		return berr.Code
	}
	return ""
}

// IsNotFound returns true for provider 404s and unknown entities.
func IsNotFound(err error) bool {
	switch code(err) {
	case ErrCodeNotFound, ErrCodeBatchNotFound, ErrCodeRequestNotFound:
		return true
	}
	return false
}

// IsRetryable returns true if the error is potentially transient.
func IsRetryable(err error) bool {
	switch code(err) {
	case ErrCodeProviderUnavailable, ErrCodeTimeout:
		return true
	}
	return false
}

// IsTokenLimitExceeded returns true when the provider rejected a batch for
// the per-model enqueued-token limit.
func IsTokenLimitExceeded(err error) bool {
	return code(err) == ErrCodeTokenLimitExceeded
}

// IsInvalidTransition returns true for illegal state machine transitions.
func IsInvalidTransition(err error) bool {
	return code(err) == ErrCodeInvalidTransition
}

// IsValidation returns true for submit-time validation failures.
func IsValidation(err error) bool {
	switch code(err) {
	case ErrCodeInvalidPayload, ErrCodeInvalidDeliveryConfig, ErrCodeDuplicateCustomID,
		ErrCodeBatchFull, ErrCodeBatchSizeWouldExceed, ErrCodeBatchNotBuilding:
		return true
	}
	return false
}
