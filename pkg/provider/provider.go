// Package provider defines the interface the batch workflow consumes to talk
// to the upstream Batch API, plus the wire types shared with it.
package provider

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Status is the provider-side status of a batch job.
type Status string

const (
	StatusValidating Status = "validating"
	StatusInProgress Status = "in_progress"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
)

// IsDone returns true if the provider batch is in a terminal status.
func (s Status) IsDone() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// RequestCounts tracks provider-side batch request progress.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Usage is the token usage the provider reports for a batch.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	CachedTokens    int64 `json:"cached_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
}

// BatchError is a single provider batch-level error.
type BatchError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ErrCodeTokenLimitExceeded is the provider error code signalling that the
// per-model enqueued-token limit was hit. It triggers the backoff-and-retry
// flow instead of a hard failure.
const ErrCodeTokenLimitExceeded = "token_limit_exceeded"

// Batch is the provider's view of a batch job.
type Batch struct {
	ID           string
	Status       Status
	InputFileID  string
	OutputFileID string
	ErrorFileID  string

	RequestCounts *RequestCounts
	Usage         *Usage
	Errors        []BatchError

	CreatedAt time.Time
	ExpiresAt time.Time
}

// HasTokenLimitError reports whether any batch-level error is the
// enqueued-token limit error.
func (b *Batch) HasTokenLimitError() bool {
	for _, e := range b.Errors {
		if e.Code == ErrCodeTokenLimitExceeded {
			return true
		}
	}
	return false
}

// Client is the provider interface consumed by the batch workflow.
//
// Every method carries a hard timeout internally; DownloadFile writes the
// file to local disk and returns its path so large result files are never
// held in memory.
type Client interface {
	UploadFile(ctx context.Context, content io.Reader, filename string) (fileID string, err error)
	CreateBatch(ctx context.Context, inputFileID, endpoint string) (*Batch, error)
	GetBatch(ctx context.Context, providerBatchID string) (*Batch, error)
	DownloadFile(ctx context.Context, fileID string) (localPath string, err error)
	DeleteFile(ctx context.Context, fileID string) error
	CancelBatch(ctx context.Context, providerBatchID string) error
}

// ResultLine is one line of a provider JSONL result file.
//
// Error is null, a string or an object on the wire, so it is kept raw.
type ResultLine struct {
	ID       string          `json:"id"`
	CustomID string          `json:"custom_id"`
	Response *ResultResponse `json:"response"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// ResultResponse is the response part of a result line.
type ResultResponse struct {
	StatusCode int             `json:"status_code"`
	RequestID  string          `json:"request_id,omitempty"`
	Body       json.RawMessage `json:"body"`
}

// IsError classifies a result line: a non-null top-level error, a non-200
// status code, a missing response, or an error field inside the body all
// count as failures.
func (l *ResultLine) IsError() bool {
	if len(l.Error) > 0 && string(l.Error) != "null" {
		return true
	}
	if l.Response == nil {
		return true
	}
	if l.Response.StatusCode != 200 {
		return true
	}
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(l.Response.Body, &body); err == nil {
		if len(body.Error) > 0 && string(body.Error) != "null" {
			return true
		}
	}
	return false
}
