package openai

// Wire types for the OpenAI Files and Batches APIs.

// batchCreateRequest is the request to create a batch.
type batchCreateRequest struct {
	InputFileID      string `json:"input_file_id"`
	Endpoint         string `json:"endpoint"`
	CompletionWindow string `json:"completion_window"`
}

// batchObject is the OpenAI batch object.
type batchObject struct {
	ID               string         `json:"id"`
	Object           string         `json:"object"`
	Endpoint         string         `json:"endpoint"`
	Errors           *batchErrors   `json:"errors,omitempty"`
	InputFileID      string         `json:"input_file_id"`
	CompletionWindow string         `json:"completion_window"`
	Status           string         `json:"status"`
	OutputFileID     string         `json:"output_file_id,omitempty"`
	ErrorFileID      string         `json:"error_file_id,omitempty"`
	CreatedAt        int64          `json:"created_at"`
	ExpiresAt        int64          `json:"expires_at,omitempty"`
	CompletedAt      int64          `json:"completed_at,omitempty"`
	FailedAt         int64          `json:"failed_at,omitempty"`
	ExpiredAt        int64          `json:"expired_at,omitempty"`
	CancelledAt      int64          `json:"cancelled_at,omitempty"`
	RequestCounts    *requestCounts `json:"request_counts,omitempty"`
	Usage            *usageObject   `json:"usage,omitempty"`
}

// batchErrors contains batch-level errors.
type batchErrors struct {
	Object string       `json:"object"`
	Data   []batchError `json:"data"`
}

// batchError is a single batch error.
type batchError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// requestCounts tracks batch request progress.
type requestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// usageObject is the aggregated token usage reported on a finished batch.
type usageObject struct {
	InputTokens        int64 `json:"input_tokens"`
	OutputTokens       int64 `json:"output_tokens"`
	TotalTokens        int64 `json:"total_tokens"`
	InputTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokensDetails struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

// fileUploadResponse is the response from uploading a file.
type fileUploadResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
}

// errorResponse is the OpenAI error envelope.
type errorResponse struct {
	Error *apiError `json:"error,omitempty"`
}

// apiError is an OpenAI API error.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Param   string `json:"param,omitempty"`
	Code    any    `json:"code,omitempty"`
}
