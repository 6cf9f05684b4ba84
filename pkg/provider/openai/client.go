// Package openai implements the provider.Client interface against the OpenAI
// Files and Batches APIs.
package openai

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/metrics"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/provider"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	// Hard timeouts for provider calls. Downloads get a longer budget
	// because result files can reach hundreds of megabytes.
	defaultTimeout  = 120 * time.Second
	downloadTimeout = 600 * time.Second
)

// Config holds the OpenAI client configuration.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// DownloadDir is where downloaded result files are written.
	// Defaults to the OS temp dir.
	DownloadDir string

	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Config)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithTimeout overrides the per-call hard timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithDownloadDir overrides where result files are written.
func WithDownloadDir(dir string) Option {
	return func(c *Config) { c.DownloadDir = dir }
}

// WithHTTPClient overrides the HTTP client (useful in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Config) { c.HTTPClient = hc }
}

// Client is an OpenAI Files + Batches API client.
type Client struct {
	config         Config
	httpClient     *http.Client
	downloadClient *http.Client
	baseURL        string
	breaker        *gobreaker.CircuitBreaker
}

// New creates a new OpenAI client.
func New(apiKey string, opts ...Option) *Client {
	cfg := Config{
		APIKey:  apiKey,
		Timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	baseURL := defaultBaseURL
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	downloadClient := cfg.HTTPClient
	if downloadClient == nil {
		downloadClient = &http.Client{Timeout: downloadTimeout}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openai",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		config:         cfg,
		httpClient:     httpClient,
		downloadClient: downloadClient,
		baseURL:        baseURL,
		breaker:        breaker,
	}
}

// do executes an HTTP request through the circuit breaker. Responses with a
// status code are not breaker failures; only transport errors trip it.
func (c *Client) do(client *http.Client, req *http.Request) (*http.Response, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return client.Do(req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errors.ErrProviderUnavailable("circuit breaker open").WithCause(err)
		}
		return nil, errors.ErrProviderUnavailable("request failed").WithCause(err)
	}
	return result.(*http.Response), nil
}

// observe counts one provider API call by operation and outcome.
func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ProviderCalls.WithLabelValues(op, outcome).Inc()
}

// setHeaders sets the required headers for OpenAI API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
}

// handleErrorResponse converts an error response to a BrokerError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		return c.mapAPIError(errResp.Error, resp.StatusCode)
	}

	return c.mapAPIError(&apiError{Message: string(body)}, resp.StatusCode)
}

// mapAPIError maps an OpenAI API error to a BrokerError. 5xx and 429 are
// transient; 404 is its own category because cancel and delete treat it as
// success; remaining 4xx are permanent.
func (c *Client) mapAPIError(apiErr *apiError, statusCode int) error {
	switch {
	case statusCode == http.StatusNotFound:
		return errors.ErrNotFound(apiErr.Message)
	case statusCode == http.StatusTooManyRequests:
		return errors.ErrProviderUnavailable(apiErr.Message).WithStatusCode(statusCode)
	case statusCode >= 500:
		return errors.ErrProviderUnavailable(apiErr.Message).WithStatusCode(statusCode)
	default:
		return errors.ErrProviderError(apiErr.Message).WithStatusCode(statusCode)
	}
}

// convertBatch converts an OpenAI batch object to the provider batch.
func convertBatch(b *batchObject) *provider.Batch {
	out := &provider.Batch{
		ID:           b.ID,
		Status:       provider.Status(b.Status),
		InputFileID:  b.InputFileID,
		OutputFileID: b.OutputFileID,
		ErrorFileID:  b.ErrorFileID,
	}

	if b.CreatedAt > 0 {
		out.CreatedAt = time.Unix(b.CreatedAt, 0)
	}
	if b.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(b.ExpiresAt, 0)
	}

	if b.RequestCounts != nil {
		out.RequestCounts = &provider.RequestCounts{
			Total:     b.RequestCounts.Total,
			Completed: b.RequestCounts.Completed,
			Failed:    b.RequestCounts.Failed,
		}
	}

	if b.Usage != nil {
		out.Usage = &provider.Usage{
			InputTokens:     b.Usage.InputTokens,
			CachedTokens:    b.Usage.InputTokensDetails.CachedTokens,
			OutputTokens:    b.Usage.OutputTokens,
			ReasoningTokens: b.Usage.OutputTokensDetails.ReasoningTokens,
		}
	}

	if b.Errors != nil {
		for _, e := range b.Errors.Data {
			out.Errors = append(out.Errors, provider.BatchError{
				Code:    e.Code,
				Message: e.Message,
				Param:   e.Param,
				Line:    e.Line,
			})
		}
	}

	return out
}

// Ensure Client implements provider.Client
var _ provider.Client = (*Client)(nil)
