package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/provider"
)

// UploadFile uploads a JSONL input file for batch processing and returns the
// provider file ID. The content is streamed through a pipe so batches near
// the 200 MiB cap are never buffered twice.
func (c *Client) UploadFile(ctx context.Context, content io.Reader, filename string) (_ string, err error) {
	defer func() { observe("upload_file", err) }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		if err := mw.WriteField("purpose", "batch"); err != nil {
			pw.CloseWithError(err)
			return
		}
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", pr)
	if err != nil {
		return "", errors.ErrInternal("failed to create upload request").WithCause(err)
	}

	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.do(c.httpClient, httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.handleErrorResponse(resp)
	}

	var fileResp fileUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&fileResp); err != nil {
		return "", errors.ErrProviderError("failed to decode upload response").WithCause(err)
	}

	return fileResp.ID, nil
}

// CreateBatch creates a new provider batch job over a previously uploaded
// input file.
func (c *Client) CreateBatch(ctx context.Context, inputFileID, endpoint string) (_ *provider.Batch, err error) {
	defer func() { observe("create_batch", err) }()

	createReq := batchCreateRequest{
		InputFileID:      inputFileID,
		Endpoint:         endpoint,
		CompletionWindow: "24h",
	}

	body, err := json.Marshal(createReq)
	if err != nil {
		return nil, errors.ErrInternal("failed to marshal batch request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batches", bytes.NewReader(body))
	if err != nil {
		return nil, errors.ErrInternal("failed to create request").WithCause(err)
	}

	c.setHeaders(httpReq)

	resp, err := c.do(c.httpClient, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp)
	}

	var batch batchObject
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, errors.ErrProviderError("failed to decode response").WithCause(err)
	}

	// The create response may carry a token_limit_exceeded error even with a
	// 200 status; surface it so admission can back off.
	pb := convertBatch(&batch)
	if pb.Status == provider.StatusFailed && pb.HasTokenLimitError() {
		return pb, errors.ErrTokenLimitExceeded(firstErrorMessage(pb))
	}

	return pb, nil
}

// GetBatch retrieves the status of a provider batch job.
func (c *Client) GetBatch(ctx context.Context, providerBatchID string) (_ *provider.Batch, err error) {
	defer func() { observe("get_batch", err) }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/batches/"+providerBatchID, nil)
	if err != nil {
		return nil, errors.ErrInternal("failed to create request").WithCause(err)
	}

	c.setHeaders(httpReq)

	resp, err := c.do(c.httpClient, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp)
	}

	var batch batchObject
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, errors.ErrProviderError("failed to decode response").WithCause(err)
	}

	return convertBatch(&batch), nil
}

// CancelBatch cancels a provider batch job. A 404 surfaces as a not-found
// error the caller treats as success.
func (c *Client) CancelBatch(ctx context.Context, providerBatchID string) (err error) {
	defer func() { observe("cancel_batch", err) }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batches/"+providerBatchID+"/cancel", nil)
	if err != nil {
		return errors.ErrInternal("failed to create request").WithCause(err)
	}

	c.setHeaders(httpReq)

	resp, err := c.do(c.httpClient, httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}

	return nil
}

// firstErrorMessage returns the first batch-level error message for logging.
func firstErrorMessage(b *provider.Batch) string {
	if len(b.Errors) > 0 {
		return b.Errors[0].Message
	}
	return "batch failed"
}
