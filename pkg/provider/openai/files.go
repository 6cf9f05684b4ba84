package openai

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/errors"
)

// DownloadFile streams a provider file to local disk and returns its path.
// The caller owns the file and removes it after reconciliation.
func (c *Client) DownloadFile(ctx context.Context, fileID string) (_ string, err error) {
	defer func() { observe("download_file", err) }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+fileID+"/content", nil)
	if err != nil {
		return "", errors.ErrInternal("failed to create request").WithCause(err)
	}

	c.setHeaders(httpReq)

	resp, err := c.do(c.downloadClient, httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.handleErrorResponse(resp)
	}

	dir := c.config.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}

	f, err := os.CreateTemp(dir, "batch-"+fileID+"-*.jsonl")
	if err != nil {
		return "", errors.ErrInternal("failed to create download file").WithCause(err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", errors.ErrProviderUnavailable("download interrupted").WithCause(err)
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", errors.ErrInternal("failed to close download file").WithCause(err)
	}

	return f.Name(), nil
}

// DeleteFile deletes a provider file. Callers treat not-found as success.
func (c *Client) DeleteFile(ctx context.Context, fileID string) (err error) {
	defer func() { observe("delete_file", err) }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/files/"+fileID, nil)
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
