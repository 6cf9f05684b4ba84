package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/types"
)

const webhookTimeout = 30 * time.Second

// WebhookSink POSTs result lines to the URL named in a request's
// delivery config. Any 2xx response counts as delivered.
type WebhookSink struct {
	client *http.Client
	logger *zap.Logger
}

func NewWebhookSink(logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger,
	}
}

// Deliver posts payload to url and classifies the outcome. The returned
// error becomes the error_msg on the delivery-attempt audit record.
func (s *WebhookSink) Deliver(ctx context.Context, url string, payload []byte) (types.DeliveryOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return types.DeliveryOtherError, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return classifyTransportError(err), fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return types.DeliverySuccess, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return types.DeliveryHTTPStatusNot2xx, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
}

func classifyTransportError(err error) types.DeliveryOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.DeliveryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.DeliveryTimeout
	}
	return types.DeliveryConnectionError
}
