package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fernhill/crmhooks/internal/models"
	"github.com/fernhill/crmhooks/internal/signing"
)

type SendResult struct {
	StatusCode   int
	ResponseBody string
	LatencyMs    int64
	Error        string
}

// Success reports a 2xx response. A transport-level failure leaves
// StatusCode at 0 and is never a success.
func (r *SendResult) Success() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *SendResult) Describe() string {
	if r.Error != "" {
		return r.Error
	}
	return fmt.Sprintf("received status %d", r.StatusCode)
}

type Sender struct {
	client         *http.Client
	defaultTimeout time.Duration
	maxBodyBytes   int64
}

func NewSender(defaultTimeout time.Duration, maxBodyBytes int64) *Sender {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1024
	}
	return &Sender{
		// Per-call deadlines come from the subscription; the client itself
		// carries no timeout so a generous subscription is not clipped.
		client:         &http.Client{},
		defaultTimeout: defaultTimeout,
		maxBodyBytes:   maxBodyBytes,
	}
}

// Send posts body to the subscription URL with the signed header set. The
// signature covers exactly the bytes transmitted. Custom subscription
// headers are applied first so they can never shadow the reserved ones.
func (s *Sender) Send(ctx context.Context, sub *models.WebhookSubscription, payloadID string, event models.EventType, retryCount int, body []byte) *SendResult {
	ctx, cancel := context.WithTimeout(ctx, sub.Timeout(s.defaultTimeout))
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return &SendResult{
			Error:     fmt.Sprintf("failed to create request: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}

	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "crmhooks/1.0")
	req.Header.Set("X-Webhook-Signature", signing.Sign(sub.Secret, body))
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Webhook-Id", payloadID)
	req.Header.Set("X-Webhook-Event", string(event))
	req.Header.Set("X-Webhook-Retry-Count", fmt.Sprintf("%d", retryCount))

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendResult{
			Error:     fmt.Sprintf("request failed: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, s.maxBodyBytes))

	return &SendResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
		LatencyMs:    time.Since(start).Milliseconds(),
	}
}
