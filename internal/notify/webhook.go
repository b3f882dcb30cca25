package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/marketledger/internal/circuitbreaker"
	"github.com/mbd888/marketledger/internal/retry"
)

// Webhook headers.
const (
	HeaderEvent     = "X-Marketledger-Event"
	HeaderDelivery  = "X-Marketledger-Delivery"
	HeaderTimestamp = "X-Marketledger-Timestamp"
	HeaderSignature = "X-Marketledger-Signature"
)

// WebhookSink POSTs events as signed JSON to one endpoint, typically the
// push/email gateway. Deliveries are retried on transport errors and 5xx
// responses and guarded by a circuit breaker.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// NewWebhookSink creates a sink for url, signing bodies with secret.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
}

// WithClient overrides the HTTP client.
func (s *WebhookSink) WithClient(c *http.Client) *WebhookSink {
	s.client = c
	return s
}

// WithRetry overrides the retry policy.
func (s *WebhookSink) WithRetry(p retry.Policy) *WebhookSink {
	s.policy = p
	return s
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, e *Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.breaker.Execute(s.Name(), func() error {
		return s.policy.Do(ctx, func(ctx context.Context) error {
			return s.post(ctx, e, body)
		})
	})
}

func (s *WebhookSink) post(ctx context.Context, e *Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, e.Kind)
	req.Header.Set(HeaderDelivery, e.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(e.Timestamp.Unix(), 10))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhook rejected event: status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret, as sent in
// the signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
