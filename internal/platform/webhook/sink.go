// Package webhook delivers rendered notifications to an HTTP endpoint, such
// as an SMS or WhatsApp gateway. Each request body is signed with
// HMAC-SHA256 so the receiver can authenticate it.
package webhook

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
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/clinicq/clinicq/internal/platform/notification"
)

const (
	SignatureHeader = "X-Clinicq-Signature"
	TimestampHeader = "X-Clinicq-Timestamp"
	MessageIDHeader = "X-Clinicq-Message-ID"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header value against payload.
func VerifySignature(payload []byte, secret, header string) bool {
	expected := "sha256=" + SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(header))
}

type Option func(*Sink)

func WithHTTPClient(c *http.Client) Option { return func(s *Sink) { s.client = c } }

// WithRetry bounds delivery attempts. 5xx responses and transport errors
// are retried; 4xx responses are not.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(s *Sink) {
		s.attempts = attempts
		s.initial = initial
	}
}

// Sink implements notification.Sink over HTTP POST.
type Sink struct {
	url      string
	secret   string
	client   *http.Client
	attempts int
	initial  time.Duration
}

var _ notification.Sink = (*Sink)(nil)

func NewSink(rawURL, secret string, opts ...Option) (*Sink, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook url %q must be an absolute http(s) url", rawURL)
	}
	s := &Sink{
		url:      rawURL,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		initial:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.attempts < 1 {
		s.attempts = 1
	}
	return s, nil
}

func (s *Sink) Publish(ctx context.Context, msg notification.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.post(ctx, msg.ID, payload)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.attempts)))
	return err
}

func (s *Sink) post(ctx context.Context, id string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(MessageIDHeader, id)
	req.Header.Set(TimestampHeader, time.Now().UTC().Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, body)
	default:
		return backoff.Permanent(fmt.Errorf("webhook rejected message: %d: %s", resp.StatusCode, body))
	}
}
