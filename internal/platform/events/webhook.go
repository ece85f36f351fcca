package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	ChannelHeader   = "X-Webhook-Channel"
	TimestampHeader = "X-Webhook-Timestamp"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value ("sha256=<hex>").
func VerifySignature(payload []byte, secret, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(sig))
}

// WebhookSink POSTs each event to one HTTP endpoint, signed with a shared
// secret. 5xx and transport errors are retried by the Publisher; other
// non-2xx responses are permanent.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

func NewWebhookSink(rawURL, secret string, client *http.Client) (*WebhookSink, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); (s != "http" && s != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook url must be absolute http(s), got %q", rawURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: rawURL, secret: secret, client: client, now: time.Now}, nil
}

func (s *WebhookSink) Send(ctx context.Context, channel string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ChannelHeader, channel)
	req.Header.Set(TimestampHeader, s.now().UTC().Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook rejected event: %d", resp.StatusCode))
	}
}

// Fanout sends to every sink. A failure on any of them fails the send, so
// a retry may repeat delivery to sinks that already succeeded; consumers
// dedupe by event id.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, channel string, payload []byte) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
