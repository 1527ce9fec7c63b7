package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/sethvargo/go-retry"
)

const (
	HeaderSignature = "X-Avatarflow-Signature"
	HeaderTimestamp = "X-Avatarflow-Timestamp"
	HeaderEvent     = "X-Avatarflow-Event"
)

const (
	EventAvatarProcessed = "avatar.processed"
	EventAvatarFailed    = "avatar.failed"
)

const (
	defaultTimeout = 10 * time.Second
	defaultBackoff = time.Second
)

// Client delivers avatar events to caller-supplied endpoints.
type Client struct {
	http    *http.Client
	secret  []byte
	retries uint64
	base    time.Duration
	cap     time.Duration
	now     func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the transport. The configured timeout is not applied to it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg config.WebhookConfig, opts ...Option) *Client {
	c := &Client{
		secret: []byte(cfg.SigningSecret),
		base:   cfg.InitialBackoff,
		cap:    cfg.MaxBackoff,
		now:    time.Now,
	}
	if c.base <= 0 {
		c.base = defaultBackoff
	}
	c.cap = max(c.cap, c.base)
	if cfg.MaxAttempts > 1 {
		c.retries = uint64(cfg.MaxAttempts - 1)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.http = &http.Client{Timeout: timeout}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts a signed JSON event. Network errors, 429 and 5xx responses are
// retried with capped exponential backoff; other statuses fail at once.
// An empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	ts := strconv.FormatInt(c.now().UTC().Unix(), 10)
	headers := http.Header{
		"Content-Type":  {"application/json"},
		HeaderEvent:     {event},
		HeaderTimestamp: {ts},
		HeaderSignature: {sign(c.secret, ts, body)},
	}

	var attempts int
	err = retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempts++
		return c.post(ctx, endpoint, headers, body)
	})
	if err != nil {
		return fmt.Errorf("deliver %s to %s (%d attempts): %w", event, endpoint, attempts, err)
	}
	return nil
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.base)
	b = retry.WithCappedDuration(c.cap, b)
	return retry.WithMaxRetries(c.retries, b)
}

func (c *Client) post(ctx context.Context, endpoint string, headers http.Header, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = headers.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}
	statusErr := fmt.Errorf("endpoint responded %s", resp.Status)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return retry.RetryableError(statusErr)
	}
	return statusErr
}

// Sign returns the X-Avatarflow-Signature value receivers should expect:
// hex HMAC-SHA256 over "timestamp.body", prefixed with "sha256=".
func Sign(secret, timestamp string, body []byte) string {
	return sign([]byte(secret), timestamp, body)
}

func sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = fmt.Fprintf(mac, "%s.", timestamp)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
