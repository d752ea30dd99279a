package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Indexer-Signature"

// Config holds configuration for the Webhook client.
type Config struct {
	URL            string        `mapstructure:"url"`
	Secret         string        `mapstructure:"secret"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// Client defines the Webhook client
type Client struct {
	cfg        Config
	secret     []byte
	httpClient *http.Client
}

// NewClient initializes a new Webhook client
func NewClient(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}

	return &Client{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Payload is the body posted to consumers: the committed records of one
// stream window.
type Payload struct {
	Timestamp int64             `json:"timestamp"`
	Stream    string            `json:"stream"`
	FromBlock uint64            `json:"from_block"`
	ToBlock   uint64            `json:"to_block"`
	Records   []json.RawMessage `json:"records"`
}

// permanentError is a rejection retrying will not fix.
type permanentError struct {
	status int
}

func (e permanentError) Error() string {
	return fmt.Sprintf("status %d", e.status)
}

// Send posts payload with retry logic. Client errors other than 429 are not
// retried.
func (c *Client) Send(ctx context.Context, payload Payload) error {
	if len(payload.Records) == 0 {
		return nil
	}
	if payload.Timestamp == 0 {
		payload.Timestamp = time.Now().Unix()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	backoff := c.cfg.InitialBackoff

	for i := 0; i < c.cfg.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if i > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}

		err := c.attemptSend(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm permanentError
		if errors.As(err, &perm) {
			break
		}
	}

	return fmt.Errorf("webhook failed: %w", lastErr)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a received signature header against body.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func (c *Client) attemptSend(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "token-indexer/v1")
	if len(c.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(c.secret, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return permanentError{status: resp.StatusCode}
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}
