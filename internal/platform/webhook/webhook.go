// Package webhook delivers signed JSON events to an HTTP endpoint.
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
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventIDHeader   = "X-Webhook-ID"
	TimestampHeader = "X-Webhook-Timestamp"

	// EventPatientChanged is sent after a merge rewrites a patient.
	EventPatientChanged = "patient.changed"
)

// Event is the body posted to the endpoint.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	ResourceID string    `json:"resourceId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Config describes one delivery endpoint.
type Config struct {
	URL         string
	Secret      string
	Timeout     time.Duration
	MaxAttempts uint
	RetryDelay  time.Duration
}

// Client posts events to a single endpoint, retrying network errors and 5xx
// responses.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func NewClient(cfg Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if err := validateURL(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// PatientChanged sends a patient.changed event for id.
func (c *Client) PatientChanged(ctx context.Context, id uuid.UUID) error {
	return c.Send(ctx, Event{
		ID:         uuid.NewString(),
		Type:       EventPatientChanged,
		ResourceID: id.String(),
		OccurredAt: c.now().UTC(),
	})
}

// Send delivers event, retrying until it is accepted or attempts run out.
func (c *Client) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	sig := Sign(payload, c.cfg.Secret)

	return retry.Do(
		func() error { return c.post(ctx, event, payload, sig) },
		retry.Attempts(c.cfg.MaxAttempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.RetryIf(func(err error) bool {
			var perm *permanentError
			return !errors.As(err, &perm)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			if n+1 >= c.cfg.MaxAttempts {
				return
			}
			c.logger.Warn().Err(err).Uint("attempt", n+1).Str("event_id", event.ID).Msg("webhook delivery failed, retrying")
		}),
	)
}

// permanentError is a 4xx response; resending the same body will not help.
type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("webhook rejected with %d: %s", e.status, e.body)
}

func (c *Client) post(ctx context.Context, event Event, payload []byte, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return &permanentError{body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+sig)
	req.Header.Set(EventIDHeader, event.ID)
	req.Header.Set(TimestampHeader, c.now().UTC().Format(time.RFC3339))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &permanentError{status: resp.StatusCode, body: string(body)}
	default:
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, body)
	}
}
