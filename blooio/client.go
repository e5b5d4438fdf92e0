// Package blooio implements the HTTP client for the carrier-capability
// lookup service and classifies its failures into the retry taxonomy the
// engine acts on: rate-limited, retryable, or permanent.
package blooio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
)

// Capabilities are the carrier capability flags returned by the upstream
// for a single phone number.
type Capabilities struct {
	IMessage bool `json:"imessage"`
	SMS      bool `json:"sms"`
}

// ErrRateLimited is returned when the upstream answers HTTP 429. Callers
// back off without spending their retry budget.
var ErrRateLimited = errors.New("upstream rate limited")

// RetryableError wraps transient upstream failures: HTTP 5xx, timeouts,
// and connection resets. Callers may retry within their budget.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable upstream error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// APIError is a non-retryable upstream rejection. Its message is what the
// ERROR result row carries, e.g. "API 400".
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("API %d", e.StatusCode)
}

// IsRetryable reports whether the error may succeed on a later attempt.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

// Client performs single-phone capability lookups. Each call carries the
// configured per-request deadline; pacing is the caller's responsibility.
// Example:
//
//	client := blooio.NewClient("https://api.bloo.io/v1", apiKey, 15*time.Second)
//	caps, err := client.Capabilities(ctx, "+14155552671")
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Client against the given base URL. timeout bounds
// every request including connection setup and body read.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Capabilities looks up the capability flags for one E.164 phone.
//
// Failure classification:
//   - HTTP 429: ErrRateLimited
//   - HTTP 5xx, timeout, connection reset: *RetryableError
//   - any other non-success status, unparseable body, or a body without a
//     capabilities field: *APIError
func (c *Client) Capabilities(ctx context.Context, e164 string) (Capabilities, error) {
	// QueryEscape rather than PathEscape: the leading + of an E.164 number
	// must reach the upstream as %2B, and PathEscape leaves + bare.
	endpoint := fmt.Sprintf("%s/contacts/%s/capabilities", c.baseURL, url.QueryEscape(e164))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Capabilities{}, &APIError{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts, resets, DNS failures: all transport-level and retryable.
		return Capabilities{}, &RetryableError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Capabilities{}, ErrRateLimited
	case resp.StatusCode >= 500:
		return Capabilities{}, &RetryableError{Err: &APIError{StatusCode: resp.StatusCode}}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Capabilities{}, &APIError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Capabilities{}, &RetryableError{Err: err}
	}

	return decodeCapabilities(body)
}

// decodeCapabilities parses a response body into Capabilities. The field
// is decoded as a raw message first so a success body that lacks the
// capabilities field is distinguishable from one where both flags are false.
func decodeCapabilities(body []byte) (Capabilities, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Capabilities{}, &APIError{Message: "unparseable response body"}
	}

	capsRaw, ok := raw["capabilities"]
	if !ok {
		return Capabilities{}, &APIError{Message: "missing capabilities in response"}
	}

	var caps Capabilities
	if err := json.Unmarshal(capsRaw, &caps); err != nil {
		return Capabilities{}, &APIError{Message: "unparseable capabilities in response"}
	}

	return caps, nil
}
