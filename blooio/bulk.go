package blooio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// BulkClient performs capability lookups for whole payloads in a single
// POST. The bulk service has no per-request pacing requirement; chunk sizes
// are bounded by the caller instead.
type BulkClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewBulkClient creates a BulkClient against the given base URL.
func NewBulkClient(baseURL, apiKey string, timeout time.Duration) *BulkClient {
	return &BulkClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type bulkRequest struct {
	Contacts []string `json:"contacts"`
}

type bulkEntry struct {
	Contact      string          `json:"contact"`
	Capabilities json.RawMessage `json:"capabilities"`
}

type bulkResponse struct {
	Results []bulkEntry `json:"results"`
}

// Capabilities looks up capability flags for a batch of E.164 phones.
// The returned map holds an entry per phone the upstream answered for;
// phones absent from the response are left to the caller to record as
// errors. Failure classification matches Client.Capabilities and applies
// to the call as a whole.
func (c *BulkClient) Capabilities(ctx context.Context, phones []string) (map[string]Capabilities, error) {
	payload, err := json.Marshal(bulkRequest{Contacts: phones})
	if err != nil {
		return nil, &APIError{Message: fmt.Sprintf("encode request: %v", err)}
	}

	endpoint := c.baseURL + "/contacts/capabilities"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &APIError{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RetryableError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, &RetryableError{Err: &APIError{StatusCode: resp.StatusCode}}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &APIError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RetryableError{Err: err}
	}

	var decoded bulkResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &APIError{Message: "unparseable response body"}
	}

	out := make(map[string]Capabilities, len(decoded.Results))
	for _, entry := range decoded.Results {
		if entry.Capabilities == nil {
			continue
		}
		var caps Capabilities
		if err := json.Unmarshal(entry.Capabilities, &caps); err != nil {
			continue
		}
		out[entry.Contact] = caps
	}

	return out, nil
}
