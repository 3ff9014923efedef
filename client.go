package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// PublishRequest is a single first-invocation trigger message.
type PublishRequest struct {
	Headers http.Header
	URL     string
	Body    string
}

// BatchRequest is one element of a broker batch publish. NotBefore and Delay
// are mutually exclusive; at most one is ever set by this library.
type BatchRequest struct {
	Headers   http.Header
	Method    string
	URL       string
	Body      string
	NotBefore int64  // epoch seconds; 0 means unset
	Delay     string // seconds or duration string, passed verbatim; "" means unset
}

// Ack is the broker's acknowledgement of an accepted message.
type Ack struct {
	MessageID string `json:"messageId"`
}

// BrokerClient is the only way this library talks to the message broker.
// Reimplementing the broker itself is out of scope; this is the
// seam a caller can swap out in tests with a fake.
type BrokerClient interface {
	Publish(ctx context.Context, req PublishRequest) (*Ack, error)
	Batch(ctx context.Context, reqs []BatchRequest) ([]Ack, error)
	Delete(ctx context.Context, runID string, cancel bool) error
}

// ClientConfig configures the default HTTP BrokerClient.
type ClientConfig struct {
	BaseURL string        // Required: broker API base URL
	Token   string        // Required: bearer token
	Timeout time.Duration // Request timeout (default: 30s)
	Retry   ClientRetryConfig
	Debug   bool // Enable debug logging (default: false)
}

// ClientRetryConfig configures the client's own retry behavior, independent
// of the broker-side Upstash-Retries the header builder sets.
type ClientRetryConfig struct {
	Enabled      bool          // default: true
	MaxAttempts  int           // default: 3
	InitialDelay time.Duration // default: 200ms
}

// DefaultBrokerClient is the HTTP implementation of BrokerClient: a
// configured http.Client plus a small exponential-backoff retry loop around
// a single request method.
type DefaultBrokerClient struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewDefaultBrokerClient builds a DefaultBrokerClient, filling in defaults
// for every unset ClientConfig field.
func NewDefaultBrokerClient(config ClientConfig) *DefaultBrokerClient {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retry.InitialDelay == 0 {
		config.Retry.InitialDelay = 200 * time.Millisecond
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = 3
		config.Retry.Enabled = true
	}

	client := &DefaultBrokerClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}

	if config.Debug {
		log.Printf("[workflow] broker client initialized - BaseURL: %s", config.BaseURL)
	}

	return client
}

// httpError represents a non-2xx broker response.
type httpError struct {
	statusCode int
	message    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("broker returned HTTP %d: %s", e.statusCode, e.message)
}

func (c *DefaultBrokerClient) Publish(ctx context.Context, req PublishRequest) (*Ack, error) {
	return c.doWithRetry(ctx, "POST", c.config.BaseURL+"/v2/publish/"+req.URL, req.Headers, req.Body)
}

func (c *DefaultBrokerClient) Batch(ctx context.Context, reqs []BatchRequest) ([]Ack, error) {
	type batchElement struct {
		Destination string            `json:"destination"`
		Headers     map[string]string `json:"headers"`
		Body        string            `json:"body"`
		NotBefore   int64             `json:"notBefore,omitempty"`
		Delay       string            `json:"delay,omitempty"`
	}

	elements := make([]batchElement, 0, len(reqs))
	for _, r := range reqs {
		flat := make(map[string]string, len(r.Headers))
		for k := range r.Headers {
			flat[k] = r.Headers.Get(k)
		}
		if r.Method != "" {
			flat["Upstash-Method"] = r.Method
		}
		elements = append(elements, batchElement{
			Destination: r.URL,
			Headers:     flat,
			Body:        r.Body,
			NotBefore:   r.NotBefore,
			Delay:       r.Delay,
		})
	}

	body, err := json.Marshal(elements)
	if err != nil {
		return nil, fmt.Errorf("workflow: failed to encode broker batch: %w", err)
	}

	ack, err := c.doWithRetry(ctx, "POST", c.config.BaseURL+"/v2/batch", http.Header{"Content-Type": []string{"application/json"}}, string(body))
	if err != nil {
		return nil, err
	}
	return []Ack{*ack}, nil
}

func (c *DefaultBrokerClient) Delete(ctx context.Context, runID string, cancel bool) error {
	url := c.config.BaseURL + "/v2/workflows/runs/" + runID
	if cancel {
		url += "?cancel=true"
	}
	_, err := c.doWithRetry(ctx, http.MethodDelete, url, nil, "")
	return err
}

func (c *DefaultBrokerClient) doWithRetry(ctx context.Context, method, url string, headers http.Header, body string) (*Ack, error) {
	if !c.config.Retry.Enabled {
		return c.doRequest(ctx, method, url, headers, body)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.config.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.config.Retry.InitialDelay) * math.Pow(2, float64(attempt-1)))
			if c.config.Debug {
				log.Printf("[workflow] broker retry attempt %d/%d after %v", attempt+1, c.config.Retry.MaxAttempts, delay)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		attempts++
		ack, err := c.doRequest(ctx, method, url, headers, body)
		if err == nil {
			return ack, nil
		}
		lastErr = err

		if httpErr, ok := err.(*httpError); ok && httpErr.statusCode >= 400 && httpErr.statusCode < 500 {
			break
		}
	}
	return nil, fmt.Errorf("broker request failed after %d attempts: %w", attempts, lastErr)
}

func (c *DefaultBrokerClient) doRequest(ctx context.Context, method, url string, headers http.Header, body string) (*Ack, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, fmt.Errorf("building broker request: %w", err)
	}
	for name, values := range headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if c.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("broker request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading broker response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, &httpError{statusCode: resp.StatusCode, message: string(respBody)}
	}

	var ack Ack
	if err := json.Unmarshal(respBody, &ack); err != nil || ack.MessageID == "" {
		// Not every broker response includes a messageId (batch elements in
		// particular); mint a local one so callers always get a non-empty Ack.
		ack.MessageID = uuid.NewString()
	}
	return &ack, nil
}
