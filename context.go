package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// WorkflowContext is the facade user workflow functions receive: every
// durable operation (Run/Sleep/SleepUntil/Call) goes through it, and every
// call funnels into the executor's replay-or-submit decision.
type WorkflowContext struct {
	WorkflowRunID     string
	URL               string
	Headers           map[string]string
	Retries           int
	FailureURL        string
	RawInitialPayload string
	// InitialPayload is the decoded initial payload (see
	// Options.InitialPayloadParser): JSON-decoded when possible, otherwise
	// the raw string.
	InitialPayload any

	client  BrokerClient
	history History
	exec    *executor
	goCtx   context.Context
}

// NewWorkflowContext assembles the context a workflow function runs with.
// parsed is the output of ParseRequest; initialPayload is already decoded by
// the caller per Options.InitialPayloadParser.
func NewWorkflowContext(
	goCtx context.Context,
	parsed *ParsedRequest,
	initialPayload any,
	client BrokerClient,
	url string,
	headers map[string]string,
	retries int,
	failureURL string,
) *WorkflowContext {
	wc := &WorkflowContext{
		WorkflowRunID:     parsed.WorkflowRunID,
		URL:               url,
		Headers:           headers,
		Retries:           retries,
		FailureURL:        failureURL,
		RawInitialPayload: parsed.RawInitialPayload,
		InitialPayload:    initialPayload,
		client:            client,
		history:           parsed.Steps,
		goCtx:             goCtx,
	}
	wc.exec = newExecutor(wc)
	return wc
}

// Run executes fn exactly once for the life of the workflow run: on replay
// it returns the cached result from history without calling fn again.
func (c *WorkflowContext) Run(name string, fn func() (any, error)) (json.RawMessage, error) {
	step, err := NewRunStep(name, fn)
	if err != nil {
		return nil, err
	}
	return c.exec.addStep(c.goCtx, step)
}

// RunInto is Run plus decoding the cached/fresh result into out.
func (c *WorkflowContext) RunInto(name string, fn func() (any, error), out any) error {
	raw, err := c.Run(name, fn)
	if err != nil {
		return err
	}
	if len(raw) == 0 || out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Sleep suspends the workflow run for duration.
func (c *WorkflowContext) Sleep(name string, duration time.Duration) error {
	step, err := NewSleepStep(name, duration)
	if err != nil {
		return err
	}
	_, err = c.exec.addStep(c.goCtx, step)
	return err
}

// SleepUntil suspends the workflow run until an absolute instant.
func (c *WorkflowContext) SleepUntil(name string, when any) error {
	step, err := NewSleepUntilStep(name, when)
	if err != nil {
		return err
	}
	_, err = c.exec.addStep(c.goCtx, step)
	return err
}

// CallResult is the resolved outcome of a Call step, delivered back through
// the callback path.
type CallResult struct {
	Status int                 `json:"status"`
	Body   string              `json:"body"`
	Header map[string][]string `json:"header"`
}

// DecodedBody attempts to JSON-decode Body, returning it verbatim as a JSON
// string on failure.
func (r *CallResult) DecodedBody() json.RawMessage {
	var probe json.RawMessage
	if err := json.Unmarshal([]byte(r.Body), &probe); err == nil {
		return probe
	}
	encoded, _ := json.Marshal(r.Body)
	return encoded
}

// Call asks the broker to perform an outbound HTTP request and deliver the
// response back through the callback handler as a fresh invocation.
func (c *WorkflowContext) Call(name, url, method, body string, headers map[string]string, retries int, timeout string) (*CallResult, error) {
	step, err := NewCallStep(name, url, method, body, headers, retries, timeout)
	if err != nil {
		return nil, err
	}
	raw, err := c.exec.addStep(c.goCtx, step)
	if err != nil {
		return nil, err
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, newWorkflowError(ErrConfiguration, "decoding call result for step %q: %v", name, err)
	}
	return &result, nil
}

// Cancel requests that the broker delete (optionally cancelling in-flight
// delivery of) all remaining messages for this run.
func (c *WorkflowContext) Cancel(cancelInFlight bool) error {
	return c.client.Delete(c.goCtx, c.WorkflowRunID, cancelInFlight)
}

// decodeInitialPayload is the default InitialPayloadParser: try JSON, fall
// back to the raw string.
func decodeInitialPayload(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
