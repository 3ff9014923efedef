package workflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// FailureFunction is invoked for a failure-callback delivery.
// message is the decoded failure body; header is the upstream response's
// headers at the time of failure.
type FailureFunction func(ctx *WorkflowContext, status int, message string, header map[string][]string) error

// failureMessage is the broker's failure-callback delivery body.
type failureMessage struct {
	Status        int                 `json:"status"`
	Header        map[string][]string `json:"header"`
	Body          string              `json:"body"`
	URL           string              `json:"url"`
	SourceBody    string              `json:"sourceBody"`
	WorkflowRunID string              `json:"workflowRunId"`
}

// HandleFailure runs the failure-callback pipeline: decode the message, run
// an auth dry-run against the original payload to make sure the failed run
// really was authorized, then invoke failureFn.
//
// handled reports whether this request was a failure callback at all; when
// false, the caller should proceed with the ordinary pipeline (the
// Upstash-Workflow-Is-Failure header was absent or "false"). runID is the
// failed run's id from the delivery body, for the caller's response.
func HandleFailure(
	goCtx context.Context,
	isFailureHeader string,
	body []byte,
	client BrokerClient,
	workflowFn func(*WorkflowContext) error,
	failureFn FailureFunction,
	workflowURL string,
	userHeaders map[string]string,
	retries int,
	failureURL string,
) (handled bool, runID string, err error) {
	if isFailureHeader != "true" {
		return false, "", nil
	}

	if failureFn == nil {
		return true, "", ErrFailureFunctionRequired
	}

	var msg failureMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return true, "", fmt.Errorf("workflow: failed to parse failure callback message: %w", err)
	}
	runID = msg.WorkflowRunID

	decodedSourceBody, err := decodeBase64(msg.SourceBody)
	if err != nil {
		return true, runID, fmt.Errorf("workflow: failed to decode failure callback source body: %w", err)
	}
	initialPayload := decodeInitialPayload(decodedSourceBody)

	parsed := &ParsedRequest{
		IsFirstInvocation: true,
		WorkflowRunID:     msg.WorkflowRunID,
		RawInitialPayload: decodedSourceBody,
		Steps:             History{},
	}
	authCtx := NewWorkflowContext(goCtx, parsed, initialPayload, client, workflowURL, userHeaders, retries, failureURL)

	stepFound, dryRunErr := RunAuthDryRun(workflowFn, authCtx)
	if !stepFound {
		return true, runID, ErrUnauthorized
	}
	if dryRunErr != nil {
		return true, runID, dryRunErr
	}

	decodedBody, err := decodeBase64(msg.Body)
	if err != nil {
		return true, runID, fmt.Errorf("workflow: failed to decode failure message body: %w", err)
	}

	if err := failureFn(authCtx, msg.Status, decodedBody, msg.Header); err != nil {
		return true, runID, err
	}

	return true, runID, nil
}
