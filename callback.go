package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
)

// callbackOutcome is the result of inspecting an invocation for the
// asynchronous Call-step callback path.
type callbackOutcome int

const (
	// CallbackContinueWorkflow: this invocation is not a callback delivery;
	// proceed with the ordinary replay pipeline.
	CallbackContinueWorkflow callbackOutcome = iota
	// CallbackWillRetry: the call failed but the broker has retries left;
	// acknowledge and let it redeliver.
	CallbackWillRetry
	// CallbackIsCallReturn: the call result was folded into history and
	// resubmitted; respond success now without running the user function.
	CallbackIsCallReturn
)

// callbackMessage is the broker's callback delivery body.
type callbackMessage struct {
	Status     int                 `json:"status"`
	Body       string              `json:"body"`
	Header     map[string][]string `json:"header"`
	MaxRetries int                 `json:"maxRetries"`
	Retried    int                 `json:"retried"`
}

func isKnownStepType(t StepType) bool {
	switch t {
	case StepTypeInitial, StepTypeRun, StepTypeSleepFor, StepTypeSleepUntil, StepTypeCall, StepTypeWait, StepTypeNotify:
		return true
	default:
		return false
	}
}

// HandleCallback inspects an invocation for the Upstash-Workflow-Callback
// header and, when present, converts the delivered call result into a
// synthetic history step resubmitted to the workflow endpoint.
//
// The run id comes from the invocation's own Upstash-Workflow-RunId header,
// not from the parsed request: a callback delivery carries no protocol
// version header, so the parser would have minted a fresh, unrelated id.
func HandleCallback(
	goCtx context.Context,
	client BrokerClient,
	headers http.Header,
	body []byte,
	workflowURL string,
	userHeaders map[string]string,
	retries int,
	failureURL string,
) (callbackOutcome, string, error) {
	if headers.Get(HeaderWorkflowCallback) == "" {
		return CallbackContinueWorkflow, "", nil
	}

	runID := headers.Get(HeaderWorkflowRunID)

	var msg callbackMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return CallbackContinueWorkflow, runID, fmt.Errorf("workflow: failed to parse callback message: %w", err)
	}

	if (msg.Status < 200 || msg.Status >= 300) && msg.Retried < msg.MaxRetries {
		log.Printf("[workflow] callback for run %s returned status %d, awaiting retry %d/%d", runID, msg.Status, msg.Retried, msg.MaxRetries)
		return CallbackWillRetry, runID, nil
	}

	stepIDStr := headers.Get(HeaderCallbackStepID)
	stepName := headers.Get(HeaderCallbackStepName)
	stepTypeStr := headers.Get(HeaderCallbackStepType)
	concurrentStr := headers.Get(HeaderCallbackConcurrent)
	contentType := headers.Get(HeaderCallbackContentType)

	if runID == "" || stepIDStr == "" || stepName == "" || stepTypeStr == "" || concurrentStr == "" || contentType == "" {
		return CallbackContinueWorkflow, runID, ErrMissingCallbackMetadata
	}
	if !isKnownStepType(StepType(stepTypeStr)) {
		return CallbackContinueWorkflow, runID, fmt.Errorf("%w: unknown callback step type %q", ErrMissingCallbackMetadata, stepTypeStr)
	}

	stepID, err := strconv.Atoi(stepIDStr)
	if err != nil {
		return CallbackContinueWorkflow, runID, fmt.Errorf("%w: invalid step id %q", ErrMissingCallbackMetadata, stepIDStr)
	}
	concurrent, err := strconv.Atoi(concurrentStr)
	if err != nil {
		return CallbackContinueWorkflow, runID, fmt.Errorf("%w: invalid concurrent value %q", ErrMissingCallbackMetadata, concurrentStr)
	}

	decodedBody, err := decodeBase64(msg.Body)
	if err != nil {
		return CallbackContinueWorkflow, runID, fmt.Errorf("workflow: failed to decode callback body: %w", err)
	}

	out, err := json.Marshal(map[string]any{
		"status": msg.Status,
		"body":   decodedBody,
		"header": msg.Header,
	})
	if err != nil {
		return CallbackContinueWorkflow, runID, fmt.Errorf("workflow: failed to encode call result: %w", err)
	}

	resultStep := Step{
		StepID:     stepID,
		StepName:   stepName,
		StepType:   StepType(stepTypeStr),
		Concurrent: concurrent,
		Out:        out,
	}

	outHeaders := buildHeaders(headerParams{
		init:             false,
		runID:            runID,
		workflowURL:      workflowURL,
		userHeaders:      userHeaders,
		retries:          retries,
		step:             &resultStep,
		isCallSubmission: false,
		failureURL:       failureURL,
	})

	wire := resultStep
	wire.Out = doubleEncodeOut(resultStep.Out)
	wireBody, err := json.Marshal(wire)
	if err != nil {
		return CallbackContinueWorkflow, runID, fmt.Errorf("workflow: failed to encode callback result step: %w", err)
	}

	req := BatchRequest{
		Headers: outHeaders,
		Method:  "POST",
		URL:     workflowURL,
		Body:    string(wireBody),
	}
	if _, err := client.Batch(goCtx, []BatchRequest{req}); err != nil {
		return CallbackContinueWorkflow, runID, err
	}

	return CallbackIsCallReturn, runID, nil
}
