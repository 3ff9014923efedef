package workflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// executor is the replay engine: for each authored step it either returns a
// cached result from history or submits the step to the broker and aborts
// the invocation.
type executor struct {
	client      BrokerClient
	runID       string
	workflowURL string
	userHeaders map[string]string
	retries     int
	failureURL  string

	history          History
	stepCount        int
	nonPlanStepCount int
	planStepCount    int
	alreadySubmitted bool

	// disabled makes every addStep call raise disabledStepAbort instead of
	// consulting history or the broker. Used only by the auth dry-run trap
	// context (authdryrun.go).
	disabled bool
}

// disabledStepAbort is the trap context's sentinel, distinct from
// AbortError: it never reaches the broker and must never be mistaken for a
// genuine step submission.
type disabledStepAbort struct{}

func (disabledStepAbort) Error() string { return "workflow: step added under auth dry-run" }

func newExecutor(ctx *WorkflowContext) *executor {
	nonPlan := 0
	if len(ctx.history) > 0 {
		for _, step := range ctx.history[1:] {
			if step.TargetStep == 0 {
				nonPlan++
			}
		}
	}
	return &executor{
		client:           ctx.client,
		runID:            ctx.WorkflowRunID,
		workflowURL:      ctx.URL,
		userHeaders:      ctx.Headers,
		retries:          ctx.Retries,
		failureURL:       ctx.FailureURL,
		history:          ctx.history,
		nonPlanStepCount: nonPlan,
	}
}

// addStep is called once per context.Run/Sleep/SleepUntil/Call invocation.
func (e *executor) addStep(ctx context.Context, step LazyStep) (json.RawMessage, error) {
	if e.disabled {
		panic(disabledStepAbort{})
	}
	e.stepCount++
	return e.runSingle(ctx, step)
}

func (e *executor) runSingle(ctx context.Context, step LazyStep) (json.RawMessage, error) {
	if e.stepCount <= e.nonPlanStepCount {
		histStep := e.history[e.stepCount+e.planStepCount]
		if histStep.StepName != step.Name() || histStep.StepType != step.Type() {
			return nil, newWorkflowError(ErrDeterminismViolation,
				"incompatible step at position %d: expected name=%q type=%q, got name=%q type=%q from history",
				e.stepCount, step.Name(), step.Type(), histStep.StepName, histStep.StepType)
		}
		return histStep.Out, nil
	}

	if e.alreadySubmitted {
		return nil, newWorkflowError(ErrParallelStepsNotSupported,
			"attempted to add step %q after a step was already submitted in this invocation", step.Name())
	}

	resolved, err := step.ResultStep(NoConcurrency, e.stepCount)
	if err != nil {
		return nil, err
	}

	e.alreadySubmitted = true

	if err := e.submit(ctx, step, resolved); err != nil {
		return nil, err
	}

	panic(&AbortError{StepName: resolved.StepName, StepInfo: &resolved})
}

// submit constructs and sends the single-element broker batch for a freshly
// materialized step.
func (e *executor) submit(ctx context.Context, lazy LazyStep, resolved Step) error {
	isCall := resolved.StepType == StepTypeCall

	var callRetries int
	var callTimeout string
	if cs, ok := lazy.(*CallStep); ok {
		callRetries = cs.Retries()
		callTimeout = cs.Timeout()
	}

	headers := buildHeaders(headerParams{
		init:             false,
		runID:            e.runID,
		workflowURL:      e.workflowURL,
		userHeaders:      e.userHeaders,
		retries:          e.retries,
		step:             &resolved,
		isCallSubmission: isCall,
		callRetries:      callRetries,
		callTimeout:      callTimeout,
		failureURL:       e.failureURL,
	})

	willWait := resolved.Concurrent == NoConcurrency || resolved.StepID == 0

	var req BatchRequest
	if isCall {
		req = BatchRequest{
			Headers: headers,
			Method:  resolved.CallMethod,
			Body:    resolved.CallBody,
			URL:     resolved.CallURL,
		}
	} else {
		wire := resolved
		wire.Out = doubleEncodeOut(resolved.Out)
		body, err := json.Marshal(wire)
		if err != nil {
			return fmt.Errorf("workflow: failed to encode step %q for submission: %w", resolved.StepName, err)
		}
		req = BatchRequest{
			Headers: headers,
			Method:  "POST",
			Body:    string(body),
			URL:     e.workflowURL,
		}
		if willWait {
			req.NotBefore = resolved.SleepUntil
			req.Delay = resolved.SleepFor
		}
	}

	_, err := e.client.Batch(ctx, []BatchRequest{req})
	return err
}

// doubleEncodeOut JSON-encodes an already-JSON-encoded out value a second
// time, so it travels as a string field inside the outer step record. A nil
// out encodes as the string "null", not an empty string.
func doubleEncodeOut(out json.RawMessage) json.RawMessage {
	inner := string(out)
	if inner == "" {
		inner = "null"
	}
	encoded, _ := json.Marshal(inner)
	return encoded
}
