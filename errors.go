package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// WorkflowError is the named error type raised by the request parser
// (protocol version, run id, history body), the executor (determinism and
// parallel-step violations) and Call result decoding. Callers can errors.As
// against it without depending on the exact message. Other failures, such as
// an empty step name or missing callback metadata, wrap the same sentinels
// with fmt.Errorf and match errors.Is but not errors.As.
type WorkflowError struct {
	msg string
	err error
}

func (e *WorkflowError) Error() string { return e.msg }
func (e *WorkflowError) Unwrap() error { return e.err }

func newWorkflowError(kind error, format string, args ...any) *WorkflowError {
	msg := fmt.Sprintf(format, args...)
	return &WorkflowError{msg: msg, err: kind}
}

// Error-kind sentinels. Use errors.Is against these.
var (
	// ErrConfiguration: an empty step name, a Run result that cannot be
	// JSON-encoded, an unsupported sleep_until value, or a Call result that
	// cannot be decoded. Raised from the WorkflowContext step methods, so it
	// surfaces through the handler as a 500.
	ErrConfiguration = errors.New("workflow: configuration error")

	// ErrIncompatibleProtocol: the Upstash-Workflow-Sdk-Version header does
	// not match ProtocolVersion.
	ErrIncompatibleProtocol = errors.New("workflow: incompatible protocol version")

	// ErrMissingRunID: a non-first invocation arrived without a run id.
	ErrMissingRunID = errors.New("workflow: missing workflow run id")

	// ErrEmptyBody: a non-first invocation arrived with an empty body, or
	// with a history body that is not a non-empty JSON array or whose
	// initial payload cannot be base64-decoded.
	ErrEmptyBody = errors.New("workflow: only the first invocation may have an empty body")

	// ErrDeterminismViolation: the (name, type) of an authored step does not
	// match the (name, type) recorded in history at the same position.
	ErrDeterminismViolation = errors.New("workflow: determinism violation")

	// ErrParallelStepsNotSupported: a second step was authored after one was
	// already submitted in the same invocation.
	ErrParallelStepsNotSupported = errors.New("workflow: parallel steps are not supported")

	// ErrSignatureVerification: the Upstash-Signature header failed
	// verification, or was required but absent.
	ErrSignatureVerification = errors.New("workflow: signature verification failed")

	// ErrMissingCallbackMetadata: a callback invocation arrived without the
	// full set of echoed step headers.
	ErrMissingCallbackMetadata = errors.New("workflow: missing callback step metadata")

	// ErrFailureFunctionRequired: a failure-callback invocation arrived but
	// no failure function was configured.
	ErrFailureFunctionRequired = errors.New("workflow: failure callback received but no failure function is configured")

	// ErrUnauthorized: the auth dry-run rejected the real invocation too.
	ErrUnauthorized = errors.New("workflow: unauthorized")
)

// AbortError is the internal control-flow sentinel panicked by the executor
// immediately after a step is submitted to the broker, and recovered at the
// serve boundary: an unconditional unwind signal. Like net/http's
// ErrAbortHandler, user code must not recover() it; ServeHTTP is the only
// place it is caught.
type AbortError struct {
	StepName       string
	StepInfo       *Step
	CancelWorkflow bool
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("workflow: aborting after submitting step %q (this is expected control flow, "+
		"do not recover() it; every context.Run/Sleep/SleepUntil/Call call must run to completion, "+
		"unwrapped by a try/catch-style guard)",
		e.StepName)
}

// FormatWorkflowError renders an arbitrary error the way the top-level serve
// loop's 500 response body does: {"error": "<kind>", "message": "<text>"}.
func FormatWorkflowError(err error) json.RawMessage {
	if err == nil {
		out, _ := json.Marshal(map[string]string{"error": "Error", "message": "an error occurred while executing workflow"})
		return out
	}
	kind := "Error"
	var we *WorkflowError
	switch {
	case errors.As(err, &we):
		kind = "WorkflowError"
	default:
		kind = fmt.Sprintf("%T", err)
	}
	out, _ := json.Marshal(map[string]string{"error": kind, "message": err.Error()})
	return out
}
