package workflow

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
)

// FinishCondition tells an OnStepFinish hook why the handler is about to
// respond for this invocation.
type FinishCondition string

const (
	// FinishConditionSuccess: a step was submitted (or the run completed).
	FinishConditionSuccess FinishCondition = "success"
	// FinishConditionDuplicateStep: reserved for a future fan-out design;
	// never emitted by the sequential engine.
	FinishConditionDuplicateStep FinishCondition = "duplicate-step"
	// FinishConditionFromCallback: a third-party call result was absorbed.
	FinishConditionFromCallback FinishCondition = "fromCallback"
	// FinishConditionAuthFail: the auth dry-run returned without a step.
	FinishConditionAuthFail FinishCondition = "auth-fail"
	// FinishConditionFailureCallback: a failure delivery was processed.
	FinishConditionFailureCallback FinishCondition = "failure-callback"
)

// Options configures a workflow Handler. resolveOptions fills in Retries,
// InitialPayloadParser and Logger when they are left zero; Client and
// WorkflowFn have no default.
type Options struct {
	// Client is the injected broker client: publish/batch/delete are the
	// only operations consumed.
	Client BrokerClient
	// Verifier, if set, is used to verify Upstash-Signature on every
	// invocation.
	Verifier Verifier
	// WorkflowFn is the user's workflow function.
	WorkflowFn func(*WorkflowContext) error
	// FailureFn, if set, is invoked for failure-callback deliveries. A
	// failure-callback delivery without one configured is an error.
	FailureFn FailureFunction
	// Retries overrides the broker retry count (default DefaultRetries).
	Retries int
	// URLOverride replaces the scheme+authority of the computed workflow URL
	// when non-empty.
	URLOverride string
	// FailureURLOverride is used as the failure callback URL when FailureFn
	// is nil; ignored when FailureFn is set (the workflow URL itself is used
	// instead).
	FailureURLOverride string
	// InitialPayloadParser decodes the raw initial payload string handed to
	// WorkflowContext.InitialPayload (default: JSON-decode, falling back to
	// the raw string).
	InitialPayloadParser func(string) any
	// OnStepFinish, if set, is notified just before the handler writes a
	// non-error response.
	OnStepFinish func(workflowRunID string, condition FinishCondition)
	// Logger receives one line per unexpected error. Defaults to a
	// log.Logger writing to stderr with the "[workflow] " prefix.
	Logger *log.Logger
}

func resolveOptions(opts Options) Options {
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.InitialPayloadParser == nil {
		opts.InitialPayloadParser = decodeInitialPayload
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[workflow] ", log.LstdFlags)
	}
	return opts
}

// Handler is the top-level serve loop, framework-agnostic: it
// implements http.Handler directly so any router (including none at all)
// can mount it.
type Handler struct {
	opts Options
}

// NewHandler builds a Handler from Options, applying defaults.
func NewHandler(opts Options) *Handler {
	return &Handler{opts: resolveOptions(opts)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	workflowURL, err := computeWorkflowURL(r, h.opts.URLOverride)
	if err != nil {
		h.respondError(w, "", err)
		return
	}

	failureURL := ""
	switch {
	case h.opts.FailureFn != nil:
		failureURL = workflowURL
	case h.opts.FailureURLOverride != "":
		failureURL = h.opts.FailureURLOverride
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, "", err)
		return
	}

	if h.opts.Verifier != nil {
		if err := h.opts.Verifier.Verify(r.Header.Get(HeaderSignature), body); err != nil {
			h.respondError(w, "", err)
			return
		}
	}

	parsed, err := ParseRequest(body, r.Header)
	if err != nil {
		h.respondError(w, "", err)
		return
	}

	userHeaders := RecreateUserHeaders(r.Header)

	handledFailure, failedRunID, failureErr := HandleFailure(
		ctx, r.Header.Get(HeaderWorkflowIsFailure), body,
		h.opts.Client, h.opts.WorkflowFn, h.opts.FailureFn,
		workflowURL, userHeaders, h.opts.Retries, failureURL,
	)
	if handledFailure {
		if failedRunID == "" {
			failedRunID = parsed.WorkflowRunID
		}
		if failureErr != nil {
			h.respondError(w, failedRunID, failureErr)
			return
		}
		h.respondSuccess(w, failedRunID, FinishConditionFailureCallback)
		return
	}

	initialPayload := h.opts.InitialPayloadParser(parsed.RawInitialPayload)
	realCtx := NewWorkflowContext(ctx, parsed, initialPayload, h.opts.Client, workflowURL, userHeaders, h.opts.Retries, failureURL)

	stepFound, dryRunErr := RunAuthDryRun(h.opts.WorkflowFn, realCtx)
	if !stepFound {
		h.respondAuthFail(w, parsed.WorkflowRunID)
		return
	}
	if dryRunErr != nil {
		h.respondError(w, parsed.WorkflowRunID, dryRunErr)
		return
	}

	outcome, callbackRunID, callbackErr := HandleCallback(ctx, h.opts.Client, r.Header, body, workflowURL, userHeaders, h.opts.Retries, failureURL)
	if callbackRunID == "" {
		callbackRunID = parsed.WorkflowRunID
	}
	if callbackErr != nil {
		h.respondError(w, callbackRunID, callbackErr)
		return
	}
	if outcome == CallbackIsCallReturn || outcome == CallbackWillRetry {
		h.respondSuccess(w, callbackRunID, FinishConditionFromCallback)
		return
	}

	if parsed.IsFirstInvocation {
		triggerHeaders := buildHeaders(headerParams{
			init:        true,
			runID:       parsed.WorkflowRunID,
			workflowURL: workflowURL,
			userHeaders: userHeaders,
			retries:     h.opts.Retries,
			failureURL:  failureURL,
		})
		if _, err := h.opts.Client.Publish(ctx, PublishRequest{Headers: triggerHeaders, URL: workflowURL, Body: parsed.RawInitialPayload}); err != nil {
			h.respondError(w, parsed.WorkflowRunID, err)
			return
		}
		h.respondSuccess(w, parsed.WorkflowRunID, FinishConditionSuccess)
		return
	}

	if err := h.runWorkflow(realCtx); err != nil {
		h.respondError(w, parsed.WorkflowRunID, err)
		return
	}
	h.respondSuccess(w, parsed.WorkflowRunID, FinishConditionSuccess)
}

// runWorkflow executes the user function under the real context, treating
// AbortError as the expected "step submitted" outcome.
func (h *Handler) runWorkflow(ctx *WorkflowContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*AbortError); ok {
				err = nil
				return
			}
			panic(r)
		}
	}()
	return h.opts.WorkflowFn(ctx)
}

// computeWorkflowURL reconstructs the invocation's own URL, optionally
// rewriting its scheme+authority with override.
func computeWorkflowURL(r *http.Request, override string) (string, error) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := &url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	if override == "" {
		return u.String(), nil
	}
	ov, err := url.Parse(override)
	if err != nil {
		return "", err
	}
	u.Scheme = ov.Scheme
	u.Host = ov.Host
	return u.String(), nil
}

func (h *Handler) respondSuccess(w http.ResponseWriter, runID string, condition FinishCondition) {
	if h.opts.OnStepFinish != nil {
		h.opts.OnStepFinish(runID, condition)
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"workflowRunId": runID})
}

func (h *Handler) respondAuthFail(w http.ResponseWriter, runID string) {
	if h.opts.OnStepFinish != nil {
		h.opts.OnStepFinish(runID, FinishConditionAuthFail)
	}
	writeJSONResponse(w, http.StatusBadRequest, map[string]any{
		"workflowRunId": runID,
		"condition":     "auth-fail",
		"message":       "authentication failed",
	})
}

func (h *Handler) respondError(w http.ResponseWriter, runID string, err error) {
	h.opts.Logger.Printf("invocation failed: %v", err)

	status := http.StatusInternalServerError
	if errors.Is(err, ErrUnauthorized) {
		status = http.StatusBadRequest
	}

	resp := map[string]any{"workflowRunId": runID}
	var fields map[string]string
	_ = json.Unmarshal(FormatWorkflowError(err), &fields)
	for k, v := range fields {
		resp[k] = v
	}

	writeJSONResponse(w, status, resp)
}

func writeJSONResponse(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
