package workflow

import (
	"net/http"
	"strconv"
	"strings"
)

// strippedHeaderPrefixes and strippedHeaderNames are never forwarded to the
// broker or to a Call step's destination.
var strippedHeaderPrefixes = []string{
	"upstash-workflow-",
	"x-vercel-",
	"x-forwarded-",
}

var strippedHeaderNames = map[string]bool{
	"cf-connecting-ip":  true,
	"cdn-loop":          true,
	"cf-ew-via":         true,
	"cf-ray":            true,
	"render-proxy-ttl":  true,
}

// RecreateUserHeaders filters an inbound request's headers down to the set
// that should be forwarded to the broker/user function, dropping internal
// protocol and proxy headers.
func RecreateUserHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		if strippedHeaderNames[lower] {
			continue
		}
		stripped := false
		for _, prefix := range strippedHeaderPrefixes {
			if strings.HasPrefix(lower, prefix) {
				stripped = true
				break
			}
		}
		if stripped {
			continue
		}
		out[name] = values[0]
	}
	return out
}

// headerParams is the full set of inputs the header builder needs.
type headerParams struct {
	init        bool
	runID       string
	workflowURL string
	userHeaders map[string]string
	retries     int // context-level retries (defaults to DefaultRetries)
	step        *Step
	// isCallSubmission selects the Call-step header branch. This is
	// deliberately independent of step.StepType: the callback handler
	// submits a synthetic step whose StepType is "Call" but which must use
	// the ordinary (non-Call) header set, since it is an internal history
	// entry, not a fresh outbound call.
	isCallSubmission bool
	callRetries      int    // only read when isCallSubmission
	callTimeout      string // only read when isCallSubmission
	failureURL       string
}

// buildHeaders is the single source of truth for the outbound broker header
// set. It is exercised both for the first-invocation trigger
// (step == nil) and for per-step submissions.
func buildHeaders(p headerParams) http.Header {
	h := http.Header{}

	isCall := p.isCallSubmission

	h.Set(HeaderWorkflowInit, boolStr(p.init))
	h.Set(HeaderWorkflowRunID, p.runID)
	h.Set(HeaderWorkflowURL, p.workflowURL)
	h.Set(HeaderFeatureSet, FeatureSetDefault)

	if !isCall {
		h.Set(headerForwardPrefix+HeaderProtocolVersion, ProtocolVersion)
	}

	if !isCall {
		if p.retries != DefaultRetries {
			h.Set(HeaderRetries, strconv.Itoa(p.retries))
			h.Set(HeaderFailureCallRetries, strconv.Itoa(p.retries))
		}
	} else {
		h.Set(HeaderRetries, strconv.Itoa(p.callRetries))
		h.Set(HeaderFeatureSet, FeatureSetCall)
		if p.callRetries != 0 {
			h.Set(HeaderCallbackRetries, strconv.Itoa(p.callRetries))
			h.Set(HeaderFailureCallRetries, strconv.Itoa(p.callRetries))
		}
	}

	if isCall && p.callTimeout != "" {
		h.Set(HeaderTimeout, p.callTimeout)
	}

	// Forward the invocation's own inbound headers: plain Forward- normally,
	// Callback-Forward- when this submission is itself a Call step (the
	// broker delivers these back to the workflow endpoint on callback, not
	// to the external destination). Always also mirrored into the failure
	// callback's forward family.
	for name, value := range p.userHeaders {
		if isCall {
			h.Set(headerCallbackForwardPrefix+name, value)
		} else {
			h.Set(headerForwardPrefix+name, value)
		}
		h.Set(headerFailureForwardPrefix+name, value)
	}

	// A Call step's own custom headers (the ones passed to ctx.Call) are
	// forwarded as plain Upstash-Forward-*: they are meant for the external
	// destination, not the broker itself.
	if isCall {
		for name, value := range p.step.CallHeaders {
			h.Set(headerForwardPrefix+name, value)
		}
	}

	if p.failureURL != "" {
		h.Set("Upstash-Failure-Callback-Workflow-RunId", p.runID)
		h.Set("Upstash-Failure-Callback-Workflow-Init", "false")
		h.Set("Upstash-Failure-Callback-Workflow-Url", p.workflowURL)
		h.Set("Upstash-Failure-Callback-Workflow-Calltype", CallTypeFailureCall)
		h.Set("Upstash-Failure-Callback-Forward-Upstash-Workflow-Is-Failure", "true")
		h.Set("Upstash-Failure-Callback-Forward-Upstash-Workflow-Failure-Callback", "true")
		h.Set(HeaderFailureCallback, p.failureURL)

		if isCall {
			h.Set("Upstash-Callback-Failure-Callback-Workflow-RunId", p.runID)
			h.Set("Upstash-Callback-Failure-Callback-Workflow-Init", "false")
			h.Set("Upstash-Callback-Failure-Callback-Workflow-Url", p.workflowURL)
			h.Set("Upstash-Callback-Failure-Callback-Workflow-Calltype", CallTypeFailureCall)
			h.Set("Upstash-Callback-Failure-Callback-Forward-Upstash-Workflow-Is-Failure", "true")
			h.Set("Upstash-Callback-Failure-Callback-Forward-Upstash-Workflow-Failure-Callback", "true")
			h.Set("Upstash-Callback-Failure-Callback", p.failureURL)
		}
	}

	if isCall {
		contentType := p.userHeaders["Content-Type"]
		if contentType == "" {
			contentType = DefaultContentType
		}

		h.Set(HeaderCallback, p.workflowURL)
		h.Set("Upstash-Callback-Workflow-RunId", p.runID)
		h.Set("Upstash-Callback-Workflow-CallType", CallTypeFromCallback)
		h.Set("Upstash-Callback-Workflow-Init", "false")
		h.Set("Upstash-Callback-Workflow-Url", p.workflowURL)
		h.Set("Upstash-Callback-Feature-Set", FeatureSetDefault)
		h.Set("Upstash-Callback-Forward-Upstash-Workflow-Callback", "true")
		h.Set("Upstash-Callback-Forward-Upstash-Workflow-StepId", strconv.Itoa(p.step.StepID))
		h.Set("Upstash-Callback-Forward-Upstash-Workflow-StepName", p.step.StepName)
		h.Set("Upstash-Callback-Forward-Upstash-Workflow-StepType", string(p.step.StepType))
		h.Set("Upstash-Callback-Forward-Upstash-Workflow-Concurrent", strconv.Itoa(p.step.Concurrent))
		h.Set("Upstash-Callback-Forward-Upstash-Workflow-ContentType", contentType)

		h.Set(HeaderWorkflowCallType, CallTypeToCallback)
	}

	return h
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
