package workflow

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// nanoidAlphabet mirrors the character set nanoid's default alphabet uses
// for run ids: [A-Za-z0-9_-].
const nanoidAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// genRunID returns "wfr_" followed by 21 characters drawn from
// nanoidAlphabet, using crypto/rand directly since no nanoid package is
// wired into this module (see DESIGN.md).
func genRunID() (string, error) {
	const n = 21
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating workflow run id: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = nanoidAlphabet[int(b)%len(nanoidAlphabet)]
	}
	return runIDPrefix + string(out), nil
}

// ParsedRequest is the output of ParseRequest.
type ParsedRequest struct {
	IsFirstInvocation bool
	WorkflowRunID     string
	RawInitialPayload string
	Steps             History
}

// rawBatchElement is one entry of the broker's history wire array.
type rawBatchElement struct {
	Body     string `json:"body"`
	CallType string `json:"callType"`
}

// ParseRequest decodes a broker-delivered invocation: the protocol headers
// decide whether this is a first invocation, and on non-first invocations
// the body is the JSON-array history format.
func ParseRequest(body []byte, headers http.Header) (*ParsedRequest, error) {
	isFirst := headers.Get(HeaderProtocolVersion) == ""

	var runID string
	if isFirst {
		id, err := genRunID()
		if err != nil {
			return nil, err
		}
		runID = id
	} else {
		if headers.Get(HeaderProtocolVersion) != ProtocolVersion {
			return nil, newWorkflowError(ErrIncompatibleProtocol,
				"incompatible workflow sdk protocol version: expected %s, got %s",
				ProtocolVersion, headers.Get(HeaderProtocolVersion))
		}
		runID = headers.Get(HeaderWorkflowRunID)
		if runID == "" {
			return nil, newWorkflowError(ErrMissingRunID, "couldn't get workflow run id from header")
		}
	}

	if isFirst {
		return &ParsedRequest{
			IsFirstInvocation: true,
			WorkflowRunID:     runID,
			RawInitialPayload: string(body),
			Steps:             History{},
		}, nil
	}

	if len(body) == 0 {
		return nil, newWorkflowError(ErrEmptyBody, "only the first invocation may have an empty body")
	}

	rawPayload, steps, err := parseHistoryBody(body)
	if err != nil {
		return nil, err
	}

	return &ParsedRequest{
		IsFirstInvocation: false,
		WorkflowRunID:     runID,
		RawInitialPayload: rawPayload,
		Steps:             steps,
	}, nil
}

func parseHistoryBody(body []byte) (string, History, error) {
	var elements []rawBatchElement
	if err := json.Unmarshal(body, &elements); err != nil {
		return "", nil, newWorkflowError(ErrEmptyBody, "failed to parse history body as a JSON array: %v", err)
	}
	if len(elements) == 0 {
		return "", nil, newWorkflowError(ErrEmptyBody, "history body is an empty array")
	}

	rawInitialPayload, err := decodeBase64(elements[0].Body)
	if err != nil {
		return "", nil, newWorkflowError(ErrEmptyBody, "failed to decode initial payload: %v", err)
	}

	history := History{{
		StepID:     0,
		StepName:   "init",
		StepType:   StepTypeInitial,
		Out:        json.RawMessage(mustQuoteJSONString(rawInitialPayload)),
		Concurrent: NoConcurrency,
	}}

	for _, elem := range elements[1:] {
		if elem.CallType != "step" {
			continue
		}
		decoded, err := decodeBase64(elem.Body)
		if err != nil {
			return "", nil, fmt.Errorf("workflow: failed to decode step body: %w", err)
		}

		var step Step
		if err := json.Unmarshal([]byte(decoded), &step); err != nil {
			return "", nil, fmt.Errorf("workflow: failed to parse step body: %w", err)
		}

		// If out is itself a JSON-encoded string, attempt one more decode;
		// keep it as-is on failure.
		var asString string
		if err := json.Unmarshal(step.Out, &asString); err == nil {
			var reparsed json.RawMessage
			if err := json.Unmarshal([]byte(asString), &reparsed); err == nil {
				step.Out = reparsed
			}
		}

		if step.WaitEventID != "" {
			var eventData any
			if len(step.Out) > 0 {
				var outStr string
				if err := json.Unmarshal(step.Out, &outStr); err == nil {
					if decodedOut, err := decodeBase64(outStr); err == nil {
						eventData = decodedOut
					}
				}
			}
			timeout := step.WaitTimeout
			if timeout == nil {
				timeout = false
			}
			rewritten, err := json.Marshal(map[string]any{
				"event_data": eventData,
				"timeout":    timeout,
			})
			if err != nil {
				return "", nil, fmt.Errorf("workflow: failed to rewrite wait step output: %w", err)
			}
			step.Out = rewritten
		}

		history = append(history, step)
	}

	return rawInitialPayload, history, nil
}

// decodeBase64 tolerates both the standard and URL-safe alphabets, with or
// without padding.
func decodeBase64(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	decoders := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range decoders {
		if out, err := enc.DecodeString(s); err == nil {
			return string(out), nil
		} else {
			lastErr = err
		}
	}
	return "", lastErr
}

// mustQuoteJSONString encodes a raw string as a JSON string literal so it
// can be stored in a json.RawMessage field verbatim. The Initial step's out
// is the raw payload, stored verbatim with no JSON-parsing applied.
func mustQuoteJSONString(s string) []byte {
	out, _ := json.Marshal(s)
	return out
}
