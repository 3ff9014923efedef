package workflow

import (
	"encoding/base64"
	"net/http"
	"strings"
	"testing"
)

func TestParseRequestFirstInvocation(t *testing.T) {
	headers := http.Header{}
	parsed, err := ParseRequest([]byte(`"hello"`), headers)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if !parsed.IsFirstInvocation {
		t.Fatal("expected IsFirstInvocation to be true when no protocol header is present")
	}
	if !strings.HasPrefix(parsed.WorkflowRunID, runIDPrefix) {
		t.Errorf("expected generated run id to start with %q, got %q", runIDPrefix, parsed.WorkflowRunID)
	}
	if parsed.RawInitialPayload != `"hello"` {
		t.Errorf("expected raw initial payload to be passed through verbatim, got %q", parsed.RawInitialPayload)
	}
	if len(parsed.Steps) != 0 {
		t.Errorf("expected empty history on first invocation, got %d entries", len(parsed.Steps))
	}
}

func TestGenRunIDFormat(t *testing.T) {
	for i := 0; i < 32; i++ {
		id, err := genRunID()
		if err != nil {
			t.Fatalf("genRunID: %v", err)
		}
		if len(id) != len(runIDPrefix)+21 {
			t.Fatalf("expected run id length %d, got %d (%q)", len(runIDPrefix)+21, len(id), id)
		}
		if !strings.HasPrefix(id, runIDPrefix) {
			t.Fatalf("expected prefix %q, got %q", runIDPrefix, id)
		}
		for _, c := range id[len(runIDPrefix):] {
			if !strings.ContainsRune(nanoidAlphabet, c) {
				t.Fatalf("run id %q contains character %q outside [A-Za-z0-9_-]", id, c)
			}
		}
	}
}

func TestParseRequestIncompatibleProtocol(t *testing.T) {
	headers := http.Header{}
	headers.Set(HeaderProtocolVersion, "99")
	headers.Set(HeaderWorkflowRunID, "wfr_x")

	_, err := ParseRequest([]byte(`[]`), headers)
	if err == nil {
		t.Fatal("expected an incompatible protocol version error")
	}
}

func TestParseRequestMissingRunID(t *testing.T) {
	headers := http.Header{}
	headers.Set(HeaderProtocolVersion, ProtocolVersion)

	_, err := ParseRequest([]byte(`[]`), headers)
	if err == nil {
		t.Fatal("expected a missing run id error")
	}
}

func TestParseRequestEmptyBodyOnReplay(t *testing.T) {
	headers := http.Header{}
	headers.Set(HeaderProtocolVersion, ProtocolVersion)
	headers.Set(HeaderWorkflowRunID, "wfr_x")

	_, err := ParseRequest(nil, headers)
	if err == nil {
		t.Fatal("expected an empty body error on a non-first invocation")
	}
}

func TestParseRequestHistory(t *testing.T) {
	initial := base64.StdEncoding.EncodeToString([]byte(`"input"`))
	step1Body := base64.StdEncoding.EncodeToString([]byte(`{"stepId":1,"stepName":"step1","stepType":"Run","concurrent":1,"out":"\"x\""}`))

	body := []byte(`[{"body":"` + initial + `"},{"body":"` + step1Body + `","callType":"step"}]`)

	headers := http.Header{}
	headers.Set(HeaderProtocolVersion, ProtocolVersion)
	headers.Set(HeaderWorkflowRunID, "wfr_existing")

	parsed, err := ParseRequest(body, headers)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if parsed.IsFirstInvocation {
		t.Fatal("expected a non-first invocation")
	}
	if parsed.WorkflowRunID != "wfr_existing" {
		t.Errorf("expected run id to come from the header, got %q", parsed.WorkflowRunID)
	}
	if parsed.RawInitialPayload != `"input"` {
		t.Errorf("expected decoded initial payload, got %q", parsed.RawInitialPayload)
	}
	if len(parsed.Steps) != 2 {
		t.Fatalf("expected initial + 1 step in history, got %d", len(parsed.Steps))
	}
	if parsed.Steps[0].StepType != StepTypeInitial {
		t.Errorf("expected position 0 to be the synthetic Initial step, got %v", parsed.Steps[0].StepType)
	}
	if parsed.Steps[1].StepName != "step1" || string(parsed.Steps[1].Out) != `"x"` {
		t.Errorf("unexpected decoded step: %+v", parsed.Steps[1])
	}
}

func TestParseRequestSkipsNonStepElements(t *testing.T) {
	initial := base64.StdEncoding.EncodeToString([]byte(`"input"`))
	body := []byte(`[{"body":"` + initial + `"},{"body":"ignored","callType":"toCallback"}]`)

	headers := http.Header{}
	headers.Set(HeaderProtocolVersion, ProtocolVersion)
	headers.Set(HeaderWorkflowRunID, "wfr_x")

	parsed, err := ParseRequest(body, headers)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(parsed.Steps) != 1 {
		t.Fatalf("expected only the synthetic Initial step, got %d entries", len(parsed.Steps))
	}
}
