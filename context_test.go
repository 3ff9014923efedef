package workflow

import "testing"

func TestContextCallReplaysDecodedResult(t *testing.T) {
	history := History{
		{StepID: 0, StepName: "init", StepType: StepTypeInitial, Out: []byte(`"input"`)},
		{StepID: 1, StepName: "fetch", StepType: StepTypeCall, Out: []byte(`{"status":200,"body":"{\"ok\":true}","header":{"Content-Type":["application/json"]}}`)},
	}
	client := &fakeBrokerClient{}
	ctx := newTestContext(t, history, client)

	result, err := ctx.Call("fetch", "https://example.com", "GET", "", nil, 0, "")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Status != 200 {
		t.Errorf("expected status 200, got %d", result.Status)
	}
	decoded := result.DecodedBody()
	if string(decoded) != `{"ok":true}` {
		t.Errorf("expected DecodedBody to JSON-decode the body, got %s", decoded)
	}
}

func TestCallResultDecodedBodyFallsBackToRawString(t *testing.T) {
	result := &CallResult{Status: 500, Body: "not json"}
	decoded := result.DecodedBody()
	if string(decoded) != `"not json"` {
		t.Errorf("expected a quoted raw string fallback, got %s", decoded)
	}
}

func TestContextCancelCallsDelete(t *testing.T) {
	client := &fakeBrokerClient{}
	ctx := newTestContext(t, History{{StepID: 0, StepName: "init", StepType: StepTypeInitial}}, client)

	if err := ctx.Cancel(true); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(client.deletes) != 1 || client.deletes[0] != "wfr_test" {
		t.Errorf("expected a delete for the run id, got %v", client.deletes)
	}
}

func TestDecodeInitialPayloadJSONAndFallback(t *testing.T) {
	if v := decodeInitialPayload(`{"a":1}`); v == nil {
		t.Error("expected a decoded map")
	}
	if v := decodeInitialPayload("not json"); v != "not json" {
		t.Errorf("expected fallback to the raw string, got %#v", v)
	}
	if v := decodeInitialPayload(""); v != nil {
		t.Errorf("expected nil for an empty payload, got %#v", v)
	}
}
