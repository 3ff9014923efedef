package workflow

import (
	"errors"
	"testing"
)

func TestRunAuthDryRunDetectsStepFound(t *testing.T) {
	client := &fakeBrokerClient{}
	ctx := newTestContext(t, History{{StepID: 0, StepName: "init", StepType: StepTypeInitial}}, client)

	stepFound, err := RunAuthDryRun(func(c *WorkflowContext) error {
		_, stepErr := c.Run("first", func() (any, error) { return "v", nil })
		return stepErr
	}, ctx)

	if err != nil {
		t.Fatalf("RunAuthDryRun: %v", err)
	}
	if !stepFound {
		t.Fatal("expected step-found when the workflow function authors a step")
	}
	if len(client.batches) != 0 {
		t.Error("expected the trap context never to reach the broker")
	}
}

func TestRunAuthDryRunDetectsRunEnded(t *testing.T) {
	client := &fakeBrokerClient{}
	ctx := newTestContext(t, History{{StepID: 0, StepName: "init", StepType: StepTypeInitial}}, client)

	stepFound, err := RunAuthDryRun(func(c *WorkflowContext) error {
		return errors.New("unauthorized")
	}, ctx)

	if stepFound {
		t.Fatal("expected run-ended when the workflow function returns without authoring a step")
	}
	if err == nil {
		t.Fatal("expected the workflow function's own return error to surface")
	}
}

func TestRunAuthDryRunPropagatesUnrelatedPanics(t *testing.T) {
	client := &fakeBrokerClient{}
	ctx := newTestContext(t, History{{StepID: 0, StepName: "init", StepType: StepTypeInitial}}, client)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected an unrelated panic to propagate")
		}
	}()

	_, _ = RunAuthDryRun(func(c *WorkflowContext) error {
		panic("boom")
	}, ctx)
}
