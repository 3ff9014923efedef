package workflow

// trapContext builds a copy of ctx whose executor rejects every step-adding
// call with disabledStepAbort, sharing the payload, run id, and headers with
// the real context.
func trapContext(ctx *WorkflowContext) *WorkflowContext {
	trap := *ctx
	trap.exec = &executor{disabled: true}
	return &trap
}

// RunAuthDryRun pre-flights workflowFn against a trap context to detect the
// pattern `if unauthorized { return }` before any real step submission
// happens.
//
// stepFound reports which of two outcomes occurred:
//   - false ("run-ended"): workflowFn returned normally without authoring a
//     step, so the caller should respond with the auth-fail condition.
//   - true ("step-found"): workflowFn attempted to author a step, so real
//     execution should proceed.
//
// Any panic other than the trap's own sentinel propagates unchanged.
func RunAuthDryRun(workflowFn func(*WorkflowContext) error, ctx *WorkflowContext) (stepFound bool, err error) {
	trap := trapContext(ctx)

	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(disabledStepAbort); ok {
					stepFound = true
					return
				}
				panic(r)
			}
		}()
		err = workflowFn(trap)
	}()

	return stepFound, err
}
