// Command example wires a sample durable workflow into an HTTP server using
// gorilla/mux, the way platform/orchestrator/replay's Handler registers its
// routes.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	workflow "github.com/getaxonflow/workflow-go"
)

func main() {
	client := workflow.NewDefaultBrokerClient(workflow.ClientConfig{
		BaseURL: envOrDefault("BROKER_URL", "https://broker.example.com"),
		Token:   os.Getenv("BROKER_TOKEN"),
		Debug:   os.Getenv("WORKFLOW_DEBUG") == "true",
	})

	var verifier workflow.Verifier
	if key := os.Getenv("BROKER_CURRENT_SIGNING_KEY"); key != "" {
		verifier = &workflow.JWTVerifier{
			CurrentSigningKey: key,
			NextSigningKey:    os.Getenv("BROKER_NEXT_SIGNING_KEY"),
		}
	}

	handler := workflow.NewHandler(workflow.Options{
		Client:      client,
		Verifier:    verifier,
		WorkflowFn:  sampleWorkflow,
		FailureFn:   logFailure,
		URLOverride: os.Getenv("WORKFLOW_URL"),
	})

	router := mux.NewRouter()
	router.Handle("/workflows/sample", handler).Methods(http.MethodPost)

	addr := envOrDefault("ADDR", ":8080")
	log.Printf("[workflow] listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("[workflow] server exited: %v", err)
	}
}

// sampleWorkflow fetches a greeting target from the initial payload, calls
// an external service, waits briefly, and logs the result, exercising Run,
// Call, and Sleep in sequence.
func sampleWorkflow(ctx *workflow.WorkflowContext) error {
	name, _ := ctx.InitialPayload.(string)
	if name == "" {
		name = "world"
	}

	var greeting string
	if err := ctx.RunInto("build-greeting", func() (any, error) {
		return fmt.Sprintf("hello, %s", name), nil
	}, &greeting); err != nil {
		return err
	}

	result, err := ctx.Call("notify-downstream", "https://downstream.example.com/notify", http.MethodPost,
		fmt.Sprintf(`{"greeting":%q}`, greeting), nil, 0, "")
	if err != nil {
		return err
	}

	if err := ctx.Sleep("cool-down", 5*time.Second); err != nil {
		return err
	}

	log.Printf("[workflow] run %s finished: downstream status %d", ctx.WorkflowRunID, result.Status)
	return nil
}

func logFailure(ctx *workflow.WorkflowContext, status int, message string, header map[string][]string) error {
	log.Printf("[workflow] run %s failed with status %d: %s", ctx.WorkflowRunID, status, message)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
