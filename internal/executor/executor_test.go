package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"taskweave/internal/logging"
)

func newTestSandbox(log *logging.ExecutionLog) *Sandbox {
	return NewSandbox(Bindings{Log: log, SessionID: "test-session"}, 10*time.Second)
}

func TestSandboxRunsFirstStep(t *testing.T) {
	log := logging.NewExecutionLog(logging.CategoryExecutor, false)
	sb := newTestSandbox(log)

	src := `package main

func compute_mean() map[string]interface{} {
	values := []float64{1, 2, 3}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return map[string]interface{}{"mean": sum / float64(len(values))}
}
`
	out, err := sb.RunStep(context.Background(), "compute_mean", src, 0, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got, ok := out["mean"].(float64); !ok || got != 2.0 {
		t.Fatalf("mean = %v, want 2.0", out["mean"])
	}
}

func TestSandboxThreadsCarry(t *testing.T) {
	log := logging.NewExecutionLog(logging.CategoryExecutor, false)
	sb := newTestSandbox(log)

	src := `package main

import "fmt"

func format_output(previous_output map[string]interface{}) map[string]interface{} {
	updated_dict := copy_dict(previous_output)
	updated_dict["rendered"] = fmt.Sprintf("coordinates: %v", updated_dict["coordinates"])
	return updated_dict
}
`
	carry := map[string]interface{}{"coordinates": "(48.85, 2.35)"}
	out, err := sb.RunStep(context.Background(), "format_output", src, 1, carry)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	// Copy-on-step: every predecessor key survives.
	if out["coordinates"] != "(48.85, 2.35)" {
		t.Fatalf("carry key dropped: %v", out)
	}
	if s, _ := out["rendered"].(string); !strings.Contains(s, "48.85") {
		t.Fatalf("rendered = %v", out["rendered"])
	}
	// The input carry must not have been mutated.
	if _, leaked := carry["rendered"]; leaked {
		t.Fatal("step mutated the predecessor carry in place")
	}
}

func TestSandboxAmbientBindings(t *testing.T) {
	log := logging.NewExecutionLog(logging.CategoryExecutor, false)
	sb := newTestSandbox(log)

	src := `package main

func announce() map[string]interface{} {
	logger.Info("working in session %s", session_id)
	emit("reasoning_update", "thinking")
	return map[string]interface{}{"sid": session_id}
}
`
	out, err := sb.RunStep(context.Background(), "announce", src, 0, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out["sid"] != "test-session" {
		t.Fatalf("session_id ambient broken: %v", out["sid"])
	}
	snap := log.MemorySnapshot(0)
	if len(snap) == 0 || !strings.Contains(snap[0], "test-session") {
		t.Fatalf("logger ambient did not reach the execution log: %v", snap)
	}
}

func TestSandboxErrorMarker(t *testing.T) {
	log := logging.NewExecutionLog(logging.CategoryExecutor, false)
	sb := newTestSandbox(log)

	src := `package main

func flaky() map[string]interface{} {
	logger.Error("backend returned nothing")
	return map[string]interface{}{}
}
`
	mark := log.Mark()
	if _, err := sb.RunStep(context.Background(), "flaky", src, 0, nil); err != nil {
		t.Fatalf("run itself should succeed: %v", err)
	}
	if got := log.ErrorsSince(mark); !strings.Contains(got, "backend returned nothing") {
		t.Fatalf("error marker not captured: %q", got)
	}
}

func TestSandboxTimeout(t *testing.T) {
	log := logging.NewExecutionLog(logging.CategoryExecutor, false)
	sb := NewSandbox(Bindings{Log: log, SessionID: "s"}, 200*time.Millisecond)

	src := `package main

import "time"

func stall() map[string]interface{} {
	time.Sleep(10 * time.Second)
	return map[string]interface{}{}
}
`
	_, err := sb.RunStep(context.Background(), "stall", src, 0, nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func twoStepPlan() *Plan {
	return &Plan{
		MainTask: "coordinates of Paris, then return them as a string",
		Steps: []Step{
			{
				Name:       "get_coordinates",
				ChosenTool: "statistics",
				Code: `func get_coordinates() map[string]interface{} {
	return map[string]interface{}{"coordinates": "(48.85, 2.35)"}
}`,
			},
			{
				Name:       "format_output",
				ChosenTool: "text_format",
				InputFrom:  "get_coordinates",
				Code: `import "fmt"

func format_output(previous_output map[string]interface{}) map[string]interface{} {
	updated_dict := copy_dict(previous_output)
	updated_dict["answer"] = fmt.Sprintf("Paris is at %v", updated_dict["coordinates"])
	return updated_dict
}`,
			},
		},
	}
}

func allowAll(tool string) []string { return []string{"agenttools"} }

func TestExecutePlanTwoStepCarry(t *testing.T) {
	log := logging.NewExecutionLog(logging.CategoryExecutor, false)
	exec := New(newTestSandbox(log), log)
	exec.AllowedLibs = allowAll

	plan := twoStepPlan()
	carries, err := exec.ExecutePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	first := carries["get_coordinates"]
	if first["coordinates"] != "(48.85, 2.35)" {
		t.Fatalf("first carry wrong: %v", first)
	}
	final := carries.Final(plan)
	if s, _ := final["answer"].(string); !strings.Contains(s, "48.85") {
		t.Fatalf("final answer wrong: %v", final)
	}
	// Key preservation across the chain.
	for k := range first {
		if _, ok := final[k]; !ok {
			t.Fatalf("carry key %q dropped by step 2", k)
		}
	}
}

func TestExecutePlanValidationRepair(t *testing.T) {
	log := logging.NewExecutionLog(logging.CategoryExecutor, false)
	exec := New(newTestSandbox(log), log)
	exec.AllowedLibs = func(tool string) []string { return nil }

	repaired := 0
	exec.Repair = func(_ context.Context, plan *Plan, i int, errText string) error {
		repaired++
		if !strings.Contains(errText, "validation failed") {
			t.Errorf("repair called without validation context: %q", errText)
		}
		plan.Steps[i].Code = `func fetch_page() map[string]interface{} {
	return map[string]interface{}{"page": "ok"}
}`
		return nil
	}

	plan := &Plan{Steps: []Step{{
		Name:       "fetch_page",
		ChosenTool: "scraper",
		Code: `import "net/http"

func fetch_page() map[string]interface{} {
	resp, _ := http.Get("https://example.com")
	return map[string]interface{}{"page": resp.Status}
}`,
	}}}

	carries, err := exec.ExecutePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("repaired plan should succeed: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("expected exactly one repair, got %d", repaired)
	}
	if carries["fetch_page"]["page"] != "ok" {
		t.Fatalf("repaired step output wrong: %v", carries["fetch_page"])
	}
}

func TestExecutePlanExecutionRepair(t *testing.T) {
	log := logging.NewExecutionLog(logging.CategoryExecutor, false)
	exec := New(newTestSandbox(log), log)
	exec.AllowedLibs = allowAll

	exec.Repair = func(_ context.Context, plan *Plan, i int, errText string) error {
		if !strings.Contains(errText, logging.ErrorMarker) {
			t.Errorf("expected marked error text, got %q", errText)
		}
		plan.Steps[i].Code = `func lookup() map[string]interface{} {
	return map[string]interface{}{"value": 42}
}`
		return nil
	}

	plan := &Plan{Steps: []Step{{
		Name:       "lookup",
		ChosenTool: "statistics",
		Code: `func lookup() map[string]interface{} {
	logger.Error("no results found")
	return map[string]interface{}{}
}`,
	}}}

	carries, err := exec.ExecutePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("execution repair should recover: %v", err)
	}
	if v, _ := carries["lookup"]["value"].(int); v != 42 {
		t.Fatalf("repaired output wrong: %v", carries["lookup"])
	}
}

func TestZeroBudgetsFailFast(t *testing.T) {
	log := logging.NewExecutionLog(logging.CategoryExecutor, false)
	exec := New(newTestSandbox(log), log)
	exec.AllowedLibs = allowAll
	exec.ValidationRetries = 0
	exec.ExecutionRetries = 0

	calls := 0
	exec.Repair = func(_ context.Context, _ *Plan, _ int, _ string) error {
		calls++
		return nil
	}

	plan := &Plan{Steps: []Step{{
		Name:       "broken",
		ChosenTool: "statistics",
		Code: `func broken() map[string]interface{} {
	logger.Error("always fails")
	return map[string]interface{}{}
}`,
	}}}

	// The step still executes once, then fails without any repair.
	_, err := exec.ExecutePlan(context.Background(), plan)
	if err == nil {
		t.Fatal("expected fatal failure with zero budgets")
	}
	if calls != 0 {
		t.Fatalf("repair must not run with zero budgets, ran %d times", calls)
	}
}

func TestRepairBudgetExhaustionIsFatal(t *testing.T) {
	log := logging.NewExecutionLog(logging.CategoryExecutor, false)
	exec := New(newTestSandbox(log), log)
	exec.AllowedLibs = allowAll
	exec.ExecutionRetries = 2

	calls := 0
	exec.Repair = func(_ context.Context, _ *Plan, _ int, _ string) error {
		calls++
		return nil // "repairs" without fixing anything
	}

	plan := &Plan{Steps: []Step{{
		Name:       "hopeless",
		ChosenTool: "statistics",
		Code: `func hopeless() map[string]interface{} {
	logger.Error("still broken")
	return map[string]interface{}{}
}`,
	}}}

	_, err := exec.ExecutePlan(context.Background(), plan)
	if err == nil {
		t.Fatal("expected fatal failure after budget exhaustion")
	}
	if calls != 2 {
		t.Fatalf("expected exactly E=2 repair attempts, got %d", calls)
	}
}
