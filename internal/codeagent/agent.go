// Package codeagent drives the plan/validate/execute/repair/evaluate loop:
// generate a plan from the conversation and tool catalog, run it through the
// step executor, ask the model for a verdict, and re-plan until satisfied or
// the iteration ceiling is hit.
package codeagent

import (
	"context"
	"encoding/json"
	"fmt"

	"taskweave/internal/catalog"
	"taskweave/internal/executor"
	"taskweave/internal/gateway"
	"taskweave/internal/logging"
)

// Evaluation is the model's verdict on an executed plan iteration.
type Evaluation struct {
	Satisfactory         bool           `json:"satisfactory"`
	Thoughts             string         `json:"thoughts"`
	FinalAnswer          string         `json:"final_answer"`
	NewPlan              *executor.Plan `json:"new_json_plan"`
	MaxIterationsReached bool           `json:"max_iterations_reached"`
}

// Agent owns one session's plan/evaluate loop.
type Agent struct {
	client  gateway.ModelClient
	model   string
	catalog *catalog.Catalog
	exec    *executor.Executor
	log     *logging.ExecutionLog

	// MaxIterations is the re-plan ceiling. The loop runs at most
	// MaxIterations+1 full iterations: the extra pass gives the evaluator
	// one last chance to assemble a final answer from the log.
	MaxIterations int
	// ModelRetries bounds protocol-failure retries per model call.
	ModelRetries int
	// MemoryRecords trims the log snapshot handed to the evaluator.
	MemoryRecords int
	// StaticDir receives files referenced by the final answer.
	StaticDir string
}

// New wires an agent. The executor's Repair hook is installed here so every
// repair path reuses the same model surface.
func New(client gateway.ModelClient, model string, cat *catalog.Catalog, exec *executor.Executor, log *logging.ExecutionLog) *Agent {
	a := &Agent{
		client:        client,
		model:         model,
		catalog:       cat,
		exec:          exec,
		log:           log,
		MaxIterations: 3,
		ModelRetries:  3,
		MemoryRecords: 200,
		StaticDir:     "static",
	}
	exec.AllowedLibs = cat.AllowedLibraries
	exec.Repair = a.repairStep
	return a
}

// Run executes the full loop for one conversation and returns the final
// answer text.
func (a *Agent) Run(ctx context.Context, history []gateway.Message) (string, error) {
	timer := logging.StartTimer(logging.CategoryPlanner, "Run")
	defer timer.Stop()

	plan, err := a.generatePlan(ctx, history)
	if err != nil {
		return "", err
	}

	for iteration := 1; iteration <= a.MaxIterations+1; iteration++ {
		a.log.Info("plan iteration %d/%d: %s", iteration, a.MaxIterations, plan.MainTask)

		if _, err := a.exec.ExecutePlan(ctx, plan); err != nil {
			// Fatal step failures still go to the evaluator: it may be able
			// to salvage an answer or produce a better plan.
			a.log.Error("plan execution failed: %v", err)
		}

		ev, err := a.evaluate(ctx, plan, iteration)
		if err != nil {
			return "", err
		}

		if ev.Satisfactory {
			a.log.Info("evaluator satisfied after iteration %d", iteration)
			return a.materializeAnswer(ev.FinalAnswer)
		}

		if iteration > a.MaxIterations {
			logging.Get(logging.CategoryPlanner).Warn(
				"iteration ceiling %d reached, returning evaluator answer as-is", a.MaxIterations)
			a.log.Warn("iteration ceiling reached; answer may be incomplete")
			return a.materializeAnswer(ev.FinalAnswer)
		}

		if ev.NewPlan == nil {
			return "", fmt.Errorf("evaluator unsatisfied but returned no replacement plan")
		}
		if err := ev.NewPlan.ValidateShape(); err != nil {
			return "", fmt.Errorf("replacement plan is malformed: %w", err)
		}
		plan = ev.NewPlan
	}

	// Unreachable: the ceiling branch above always returns.
	return "", fmt.Errorf("plan loop exited without a verdict")
}

// generatePlan prompts for a plan and validates its shape, retrying protocol
// failures within the model budget.
func (a *Agent) generatePlan(ctx context.Context, history []gateway.Message) (*executor.Plan, error) {
	turns := make([]chatTurn, len(history))
	for i, m := range history {
		turns[i] = chatTurn{Role: m.Role, Content: m.Content}
	}
	prompt := plannerPrompt(historyText(turns), a.catalog)

	var plan *executor.Plan
	_, err := gateway.CallWithRetry(ctx, a.client,
		[]gateway.Message{{Role: "user", Content: prompt}},
		a.model, &gateway.ChatOptions{ResponseFormat: "json_object"},
		a.ModelRetries,
		func(raw string) error {
			p, perr := executor.ParsePlan(raw)
			if perr != nil {
				return perr
			}
			plan = p
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}
	logging.Planner("generated plan with %d steps for task %q", len(plan.Steps), plan.MainTask)
	return plan, nil
}

// evaluate asks the model for a verdict on the executed iteration.
func (a *Agent) evaluate(ctx context.Context, plan *executor.Plan, iteration int) (*Evaluation, error) {
	prompt := evaluatorPrompt(plan, iteration, a.MaxIterations, a.log.MemorySnapshot(a.MemoryRecords))

	var ev Evaluation
	_, err := gateway.CallWithRetry(ctx, a.client,
		[]gateway.Message{{Role: "user", Content: prompt}},
		a.model, &gateway.ChatOptions{ResponseFormat: "json_object"},
		a.ModelRetries,
		func(raw string) error {
			ev = Evaluation{}
			return json.Unmarshal([]byte(gateway.SanitizeResponse(raw)), &ev)
		})
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return &ev, nil
}

// repairStep is the executor's repair hook: re-prompt with the failing step
// and splice the corrected subtask into the plan in place.
func (a *Agent) repairStep(ctx context.Context, plan *executor.Plan, stepIndex int, errorText string) error {
	prompt := repairPrompt(plan, stepIndex, errorText)

	var reply struct {
		Reasoning string        `json:"reasoning"`
		Corrected executor.Step `json:"corrected_subtask"`
	}
	_, err := gateway.CallWithRetry(ctx, a.client,
		[]gateway.Message{{Role: "user", Content: prompt}},
		a.model, &gateway.ChatOptions{ResponseFormat: "json_object"},
		a.ModelRetries,
		func(raw string) error {
			reply.Corrected = executor.Step{}
			if err := json.Unmarshal([]byte(gateway.SanitizeResponse(raw)), &reply); err != nil {
				return err
			}
			if reply.Corrected.Code == "" {
				return fmt.Errorf("corrected_subtask has no code")
			}
			return nil
		})
	if err != nil {
		return err
	}

	// Keep the step's position and name stable; the regeneration is logged
	// for observability.
	corrected := reply.Corrected
	if corrected.Name == "" {
		corrected.Name = plan.Steps[stepIndex].Name
	}
	a.log.InfoFlagged(logging.FlagNoPrint, "step %s regenerated: %s", corrected.Name, reply.Reasoning)
	plan.Steps[stepIndex] = corrected
	return nil
}
