package executor

import (
	"context"
	"fmt"

	"taskweave/internal/logging"
	"taskweave/internal/validator"
)

// RepairFunc re-prompts the model about a failing step and mutates the plan
// in place so later iterations see the corrected version.
type RepairFunc func(ctx context.Context, plan *Plan, stepIndex int, errorText string) error

// Executor walks a plan step by step: validate with a repair budget, run in
// the sandbox, scan for post-run error markers, repair and retry within the
// execution budget.
type Executor struct {
	sandbox *Sandbox
	log     *logging.ExecutionLog

	// AllowedLibs resolves a tool name to its import prefixes; usually
	// catalog.AllowedLibraries.
	AllowedLibs func(tool string) []string
	// Repair fixes a failing step. Nil disables repair entirely.
	Repair RepairFunc

	// ValidationRetries (V) and ExecutionRetries (E) are repair budgets.
	// Zero means fail fast after the first attempt.
	ValidationRetries int
	ExecutionRetries  int
}

// New builds an executor around a sandbox.
func New(sandbox *Sandbox, log *logging.ExecutionLog) *Executor {
	return &Executor{
		sandbox:           sandbox,
		log:               log,
		ValidationRetries: 3,
		ExecutionRetries:  3,
	}
}

// Carries maps step names to the carry each step produced.
type Carries map[string]map[string]interface{}

// Final returns the carry of the last step in the plan.
func (c Carries) Final(p *Plan) map[string]interface{} {
	if len(p.Steps) == 0 {
		return nil
	}
	return c[p.Steps[len(p.Steps)-1].Name]
}

// ExecutePlan runs every step in order. The returned map holds each step's
// updated carry under the step's name. A fatal step failure (either repair
// budget exhausted) aborts the walk.
func (e *Executor) ExecutePlan(ctx context.Context, plan *Plan) (Carries, error) {
	timer := logging.StartTimer(logging.CategoryExecutor, "ExecutePlan")
	defer timer.Stop()

	carries := make(Carries, len(plan.Steps))
	var prev map[string]interface{}

	for i := range plan.Steps {
		result, err := e.executeStep(ctx, plan, i, carries, prev)
		if err != nil {
			return carries, err
		}
		carries[plan.Steps[i].Name] = result
		prev = result
	}
	return carries, nil
}

// executeStep drives one step through validation, execution, and repair.
// Execution failures re-enter validation, so a repaired step is always
// statically checked before it runs again.
func (e *Executor) executeStep(ctx context.Context, plan *Plan, i int, carries Carries, prev map[string]interface{}) (map[string]interface{}, error) {
	execAttempts := 0
	for {
		step := &plan.Steps[i]
		e.log.Info("executing step %d/%d: %s (tool=%s)", i+1, len(plan.Steps), step.Name, step.ChosenTool)

		canonical, err := e.validateWithRepair(ctx, plan, i, carries)
		if err != nil {
			return nil, err
		}

		input := prev
		if step.InputFrom != "" {
			input = carries[step.InputFrom]
		}

		mark := e.log.Mark()
		result, runErr := e.sandbox.RunStep(ctx, plan.Steps[i].Name, canonical, i, input)

		errText := ""
		if runErr != nil {
			errText = runErr.Error()
			e.log.Error("step %s failed: %v", plan.Steps[i].Name, runErr)
		} else if marked := e.log.ErrorsSince(mark); marked != "" {
			// The step body itself reported failure through the logger.
			errText = marked
		}

		if errText == "" {
			e.log.StepNarration("step %s completed", plan.Steps[i].Name)
			return result, nil
		}

		if e.Repair == nil || execAttempts >= e.ExecutionRetries {
			return nil, fmt.Errorf("step %q failed after %d execution repairs: %s",
				plan.Steps[i].Name, execAttempts, errText)
		}
		execAttempts++
		e.log.Warn("repairing step %s (execution attempt %d/%d)",
			plan.Steps[i].Name, execAttempts, e.ExecutionRetries)
		if err := e.Repair(ctx, plan, i, errText); err != nil {
			return nil, fmt.Errorf("repair of step %q failed: %w", plan.Steps[i].Name, err)
		}
	}
}

// validateWithRepair validates the step, invoking repair up to the
// validation budget. The budget is fresh on every entry, matching the
// per-attempt shape of the execution loop.
func (e *Executor) validateWithRepair(ctx context.Context, plan *Plan, i int, carries Carries) (string, error) {
	attempts := 0
	for {
		step := &plan.Steps[i]
		opts := validator.Options{
			StepName:         step.Name,
			StepIndex:        i,
			TotalSteps:       len(plan.Steps),
			AllowedLibraries: e.allowedFor(step),
			PredecessorKeys:  e.predecessorKeys(step, carries),
		}
		res := validator.Validate(step.Code, opts)
		if res.OK {
			return res.CanonicalSource, nil
		}

		e.log.Warn("step %s failed validation: %s", step.Name, res.ErrorText())
		if e.Repair == nil || attempts >= e.ValidationRetries {
			return "", fmt.Errorf("step %q failed validation after %d repairs: %s",
				step.Name, attempts, res.ErrorText())
		}
		attempts++
		if err := e.Repair(ctx, plan, i, "validation failed: "+res.ErrorText()); err != nil {
			return "", fmt.Errorf("repair of step %q failed: %w", step.Name, err)
		}
	}
}

func (e *Executor) allowedFor(step *Step) []string {
	if e.AllowedLibs == nil {
		return step.Imports
	}
	libs := e.AllowedLibs(step.ChosenTool)
	if libs == nil {
		// Unknown tool: fall back to the step's declared imports so the
		// error surfaces as a failed import check, not a nil allow-list.
		return step.Imports
	}
	return libs
}

// predecessorKeys returns the keys of the feeding step's carry when it has
// already run, enabling the validator's carry-key contract.
func (e *Executor) predecessorKeys(step *Step, carries Carries) []string {
	if step.InputFrom == "" {
		return nil
	}
	carry, ok := carries[step.InputFrom]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(carry))
	for k := range carry {
		keys = append(keys, k)
	}
	return keys
}
