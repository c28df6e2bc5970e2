package codeagent

import (
	"fmt"
	"strings"

	"taskweave/internal/catalog"
	"taskweave/internal/executor"
)

// rootPrompt frames every planner, evaluator, and repair call. Prompts are
// data: they describe the contract the validator and sandbox enforce.
const rootPrompt = `You are a coding agent that solves tasks by writing small Go steps.

Rules for every step you write:
- Exactly one top-level function per step, named after the step.
- The first step takes no parameters. Every later step takes exactly one
  parameter: previous_output map[string]interface{}.
- Every later step starts with: updated_dict := copy_dict(previous_output)
  and returns updated_dict. Never drop keys from the carry.
- Only import libraries listed for the chosen tool, plus the safe standard
  library (fmt, strings, strconv, math, sort, time, regexp, encoding/json, ...).
- The ambient names logger, session_id, emit, copy_dict, carry_get and
  error_log are always available. Report failures with logger.Error.
- No shell execution, no dynamic code evaluation, no unsafe operations.`

// plannerPrompt asks for a full plan in the JSON wire shape.
func plannerPrompt(history string, cat *catalog.Catalog) string {
	var sb strings.Builder
	sb.WriteString(rootPrompt)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, t := range cat.Tools() {
		fmt.Fprintf(&sb, "\n## %s\nallowed libraries: %s\n%s\n", t.Name,
			strings.Join(t.AllowedLibraries, ", "), t.Instructions)
		if t.CodeExample != "" {
			if t.UseExactExample {
				fmt.Fprintf(&sb, "Use this invocation exactly, substituting the placeholder inputs:\n%s\n", t.CodeExample)
			} else {
				fmt.Fprintf(&sb, "Example:\n%s\n", t.CodeExample)
			}
		}
	}
	sb.WriteString(`
Produce a JSON object with this exact shape and nothing else:
{
  "main_task": "...",
  "main_task_thought": "...",
  "subtasks": [
    {
      "subtask_name": "snake_case_name",
      "chosen_tool": "one of the tools above",
      "input_from_subtask": "name of the earlier step whose output feeds this one, or \"\"",
      "description": "...",
      "lib_names": ["imports this step uses"],
      "code": "the Go source of the step function",
      "thought": "..."
    }
  ]
}

Conversation so far:
`)
	sb.WriteString(history)
	return sb.String()
}

// evaluatorPrompt asks for a verdict on the executed plan.
func evaluatorPrompt(plan *executor.Plan, iteration, maxIterations int, memoryLog []string) string {
	var sb strings.Builder
	sb.WriteString(rootPrompt)
	fmt.Fprintf(&sb, "\n\nYou are now evaluating iteration %d of at most %d for the task: %s\n",
		iteration, maxIterations, plan.MainTask)
	sb.WriteString("\nThe executed plan:\n")
	for i, s := range plan.Steps {
		fmt.Fprintf(&sb, "%d. %s (tool=%s, input_from=%q): %s\n", i+1, s.Name, s.ChosenTool, s.InputFrom, s.Description)
	}
	sb.WriteString("\nExecution log (ground truth, <finalAnswerDataLog> entries carry user-visible facts):\n")
	for _, line := range memoryLog {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	if iteration > maxIterations {
		sb.WriteString("\nThe iteration ceiling has been reached. Set max_iterations_reached to true and produce the best final_answer you can from the log.\n")
	}
	sb.WriteString(`
Reply with JSON only:
{
  "satisfactory": true or false,
  "thoughts": "...",
  "final_answer": "the user-facing answer when satisfactory (or best effort at the ceiling)",
  "new_json_plan": { ... same shape as the planner output, only when unsatisfactory ... },
  "max_iterations_reached": true or false
}`)
	return sb.String()
}

// repairPrompt asks for a corrected version of one failing step.
func repairPrompt(plan *executor.Plan, stepIndex int, errorText string) string {
	step := plan.Steps[stepIndex]
	var sb strings.Builder
	sb.WriteString(rootPrompt)
	fmt.Fprintf(&sb, "\n\nTask: %s\n", plan.MainTask)
	fmt.Fprintf(&sb, "\nStep %q (index %d, tool=%s) failed:\n%s\n", step.Name, stepIndex, step.ChosenTool, errorText)
	fmt.Fprintf(&sb, "\nIts current code:\n%s\n", step.Code)
	sb.WriteString(`
Fix the step. Reply with JSON only:
{
  "reasoning": "...",
  "corrected_subtask": {
    "subtask_name": "...",
    "chosen_tool": "...",
    "input_from_subtask": "...",
    "description": "...",
    "lib_names": [],
    "code": "...",
    "thought": "..."
  }
}`)
	return sb.String()
}

// historyText flattens a chat history for prompt splicing.
func historyText(history []chatTurn) string {
	var sb strings.Builder
	for _, t := range history {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}
	return sb.String()
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
