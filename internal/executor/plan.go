// Package executor compiles and runs validated plan steps in an isolated
// yaegi sandbox, threading the carry dictionary between steps and driving
// the per-step repair loops.
package executor

import (
	"encoding/json"
	"fmt"

	"taskweave/internal/gateway"
)

// Step is one validated, executable unit of a plan. The JSON field names
// are the wire shape the planner model emits.
type Step struct {
	Name        string   `json:"subtask_name"`
	ChosenTool  string   `json:"chosen_tool"`
	InputFrom   string   `json:"input_from_subtask"`
	Description string   `json:"description"`
	Imports     []string `json:"lib_names"`
	Code        string   `json:"code"`
	Thought     string   `json:"thought"`
}

// Plan is an ordered sequence of steps plus the task framing.
type Plan struct {
	MainTask        string `json:"main_task"`
	MainTaskThought string `json:"main_task_thought"`
	Steps           []Step `json:"subtasks"`
}

// ParsePlan decodes a model reply into a plan and validates its shape.
func ParsePlan(raw string) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal([]byte(gateway.SanitizeResponse(raw)), &p); err != nil {
		return nil, fmt.Errorf("plan does not parse: %w", err)
	}
	if err := p.ValidateShape(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidateShape enforces the plan invariants: at least one step, unique step
// names, no carry input on the first step, and every input_from referencing
// an earlier step or empty.
func (p *Plan) ValidateShape() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	seen := map[string]int{}
	for i, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if prev, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate step name %q (steps %d and %d)", s.Name, prev, i)
		}
		seen[s.Name] = i

		if s.Code == "" {
			return fmt.Errorf("step %q has no code", s.Name)
		}

		if i == 0 {
			if s.InputFrom != "" {
				return fmt.Errorf("first step %q must not declare a carry input", s.Name)
			}
			continue
		}
		if s.InputFrom == "" {
			continue
		}
		from, ok := seen[s.InputFrom]
		if !ok || from >= i {
			return fmt.Errorf("step %q references %q which is not an earlier step", s.Name, s.InputFrom)
		}
	}
	return nil
}

// StepIndex returns the position of the named step, or -1.
func (p *Plan) StepIndex(name string) int {
	for i, s := range p.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}
