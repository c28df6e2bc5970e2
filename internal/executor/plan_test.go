package executor

import (
	"strings"
	"testing"
)

func TestParsePlanAcceptsFencedJSON(t *testing.T) {
	raw := "```json\n" + `{
  "main_task": "compute the mean of [1,2,3]",
  "main_task_thought": "one numeric step",
  "subtasks": [
    {
      "subtask_name": "compute_mean",
      "chosen_tool": "statistics",
      "input_from_subtask": "",
      "description": "mean of the list",
      "lib_names": ["math"],
      "code": "func compute_mean() map[string]interface{} { return nil }",
      "thought": "sum then divide"
    }
  ]
}` + "\n```"

	p, err := ParsePlan(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.MainTask == "" || len(p.Steps) != 1 || p.Steps[0].Name != "compute_mean" {
		t.Fatalf("plan decoded wrong: %+v", p)
	}
}

func TestValidateShapeRejectsDuplicates(t *testing.T) {
	p := &Plan{Steps: []Step{
		{Name: "a", Code: "x"},
		{Name: "a", Code: "x"},
	}}
	err := p.ValidateShape()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate-name error, got %v", err)
	}
}

func TestValidateShapeRejectsForwardReference(t *testing.T) {
	p := &Plan{Steps: []Step{
		{Name: "a", Code: "x"},
		{Name: "b", Code: "x", InputFrom: "c"},
		{Name: "c", Code: "x"},
	}}
	if err := p.ValidateShape(); err == nil {
		t.Fatal("expected forward-reference error")
	}
}

func TestValidateShapeRejectsCarryInputOnFirstStep(t *testing.T) {
	p := &Plan{Steps: []Step{
		{Name: "a", Code: "x", InputFrom: "b"},
	}}
	if err := p.ValidateShape(); err == nil {
		t.Fatal("expected first-step input error")
	}
}

func TestValidateShapeAcceptsChain(t *testing.T) {
	p := &Plan{Steps: []Step{
		{Name: "get_coordinates", Code: "x"},
		{Name: "format_output", Code: "x", InputFrom: "get_coordinates"},
	}}
	if err := p.ValidateShape(); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}
	if p.StepIndex("format_output") != 1 {
		t.Fatal("StepIndex broken")
	}
}
