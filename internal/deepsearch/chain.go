package deepsearch

import (
	"encoding/json"
	"fmt"
	"strings"

	"taskweave/internal/gateway"
)

// Agent output kinds.
const (
	OutputFunctional = "functional"
	OutputFinal      = "final"
)

// AgentNode is one sub-agent in the research chain.
type AgentNode struct {
	Nickname            string   `json:"agent_nickname"`
	Prompt              string   `json:"agent_llm_prompt"`
	InputFromAgents     []string `json:"input_from_agents"`
	UserQuestions       []string `json:"user_questions"`
	UserAnswers         []string `json:"user_answers"`
	ExternalSearchQuery string   `json:"external_search_query"`
	OutputType          string   `json:"output_type"`
	Observation         string   `json:"observation"`
}

type chainEnvelope struct {
	Agents []AgentNode `json:"agents"`
}

// ParseChain decodes the planner's chain reply. Both a bare array and an
// {"agents": [...]} envelope are accepted.
func ParseChain(raw string) ([]AgentNode, error) {
	clean := gateway.SanitizeResponse(raw)
	var env chainEnvelope
	if err := json.Unmarshal([]byte(clean), &env); err == nil && len(env.Agents) > 0 {
		return env.Agents, nil
	}
	var agents []AgentNode
	if err := json.Unmarshal([]byte(clean), &agents); err != nil {
		return nil, fmt.Errorf("chain reply is not valid JSON: %w", err)
	}
	return agents, nil
}

// ValidateChain enforces the DAG invariants: unique nonempty nicknames,
// at most 2 inputs per agent, inputs referencing strictly earlier agents,
// every referenced agent functional, and at least one final agent.
func ValidateChain(agents []AgentNode) error {
	if len(agents) == 0 {
		return fmt.Errorf("chain has no agents")
	}

	position := map[string]int{}
	for i, a := range agents {
		if strings.TrimSpace(a.Nickname) == "" {
			return fmt.Errorf("agent %d has no nickname", i)
		}
		if _, dup := position[a.Nickname]; dup {
			return fmt.Errorf("duplicate agent nickname %q", a.Nickname)
		}
		if strings.TrimSpace(a.Prompt) == "" {
			return fmt.Errorf("agent %q has no prompt", a.Nickname)
		}
		if a.OutputType != OutputFunctional && a.OutputType != OutputFinal {
			return fmt.Errorf("agent %q has output_type %q", a.Nickname, a.OutputType)
		}
		position[a.Nickname] = i
	}

	sawFinal := false
	for i, a := range agents {
		if len(a.InputFromAgents) > 2 {
			return fmt.Errorf("agent %q reads from %d agents, max 2", a.Nickname, len(a.InputFromAgents))
		}
		for _, ref := range a.InputFromAgents {
			j, ok := position[ref]
			if !ok {
				return fmt.Errorf("agent %q reads from unknown agent %q", a.Nickname, ref)
			}
			if j >= i {
				return fmt.Errorf("agent %q reads from %q, which does not precede it", a.Nickname, ref)
			}
			if agents[j].OutputType != OutputFunctional {
				return fmt.Errorf("agent %q reads from non-functional agent %q", a.Nickname, ref)
			}
		}
		if a.OutputType == OutputFinal {
			sawFinal = true
		}
	}
	if !sawFinal {
		return fmt.Errorf("chain has no final agent")
	}
	return nil
}

// ClearQuestions strips user_questions from every agent; used when the
// planner runs non-interactively.
func ClearQuestions(agents []AgentNode) {
	for i := range agents {
		agents[i].UserQuestions = nil
	}
}
