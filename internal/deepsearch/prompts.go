package deepsearch

import (
	"fmt"
	"strings"

	"taskweave/internal/gateway"
	"taskweave/internal/graph"
)

// chainPrompt asks the planner model for the research DAG.
func chainPrompt(history []gateway.Message, p Profile, interactive bool) string {
	var sb strings.Builder
	sb.WriteString("You are a research planner. Design a chain of specialist agents that together answer the user's request.\n\n")
	sb.WriteString("Reply with a JSON object: {\"agents\": [...]}. Each agent has:\n")
	sb.WriteString(`- "agent_nickname": short unique name` + "\n")
	sb.WriteString(`- "agent_llm_prompt": the instruction that agent will execute` + "\n")
	sb.WriteString(`- "input_from_agents": nicknames of at most 2 earlier agents whose output this agent needs (functional agents only)` + "\n")
	if interactive {
		sb.WriteString(`- "user_questions": questions this agent must ask the user before running (optional)` + "\n")
	} else {
		sb.WriteString(`- "user_questions": always an empty array` + "\n")
	}
	sb.WriteString(`- "user_answers": always an empty array` + "\n")
	sb.WriteString(`- "external_search_query": a search query when the agent needs fresh external information (optional)` + "\n")
	sb.WriteString(`- "output_type": "functional" (intermediate) or "final" (its answer becomes part of the report)` + "\n")
	sb.WriteString(`- "observation": always an empty string` + "\n\n")
	fmt.Fprintf(&sb, "Order agents so every input_from_agents reference points to an earlier agent.\n")
	fmt.Fprintf(&sb, "Use at least %d functional and %d final agents. Each final agent should produce a thorough section of at least %d tokens.\n\n", p.MinFunctional, p.MinFinal, p.MinTokens)

	sb.WriteString("Conversation so far:\n")
	for _, m := range history {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}

// agentPrompt assembles one sub-agent's working prompt from its own
// instruction, upstream observations, collected user answers, and spliced
// search results.
func agentPrompt(node AgentNode, inputs map[string]string, searchResults string, minTokens int) string {
	var sb strings.Builder
	sb.WriteString(node.Prompt)
	sb.WriteString("\n")

	for _, ref := range node.InputFromAgents {
		if obs, ok := inputs[ref]; ok && obs != "" {
			fmt.Fprintf(&sb, "\nFindings from %s:\n%s\n", ref, obs)
		}
	}

	if len(node.UserAnswers) > 0 {
		sb.WriteString("\nThe user provided these answers:\n")
		for i, q := range node.UserQuestions {
			if i < len(node.UserAnswers) {
				fmt.Fprintf(&sb, "Q: %s\nA: %s\n", q, node.UserAnswers[i])
			}
		}
	}

	if searchResults != "" {
		sb.WriteString("\nExternal research results:\n")
		sb.WriteString(searchResults)
		sb.WriteString("\n")
	}

	if node.OutputType == OutputFinal {
		fmt.Fprintf(&sb, "\nWrite a complete, self-contained section of at least %d tokens. Use HTML markup for structure.", minTokens)
	}
	return sb.String()
}

// graphPrompt asks the model to distill an observation into knowledge-graph
// nodes and edges.
func graphPrompt(nickname, observation string, existing []graph.Node) string {
	var sb strings.Builder
	sb.WriteString("Extract the key entities and relations from the findings below as a JSON array of nodes. Each node:\n")
	sb.WriteString(`{"name": "...", "entity_type": "...", "concept": "...", "thought": "...",` + "\n")
	sb.WriteString(` "relation": "...", "from": "...", "to": "...", "from_node_type": "new|existing", "to_node_type": "new|existing"}` + "\n")
	sb.WriteString("Edges are optional (leave relation empty for a standalone node). ")
	sb.WriteString(`For "new" endpoints, "from"/"to" is the 0-based position of a node in this array. For "existing" endpoints it is the numeric id of a node listed below.` + "\n")

	if len(existing) > 0 {
		sb.WriteString("\nExisting nodes in this session's graph:\n")
		for _, n := range existing {
			fmt.Fprintf(&sb, "- id=%d name=%q type=%s\n", n.ID, n.Name, n.EntityType)
		}
	}

	fmt.Fprintf(&sb, "\nFindings from agent %s:\n%s\n", nickname, observation)
	return sb.String()
}
