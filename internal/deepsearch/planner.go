// Package deepsearch runs the multi-agent research planner: a model-designed
// DAG of sub-agents walked in order, suspendable for interactive user
// questions, with every observation distilled into the session's knowledge
// graph.
package deepsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"taskweave/internal/config"
	"taskweave/internal/events"
	"taskweave/internal/gateway"
	"taskweave/internal/graph"
	"taskweave/internal/logging"
	"taskweave/internal/rag"
	"taskweave/internal/session"
)

// WebSource supplies external web results for an agent's search query.
type WebSource interface {
	SearchText(ctx context.Context, query string, maxResults, maxChars int) (string, error)
}

// RAGSource supplies corpus results for an agent's search query.
type RAGSource interface {
	Retrieve(ctx context.Context, query string, strategy rag.Strategy) (string, error)
}

// Planner owns the chain lifecycle for deep-search sessions.
type Planner struct {
	client    gateway.ModelClient
	chatModel string
	store     session.Store
	graph     *graph.Store
	web       WebSource // nil disables the websearch source
	corpus    RAGSource // nil disables the rag source
	emitter   events.Emitter
	cfg       *config.DeepSearchConfig

	// ModelRetries bounds retries on chain-generation parse failures.
	ModelRetries int
}

// NewPlanner wires the planner. web and corpus may be nil when the matching
// data source is not configured.
func NewPlanner(client gateway.ModelClient, chatModel string, store session.Store, g *graph.Store, web WebSource, corpus RAGSource, emitter events.Emitter, cfg *config.DeepSearchConfig) *Planner {
	return &Planner{
		client:       client,
		chatModel:    chatModel,
		store:        store,
		graph:        g,
		web:          web,
		corpus:       corpus,
		emitter:      emitter,
		cfg:          cfg,
		ModelRetries: 3,
	}
}

// Run starts or resumes the session's chain and returns the next answer for
// the user: either a question to answer (suspended) or the final report
// (completed).
func (p *Planner) Run(ctx context.Context, sessionID, userID string, chatHistory []gateway.Message, depth int) (string, error) {
	timer := logging.StartTimer(logging.CategoryDeepSearch, "Run "+sessionID)
	defer timer.Stop()

	s, found, err := LoadPlannerSession(ctx, p.store, sessionID)
	if err != nil {
		return "", err
	}
	if !found || s.State == StateCompleted || s.State == StateIdle {
		s, err = p.startSession(ctx, sessionID, userID, chatHistory, depth)
		if err != nil {
			return "", err
		}
	} else {
		logging.DeepSearch("session %s: resuming at step %d (state=%s)", sessionID, s.StepIndex, s.State)
		s.ChatHistory = chatHistory
	}

	if s.State == StateWaiting {
		p.absorbAnswer(s, chatHistory)
	}

	return p.walk(ctx, s)
}

// startSession generates and validates a fresh chain.
func (p *Planner) startSession(ctx context.Context, sessionID, userID string, chatHistory []gateway.Message, depth int) (*PlannerSession, error) {
	profile := ProfileFor(depth)
	s := NewPlannerSession(sessionID, userID, profile.Depth, p.cfg.DataSources)
	s.ChatHistory = chatHistory

	prompt := chainPrompt(chatHistory, profile, p.cfg.Interactive)
	var agents []AgentNode
	_, err := gateway.CallWithRetry(ctx, p.client,
		[]gateway.Message{{Role: "user", Content: prompt}},
		p.chatModel,
		&gateway.ChatOptions{ResponseFormat: "json_object"},
		p.ModelRetries,
		func(raw string) error {
			parsed, err := ParseChain(raw)
			if err != nil {
				return err
			}
			if !p.cfg.Interactive {
				ClearQuestions(parsed)
			}
			if err := ValidateChain(parsed); err != nil {
				return err
			}
			agents = parsed
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("chain generation: %w", err)
	}

	s.Chain = agents
	s.State = StateRunning
	logging.DeepSearch("session %s: new chain with %d agents (depth %d)", sessionID, len(agents), s.Depth)
	return s, nil
}

// absorbAnswer feeds the most recent user message into the suspended
// agent's answers and resumes the chain.
func (p *Planner) absorbAnswer(s *PlannerSession, chatHistory []gateway.Message) {
	if s.StepIndex >= len(s.Chain) {
		s.State = StateRunning
		return
	}
	for i := len(chatHistory) - 1; i >= 0; i-- {
		if chatHistory[i].Role == "user" {
			node := &s.Chain[s.StepIndex]
			node.UserAnswers = append(node.UserAnswers, chatHistory[i].Content)
			logging.DeepSearch("session %s: answer %d/%d recorded for agent %s",
				s.SessionID, len(node.UserAnswers), len(node.UserQuestions), node.Nickname)
			break
		}
	}
	s.State = StateRunning
}

// walk advances the chain from the persisted step index until it suspends
// or completes.
func (p *Planner) walk(ctx context.Context, s *PlannerSession) (string, error) {
	profile := ProfileFor(s.Depth)

	for s.StepIndex < len(s.Chain) {
		node := &s.Chain[s.StepIndex]

		if p.cfg.Interactive && len(node.UserQuestions) > len(node.UserAnswers) {
			question := node.UserQuestions[len(node.UserAnswers)]
			s.FinalAnswer = question
			s.State = StateWaiting
			if err := s.Save(ctx, p.store); err != nil {
				return "", err
			}
			logging.DeepSearch("session %s: waiting on user for agent %s", s.SessionID, node.Nickname)
			return question, nil
		}

		p.emitter.Emit(events.ReasoningUpdate, map[string]interface{}{
			"message": fmt.Sprintf("Agent %s is working...", node.Nickname),
		})

		searchResults := p.externalSearch(ctx, s, node, profile)

		inputs := map[string]string{}
		for _, a := range s.Chain[:s.StepIndex] {
			inputs[a.Nickname] = a.Observation
		}

		obs, err := p.client.Chat(ctx,
			[]gateway.Message{{Role: "user", Content: agentPrompt(*node, inputs, searchResults, profile.MinTokens)}},
			p.chatModel, nil)
		if err != nil {
			return "", fmt.Errorf("agent %s: %w", node.Nickname, err)
		}
		node.Observation = obs
		s.MemoryLogs = append(s.MemoryLogs, fmt.Sprintf("%s: %s", node.Nickname, firstLine(obs)))

		p.evolveGraph(ctx, s.SessionID, node.Nickname, obs)

		if node.OutputType == OutputFinal {
			s.FinalPartials = append(s.FinalPartials, obs)
		}

		s.StepIndex++
		if err := s.Save(ctx, p.store); err != nil {
			return "", err
		}
	}

	s.FinalAnswer = FinalizeAnswer(s.FinalPartials)
	s.State = StateCompleted
	if p.cfg.PurgeGraph {
		if err := p.graph.PurgeSession(s.SessionID); err != nil {
			logging.Get(logging.CategoryDeepSearch).Warn("graph purge for %s: %v", s.SessionID, err)
		}
	}
	if err := s.Save(ctx, p.store); err != nil {
		return "", err
	}
	logging.DeepSearch("session %s: completed with %d final sections", s.SessionID, len(s.FinalPartials))
	return s.FinalAnswer, nil
}

// externalSearch runs the agent's search query against every enabled data
// source. Source failures degrade to missing context, never abort the walk.
func (p *Planner) externalSearch(ctx context.Context, s *PlannerSession, node *AgentNode, profile Profile) string {
	if node.ExternalSearchQuery == "" {
		return ""
	}
	var parts []string
	for _, src := range s.DataSources {
		switch src {
		case "websearch":
			if p.web == nil {
				continue
			}
			text, err := p.web.SearchText(ctx, node.ExternalSearchQuery, profile.MaxWebResults, profile.MaxScrapeChars)
			if err != nil {
				logging.Get(logging.CategoryDeepSearch).Warn("websearch for agent %s: %v", node.Nickname, err)
				continue
			}
			parts = append(parts, text)
		case "rag":
			if p.corpus == nil {
				continue
			}
			text, err := p.corpus.Retrieve(ctx, node.ExternalSearchQuery, rag.StrategyVector)
			if err != nil {
				logging.Get(logging.CategoryDeepSearch).Warn("rag for agent %s: %v", node.Nickname, err)
				continue
			}
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// evolveGraph distills the observation into session-graph nodes. Graph
// trouble is logged, not fatal: the research continues without the memory.
func (p *Planner) evolveGraph(ctx context.Context, sessionID, nickname, observation string) {
	existing, err := p.graph.NodesForSession(sessionID)
	if err != nil {
		logging.Get(logging.CategoryDeepSearch).Warn("graph read for %s: %v", sessionID, err)
		return
	}

	raw, err := p.client.Chat(ctx,
		[]gateway.Message{{Role: "user", Content: graphPrompt(nickname, observation, existing)}},
		p.chatModel,
		&gateway.ChatOptions{ResponseFormat: "json_object"})
	if err != nil {
		logging.Get(logging.CategoryDeepSearch).Warn("graph evolution call for %s: %v", nickname, err)
		return
	}

	entries, err := parseEvolution(raw)
	if err != nil {
		logging.Get(logging.CategoryDeepSearch).Warn("graph evolution reply for %s: %v", nickname, err)
		return
	}
	if len(entries) == 0 {
		return
	}
	if _, err := p.graph.ApplyEvolution(sessionID, nickname, entries); err != nil {
		logging.Get(logging.CategoryDeepSearch).Warn("graph apply for %s: %v", nickname, err)
	}
}

type evolutionEnvelope struct {
	Nodes []graph.EvolutionEntry `json:"nodes"`
}

// parseEvolution accepts both a bare array and a {"nodes": [...]} envelope.
func parseEvolution(raw string) ([]graph.EvolutionEntry, error) {
	clean := gateway.SanitizeResponse(raw)
	var env evolutionEnvelope
	if err := json.Unmarshal([]byte(clean), &env); err == nil && len(env.Nodes) > 0 {
		return env.Nodes, nil
	}
	var entries []graph.EvolutionEntry
	if err := json.Unmarshal([]byte(clean), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

var htmlBodyTagRe = regexp.MustCompile(`(?i)</?\s*(html|body)[^>]*>`)

// FinalizeAnswer joins the final partials into one HTML document, stripping
// any html/body tags the sections brought along so the envelope stays
// well-formed.
func FinalizeAnswer(partials []string) string {
	var cleaned []string
	for _, part := range partials {
		p := strings.TrimSpace(htmlBodyTagRe.ReplaceAllString(part, ""))
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return "<html><body>" + strings.Join(cleaned, "\n") + "</body></html>"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
