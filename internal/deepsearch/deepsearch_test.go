package deepsearch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"taskweave/internal/config"
	"taskweave/internal/events"
	"taskweave/internal/gateway"
	"taskweave/internal/graph"
	"taskweave/internal/rag"
	"taskweave/internal/session"
)

// scriptedClient pops canned replies and records every prompt.
type scriptedClient struct {
	replies []string
	calls   []string
}

func (c *scriptedClient) Chat(_ context.Context, history []gateway.Message, _ string, _ *gateway.ChatOptions) (string, error) {
	c.calls = append(c.calls, history[len(history)-1].Content)
	if len(c.replies) == 0 {
		return "", fmt.Errorf("script exhausted after %d calls", len(c.calls))
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r, nil
}

func (c *scriptedClient) Embed(context.Context, []string, string) ([][]float32, error) {
	return nil, fmt.Errorf("not used")
}

func testGraph(t *testing.T) *graph.Store {
	t.Helper()
	g, err := graph.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

const twoAgentChain = `{"agents":[
	{"agent_nickname":"scout","agent_llm_prompt":"Research the topic.","input_from_agents":[],"user_questions":[],"user_answers":[],"external_search_query":"","output_type":"functional","observation":""},
	{"agent_nickname":"writer","agent_llm_prompt":"Write the report.","input_from_agents":["scout"],"user_questions":[],"user_answers":[],"external_search_query":"","output_type":"final","observation":""}
]}`

// ====================================================================
// DEPTH PROFILE
// ====================================================================

func TestProfileForClampsAndScales(t *testing.T) {
	cases := []struct {
		depth, wantDepth, wantTokens, wantResults, wantChars int
	}{
		{0, 1, 3000, 1, 60000},
		{1, 1, 3000, 1, 60000},
		{3, 3, 7000, 3, 100000},
		{5, 5, 11000, 5, 140000},
		{9, 5, 11000, 5, 140000},
	}
	for _, c := range cases {
		p := ProfileFor(c.depth)
		if p.Depth != c.wantDepth || p.MinFinal != c.wantDepth || p.MinFunctional != c.wantDepth {
			t.Errorf("depth %d: profile %+v", c.depth, p)
		}
		if p.MinTokens != c.wantTokens || p.MaxWebResults != c.wantResults || p.MaxScrapeChars != c.wantChars {
			t.Errorf("depth %d: budgets %+v", c.depth, p)
		}
	}
}

// ====================================================================
// CHAIN SHAPE
// ====================================================================

func TestParseChainAcceptsEnvelopeAndFences(t *testing.T) {
	agents, err := ParseChain("```json\n" + twoAgentChain + "\n```")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "scout", agents[0].Nickname)

	bare, err := ParseChain(`[{"agent_nickname":"solo","agent_llm_prompt":"p","output_type":"final"}]`)
	require.NoError(t, err)
	require.Len(t, bare, 1)
}

func TestValidateChain(t *testing.T) {
	mk := func(nick, out string, inputs ...string) AgentNode {
		return AgentNode{Nickname: nick, Prompt: "p", OutputType: out, InputFromAgents: inputs}
	}
	cases := []struct {
		name  string
		chain []AgentNode
		ok    bool
	}{
		{"valid", []AgentNode{mk("a", OutputFunctional), mk("b", OutputFinal, "a")}, true},
		{"empty", nil, false},
		{"duplicate nickname", []AgentNode{mk("a", OutputFunctional), mk("a", OutputFinal)}, false},
		{"no final", []AgentNode{mk("a", OutputFunctional)}, false},
		{"forward reference", []AgentNode{mk("a", OutputFinal, "b"), mk("b", OutputFunctional)}, false},
		{"self reference", []AgentNode{mk("a", OutputFunctional, "a"), mk("b", OutputFinal)}, false},
		{"unknown reference", []AgentNode{mk("a", OutputFinal, "ghost")}, false},
		{"reads from final", []AgentNode{mk("a", OutputFinal), mk("b", OutputFinal, "a")}, false},
		{"too many inputs", []AgentNode{mk("a", OutputFunctional), mk("b", OutputFunctional), mk("c", OutputFunctional), mk("d", OutputFinal, "a", "b", "c")}, false},
		{"bad output type", []AgentNode{{Nickname: "a", Prompt: "p", OutputType: "side"}}, false},
	}
	for _, c := range cases {
		err := ValidateChain(c.chain)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: error expected", c.name)
		}
	}
}

// ====================================================================
// SESSION PERSISTENCE
// ====================================================================

func TestPlannerSessionSaveLoadFixpoint(t *testing.T) {
	store := session.NewMemory()
	ctx := context.Background()

	s := &PlannerSession{
		SessionID:   "fix-1",
		UserID:      "u-9",
		ChatHistory: []gateway.Message{{Role: "user", Content: "hi"}},
		State:       StateWaiting,
		Chain: []AgentNode{{
			Nickname:      "scout",
			Prompt:        "p",
			UserQuestions: []string{"q1"},
			UserAnswers:   []string{"a1"},
			OutputType:    OutputFunctional,
			Observation:   "obs",
		}},
		StepIndex:     1,
		Depth:         3,
		DataSources:   []string{"websearch"},
		FinalPartials: []string{"<p>part</p>"},
		MemoryLogs:    []string{"scout: obs"},
		FinalAnswer:   "pending question",
	}
	require.NoError(t, s.Save(ctx, store))

	loaded, found, err := LoadPlannerSession(ctx, store, "fix-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, s, loaded)
}

// ====================================================================
// WALK
// ====================================================================

func newTestPlanner(t *testing.T, client *scriptedClient, cfg *config.DeepSearchConfig) (*Planner, session.Store, *graph.Store) {
	t.Helper()
	store := session.NewMemory()
	g := testGraph(t)
	p := NewPlanner(client, "test-model", store, g, nil, nil, events.Discard{}, cfg)
	p.ModelRetries = 1
	return p, store, g
}

func TestRunCompletesNonInteractiveChain(t *testing.T) {
	client := &scriptedClient{replies: []string{
		twoAgentChain,
		"scout findings about the topic", // scout observation
		`[{"name":"Topic","entity_type":"concept","concept":"c","thought":"t"}]`,
		"<html><body><h1>Report</h1></body></html>", // writer observation
		"[]",
	}}
	p, store, g := newTestPlanner(t, client, &config.DeepSearchConfig{DataSources: nil})

	answer, err := p.Run(context.Background(), "run-1", "u", []gateway.Message{{Role: "user", Content: "research it"}}, 2)
	require.NoError(t, err)
	require.Equal(t, "<html><body><h1>Report</h1></body></html>", answer)

	// The writer saw the scout's findings.
	var writerPrompt string
	for _, c := range client.calls {
		if strings.Contains(c, "Write the report.") {
			writerPrompt = c
		}
	}
	require.Contains(t, writerPrompt, "scout findings about the topic")

	// The scout's knowledge landed in the session graph.
	nodes, err := g.NodesForSession("run-1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "Topic", nodes[0].Name)

	loaded, found, err := LoadPlannerSession(context.Background(), store, "run-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StateCompleted, loaded.State)
	require.Equal(t, 2, loaded.StepIndex)
	require.Len(t, loaded.FinalPartials, 1)
}

func TestInteractiveSuspensionAndResume(t *testing.T) {
	chain := `{"agents":[
		{"agent_nickname":"asker","agent_llm_prompt":"Scope the request.","input_from_agents":[],"user_questions":["Which city?"],"user_answers":[],"external_search_query":"","output_type":"functional","observation":""},
		{"agent_nickname":"writer","agent_llm_prompt":"Write the answer.","input_from_agents":["asker"],"user_questions":[],"user_answers":[],"external_search_query":"","output_type":"final","observation":""}
	]}`
	client := &scriptedClient{replies: []string{
		chain,
		"scoped to Paris", // asker observation (second call)
		"[]",
		"<p>All about Paris</p>", // writer observation
		"[]",
	}}
	p, store, _ := newTestPlanner(t, client, &config.DeepSearchConfig{Interactive: true})
	ctx := context.Background()

	history := []gateway.Message{{Role: "user", Content: "tell me about a city"}}
	answer, err := p.Run(ctx, "int-1", "u", history, 1)
	require.NoError(t, err)
	require.Equal(t, "Which city?", answer)

	suspended, found, err := LoadPlannerSession(ctx, store, "int-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StateWaiting, suspended.State)
	require.Equal(t, 0, suspended.StepIndex)

	// Only the chain-generation call happened before the suspension.
	require.Len(t, client.calls, 1)

	history = append(history,
		gateway.Message{Role: "assistant", Content: "Which city?"},
		gateway.Message{Role: "user", Content: "Paris"})
	answer, err = p.Run(ctx, "int-1", "u", history, 1)
	require.NoError(t, err)
	require.Equal(t, "<html><body><p>All about Paris</p></body></html>", answer)

	done, _, err := LoadPlannerSession(ctx, store, "int-1")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, done.State)
	require.Equal(t, []string{"Paris"}, done.Chain[0].UserAnswers)
}

type fakeWeb struct{ query string }

func (w *fakeWeb) SearchText(_ context.Context, query string, maxResults, _ int) (string, error) {
	w.query = fmt.Sprintf("%s (max %d)", query, maxResults)
	return "web says: fresh facts", nil
}

type fakeRAG struct{}

func (fakeRAG) Retrieve(_ context.Context, _ string, _ rag.Strategy) (string, error) {
	return "corpus says: stored facts", nil
}

func TestExternalSearchSplicesEnabledSources(t *testing.T) {
	chain := `{"agents":[
		{"agent_nickname":"digger","agent_llm_prompt":"Dig.","input_from_agents":[],"user_questions":[],"user_answers":[],"external_search_query":"latest news","output_type":"final","observation":""}
	]}`
	client := &scriptedClient{replies: []string{chain, "<p>done</p>", "[]"}}
	store := session.NewMemory()
	g := testGraph(t)
	web := &fakeWeb{}
	p := NewPlanner(client, "test-model", store, g, web, fakeRAG{}, events.Discard{},
		&config.DeepSearchConfig{DataSources: []string{"websearch", "rag"}})
	p.ModelRetries = 1

	_, err := p.Run(context.Background(), "ext-1", "u", []gateway.Message{{Role: "user", Content: "go"}}, 2)
	require.NoError(t, err)

	agentCall := client.calls[1]
	require.Contains(t, agentCall, "web says: fresh facts")
	require.Contains(t, agentCall, "corpus says: stored facts")
	require.Equal(t, "latest news (max 2)", web.query)
}

func TestFinalizeAnswerStripsNestedDocumentTags(t *testing.T) {
	got := FinalizeAnswer([]string{
		"<html><body><h1>One</h1></body></html>",
		"<p>Two</p>",
		"<BODY class=\"x\">Three</BODY>",
	})
	require.Equal(t, "<html><body><h1>One</h1>\n<p>Two</p>\nThree</body></html>", got)

	// Empty partials still yield a well-formed envelope.
	require.Equal(t, "<html><body></body></html>", FinalizeAnswer(nil))
}
