package rag

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"taskweave/internal/gateway"
)

// keywordEmbedder maps texts onto a tiny fixed vocabulary so similarity is
// predictable without a real model.
type keywordEmbedder struct {
	vocab []string
}

func newKeywordEmbedder() *keywordEmbedder {
	return &keywordEmbedder{vocab: []string{"cats", "dogs", "weather", "planets"}}
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(e.vocab))
	lower := strings.ToLower(text)
	for i, w := range e.vocab {
		if strings.Contains(lower, w) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func (e *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

// scriptedModel returns canned replies in order.
type scriptedModel struct {
	replies []string
	calls   []string
}

func (m *scriptedModel) Chat(_ context.Context, history []gateway.Message, _ string, _ *gateway.ChatOptions) (string, error) {
	m.calls = append(m.calls, history[len(history)-1].Content)
	if len(m.replies) == 0 {
		return "", nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func openTestCorpus(t *testing.T) *Corpus {
	t.Helper()
	c, err := OpenCorpus(filepath.Join(t.TempDir(), "rag.db"), newKeywordEmbedder())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIngestAndVectorSearch(t *testing.T) {
	c := openTestCorpus(t)
	ctx := context.Background()

	if _, err := c.Ingest(ctx, "pets", "Cats sleep a lot. Dogs chase balls.", false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Ingest(ctx, "space", "Planets orbit stars.", false); err != nil {
		t.Fatal(err)
	}

	hits, err := c.Search(ctx, "tell me about cats", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 || !strings.Contains(hits[0].Content, "Cats") {
		t.Fatalf("top hit wrong: %+v", hits)
	}
	if hits[0].Score <= 0 {
		t.Errorf("score = %v, want > 0", hits[0].Score)
	}
}

func TestContextWindowIngestGroupsNeighbors(t *testing.T) {
	c := openTestCorpus(t)
	ctx := context.Background()

	n, err := c.Ingest(ctx, "doc", "First about cats. Second about dogs. Third about weather.", true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("chunks = %d, want one per sentence", n)
	}

	hits, err := c.Search(ctx, "dogs", 1)
	if err != nil {
		t.Fatal(err)
	}
	// The middle sentence carries both its neighbours.
	got := hits[0].Content
	if !strings.Contains(got, "First about cats.") || !strings.Contains(got, "Third about weather.") {
		t.Errorf("context window missing neighbours: %q", got)
	}
}

func TestHyDESearchesWithHypotheticalDocument(t *testing.T) {
	c := openTestCorpus(t)
	ctx := context.Background()
	if _, err := c.Ingest(ctx, "pets", "Dogs are loyal companions.", false); err != nil {
		t.Fatal(err)
	}

	model := &scriptedModel{replies: []string{"Dogs make wonderful pets because they are loyal."}}
	r := NewRetriever(c, model, "test-model", 3)

	// The raw query shares no vocabulary with the corpus; only the
	// hypothetical document does.
	out, err := r.Retrieve(ctx, "what canine companions suit families", StrategyHyDE)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Dogs are loyal companions.") {
		t.Errorf("HyDE retrieval missed: %q", out)
	}
	if len(model.calls) != 1 {
		t.Errorf("model calls = %d, want 1", len(model.calls))
	}
}

func TestAdaptiveAnalyticalMergesSubQuestions(t *testing.T) {
	c := openTestCorpus(t)
	ctx := context.Background()
	if _, err := c.Ingest(ctx, "pets", "Cats are independent. Dogs are social.", false); err != nil {
		t.Fatal(err)
	}

	model := &scriptedModel{replies: []string{
		"analytical",
		"How do cats behave?\nHow do dogs behave?",
	}}
	r := NewRetriever(c, model, "test-model", 4)

	out, err := r.Retrieve(ctx, "compare pet temperaments", StrategyAdaptive)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Cats are independent.") || !strings.Contains(out, "Dogs are social.") {
		t.Errorf("merged retrieval incomplete: %q", out)
	}
}

func TestAdaptiveClassifierFailureFallsBackToFactual(t *testing.T) {
	c := openTestCorpus(t)
	ctx := context.Background()
	if _, err := c.Ingest(ctx, "sky", "Weather changes daily.", false); err != nil {
		t.Fatal(err)
	}

	model := &scriptedModel{replies: []string{"gibberish category"}}
	r := NewRetriever(c, model, "test-model", 2)

	out, err := r.Retrieve(ctx, "weather today", StrategyAdaptive)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Weather changes daily.") {
		t.Errorf("fallback retrieval missed: %q", out)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors = %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors = %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Errorf("dimension mismatch = %v", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Errorf("zero vector = %v", got)
	}
}
