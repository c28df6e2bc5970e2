// Package rag implements the retrieval back-ends the meta-selector picks
// between: plain vector search, HyDE, and an adaptive classify-then-retrieve
// strategy, all over a sqlite corpus.
package rag

import (
	"context"
	"fmt"
	"strings"

	"taskweave/internal/gateway"
	"taskweave/internal/logging"
)

// Strategy indexes the fixed set of retrieval back-ends.
type Strategy int

const (
	StrategyVector   Strategy = 0 // embed the query, cosine top-k
	StrategyHyDE     Strategy = 1 // embed a hypothetical answer document
	StrategyAdaptive Strategy = 2 // classify the query, reformulate, retrieve
)

// NumStrategies is the size of the action space.
const NumStrategies = 3

// ChatModel is the slice of the gateway the retriever needs.
type ChatModel interface {
	Chat(ctx context.Context, history []gateway.Message, model string, opts *gateway.ChatOptions) (string, error)
}

// Retriever runs one of the indexed strategies against the corpus.
type Retriever struct {
	corpus *Corpus
	model  ChatModel
	chat   string // model name for HyDE / classification calls
	topK   int
}

// NewRetriever wires a retriever over the corpus.
func NewRetriever(corpus *Corpus, model ChatModel, chatModel string, topK int) *Retriever {
	if topK < 1 {
		topK = 5
	}
	return &Retriever{corpus: corpus, model: model, chat: chatModel, topK: topK}
}

// Retrieve runs the given strategy and returns the retrieved context as
// prompt-ready text. Unknown strategies fall back to plain vector search.
func (r *Retriever) Retrieve(ctx context.Context, query string, strategy Strategy) (string, error) {
	timer := logging.StartTimer(logging.CategoryRAG, fmt.Sprintf("Retrieve strategy=%d", strategy))
	defer timer.Stop()

	var (
		hits []Scored
		err  error
	)
	switch strategy {
	case StrategyHyDE:
		hits, err = r.retrieveHyDE(ctx, query)
	case StrategyAdaptive:
		hits, err = r.retrieveAdaptive(ctx, query)
	default:
		hits, err = r.corpus.Search(ctx, query, r.topK)
	}
	if err != nil {
		return "", err
	}
	return renderHits(hits), nil
}

// retrieveHyDE asks the model for a hypothetical document answering the
// query and searches with that document's embedding instead of the query's.
func (r *Retriever) retrieveHyDE(ctx context.Context, query string) ([]Scored, error) {
	prompt := "Write a short factual passage that would directly answer the following question. " +
		"Write only the passage, no preamble.\n\nQuestion: " + query
	doc, err := r.model.Chat(ctx, []gateway.Message{{Role: "user", Content: prompt}}, r.chat, nil)
	if err != nil {
		logging.Get(logging.CategoryRAG).Warn("HyDE generation failed, falling back to plain search: %v", err)
		return r.corpus.Search(ctx, query, r.topK)
	}
	return r.corpus.Search(ctx, doc, r.topK)
}

// retrieveAdaptive classifies the query and reformulates retrieval for its
// category before searching.
func (r *Retriever) retrieveAdaptive(ctx context.Context, query string) ([]Scored, error) {
	prompt := "Classify the following query as exactly one of: factual, analytical, opinion, contextual. " +
		"Reply with the single word only.\n\nQuery: " + query
	reply, err := r.model.Chat(ctx, []gateway.Message{{Role: "user", Content: prompt}}, r.chat, nil)
	category := strings.ToLower(strings.TrimSpace(reply))
	if err != nil {
		category = "factual"
	}

	switch category {
	case "analytical":
		// Decompose into sub-questions and merge their hits.
		sub, err := r.model.Chat(ctx, []gateway.Message{{Role: "user", Content: "Break the following query into at most 3 simpler sub-questions, one per line, no numbering.\n\nQuery: " + query}}, r.chat, nil)
		if err != nil {
			return r.corpus.Search(ctx, query, r.topK)
		}
		return r.searchMany(ctx, splitLines(sub))
	case "opinion":
		// Widen the net to surface multiple perspectives.
		return r.corpus.Search(ctx, query+" perspectives viewpoints arguments", r.topK*2)
	case "contextual":
		expanded, err := r.model.Chat(ctx, []gateway.Message{{Role: "user", Content: "Rewrite the following query to be self-contained, expanding any implicit context.\n\nQuery: " + query}}, r.chat, nil)
		if err != nil || strings.TrimSpace(expanded) == "" {
			return r.corpus.Search(ctx, query, r.topK)
		}
		return r.corpus.Search(ctx, strings.TrimSpace(expanded), r.topK)
	default: // factual
		return r.corpus.Search(ctx, query, r.topK)
	}
}

// searchMany runs several queries and keeps the best topK distinct chunks.
func (r *Retriever) searchMany(ctx context.Context, queries []string) ([]Scored, error) {
	seen := map[int64]bool{}
	var merged []Scored
	for _, q := range queries {
		hits, err := r.corpus.Search(ctx, q, r.topK)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if !seen[h.ID] {
				seen[h.ID] = true
				merged = append(merged, h)
			}
		}
	}
	if len(merged) > r.topK {
		merged = merged[:r.topK]
	}
	return merged, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func renderHits(hits []Scored) string {
	if len(hits) == 0 {
		return "No relevant documents found."
	}
	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "[%d] (%s) %s\n", i+1, h.Source, h.Content)
	}
	return sb.String()
}
