package rag

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"taskweave/internal/config"
	"taskweave/internal/gateway"
)

// Embedder turns text into vectors. Both corpus ingestion and query-time
// retrieval go through the same engine so the vectors stay comparable.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// GatewayEmbedder embeds through the model gateway (OpenAI-compatible or
// local Ollama models, by prefix).
type GatewayEmbedder struct {
	gw    *gateway.Gateway
	model string
}

// NewGatewayEmbedder builds an embedder on the shared gateway.
func NewGatewayEmbedder(gw *gateway.Gateway, model string) *GatewayEmbedder {
	return &GatewayEmbedder{gw: gw, model: model}
}

func (e *GatewayEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.gw.Embed(ctx, []string{text}, e.model)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *GatewayEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.gw.Embed(ctx, texts, e.model)
}

// GenAIEmbedder embeds through Google's Gemini embedding API.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

// NewGenAIEmbedder creates a Gemini embedding engine.
func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *GenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai embed: got %d vectors for %d texts", len(result.Embeddings), len(texts))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// NewEmbedder selects the engine from config: Gemini when the provider is
// gemini, otherwise the gateway's embedding model.
func NewEmbedder(ctx context.Context, cfg *config.ModelsConfig, gw *gateway.Gateway) (Embedder, error) {
	if cfg.Provider == "gemini" {
		return NewGenAIEmbedder(ctx, cfg.APIKey, cfg.Embedding)
	}
	return NewGatewayEmbedder(gw, cfg.Embedding), nil
}
