package gateway

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"taskweave/internal/config"
	"taskweave/internal/logging"
)

// CloudClient talks to an OpenAI-compatible chat/embedding endpoint.
type CloudClient struct {
	client *openai.Client
}

// NewCloudClient builds the cloud backend from config.
func NewCloudClient(cfg *config.Config) (*CloudClient, error) {
	if cfg.Models.APIKey == "" {
		return nil, fmt.Errorf("cloud model API key not configured (set OPENAI_API_KEY)")
	}
	oc := openai.DefaultConfig(cfg.Models.APIKey)
	if cfg.Models.BaseURL != "" {
		oc.BaseURL = cfg.Models.BaseURL
	}
	return &CloudClient{client: openai.NewClientWithConfig(oc)}, nil
}

// Chat sends the history and returns the first choice's content.
func (c *CloudClient) Chat(ctx context.Context, history []Message, model string, opts *ChatOptions) (string, error) {
	timer := logging.StartTimer(logging.CategoryGateway, "cloud chat "+model)
	defer timer.Stop()

	req := openai.ChatCompletionRequest{Model: model}
	if opts != nil {
		req.Temperature = opts.Temperature
		if opts.MaxTokens > 0 {
			req.MaxTokens = opts.MaxTokens
		}
		if opts.ResponseFormat == "json_object" {
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}
	}

	for i, m := range history {
		// An image attaches to the final user turn as a multimodal part.
		if opts != nil && i == len(history)-1 && m.Role == "user" &&
			(opts.ImageURL != "" || opts.ImageBase64 != "") {
			url := opts.ImageURL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", mimeForExt(opts.ImageExt), opts.ImageBase64)
			}
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role: m.Role,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: m.Content},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: url},
					},
				},
			})
			continue
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		logging.Get(logging.CategoryGateway).Error("cloud chat failed: %v", err)
		return "", fmt.Errorf("cloud chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("cloud chat: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns one vector per input text.
func (c *CloudClient) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	timer := logging.StartTimer(logging.CategoryGateway, "cloud embed "+model)
	defer timer.Stop()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("cloud embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("cloud embed: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
