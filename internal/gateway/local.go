package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskweave/internal/logging"
)

// LocalClient talks to an Ollama-compatible endpoint. When the backend
// reports that the model is missing, the client issues a pull, waits
// briefly, and retries the call once.
type LocalClient struct {
	baseURL    string
	httpClient *http.Client
	// pullWait is how long to let the backend settle after a pull.
	pullWait time.Duration
}

// NewLocalClient builds the local backend.
func NewLocalClient(baseURL string, timeout time.Duration) *LocalClient {
	return &LocalClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		pullWait:   2 * time.Second,
	}
}

type localChatRequest struct {
	Model    string             `json:"model"`
	Messages []localChatMessage `json:"messages"`
	Stream   bool               `json:"stream"`
	Format   string             `json:"format,omitempty"`
	Options  map[string]any     `json:"options,omitempty"`
}

type localChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type localChatResponse struct {
	Message localChatMessage `json:"message"`
	Error   string           `json:"error"`
}

type localEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type localEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error"`
}

type localPullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// Chat sends the history to the local model.
func (c *LocalClient) Chat(ctx context.Context, history []Message, model string, opts *ChatOptions) (string, error) {
	req := localChatRequest{Model: model, Stream: false}
	if opts != nil {
		if opts.ResponseFormat == "json_object" {
			req.Format = "json"
		}
		if opts.Temperature > 0 {
			req.Options = map[string]any{"temperature": opts.Temperature}
		}
	}
	for i, m := range history {
		msg := localChatMessage{Role: m.Role, Content: m.Content}
		if opts != nil && i == len(history)-1 && m.Role == "user" && opts.ImageBase64 != "" {
			msg.Images = []string{opts.ImageBase64}
		}
		req.Messages = append(req.Messages, msg)
	}

	out, err := c.chatOnce(ctx, &req)
	if err == nil {
		return out, nil
	}
	if !isModelMissing(err) {
		return "", err
	}

	logging.Gateway("local model %q missing, pulling", model)
	if pullErr := c.pull(ctx, model); pullErr != nil {
		return "", fmt.Errorf("local chat: pull of %q failed: %w", model, pullErr)
	}
	time.Sleep(c.pullWait)
	return c.chatOnce(ctx, &req)
}

func (c *LocalClient) chatOnce(ctx context.Context, req *localChatRequest) (string, error) {
	var resp localChatResponse
	if err := c.post(ctx, "/api/chat", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("local chat: %s", resp.Error)
	}
	return resp.Message.Content, nil
}

// Embed returns one vector per input text from the local endpoint.
func (c *LocalClient) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	req := localEmbedRequest{Model: model, Input: texts}
	var resp localEmbedResponse
	if err := c.post(ctx, "/api/embed", &req, &resp); err != nil {
		if !isModelMissing(err) {
			return nil, err
		}
		if pullErr := c.pull(ctx, model); pullErr != nil {
			return nil, fmt.Errorf("local embed: pull of %q failed: %w", model, pullErr)
		}
		time.Sleep(c.pullWait)
		if err := c.post(ctx, "/api/embed", &req, &resp); err != nil {
			return nil, err
		}
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("local embed: %s", resp.Error)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("local embed: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

func (c *LocalClient) pull(ctx context.Context, model string) error {
	return c.post(ctx, "/api/pull", &localPullRequest{Name: model, Stream: false}, &struct{}{})
}

func (c *LocalClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("local gateway: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("local gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("local gateway: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("local gateway: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// Ollama reports errors as {"error": "..."} with a non-200 status.
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("local gateway: %s: %s", path, e.Error)
		}
		return fmt.Errorf("local gateway: %s: status %d: %s", path, resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("local gateway: decode response: %w", err)
	}
	return nil
}

// isModelMissing matches the backend's "model not found, try pulling it
// first" error shape.
func isModelMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") && strings.Contains(msg, "pull")
}
