// Package gateway is the single call surface to chat and embedding back-ends.
// Model identifiers of the form "local_<name>" route to a locally hosted
// endpoint; all others route to the cloud endpoint.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"taskweave/internal/config"
	"taskweave/internal/logging"
)

// Message is one turn of a chat history.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatOptions carries optional per-call settings.
type ChatOptions struct {
	// ImageURL attaches a remote image to the last user turn.
	ImageURL string
	// ImageBase64 attaches raw base64 image data; MIME is inferred from
	// ImageExt ("png", "jpg", ...).
	ImageBase64 string
	ImageExt    string
	// ResponseFormat hints structured output: "json_object" or "text".
	ResponseFormat string
	Temperature    float32
	MaxTokens      int
}

// ModelClient is the call surface the agent core consumes.
type ModelClient interface {
	// Chat sends the history to the named model and returns the single
	// response string.
	Chat(ctx context.Context, history []Message, model string, opts *ChatOptions) (string, error)
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// LocalPrefix marks model identifiers served by the local endpoint.
const LocalPrefix = "local_"

// Gateway routes chat and embedding calls to the cloud or local backend by
// model identifier. It is stateless and safe for concurrent use; one
// instance per process is sufficient.
type Gateway struct {
	cloud ModelClient
	local ModelClient
}

// New builds a gateway from config: a cloud client for the configured
// provider and a local client for "local_" models.
func New(cfg *config.Config) (*Gateway, error) {
	cloud, err := NewCloudClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		cloud: cloud,
		local: NewLocalClient(cfg.Models.LocalBaseURL, cfg.GetModelTimeout()),
	}, nil
}

// NewWithClients wires explicit backends; used by tests.
func NewWithClients(cloud, local ModelClient) *Gateway {
	return &Gateway{cloud: cloud, local: local}
}

// Chat routes to the local endpoint for "local_" models, stripping the
// prefix, and to the cloud endpoint otherwise.
func (g *Gateway) Chat(ctx context.Context, history []Message, model string, opts *ChatOptions) (string, error) {
	if strings.HasPrefix(model, LocalPrefix) {
		logging.GatewayDebug("Routing chat to local model %q", model)
		return g.local.Chat(ctx, history, strings.TrimPrefix(model, LocalPrefix), opts)
	}
	logging.GatewayDebug("Routing chat to cloud model %q", model)
	return g.cloud.Chat(ctx, history, model, opts)
}

// Embed routes embedding calls the same way as Chat.
func (g *Gateway) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("gateway: no texts to embed")
	}
	if strings.HasPrefix(model, LocalPrefix) {
		return g.local.Embed(ctx, texts, strings.TrimPrefix(model, LocalPrefix))
	}
	return g.cloud.Embed(ctx, texts, model)
}

// mimeForExt maps an extension hint to an image MIME type.
func mimeForExt(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
