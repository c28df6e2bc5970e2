// Package rl implements the meta-selector that picks a retrieval strategy:
// query feature extraction, a two-mode Q estimator, and the warm-up /
// ε-greedy action policy trained from human ratings.
package rl

import (
	"context"
	"encoding/json"
	"strings"

	"taskweave/internal/gateway"
	"taskweave/internal/logging"
)

// Closed vocabularies for the categorical features. State dimensionality is
// derived from these at construction, so extending a vocabulary invalidates
// persisted estimator state.
var (
	QuestionTypes = []string{"factual", "analytical", "opinion", "contextual", "procedural", "comparative"}
	Domains       = []string{"science", "technology", "history", "arts", "business", "health", "general"}
)

// scalarCount is the number of scalar features after the categoricals.
const scalarCount = 6

// StateDim is the length of the encoded feature vector.
func StateDim() int {
	return len(QuestionTypes) + len(Domains) + 1 + scalarCount
}

// Features describes one query.
type Features struct {
	QuestionType string  `json:"question_type"`
	Domain       string  `json:"domain"`
	HasEntities  bool    `json:"has_entities"`
	Complexity   float64 `json:"complexity"`
	Ambiguity    float64 `json:"ambiguity"`
	QueryLength  float64 `json:"query_length"`
	Specificity  float64 `json:"specificity"`
	Formality    float64 `json:"formality"`
	Urgency      float64 `json:"urgency"`
}

// Vector encodes the features as one-hot categoricals followed by the
// entity flag and the scalars.
func (f Features) Vector() []float64 {
	vec := make([]float64, 0, StateDim())
	vec = append(vec, oneHot(QuestionTypes, f.QuestionType)...)
	vec = append(vec, oneHot(Domains, f.Domain)...)
	if f.HasEntities {
		vec = append(vec, 1)
	} else {
		vec = append(vec, 0)
	}
	vec = append(vec, f.Complexity, f.Ambiguity, f.QueryLength, f.Specificity, f.Formality, f.Urgency)
	return vec
}

func oneHot(vocab []string, value string) []float64 {
	out := make([]float64, len(vocab))
	idx := 0 // unknown values collapse onto the first category
	for i, v := range vocab {
		if v == value {
			idx = i
			break
		}
	}
	out[idx] = 1
	return out
}

// ChatModel is the model surface feature extraction needs.
type ChatModel interface {
	Chat(ctx context.Context, history []gateway.Message, model string, opts *gateway.ChatOptions) (string, error)
}

// Extractor derives features from a query via a model call.
type Extractor struct {
	model ChatModel
	name  string
}

// NewExtractor builds a feature extractor on the given model.
func NewExtractor(model ChatModel, modelName string) *Extractor {
	return &Extractor{model: model, name: modelName}
}

func featurePrompt(query string) string {
	var sb strings.Builder
	sb.WriteString("Analyze the query and reply with a JSON object with these fields:\n")
	sb.WriteString(`"question_type" (one of: ` + strings.Join(QuestionTypes, ", ") + ")\n")
	sb.WriteString(`"domain" (one of: ` + strings.Join(Domains, ", ") + ")\n")
	sb.WriteString(`"has_entities" (boolean: does the query mention named entities)` + "\n")
	sb.WriteString(`"complexity", "ambiguity", "query_length", "specificity", "formality", "urgency" (each a number in [0,1])` + "\n")
	sb.WriteString("\nQuery: " + query)
	return sb.String()
}

// Extract runs the model and coerces its reply into features. Any failure
// yields the safe default rather than an error; a bad feature read must not
// block retrieval.
func (e *Extractor) Extract(ctx context.Context, query string) Features {
	reply, err := e.model.Chat(ctx,
		[]gateway.Message{{Role: "user", Content: featurePrompt(query)}},
		e.name,
		&gateway.ChatOptions{ResponseFormat: "json_object"})
	if err != nil {
		logging.Get(logging.CategoryRL).Warn("feature extraction failed: %v", err)
		return DefaultFeatures(query)
	}

	var f Features
	if err := json.Unmarshal([]byte(gateway.SanitizeResponse(reply)), &f); err != nil {
		logging.Get(logging.CategoryRL).Warn("feature reply unparseable: %v", err)
		return DefaultFeatures(query)
	}
	if !contains(QuestionTypes, f.QuestionType) {
		f.QuestionType = QuestionTypes[0]
	}
	if !contains(Domains, f.Domain) {
		f.Domain = Domains[0]
	}
	return f
}

// DefaultFeatures is the fallback when the model cannot be consulted: first
// category of each vocabulary, no entities, zero scalars except the word
// count.
func DefaultFeatures(query string) Features {
	return Features{
		QuestionType: QuestionTypes[0],
		Domain:       Domains[0],
		QueryLength:  float64(len(strings.Fields(query))),
	}
}

func contains(vocab []string, v string) bool {
	for _, x := range vocab {
		if x == v {
			return true
		}
	}
	return false
}
