// Package agenttools builds the host package generated steps import as
// "agenttools": thin string-in/string-out bridges over web search and the
// RL-selected retriever, shaped for interpreter-friendly signatures.
package agenttools

import (
	"context"
	"reflect"

	"github.com/traefik/yaegi/interp"

	"taskweave/internal/logging"
)

// WebSearchFunc answers a search query with prompt-ready text.
type WebSearchFunc func(ctx context.Context, query string) (string, error)

// RetrieveFunc answers a corpus question with prompt-ready text.
type RetrieveFunc func(ctx context.Context, query string) (string, error)

// Exports wraps the service functions into the interpreter export map.
// Inside a step, failures surface as an error string rather than a panic so
// the step body can decide what to do with them.
func Exports(ctx context.Context, web WebSearchFunc, retrieve RetrieveFunc) interp.Exports {
	webFn := func(query string) string {
		if web == nil {
			return "web search is not configured"
		}
		text, err := web(ctx, query)
		if err != nil {
			logging.Get(logging.CategoryWebSearch).Error("step web search: %v", err)
			return "web search failed: " + err.Error()
		}
		return text
	}
	retrieveFn := func(query string) string {
		if retrieve == nil {
			return "retrieval is not configured"
		}
		text, err := retrieve(ctx, query)
		if err != nil {
			logging.Get(logging.CategoryRAG).Error("step retrieval: %v", err)
			return "retrieval failed: " + err.Error()
		}
		return text
	}

	return interp.Exports{
		"agenttools/agenttools": {
			"WebSearch": reflect.ValueOf(webFn),
			"Retrieve":  reflect.ValueOf(retrieveFn),
		},
	}
}
