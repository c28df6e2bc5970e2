package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedClient replays canned responses and records what it was asked.
type scriptedClient struct {
	responses []string
	calls     int
	models    []string
	err       error
}

func (s *scriptedClient) Chat(_ context.Context, _ []Message, model string, _ *ChatOptions) (string, error) {
	s.models = append(s.models, model)
	if s.err != nil {
		return "", s.err
	}
	if s.calls >= len(s.responses) {
		return "", fmt.Errorf("scripted client exhausted after %d calls", s.calls)
	}
	out := s.responses[s.calls]
	s.calls++
	return out, nil
}

func (s *scriptedClient) Embed(_ context.Context, texts []string, model string) ([][]float32, error) {
	s.models = append(s.models, model)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestGatewayRoutesLocalPrefix(t *testing.T) {
	cloud := &scriptedClient{responses: []string{"cloud"}}
	local := &scriptedClient{responses: []string{"local"}}
	g := NewWithClients(cloud, local)

	out, err := g.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "local_llama3", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "local" {
		t.Fatalf("expected local backend, got %q", out)
	}
	// The prefix must be stripped before the backend sees the model.
	if local.models[0] != "llama3" {
		t.Fatalf("local model = %q, want llama3", local.models[0])
	}

	out, err = g.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "gpt-4o", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "cloud" || cloud.models[0] != "gpt-4o" {
		t.Fatalf("cloud routing broken: out=%q model=%q", out, cloud.models[0])
	}
}

func TestLocalClientPullsMissingModel(t *testing.T) {
	var pulled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			if !pulled.Load() {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{
					"error": `model "llama3" not found, try pulling it first`,
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]string{"role": "assistant", "content": "hello"},
			})
		case "/api/pull":
			pulled.Store(true)
			json.NewEncoder(w).Encode(map[string]string{"status": "success"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewLocalClient(srv.URL, 5*time.Second)
	c.pullWait = 0

	out, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "llama3", nil)
	if err != nil {
		t.Fatalf("chat after pull failed: %v", err)
	}
	if out != "hello" {
		t.Fatalf("got %q, want hello", out)
	}
	if !pulled.Load() {
		t.Fatal("pull endpoint was never hit")
	}
}

func TestLocalClientSurfacesOtherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "out of memory"})
	}))
	defer srv.Close()

	c := NewLocalClient(srv.URL, 5*time.Second)
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "llama3", nil)
	if err == nil {
		t.Fatal("expected error to surface verbatim")
	}
}

func TestCallWithRetryRetriesOnParseFailure(t *testing.T) {
	client := &scriptedClient{responses: []string{"not json", `{"ok": true}`}}

	var parsed map[string]bool
	raw, err := CallWithRetry(context.Background(), client, nil, "gpt-4o", nil, 3, func(raw string) error {
		return json.Unmarshal([]byte(SanitizeResponse(raw)), &parsed)
	})
	if err != nil {
		t.Fatalf("retry should have recovered: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", client.calls)
	}
	if raw == "" || !parsed["ok"] {
		t.Fatalf("parse result lost: raw=%q parsed=%v", raw, parsed)
	}
}

func TestCallWithRetryExhaustsBudget(t *testing.T) {
	client := &scriptedClient{err: fmt.Errorf("boom")}
	_, err := CallWithRetry(context.Background(), client, nil, "gpt-4o", nil, 2, nil)
	if err == nil {
		t.Fatal("expected failure after budget exhaustion")
	}
}

func TestSanitizeResponse(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{`{"flag": True, "other": False, "gone": None}`, `{"flag": true, "other": false, "gone": null}`},
		{"  {\"a\": 1}  ", `{"a": 1}`},
		{`{"already": "clean"}`, `{"already": "clean"}`},
	}
	for _, tc := range cases {
		if got := SanitizeResponse(tc.in); got != tc.want {
			t.Errorf("SanitizeResponse(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
