package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"taskweave/internal/events"
	"taskweave/internal/gateway"
	"taskweave/internal/session"
)

type fakeCode struct {
	answer string
	err    error
	calls  int
}

func (f *fakeCode) Run(_ context.Context, _ []gateway.Message) (string, error) {
	f.calls++
	return f.answer, f.err
}

type fakeDeep struct {
	answer string
	err    error
	gotSID string
	gotUID string
	depth  int
}

func (f *fakeDeep) Run(_ context.Context, sessionID, userID string, _ []gateway.Message, depth int) (string, error) {
	f.gotSID, f.gotUID, f.depth = sessionID, userID, depth
	return f.answer, f.err
}

type fakeSelector struct {
	ratingErr error
	rated     []int
}

func (f *fakeSelector) Retrieve(_ context.Context, query, _ string) (string, error) {
	return "retrieved: " + query, nil
}

func (f *fakeSelector) ApplyRating(_ context.Context, _ string, rating int) error {
	if f.ratingErr != nil {
		return f.ratingErr
	}
	f.rated = append(f.rated, rating)
	return nil
}

func newTestOrchestrator(code *fakeCode, deep *fakeDeep, sel *fakeSelector) (*Orchestrator, *events.Stream, session.Store) {
	stream := events.NewStream(16)
	store := session.NewMemory()
	var ms MetaSelector
	if sel != nil {
		ms = sel
	}
	return New(code, deep, ms, store, stream), stream, store
}

func TestRunAgentRoutesToCodeAgent(t *testing.T) {
	code := &fakeCode{answer: "done"}
	o, stream, _ := newTestOrchestrator(code, &fakeDeep{}, nil)

	out, err := o.RunAgent(context.Background(), "s1", []gateway.Message{{Role: "user", Content: "go"}}, false, 0, "")
	if err != nil || out != "done" {
		t.Fatalf("out=%q err=%v", out, err)
	}
	if code.calls != 1 {
		t.Errorf("code agent calls = %d", code.calls)
	}
	ev := <-stream.Events()
	if ev.Name != events.AgentResponse || ev.Payload["assistant"] != "done" || ev.Payload["session_id"] != "s1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestRunAgentRoutesToDeepSearch(t *testing.T) {
	deep := &fakeDeep{answer: "<html><body>r</body></html>"}
	o, _, _ := newTestOrchestrator(&fakeCode{}, deep, nil)

	out, err := o.RunAgent(context.Background(), "s2", nil, true, 3, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if out != deep.answer {
		t.Errorf("out = %q", out)
	}
	if deep.gotSID != "s2" || deep.gotUID != "u-1" || deep.depth != 3 {
		t.Errorf("deep call args: %+v", deep)
	}
}

func TestRunAgentErrorEmitsErrorEvent(t *testing.T) {
	code := &fakeCode{err: fmt.Errorf("plan exploded")}
	o, stream, _ := newTestOrchestrator(code, &fakeDeep{}, nil)

	if _, err := o.RunAgent(context.Background(), "s3", nil, false, 0, ""); err == nil {
		t.Fatal("error expected")
	}
	ev := <-stream.Events()
	if ev.Name != events.Error || !strings.Contains(ev.Payload["error"].(string), "plan exploded") {
		t.Errorf("event = %+v", ev)
	}
}

func TestInteractiveDeepSearchErrorBecomesAnswer(t *testing.T) {
	deep := &fakeDeep{err: fmt.Errorf("source unreachable")}
	o, stream, _ := newTestOrchestrator(&fakeCode{}, deep, nil)
	o.Interactive = true

	out, err := o.RunAgent(context.Background(), "s4", nil, true, 1, "")
	if err != nil {
		t.Fatalf("interactive error should be absorbed, got %v", err)
	}
	if !strings.Contains(out, "source unreachable") {
		t.Errorf("out = %q", out)
	}
	ev := <-stream.Events()
	if ev.Name != events.AgentResponse {
		t.Errorf("event = %+v", ev)
	}
}

func TestFollowUpResponseStoresReply(t *testing.T) {
	o, _, store := newTestOrchestrator(&fakeCode{}, &fakeDeep{}, nil)
	ctx := context.Background()

	if err := o.FollowUpResponse(ctx, "s5", "pick the second one"); err != nil {
		t.Fatal(err)
	}
	v, ok, _ := store.Get(ctx, session.FollowUpKey("s5"))
	if !ok || v != "pick the second one" {
		t.Fatalf("stored = %q %v", v, ok)
	}
}

func TestSubmitEvaluation(t *testing.T) {
	sel := &fakeSelector{}
	o, stream, _ := newTestOrchestrator(&fakeCode{}, &fakeDeep{}, sel)
	ctx := context.Background()

	if err := o.SubmitEvaluation(ctx, "s6", 4); err != nil {
		t.Fatal(err)
	}
	if len(sel.rated) != 1 || sel.rated[0] != 4 {
		t.Errorf("rated = %v", sel.rated)
	}
	ev := <-stream.Events()
	if ev.Name != events.EvaluationAck || ev.Payload["status"] != "ok" {
		t.Errorf("event = %+v", ev)
	}

	sel.ratingErr = fmt.Errorf("no pending record")
	if err := o.SubmitEvaluation(ctx, "s6", 4); err == nil {
		t.Error("rating error not surfaced")
	}
	ev = <-stream.Events()
	if ev.Payload["status"] != "error" {
		t.Errorf("ack = %+v", ev)
	}
}

func TestSubmitEvaluationWithoutSelector(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeCode{}, &fakeDeep{}, nil)
	if err := o.SubmitEvaluation(context.Background(), "s7", 3); err == nil {
		t.Error("expected error without selector")
	}
}
