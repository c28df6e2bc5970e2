package events

import (
	"testing"

	"go.uber.org/goleak"
)

func TestStreamDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := NewStream(4)
	s.Emit(ReasoningUpdate, map[string]interface{}{"message": "thinking"})

	ev := <-s.Events()
	if ev.Name != ReasoningUpdate || ev.Payload["message"] != "thinking" {
		t.Fatalf("event wrong: %+v", ev)
	}
}

func TestStreamDropsOldestWhenFull(t *testing.T) {
	s := NewStream(2)
	s.Emit(AgentResponse, map[string]interface{}{"n": 1})
	s.Emit(AgentResponse, map[string]interface{}{"n": 2})
	s.Emit(AgentResponse, map[string]interface{}{"n": 3}) // evicts n=1

	first := <-s.Events()
	if first.Payload["n"] != 2 {
		t.Fatalf("expected oldest to be dropped, got %+v", first)
	}
}
