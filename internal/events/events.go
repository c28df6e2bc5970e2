// Package events defines the server-to-client event stream the agent core
// emits on. The transport is out of scope; consumers drain a channel.
package events

import (
	"sync"

	"taskweave/internal/logging"
)

// Event names on the client stream.
const (
	AgentResponse     = "agent_response"
	Error             = "error"
	ReasoningUpdate   = "reasoning_update"
	FollowUpRequest   = "follow_up_request"
	RequestEvaluation = "request_evaluation"
	EvaluationAck     = "evaluation_ack"
)

// Event is one emitted message.
type Event struct {
	Name    string
	Payload map[string]interface{}
}

// Emitter is the surface the core emits on.
type Emitter interface {
	Emit(name string, payload map[string]interface{})
}

// Stream buffers events for a consumer. Emission never blocks: when the
// buffer is full the oldest event is dropped, which a disconnected client
// would miss anyway.
type Stream struct {
	mu sync.Mutex
	ch chan Event
}

// NewStream builds a stream with the given buffer size.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream{ch: make(chan Event, buffer)}
}

// Emit queues an event.
func (s *Stream) Emit(name string, payload map[string]interface{}) {
	logging.Events("%s: %v", name, payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{Name: name, Payload: payload}
	for {
		select {
		case s.ch <- ev:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Events returns the consumer channel.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Discard ignores every event; used where no client is attached.
type Discard struct{}

func (Discard) Emit(name string, payload map[string]interface{}) {
	logging.Events("%s: %v (discarded)", name, payload)
}
