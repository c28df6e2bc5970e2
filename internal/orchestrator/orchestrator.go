// Package orchestrator is the request surface of the agent core: it routes
// incoming turns to the code agent or the deep-search planner, delivers
// out-of-band follow-up replies, and records RL ratings.
package orchestrator

import (
	"context"
	"fmt"

	"taskweave/internal/events"
	"taskweave/internal/gateway"
	"taskweave/internal/logging"
	"taskweave/internal/session"
)

// CodeAgent runs the plan/validate/execute/repair/evaluate loop.
type CodeAgent interface {
	Run(ctx context.Context, history []gateway.Message) (string, error)
}

// DeepSearch runs the suspendable research DAG.
type DeepSearch interface {
	Run(ctx context.Context, sessionID, userID string, chatHistory []gateway.Message, depth int) (string, error)
}

// MetaSelector is the RL-driven retrieval surface.
type MetaSelector interface {
	Retrieve(ctx context.Context, query, sessionID string) (string, error)
	ApplyRating(ctx context.Context, sessionID string, rating int) error
}

// Orchestrator ties the agent strategies to the session store and the
// client event stream.
type Orchestrator struct {
	code     CodeAgent
	deep     DeepSearch
	selector MetaSelector // nil when the RL selector is disabled
	store    session.Store
	emitter  events.Emitter

	// Interactive mirrors the deep-search setting: with it on, errors are
	// answered in-band so the conversation survives them.
	Interactive bool
}

// New wires the orchestrator. selector may be nil.
func New(code CodeAgent, deep DeepSearch, selector MetaSelector, store session.Store, emitter events.Emitter) *Orchestrator {
	return &Orchestrator{code: code, deep: deep, selector: selector, store: store, emitter: emitter}
}

// RunAgent starts or resumes a session turn. With deepSearch set the
// planner handles it at the given depth, otherwise the code agent does.
// The answer is emitted as agent_response and returned.
func (o *Orchestrator) RunAgent(ctx context.Context, sessionID string, chatHistory []gateway.Message, deepSearch bool, depth int, userID string) (string, error) {
	logging.Session("session %s: run (deepsearch=%v depth=%d)", sessionID, deepSearch, depth)

	var (
		answer string
		err    error
	)
	if deepSearch {
		answer, err = o.deep.Run(ctx, sessionID, userID, chatHistory, depth)
	} else {
		answer, err = o.code.Run(ctx, chatHistory)
	}

	if err != nil {
		logging.Get(logging.CategorySession).Error("session %s: %v", sessionID, err)
		if deepSearch && o.Interactive {
			// Keep the conversation alive: the failure becomes the
			// assistant's answer instead of a dead stream.
			answer = fmt.Sprintf("I ran into a problem and had to stop: %v", err)
			o.emitAnswer(sessionID, answer)
			return answer, nil
		}
		o.emitter.Emit(events.Error, map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return "", err
	}

	o.emitAnswer(sessionID, answer)
	return answer, nil
}

func (o *Orchestrator) emitAnswer(sessionID, answer string) {
	o.emitter.Emit(events.AgentResponse, map[string]interface{}{
		"session_id": sessionID,
		"assistant":  answer,
	})
}

// FollowUpResponse delivers the user's out-of-band reply to whatever agent
// is polling for it.
func (o *Orchestrator) FollowUpResponse(ctx context.Context, sessionID, message string) error {
	logging.Session("session %s: follow-up delivered", sessionID)
	return o.store.Set(ctx, session.FollowUpKey(sessionID), message)
}

// SubmitEvaluation records a human rating for the session's pending
// retrieval and acknowledges it on the stream.
func (o *Orchestrator) SubmitEvaluation(ctx context.Context, sessionID string, rating int) error {
	if o.selector == nil {
		return fmt.Errorf("human rating is not enabled")
	}
	if err := o.selector.ApplyRating(ctx, sessionID, rating); err != nil {
		o.emitter.Emit(events.EvaluationAck, map[string]interface{}{
			"status":  "error",
			"message": err.Error(),
		})
		return err
	}
	o.emitter.Emit(events.EvaluationAck, map[string]interface{}{
		"status":  "ok",
		"message": fmt.Sprintf("rating %d recorded for session %s", rating, sessionID),
	})
	return nil
}

// Retrieve answers a query through the RL-selected retrieval strategy.
// Exposed so the rag_retrieve tool and the CLI share the selector.
func (o *Orchestrator) Retrieve(ctx context.Context, query, sessionID string) (string, error) {
	if o.selector == nil {
		return "", fmt.Errorf("retrieval selector is not enabled")
	}
	return o.selector.Retrieve(ctx, query, sessionID)
}
