package deepsearch

import (
	"context"
	"encoding/json"
	"fmt"

	"taskweave/internal/gateway"
	"taskweave/internal/session"
)

// Planner session lifecycle states.
const (
	StateIdle      = "idle"
	StateRunning   = "running_chain"
	StateWaiting   = "waiting_for_user_answer"
	StateCompleted = "completed"
)

// PlannerSession is the suspend/resume blob persisted under
// planner-<session_id>. Everything the walk needs to continue after a
// process restart or an interactive pause lives here.
type PlannerSession struct {
	SessionID     string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	ChatHistory   []gateway.Message `json:"chat_history"`
	State         string            `json:"state"`
	Chain         []AgentNode       `json:"json_chain"`
	StepIndex     int               `json:"step_index"`
	Depth         int               `json:"depth"`
	DataSources   []string          `json:"data_sources"`
	FinalPartials []string          `json:"final_partials"`
	MemoryLogs    []string          `json:"memory_logs"`
	FinalAnswer   string            `json:"final_answer"`
}

// NewPlannerSession starts an idle session record.
func NewPlannerSession(sessionID, userID string, depth int, dataSources []string) *PlannerSession {
	return &PlannerSession{
		SessionID:   sessionID,
		UserID:      userID,
		State:       StateIdle,
		Depth:       depth,
		DataSources: dataSources,
	}
}

// Save serializes the session into the store.
func (s *PlannerSession) Save(ctx context.Context, store session.Store) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal planner session: %w", err)
	}
	return store.Set(ctx, session.PlannerKey(s.SessionID), string(blob))
}

// LoadPlannerSession fetches a persisted session; found is false when none
// exists.
func LoadPlannerSession(ctx context.Context, store session.Store, sessionID string) (*PlannerSession, bool, error) {
	blob, ok, err := store.Get(ctx, session.PlannerKey(sessionID))
	if err != nil || !ok {
		return nil, false, err
	}
	var s PlannerSession
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return nil, false, fmt.Errorf("corrupt planner session %s: %w", sessionID, err)
	}
	return &s, true, nil
}

// Delete removes the persisted blob.
func (s *PlannerSession) Delete(ctx context.Context, store session.Store) error {
	return store.Delete(ctx, session.PlannerKey(s.SessionID))
}
