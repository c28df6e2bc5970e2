// Package session provides the durable key-value store shared by all server
// workers: suspended planner sessions, out-of-band follow-up replies, and
// pending RL records all live here, keyed by session ID.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskweave/internal/config"
)

// Store is the key-value surface the core consumes. Atomic set and delete
// suffice; no transactions are required.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key layouts for the three uses of the store.

// PlannerKey holds a serialized planner session for suspend/resume.
func PlannerKey(sessionID string) string { return "planner-" + sessionID }

// FollowUpKey holds an out-of-band reply delivered by the client.
func FollowUpKey(sessionID string) string { return "followup:" + sessionID }

// RLUpdateKey holds an RL record awaiting a human rating.
func RLUpdateKey(sessionID string) string { return "rl_update:" + sessionID }

// New builds the configured backend.
func New(cfg *config.SessionConfig, ttl time.Duration) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.RedisURL, ttl)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// Memory is the in-process backend used by tests and single-worker runs.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error { return nil }
