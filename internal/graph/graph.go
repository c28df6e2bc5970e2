// Package graph persists the deep-search reasoning graph in SQLite. All
// reads and writes are partitioned by session_id, so concurrent sessions
// never see each other's nodes.
package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	_ "modernc.org/sqlite"

	"taskweave/internal/logging"
)

// Node is one reasoning concept created during DAG traversal.
type Node struct {
	ID            int64  `json:"id"`
	SessionID     string `json:"-"`
	AgentNickname string `json:"agent_nickname"`
	Name          string `json:"name"`
	EntityType    string `json:"entity_type"`
	Concept       string `json:"concept"`
	Thought       string `json:"thought"`
}

// Edge links two nodes within a session.
type Edge struct {
	FromID   int64  `json:"from"`
	ToID     int64  `json:"to"`
	Relation string `json:"relation"`
}

// Endpoint types in an evolution batch: "new" endpoints index into the
// batch by position, "existing" endpoints name a store-assigned node ID.
const (
	EndpointNew      = "new"
	EndpointExisting = "existing"
)

// EvolutionEntry is one node the graph-evolution model emits, optionally
// carrying an edge whose endpoints may reference nodes created in the same
// batch by positional index.
type EvolutionEntry struct {
	Name         string `json:"name"`
	Concept      string `json:"concept"`
	Thought      string `json:"thought"`
	EntityType   string `json:"entity_type"`
	Relation     string `json:"relation"`
	From         string `json:"from"`
	To           string `json:"to"`
	FromNodeType string `json:"from_node_type"`
	ToNodeType   string `json:"to_node_type"`
}

// Store is the SQLite-backed graph store. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens (creating if needed) the graph database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS graph_nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		agent_nickname TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		concept TEXT NOT NULL DEFAULT '',
		thought TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_graph_nodes_session ON graph_nodes(session_id);

	CREATE TABLE IF NOT EXISTS graph_edges (
		session_id TEXT NOT NULL,
		from_id INTEGER NOT NULL,
		to_id INTEGER NOT NULL,
		relation TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, from_id, to_id, relation)
	);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_session ON graph_edges(session_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create graph schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateNode inserts one node and returns its store-assigned ID.
func (s *Store) CreateNode(sessionID string, n Node) (int64, error) {
	if n.Name == "" {
		return 0, fmt.Errorf("graph node requires a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO graph_nodes (session_id, agent_nickname, name, entity_type, concept, thought)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, n.AgentNickname, n.Name, n.EntityType, n.Concept, n.Thought,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create graph node: %w", err)
	}
	return res.LastInsertId()
}

// ApplyEvolution materializes an evolution batch in two passes: first every
// node is created and its store ID captured by position, then every edge is
// resolved against positional indices (new) or store IDs (existing). Edges
// with unresolvable endpoints are skipped, not fatal: the graph is
// derivative state.
func (s *Store) ApplyEvolution(sessionID, agentNickname string, entries []EvolutionEntry) ([]int64, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "ApplyEvolution")
	defer timer.Stop()

	created := make([]int64, 0, len(entries))
	for _, e := range entries {
		id, err := s.CreateNode(sessionID, Node{
			AgentNickname: agentNickname,
			Name:          e.Name,
			EntityType:    e.EntityType,
			Concept:       e.Concept,
			Thought:       e.Thought,
		})
		if err != nil {
			return created, err
		}
		created = append(created, id)
	}

	for i, e := range entries {
		if e.Relation == "" || e.From == "" || e.To == "" {
			continue
		}
		fromID, ok := s.resolveEndpoint(sessionID, e.From, e.FromNodeType, created)
		if !ok {
			logging.Get(logging.CategoryGraph).Warn(
				"skipping edge %d: unresolvable from endpoint %q (%s)", i, e.From, e.FromNodeType)
			continue
		}
		toID, ok := s.resolveEndpoint(sessionID, e.To, e.ToNodeType, created)
		if !ok {
			logging.Get(logging.CategoryGraph).Warn(
				"skipping edge %d: unresolvable to endpoint %q (%s)", i, e.To, e.ToNodeType)
			continue
		}
		if err := s.createEdge(sessionID, fromID, toID, e.Relation); err != nil {
			logging.Get(logging.CategoryGraph).Warn("skipping edge %d: %v", i, err)
		}
	}

	logging.GraphDebug("evolution applied: %d nodes for session %s", len(created), sessionID)
	return created, nil
}

// resolveEndpoint maps an endpoint reference to a node ID.
func (s *Store) resolveEndpoint(sessionID, ref, nodeType string, created []int64) (int64, bool) {
	switch nodeType {
	case EndpointNew:
		idx, err := strconv.Atoi(ref)
		if err != nil || idx < 0 || idx >= len(created) {
			return 0, false
		}
		return created[idx], true
	case EndpointExisting:
		id, err := strconv.ParseInt(ref, 10, 64)
		if err != nil {
			return 0, false
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		var found int64
		err = s.db.QueryRow(
			`SELECT id FROM graph_nodes WHERE id = ? AND session_id = ?`, id, sessionID,
		).Scan(&found)
		if err != nil {
			return 0, false
		}
		return found, true
	default:
		return 0, false
	}
}

func (s *Store) createEdge(sessionID string, fromID, toID int64, relation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO graph_edges (session_id, from_id, to_id, relation) VALUES (?, ?, ?, ?)`,
		sessionID, fromID, toID, relation,
	)
	return err
}

// NodesForSession returns the session's nodes in creation order.
func (s *Store) NodesForSession(sessionID string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, agent_nickname, name, entity_type, concept, thought
		 FROM graph_nodes WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n := Node{SessionID: sessionID}
		if err := rows.Scan(&n.ID, &n.AgentNickname, &n.Name, &n.EntityType, &n.Concept, &n.Thought); err != nil {
			logging.Get(logging.CategoryGraph).Warn("node scan failed: %v", err)
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// EdgesForSession returns the session's edges.
func (s *Store) EdgesForSession(sessionID string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT from_id, to_id, relation FROM graph_edges WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Relation); err != nil {
			continue
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Snapshot renders the session partition as JSON for the graph-evolution
// prompt.
func (s *Store) Snapshot(sessionID string) (string, error) {
	nodes, err := s.NodesForSession(sessionID)
	if err != nil {
		return "", err
	}
	edges, err := s.EdgesForSession(sessionID)
	if err != nil {
		return "", err
	}
	blob, err := json.Marshal(map[string]interface{}{
		"nodes": nodes,
		"edges": edges,
	})
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

// PurgeSession deletes every node and edge carrying the session label.
func (s *Store) PurgeSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM graph_edges WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM graph_nodes WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	logging.Graph("purged graph partition for session %s", sessionID)
	return nil
}
