package graph

import (
	"path/filepath"
	"strconv"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApplyEvolutionTwoPass(t *testing.T) {
	s := openTestStore(t)

	// The second entry's edge points at the first entry by positional
	// index, before either node existed.
	entries := []EvolutionEntry{
		{Name: "transformer", Concept: "architecture", EntityType: "concept"},
		{
			Name: "attention", Concept: "mechanism", EntityType: "concept",
			Relation: "part_of", From: "1", To: "0",
			FromNodeType: EndpointNew, ToNodeType: EndpointNew,
		},
	}

	created, err := s.ApplyEvolution("sess-1", "researcher", entries)
	if err != nil {
		t.Fatalf("evolution failed: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 created nodes, got %d", len(created))
	}

	edges, err := s.EdgesForSession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
	if edges[0].FromID != created[1] || edges[0].ToID != created[0] || edges[0].Relation != "part_of" {
		t.Fatalf("edge wrong: %+v (created=%v)", edges[0], created)
	}
}

func TestApplyEvolutionExistingEndpoint(t *testing.T) {
	s := openTestStore(t)

	rootID, err := s.CreateNode("sess-1", Node{Name: "root", AgentNickname: "planner"})
	if err != nil {
		t.Fatal(err)
	}

	entries := []EvolutionEntry{{
		Name: "detail", Relation: "refines",
		From: "0", FromNodeType: EndpointNew,
		To: strconv.FormatInt(rootID, 10), ToNodeType: EndpointExisting,
	}}
	created, err := s.ApplyEvolution("sess-1", "researcher", entries)
	if err != nil {
		t.Fatal(err)
	}

	edges, _ := s.EdgesForSession("sess-1")
	if len(edges) != 1 || edges[0].FromID != created[0] || edges[0].ToID != rootID {
		t.Fatalf("existing-endpoint edge wrong: %+v", edges)
	}
}

func TestUnresolvableEdgeIsSkippedNotFatal(t *testing.T) {
	s := openTestStore(t)

	entries := []EvolutionEntry{{
		Name: "lonely", Relation: "links",
		From: "0", FromNodeType: EndpointNew,
		To: "99999", ToNodeType: EndpointExisting,
	}}
	created, err := s.ApplyEvolution("sess-1", "a", entries)
	if err != nil {
		t.Fatalf("node creation must survive a bad edge: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("node not created: %v", created)
	}
	edges, _ := s.EdgesForSession("sess-1")
	if len(edges) != 0 {
		t.Fatalf("bad edge should be skipped, got %+v", edges)
	}
}

func TestSessionPartitioning(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.CreateNode("sess-a", Node{Name: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateNode("sess-b", Node{Name: "beta"}); err != nil {
		t.Fatal(err)
	}

	nodesA, err := s.NodesForSession("sess-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodesA) != 1 || nodesA[0].Name != "alpha" {
		t.Fatalf("partition leak: %+v", nodesA)
	}

	// Purging one session leaves the other intact.
	if err := s.PurgeSession("sess-a"); err != nil {
		t.Fatal(err)
	}
	nodesA, _ = s.NodesForSession("sess-a")
	if len(nodesA) != 0 {
		t.Fatalf("purge left nodes behind: %+v", nodesA)
	}
	nodesB, _ := s.NodesForSession("sess-b")
	if len(nodesB) != 1 {
		t.Fatalf("purge crossed the partition: %+v", nodesB)
	}
}

func TestSnapshotRendersJSON(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateNode("sess-1", Node{Name: "alpha", Concept: "c"}); err != nil {
		t.Fatal(err)
	}
	blob, err := s.Snapshot("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if blob == "" || blob[0] != '{' {
		t.Fatalf("snapshot not JSON: %q", blob)
	}
}
