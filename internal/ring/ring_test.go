package ring

import (
	"testing"
)

func threeNodes() []Node {
	return []Node{
		{ID: "n1", Addr: "127.0.0.1:7001"},
		{ID: "n2", Addr: "127.0.0.1:7002"},
		{ID: "n3", Addr: "127.0.0.1:7003"},
	}
}

func TestHash_Lookup_EmptyRing(t *testing.T) {
	r := NewHash("n1", 128)
	if _, ok := r.Lookup("some-key"); ok {
		t.Error("lookup on empty ring should report ok=false")
	}
	if r.Ready() {
		t.Error("empty ring should not be ready")
	}
}

func TestHash_Whoami(t *testing.T) {
	r := NewHash("n2", 128)
	if got := r.Whoami(); got != "n2" {
		t.Errorf("Whoami() = %q, want n2", got)
	}
}

func TestHash_AddRemoveNode(t *testing.T) {
	r := NewHash("n1", 128)
	r.SetNodes(threeNodes()[:1])

	node, ok := r.Lookup("k1")
	if !ok || node != "n1" {
		t.Fatalf("single-node ring should resolve everything to n1, got %q ok=%v", node, ok)
	}

	r.AddNode(Node{ID: "n2", Addr: "127.0.0.1:7002"})
	if len(r.Nodes()) != 2 {
		t.Errorf("expected 2 nodes, got %d", len(r.Nodes()))
	}

	r.RemoveNode("n2")
	if len(r.Nodes()) != 1 {
		t.Errorf("expected 1 node after removal, got %d", len(r.Nodes()))
	}
	// Removal of an absent node is a no-op.
	r.RemoveNode("n2")
}

func TestHash_ReadyFiresOnce(t *testing.T) {
	r := NewHash("n1", 128)

	readyCount := 0
	r.OnReady(func() { readyCount++ })

	r.SetNodes(threeNodes())
	r.SetNodes(threeNodes()[:2])
	r.AddNode(Node{ID: "n4", Addr: "127.0.0.1:7004"})

	if readyCount != 1 {
		t.Errorf("ready fired %d times, want 1", readyCount)
	}
	if !r.Ready() {
		t.Error("ring should be ready")
	}
}

func TestHash_OnReady_AfterReadyRunsImmediately(t *testing.T) {
	r := NewHash("n1", 128)
	r.SetNodes(threeNodes())

	called := false
	r.OnReady(func() { called = true })
	if !called {
		t.Error("OnReady after readiness should run the callback immediately")
	}
}

func TestHash_ChangeFiresPerMutation(t *testing.T) {
	r := NewHash("n1", 128)

	changes := 0
	r.OnChange(func() { changes++ })

	r.SetNodes(threeNodes())
	r.AddNode(Node{ID: "n4", Addr: "127.0.0.1:7004"})
	r.RemoveNode("n4")
	r.RemoveNode("absent") // no-op, no event

	if changes != 3 {
		t.Errorf("change fired %d times, want 3", changes)
	}
}
