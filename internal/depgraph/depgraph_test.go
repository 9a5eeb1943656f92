package depgraph

import (
	"testing"

	"hmr/internal/returncode"
)

func buildChain(t *testing.T) *Graph {
	t.Helper()
	g := New()
	for _, id := range []string{"a.json", "b.metal", "c.png"} {
		if code := g.RegisterAsset(id, KindSource); code != returncode.OK {
			t.Fatalf("RegisterAsset(%s): %v", id, code)
		}
	}
	// a.json <- b.metal <- c.png (b.metal requires a.json, c.png requires b.metal)
	if code := g.AddDependency("b.metal", "a.json", true); code != returncode.OK {
		t.Fatalf("AddDependency(b.metal,a.json): %v", code)
	}
	if code := g.AddDependency("c.png", "b.metal", true); code != returncode.OK {
		t.Fatalf("AddDependency(c.png,b.metal): %v", code)
	}
	return g
}

func TestRegisterAssetRejectsDuplicate(t *testing.T) {
	g := New()
	if code := g.RegisterAsset("a", KindSource); code != returncode.OK {
		t.Fatalf("first register: %v", code)
	}
	if code := g.RegisterAsset("a", KindSource); code != returncode.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", code)
	}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	g := buildChain(t)
	// a.json -> c.png would close the cycle a.json -> c.png -> b.metal -> a.json
	if code := g.AddDependency("a.json", "c.png", false); code != returncode.CycleDetected {
		t.Fatalf("expected CycleDetected, got %v", code)
	}
	// Graph must be unchanged: c.png must still have no dependents beyond what existed.
	if deps := g.Dependencies("a.json"); len(deps) != 0 {
		t.Fatalf("expected a.json to remain a leaf, got %v", deps)
	}
}

func TestAddDependencySelfLoopRejected(t *testing.T) {
	g := New()
	g.RegisterAsset("x", KindSource)
	if code := g.AddDependency("x", "x", false); code != returncode.CycleDetected {
		t.Fatalf("expected CycleDetected for self-loop, got %v", code)
	}
}

func TestComputeReloadOrderDependencyChain(t *testing.T) {
	g := buildChain(t)
	order, code := g.ComputeReloadOrder("a.json")
	if code != returncode.OK {
		t.Fatalf("ComputeReloadOrder: %v", code)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 elements, got %v", order)
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a.json"] >= pos["b.metal"] || pos["b.metal"] >= pos["c.png"] {
		t.Fatalf("expected a.json before b.metal before c.png, got %v", order)
	}
}

func TestComputeReloadOrderUnknownAsset(t *testing.T) {
	g := New()
	if _, code := g.ComputeReloadOrder("missing"); code != returncode.NotFound {
		t.Fatalf("expected NotFound, got %v", code)
	}
}

func TestRemoveAssetRemovesIncidentEdges(t *testing.T) {
	g := buildChain(t)
	if code := g.RemoveAsset("b.metal"); code != returncode.OK {
		t.Fatalf("RemoveAsset: %v", code)
	}
	if deps := g.Dependents("a.json"); len(deps) != 0 {
		t.Fatalf("expected a.json to have no dependents after removing b.metal, got %v", deps)
	}
	if deps := g.Dependencies("c.png"); len(deps) != 0 {
		t.Fatalf("expected c.png to have no dependencies after removing b.metal, got %v", deps)
	}
}

func TestTopologicalOrderDeterministicTieBreak(t *testing.T) {
	g := New()
	for _, id := range []string{"z", "y", "x"} {
		g.RegisterAsset(id, KindSource)
	}
	// No edges among them: all are independent, tie-break must be lexicographic.
	order, code := g.TopologicalOrder()
	if code != returncode.OK {
		t.Fatalf("TopologicalOrder: %v", code)
	}
	if len(order) != 3 || order[0] != "x" || order[1] != "y" || order[2] != "z" {
		t.Fatalf("expected lexicographic tie-break [x y z], got %v", order)
	}
}
