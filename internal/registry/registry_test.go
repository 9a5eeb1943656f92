package registry

import (
	"testing"

	"hmr/internal/returncode"
)

func testModule(id string, major, minor int, stability Stability) *Module {
	return &Module{
		ID:              id,
		Version:         Version{Major: major, Minor: minor, Stability: stability},
		ExportedSymbols: []string{"Foo"},
		ImportedSymbols: map[string]string{},
		Capabilities:    map[string]bool{"hot-swap": true},
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New()
	if code := r.Register(testModule("sim", 1, 0, Stable)); code != returncode.OK {
		t.Fatalf("first register: %v", code)
	}
	if code := r.Register(testModule("sim", 1, 0, Stable)); code != returncode.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", code)
	}
}

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	r := New()
	r.Register(testModule("sim", 1, 0, Stable))
	before := r.Count()
	if code := r.Unregister("sim"); code != returncode.OK {
		t.Fatalf("unregister: %v", code)
	}
	if _, code := r.Lookup("sim"); code != returncode.NotFound {
		t.Fatalf("expected NotFound after unregister, got %v", code)
	}
	if code := r.Register(testModule("sim", 1, 0, Stable)); code != returncode.OK {
		t.Fatalf("re-register: %v", code)
	}
	if r.Count() != before {
		t.Fatalf("expected count %d after round trip, got %d", before, r.Count())
	}
}

func TestPublishIsVisibleToSubsequentReaders(t *testing.T) {
	r := New()
	r.Register(testModule("sim", 1, 0, Stable))

	h, code := r.Handle("sim")
	if code != returncode.OK {
		t.Fatalf("handle: %v", code)
	}
	before, gen := h.Load()
	if before.Version.Minor != 0 {
		t.Fatalf("unexpected starting version")
	}

	next := testModule("sim", 1, 1, Stable)
	if code := r.Publish("sim", next); code != returncode.OK {
		t.Fatalf("publish: %v", code)
	}

	after, newGen := h.Load()
	if after.Version.Minor != 1 {
		t.Fatalf("reader after publish sees stale version %+v", after.Version)
	}
	if newGen <= gen {
		t.Fatalf("expected generation to advance, got %d -> %d", gen, newGen)
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		name     string
		a, b     Version
		expected Relation
	}{
		{"same", Version{Major: 1, Minor: 2}, Version{Major: 1, Minor: 2}, Compatible},
		{"minor-diff", Version{Major: 1, Minor: 2}, Version{Major: 1, Minor: 3}, MigrationRequired},
		{"major-diff", Version{Major: 1, Minor: 2}, Version{Major: 2, Minor: 0}, Breaking},
		{"deprecated-dominates", Version{Major: 1, Minor: 2}, Version{Major: 1, Minor: 2, Stability: Deprecated}, VersionDeprecated},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Compare(c.a, c.b); got != c.expected {
				t.Fatalf("Compare(%+v,%+v) = %v, want %v", c.a, c.b, got, c.expected)
			}
			if got := Compare(c.b, c.a); got != c.expected {
				t.Fatalf("Compare not symmetric: Compare(%+v,%+v) = %v, want %v", c.b, c.a, got, c.expected)
			}
		})
	}
}

func TestReloadRefusesQuarantinedWithoutOptIn(t *testing.T) {
	r := New()
	r.Register(testModule("sim", 1, 0, Stable))
	r.Quarantine("sim")

	next := testModule("sim", 1, 1, Stable)
	if code := r.Reload("sim", next, false, false); code != returncode.NotAttached {
		t.Fatalf("expected NotAttached, got %v", code)
	}
	if code := r.Reload("sim", next, false, true); code != returncode.OK {
		t.Fatalf("expected OK with opt-in, got %v", code)
	}
}

func TestReloadRefusesDeprecatedWithoutOptIn(t *testing.T) {
	r := New()
	r.Register(testModule("sim", 1, 0, Deprecated))

	next := testModule("sim", 1, 0, Stable)
	if code := r.Reload("sim", next, false, false); code != returncode.VersionMismatch {
		t.Fatalf("expected VersionMismatch, got %v", code)
	}
	if code := r.Reload("sim", next, true, false); code != returncode.OK {
		t.Fatalf("expected OK with opt-in, got %v", code)
	}
}

func TestSnapshotIsConsistentView(t *testing.T) {
	r := New()
	r.Register(testModule("a", 1, 0, Stable))
	r.Register(testModule("b", 1, 0, Stable))

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 modules in snapshot, got %d", len(snap))
	}
	r.Publish("a", testModule("a", 2, 0, Stable))
	if snap["a"].Version.Major != 1 {
		t.Fatalf("snapshot mutated by later publish: %+v", snap["a"].Version)
	}
}
