package reload

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"hmr/internal/artifact"
	"hmr/internal/config"
	"hmr/internal/registry"
	"hmr/internal/returncode"
)

func testModule(id string, major, minor int, stateVersion string, state []byte) *registry.Module {
	return &registry.Module{
		ID:              id,
		Version:         registry.Version{Major: major, Minor: minor},
		ExportedSymbols: []string{"Run"},
		ImportedSymbols: map[string]string{},
		State:           state,
		StateVersion:    stateVersion,
		Capabilities:    map[string]bool{"hot-swap": true},
	}
}

func newEngine(t *testing.T) (*Engine, *registry.Registry) {
	t.Helper()
	root := t.TempDir()
	reg := registry.New()
	cache := artifact.NewCache(filepath.Join(root, "cache"), 0)
	migrations := NewMigrationRegistry()
	cfg := config.ReloadConfig{PrepareBudgetMS: 10, CommitBudgetMS: 15, RollbackBudgetMS: 2}
	return New(reg, cache, migrations, cfg, root), reg
}

func TestBeginPrepareCommitHappyPath(t *testing.T) {
	e, reg := newEngine(t)
	m1 := testModule("m1", 1, 0, "v1", []byte("state-a"))
	if code := reg.Register(m1); code != returncode.OK {
		t.Fatalf("register m1: %v", code)
	}

	next := testModule("m1", 1, 1, "v1", nil)
	id, code := e.Begin(map[string]*registry.Module{"m1": next}, Serializable)
	if code != returncode.OK {
		t.Fatalf("begin: %v", code)
	}

	ctx := context.Background()
	if code := e.Prepare(ctx, id); code != returncode.OK {
		t.Fatalf("prepare: %v", code)
	}
	phase, _ := e.TxPhase(id)
	if phase != PhaseReady {
		t.Fatalf("phase after prepare = %v, want ready", phase)
	}

	if code := e.Commit(ctx, id); code != returncode.OK {
		t.Fatalf("commit: %v", code)
	}
	phase, _ = e.TxPhase(id)
	if phase != PhaseComplete {
		t.Fatalf("phase after commit = %v, want complete", phase)
	}

	got, code := reg.Lookup("m1")
	if code != returncode.OK {
		t.Fatalf("lookup m1: %v", code)
	}
	if got.Version.Minor != 1 {
		t.Fatalf("m1 minor version = %d, want 1", got.Version.Minor)
	}
	if string(got.State) != "state-a" {
		t.Fatalf("m1 state = %q, want carried-over state-a (no version change)", got.State)
	}

	walDir := filepath.Join(e.stateRoot, "wal")
	entries, _ := os.ReadDir(walDir)
	if len(entries) != 0 {
		t.Fatalf("expected WAL truncated after commit, found %d entries", len(entries))
	}
}

func TestMultiModuleAbortLeavesBothUnchanged(t *testing.T) {
	e, reg := newEngine(t)
	m1 := testModule("m1", 1, 0, "v1", []byte("a"))
	m2 := testModule("m2", 2, 0, "v1", []byte("b"))
	reg.Register(m1)
	reg.Register(m2)

	next1 := testModule("m1", 1, 1, "v1", nil)
	// m2's candidate imports a symbol "Missing" from m1 that m1 does not
	// export, forcing prepare to fail with an unresolved import.
	next2 := testModule("m2", 2, 1, "v1", nil)
	next2.ImportedSymbols = map[string]string{"Missing": "m1"}

	id, code := e.Begin(map[string]*registry.Module{"m1": next1, "m2": next2}, Serializable)
	if code != returncode.OK {
		t.Fatalf("begin: %v", code)
	}

	ctx := context.Background()
	if code := e.Prepare(ctx, id); code == returncode.OK {
		t.Fatalf("expected prepare to fail on unresolved import")
	}
	phase, _ := e.TxPhase(id)
	if phase != PhaseFailed {
		t.Fatalf("phase = %v, want failed", phase)
	}

	if code := e.Abort(id); code != returncode.OK {
		t.Fatalf("abort: %v", code)
	}
	phase, _ = e.TxPhase(id)
	if phase != PhaseAborted {
		t.Fatalf("phase after abort = %v, want aborted", phase)
	}

	got1, _ := reg.Lookup("m1")
	got2, _ := reg.Lookup("m2")
	if got1.Version.Minor != 0 || got2.Version.Minor != 0 {
		t.Fatalf("participants changed despite abort: m1.minor=%d m2.minor=%d", got1.Version.Minor, got2.Version.Minor)
	}

	walDir := filepath.Join(e.stateRoot, "wal")
	entries, _ := os.ReadDir(walDir)
	if len(entries) != 0 {
		t.Fatalf("expected no WAL record after a failed-prepare abort, found %d", len(entries))
	}
}

func TestMigrationApplyInverseRoundTrip(t *testing.T) {
	m := NewMigrationRegistry()
	forward := `
func Migrate(old []byte) ([]byte, error) {
	out := make([]byte, len(old))
	copy(out, old)
	return append(out, '!'), nil
}
`
	inverse := `
func Inverse(old []byte) ([]byte, error) {
	return old[:len(old)-1], nil
}
`
	if err := m.Register("v1", "v2", forward, inverse); err != nil {
		t.Fatalf("register: %v", err)
	}

	original := []byte("hello")
	migrated, err := m.Apply("v1", "v2", original)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	restored, err := m.ApplyInverse("v1", "v2", migrated)
	if err != nil {
		t.Fatalf("apply inverse: %v", err)
	}
	if string(restored) != string(original) {
		t.Fatalf("round trip = %q, want %q", restored, original)
	}
}

func TestSnapshotWriteReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	m := testModule("m1", 1, 0, "v1", []byte("payload"))
	m.Fingerprint = "abc123"

	path, err := WriteSnapshot(root, m, "checkpoint-1")
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	restored, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if restored.ID != m.ID || string(restored.State) != string(m.State) || restored.Fingerprint != m.Fingerprint {
		t.Fatalf("restored module mismatch: got %+v", restored)
	}
}

func TestRollbackRestoresPreImage(t *testing.T) {
	e, reg := newEngine(t)
	m1 := testModule("m1", 1, 0, "v1", []byte("original"))
	reg.Register(m1)

	path, err := WriteSnapshot(e.stateRoot, m1, "cp1")
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	_ = path

	bad := testModule("m1", 2, 0, "v1", []byte("broken"))
	reg.Publish("m1", bad)

	if code := e.Rollback("m1", "cp1"); code != returncode.OK {
		t.Fatalf("rollback: %v", code)
	}
	got, _ := reg.Lookup("m1")
	if string(got.State) != "original" {
		t.Fatalf("state after rollback = %q, want original", got.State)
	}
}

func TestQuarantineMarksModuleAndBlocksReload(t *testing.T) {
	e, reg := newEngine(t)
	m1 := testModule("m1", 1, 0, "v1", []byte("original"))
	reg.Register(m1)
	WriteSnapshot(e.stateRoot, m1, "cp1")

	bad := testModule("m1", 1, 1, "v1", []byte("crashed"))
	reg.Publish("m1", bad)

	if code := e.Quarantine("m1", "cp1"); code != returncode.OK {
		t.Fatalf("quarantine: %v", code)
	}
	if !reg.IsQuarantined("m1") {
		t.Fatalf("expected m1 to be quarantined")
	}

	next := testModule("m1", 1, 2, "v1", nil)
	if code := reg.Reload("m1", next, false, false); code != returncode.NotAttached {
		t.Fatalf("reload of quarantined module = %v, want NotAttached", code)
	}
}

func TestDetectConflictsFlagsBrokenImport(t *testing.T) {
	aOld := testModule("a", 1, 0, "v1", nil)
	bOld := testModule("b", 1, 0, "v1", nil)
	aNew := testModule("a", 1, 1, "v1", nil)
	aNew.ExportedSymbols = nil // drops "Run"
	bNew := testModule("b", 1, 1, "v1", nil)
	bNew.ImportedSymbols = map[string]string{"Run": "a"}

	conflicts := DetectConflicts(
		map[string]*registry.Module{"a": aNew, "b": bNew},
		map[string]*registry.Module{"a": aOld, "b": bOld},
	)
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}
	if conflicts[0].Type != ConflictDependencyChain {
		t.Fatalf("conflict type = %v, want dependency-chain", conflicts[0].Type)
	}
}

func TestResolveAppliesDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()
	c := Conflict{Type: ConflictStateMachine, Severity: SeverityCritical}
	rec := Resolve(c, policy, "", nil, nil, nil)
	if rec.Resolved {
		t.Fatalf("state-machine conflict should not auto-resolve under default policy")
	}
	if rec.Strategy != StrategyManualReview {
		t.Fatalf("strategy = %v, want manual-review", rec.Strategy)
	}
}

func TestResolveSemanticMergeRunsDefaultExpr(t *testing.T) {
	policy := DefaultPolicy()
	c := Conflict{Type: ConflictFunctionSignature, Severity: SeverityMedium}
	rec := Resolve(c, policy, "", nil, []byte("short"), []byte("much longer state"))
	if !rec.Resolved {
		t.Fatalf("expected semantic merge to resolve, got outcome: %s", rec.Outcome)
	}
	if string(rec.MergedState) != "much longer state" {
		t.Fatalf("merged state = %q, want the longer of the two inputs", rec.MergedState)
	}
}

func TestResolveThreeWayAndStructuralMergeAreDeferred(t *testing.T) {
	policy := DefaultPolicy()
	for _, typ := range []ConflictType{ConflictDependencyChain, ConflictMemoryLayout} {
		c := Conflict{Type: typ, Severity: SeverityMedium}
		rec := Resolve(c, policy, "", nil, nil, nil)
		if rec.Resolved {
			t.Fatalf("conflict type %s should not be reported resolved: strategy %s has no implementation", typ, rec.Strategy)
		}
	}
}
