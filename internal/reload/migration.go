package reload

import (
	"fmt"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// MigrationKey identifies a registered state-migration transform by the
// (from_version, to_version) pair it bridges (spec §4.2 "State migration").
type MigrationKey struct {
	From, To string
}

// compiledTransform holds the yaegi-interpreted forward and, optionally,
// inverse transform functions for one MigrationKey. Grounded on the
// teacher's internal/autopoiesis/yaegi_executor.go pattern (interp.New +
// stdlib.Symbols + i.Eval + type-asserted function value), generalized
// from "interpret one tool's RunTool" to "interpret one migration's
// Migrate/Inverse pair".
type compiledTransform struct {
	forward func([]byte) ([]byte, error)
	inverse func([]byte) ([]byte, error)
}

// MigrationRegistry holds the registered (from_version, to_version,
// transform) triples the reload engine selects a migration path from.
type MigrationRegistry struct {
	mu         sync.RWMutex
	transforms map[MigrationKey]*compiledTransform
}

// NewMigrationRegistry returns an empty MigrationRegistry.
func NewMigrationRegistry() *MigrationRegistry {
	return &MigrationRegistry{transforms: make(map[MigrationKey]*compiledTransform)}
}

// Register compiles forwardSrc (and, if non-empty, inverseSrc) as yaegi
// migration snippets and registers them for the (from, to) key. Each
// source must define a top-level function with the signature
// func(old []byte) ([]byte, error), named Migrate for the forward
// transform and Inverse for the reverse one.
func (m *MigrationRegistry) Register(from, to, forwardSrc, inverseSrc string) error {
	fwd, err := compileTransformFunc(forwardSrc, "Migrate")
	if err != nil {
		return fmt.Errorf("compile forward transform %s->%s: %w", from, to, err)
	}

	ct := &compiledTransform{forward: fwd}
	if strings.TrimSpace(inverseSrc) != "" {
		inv, err := compileTransformFunc(inverseSrc, "Inverse")
		if err != nil {
			return fmt.Errorf("compile inverse transform %s->%s: %w", from, to, err)
		}
		ct.inverse = inv
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.transforms[MigrationKey{From: from, To: to}] = ct
	return nil
}

func compileTransformFunc(src, funcName string) (func([]byte) ([]byte, error), error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}

	wrapped := src
	if !strings.Contains(wrapped, "package migration") {
		wrapped = "package migration\n\n" + wrapped
	}
	if _, err := i.Eval(wrapped); err != nil {
		return nil, fmt.Errorf("evaluate transform source: %w", err)
	}

	v, err := i.Eval("migration." + funcName)
	if err != nil {
		return nil, fmt.Errorf("%s not found: %w", funcName, err)
	}
	fn, ok := v.Interface().(func([]byte) ([]byte, error))
	if !ok {
		return nil, fmt.Errorf("%s has wrong signature, want func([]byte) ([]byte, error)", funcName)
	}
	return fn, nil
}

// Lookup reports whether a transform is registered for (from, to).
func (m *MigrationRegistry) Lookup(from, to string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.transforms[MigrationKey{From: from, To: to}]
	return ok
}

// Apply runs the forward transform registered for (from, to) over state.
// Returns an error if no transform is registered — the reload engine
// treats this as "a transaction fails if any required transform is
// missing" (spec §4.2).
func (m *MigrationRegistry) Apply(from, to string, state []byte) ([]byte, error) {
	m.mu.RLock()
	ct, ok := m.transforms[MigrationKey{From: from, To: to}]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no migration transform registered for %s -> %s", from, to)
	}
	return ct.forward(state)
}

// ApplyInverse runs the inverse transform registered for (from, to),
// satisfying the round-trip invariant (spec §8: "Applying a migration
// transform then its declared inverse yields the original state blob").
func (m *MigrationRegistry) ApplyInverse(from, to string, state []byte) ([]byte, error) {
	m.mu.RLock()
	ct, ok := m.transforms[MigrationKey{From: from, To: to}]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no migration transform registered for %s -> %s", from, to)
	}
	if ct.inverse == nil {
		return nil, fmt.Errorf("no inverse transform registered for %s -> %s", from, to)
	}
	return ct.inverse(state)
}

// EvaluateMergeExpr interprets a small yaegi-hosted Go snippet defining
// func Merge(a, b []byte) ([]byte, error) over two candidate
// ASTs-as-data representations, backing the deterministic "semantic
// merge" conflict resolver (spec §4.2, SPEC_FULL.md domain stack). The
// core ships no learned merge strategy; this is the stable interface an
// optional learned resolver could later be registered behind (spec §9).
func EvaluateMergeExpr(src string, a, b []byte) ([]byte, error) {
	return evaluateMerge(wrapMergeSource(src), a, b)
}

func wrapMergeSource(src string) string {
	if strings.Contains(src, "package migration") {
		return src
	}
	return "package migration\n\n" + src
}

// evaluateMerge interprets wrapped (already package-wrapped) looking for a
// two-argument Merge, distinct from compileTransformFunc's single-argument
// migration-transform shape.
func evaluateMerge(wrapped string, a, b []byte) ([]byte, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if _, err := i.Eval(wrapped); err != nil {
		return nil, fmt.Errorf("evaluate merge source: %w", err)
	}
	v, err := i.Eval("migration.Merge")
	if err != nil {
		return nil, fmt.Errorf("Merge not found: %w", err)
	}
	fn, ok := v.Interface().(func([]byte, []byte) ([]byte, error))
	if !ok {
		return nil, fmt.Errorf("Merge has wrong signature, want func([]byte, []byte) ([]byte, error)")
	}
	return fn(a, b)
}
