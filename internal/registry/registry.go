// Package registry implements the Module Registry (spec §3/§5): the
// exclusive owner of Module records, exposing lock-free versioned handles
// to readers while writes happen only during a reload commit
// ("single-writer/multi-reader; writes happen only during commit; reads
// are lock-free").
package registry

import (
	"sync"
	"sync/atomic"

	"hmr/internal/config"
	"hmr/internal/logging"
	"hmr/internal/returncode"
)

// Stability is a module version's stability flag.
type Stability int

const (
	Stable Stability = iota
	Beta
	Deprecated
	Breaking
)

func (s Stability) String() string {
	switch s {
	case Stable:
		return "stable"
	case Beta:
		return "beta"
	case Deprecated:
		return "deprecated"
	case Breaking:
		return "breaking"
	default:
		return "unknown"
	}
}

// Version is a module's semantic version (spec §3: "major.minor.patch.build
// + stability flag").
type Version struct {
	Major, Minor, Patch, Build int
	Stability                 Stability
}

// Relation is the Version Compatibility Relation's result (spec §3).
type Relation int

const (
	Compatible Relation = iota
	MigrationRequired
	Breaking
	VersionDeprecated
)

func (r Relation) String() string {
	switch r {
	case Compatible:
		return "compatible"
	case MigrationRequired:
		return "migration-required"
	case Breaking:
		return "breaking"
	case VersionDeprecated:
		return "deprecated"
	default:
		return "unknown"
	}
}

// Compare computes the Version Compatibility Relation between a and b (spec
// §3): differing major -> breaking; same major, differing minor ->
// migration-required; same major+minor -> compatible; either side
// deprecated overrides with "deprecated". The relation is symmetric by
// construction (it only inspects the unordered pair (a, b)) and transitive
// along the compatible edge (equal major.minor is itself transitive).
func Compare(a, b Version) Relation {
	if a.Stability == Deprecated || b.Stability == Deprecated {
		return VersionDeprecated
	}
	if a.Major != b.Major {
		return Breaking
	}
	if a.Minor != b.Minor {
		return MigrationRequired
	}
	return Compatible
}

// Module is a unit of hot-reloadable code plus state, addressed by a
// stable identifier (spec §3).
type Module struct {
	ID              string
	Version         Version
	SourcePath      string
	ArtifactPath    string
	Fingerprint     string
	ExportedSymbols []string
	// ImportedSymbols maps an imported symbol name to the module id that
	// provides it (spec §3 "imported-symbol table with provider bindings").
	ImportedSymbols map[string]string
	State           []byte
	StateVersion    string
	// Capabilities describes what operations this module supports, e.g.
	// "hot-swap", "state-migration", "rollback".
	Capabilities map[string]bool
	Limits       config.ResourceLimits
	Quarantined  bool
}

// Clone returns a deep-enough copy of m suitable for use as a transaction
// pre-image (spec §3 Reload Transaction: "pre-images (snapshots for
// rollback)").
func (m *Module) Clone() *Module {
	clone := *m
	clone.ExportedSymbols = append([]string(nil), m.ExportedSymbols...)
	clone.ImportedSymbols = make(map[string]string, len(m.ImportedSymbols))
	for k, v := range m.ImportedSymbols {
		clone.ImportedSymbols[k] = v
	}
	clone.State = append([]byte(nil), m.State...)
	clone.Capabilities = make(map[string]bool, len(m.Capabilities))
	for k, v := range m.Capabilities {
		clone.Capabilities[k] = v
	}
	return &clone
}

// Handle is a versioned, lock-free handle to a Module's current record.
// Publication is a single atomic pointer swap guarded by the implicit
// acquire/release semantics of sync/atomic (spec §4.2 "Atomicity and
// isolation": "an atomic pointer swap of the module's handle, guarded by a
// full memory barrier"). Readers that load before a swap completes observe
// the old Module; readers that load after observe the new one.
type Handle struct {
	id         string
	ptr        atomic.Pointer[Module]
	generation atomic.Uint64
}

// ID returns the handle's module identifier.
func (h *Handle) ID() string { return h.id }

// Load returns the current module and its publication generation.
func (h *Handle) Load() (*Module, uint64) {
	return h.ptr.Load(), h.generation.Load()
}

// swap publishes m as the handle's current module, returning the new
// generation. Callers in internal/reload hold the registry's publication
// discipline (commit phase only); this method itself only performs the
// single linearizable pointer swap spec §4.2 requires.
func (h *Handle) swap(m *Module) uint64 {
	h.ptr.Store(m)
	return h.generation.Add(1)
}

// Registry exclusively owns Module records; running code holds Handles
// (spec §3 "Ownership").
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register creates a new Module record. Returns AlreadyExists if id is
// already registered, InvalidArgument for an empty id.
func (r *Registry) Register(m *Module) returncode.Code {
	if m == nil || m.ID == "" {
		return returncode.InvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[m.ID]; exists {
		return returncode.AlreadyExists
	}
	h := &Handle{id: m.ID}
	h.swap(m)
	r.handles[m.ID] = h
	logging.Reload("registered module %s version=%d.%d.%d.%d", m.ID, m.Version.Major, m.Version.Minor, m.Version.Patch, m.Version.Build)
	return returncode.OK
}

// Unregister removes a module record. Round-trip invariant (spec §8):
// register then unregister returns the registry to its prior observable
// state.
func (r *Registry) Unregister(id string) returncode.Code {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[id]; !ok {
		return returncode.NotFound
	}
	delete(r.handles, id)
	logging.Reload("unregistered module %s", id)
	return returncode.OK
}

// Handle returns the versioned handle for id, for callers (the reload
// engine) that need to publish a new Module via the handle's atomic swap.
func (r *Registry) Handle(id string) (*Handle, returncode.Code) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, returncode.NotFound
	}
	return h, returncode.OK
}

// Lookup returns the current Module for id without acquiring the
// registry-level lock beyond the handle-map read, satisfying the
// lock-free-reads contract for the hot path.
func (r *Registry) Lookup(id string) (*Module, returncode.Code) {
	h, code := r.Handle(id)
	if code != returncode.OK {
		return nil, code
	}
	m, _ := h.Load()
	return m, returncode.OK
}

// Snapshot returns a consistent view of every registered module at the
// instant of the call (spec §3 R3: "a transaction observes a consistent
// snapshot of the module registry at its start"). The registry-level lock
// is held only long enough to copy the handle slice; the snapshot then
// reads each handle independently.
func (r *Registry) Snapshot() map[string]*Module {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	out := make(map[string]*Module, len(handles))
	for _, h := range handles {
		if m, _ := h.Load(); m != nil {
			out[h.id] = m
		}
	}
	return out
}

// Compatibility returns the Version Compatibility Relation between the
// currently registered version of id and newVersion.
func (r *Registry) Compatibility(id string, newVersion Version) (Relation, returncode.Code) {
	m, code := r.Lookup(id)
	if code != returncode.OK {
		return 0, code
	}
	return Compare(m.Version, newVersion), returncode.OK
}

// Publish atomically swaps id's handle to point at m. Used only by the
// reload engine's commit phase; the registry itself enforces no ordering
// beyond the single-module atomic swap (multi-module ordering is the
// reload engine's responsibility, spec §4.2).
func (r *Registry) Publish(id string, m *Module) returncode.Code {
	h, code := r.Handle(id)
	if code != returncode.OK {
		return code
	}
	h.swap(m)
	logging.Reload("published module %s version=%d.%d.%d.%d", id, m.Version.Major, m.Version.Minor, m.Version.Patch, m.Version.Build)
	return returncode.OK
}

// Quarantine marks a module as quarantined after a runtime error in its
// migrated code (spec §7 category 4). Quarantined modules refuse further
// reloads via Reload unless the caller opts in.
func (r *Registry) Quarantine(id string) returncode.Code {
	m, code := r.Lookup(id)
	if code != returncode.OK {
		return code
	}
	quarantined := m.Clone()
	quarantined.Quarantined = true
	return r.Publish(id, quarantined)
}

// IsQuarantined reports whether id is currently quarantined.
func (r *Registry) IsQuarantined(id string) bool {
	m, code := r.Lookup(id)
	return code == returncode.OK && m.Quarantined
}

// Reload is a convenience single-module swap for callers that don't need
// the full multi-module 2PC transaction in internal/reload. It refuses a
// quarantined module's reload unless allowQuarantined is set, and refuses
// a VersionDeprecated compatibility result unless allowDeprecated is set
// (spec §9 Open Question: deprecated->stable is surfaced to the caller
// rather than silently upgraded or silently blocked).
func (r *Registry) Reload(id string, next *Module, allowDeprecated, allowQuarantined bool) returncode.Code {
	current, code := r.Lookup(id)
	if code != returncode.OK {
		return code
	}
	if current.Quarantined && !allowQuarantined {
		return returncode.NotAttached
	}
	rel := Compare(current.Version, next.Version)
	if rel == VersionDeprecated && !allowDeprecated {
		return returncode.VersionMismatch
	}
	return r.Publish(id, next)
}

// Count returns the number of registered modules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// IDs returns every registered module identifier.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}
