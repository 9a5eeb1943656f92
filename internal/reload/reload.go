// Package reload implements the Transactional Reload Engine (spec §4.2):
// atomic multi-module code swap with state migration, conflict
// detection/merge, a write-ahead log for crash recovery, and rollback.
package reload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"hmr/internal/artifact"
	"hmr/internal/config"
	"hmr/internal/logging"
	"hmr/internal/platform"
	"hmr/internal/registry"
	"hmr/internal/returncode"
)

// TxID identifies a Reload Transaction.
type TxID string

// IsolationLevel is the isolation level a transaction was begun with.
// The core only implements one: a consistent snapshot of the registry at
// begin time (spec §3 R3), so Serializable is the only level offered.
type IsolationLevel int

const (
	Serializable IsolationLevel = iota
)

// Phase is a Reload Transaction's protocol state (spec §4.2):
//
//	begin -> prepare -> (ready | failed)
//	ready -> commit -> complete
//	ready -> abort -> aborted
//	failed -> abort -> aborted
//	any non-terminal -> timeout -> abort -> aborted
type Phase int

const (
	PhaseBegin Phase = iota
	PhasePreparing
	PhaseReady
	PhaseFailed
	PhaseCommitting
	PhaseComplete
	PhaseAborting
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseBegin:
		return "begin"
	case PhasePreparing:
		return "preparing"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	case PhaseCommitting:
		return "committing"
	case PhaseComplete:
		return "complete"
	case PhaseAborting:
		return "aborting"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (p Phase) terminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

// Transaction is an ordered set of module swaps executed together (spec
// §3 "Reload Transaction").
type Transaction struct {
	ID           TxID
	Participants []string
	Isolation    IsolationLevel
	Phase        Phase

	preImages        map[string]*registry.Module
	preImagePaths    map[string]string
	candidates       map[string]*registry.Module
	strategyOverride map[ConflictType]ResolutionStrategy

	Conflicts []ConflictRecord

	startedAt time.Time
	walPath   string
}

// Engine executes Reload Transactions against a Registry, backed by an
// artifact Cache for pinning in-flight fingerprints, a MigrationRegistry
// for state transforms, and a write-ahead log under cfg.StateRoot.
type Engine struct {
	registry   *registry.Registry
	cache      *artifact.Cache
	migrations *MigrationRegistry
	policy     map[ConflictType]ResolutionStrategy
	mergeExprs map[ConflictType]string
	cfg        config.ReloadConfig
	stateRoot  string

	mu  sync.Mutex
	txs map[TxID]*Transaction
}

func (e *Engine) prepareBudget() time.Duration {
	return time.Duration(e.cfg.PrepareBudgetMS) * time.Millisecond
}

func (e *Engine) rollbackBudget() time.Duration {
	return time.Duration(e.cfg.RollbackBudgetMS) * time.Millisecond
}

func (e *Engine) prepareFanout() int64 {
	if e.cfg.MaxPrepareFanout <= 0 {
		return 4
	}
	return int64(e.cfg.MaxPrepareFanout)
}

// prepareError carries the returncode.Code a failed per-participant
// prepare step should surface, since errgroup only preserves the first
// error string by default.
type prepareError struct {
	code returncode.Code
	err  error
}

func (e *prepareError) Error() string { return e.err.Error() }
func (e *prepareError) Unwrap() error { return e.err }

// New constructs an Engine.
func New(reg *registry.Registry, cache *artifact.Cache, migrations *MigrationRegistry, cfg config.ReloadConfig, stateRoot string) *Engine {
	return &Engine{
		registry:   reg,
		cache:      cache,
		migrations: migrations,
		policy:     DefaultPolicy(),
		mergeExprs: make(map[ConflictType]string),
		cfg:        cfg,
		stateRoot:  stateRoot,
		txs:        make(map[TxID]*Transaction),
	}
}

// SetConflictPolicy overrides the default conflict-type -> strategy
// mapping.
func (e *Engine) SetConflictPolicy(policy map[ConflictType]ResolutionStrategy) {
	e.policy = policy
}

// SetMergeExpr registers the yaegi source for a `func Merge(a, b []byte)
// ([]byte, error)` that Prepare runs for conflicts of type t resolved via
// StrategySemanticMerge, overriding DefaultMergeExpr for that type.
func (e *Engine) SetMergeExpr(t ConflictType, src string) {
	e.mergeExprs[t] = src
}

// Begin starts a transaction over candidates (the proposed next Module
// for each participant, keyed by module id). It captures a consistent
// pre-image snapshot of the current registry state (spec §3 R3).
func (e *Engine) Begin(candidates map[string]*registry.Module, isolation IsolationLevel) (TxID, returncode.Code) {
	if len(candidates) == 0 {
		return "", returncode.InvalidArgument
	}

	participants := make([]string, 0, len(candidates))
	preImages := make(map[string]*registry.Module, len(candidates))
	for id := range candidates {
		current, code := e.registry.Lookup(id)
		if code != returncode.OK {
			return "", code
		}
		participants = append(participants, id)
		preImages[id] = current.Clone()
	}
	sort.Strings(participants)

	id := TxID(uuid.NewString())
	tx := &Transaction{
		ID:            id,
		Participants:  participants,
		Isolation:     isolation,
		Phase:         PhaseBegin,
		preImages:     preImages,
		preImagePaths: make(map[string]string),
		candidates:    candidates,
		startedAt:     time.Now(),
	}

	e.mu.Lock()
	e.txs[id] = tx
	e.mu.Unlock()

	logging.Reload("transaction %s begun with participants %v", id, participants)
	return id, returncode.OK
}

// SetStrategyOverride lets the caller override the default resolution
// strategy for specific conflict types within one transaction (spec
// §4.2: "the caller may override per transaction").
func (e *Engine) SetStrategyOverride(id TxID, overrides map[ConflictType]ResolutionStrategy) returncode.Code {
	tx, code := e.lookup(id)
	if code != returncode.OK {
		return code
	}
	tx.strategyOverride = overrides
	return returncode.OK
}

func (e *Engine) lookup(id TxID) (*Transaction, returncode.Code) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, ok := e.txs[id]
	if !ok {
		return nil, returncode.NotFound
	}
	return tx, returncode.OK
}

// Prepare loads new artifacts, validates ABI/compatibility, applies state
// migration, resolves imports, detects and resolves conflicts, pins
// artifacts against eviction, and durably writes the WAL record — all
// before any observable mutation (spec §4.2 "prepare").
func (e *Engine) Prepare(ctx context.Context, id TxID) returncode.Code {
	tx, code := e.lookup(id)
	if code != returncode.OK {
		return code
	}
	if tx.Phase != PhaseBegin {
		return returncode.Conflict
	}
	tx.Phase = PhasePreparing

	timer := logging.StartTimer(logging.CategoryReload, fmt.Sprintf("prepare tx=%s", id))
	defer timer.StopWithThreshold(e.prepareBudget())

	if err := ctx.Err(); err != nil {
		tx.Phase = PhaseFailed
		return returncode.Timeout
	}

	// Each participant's migration + import resolution touches only its
	// own candidate/pre-image pair; registry.Registry, MigrationRegistry,
	// and artifact.Cache all guard their own state, so the fan-out across
	// participants in a multi-module transaction runs concurrently,
	// bounded by a semaphore the way the build scheduler bounds its
	// worker pool (spec §4.2 "prepare").
	sem := semaphore.NewWeighted(e.prepareFanout())
	g, gctx := errgroup.WithContext(ctx)
	for _, pid := range tx.Participants {
		pid := pid
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return &prepareError{code: returncode.Timeout, err: err}
			}
			defer sem.Release(1)
			return e.preparePair(tx, pid)
		})
	}
	if err := g.Wait(); err != nil {
		code := returncode.Conflict
		var perr *prepareError
		if errors.As(err, &perr) {
			code = perr.code
		}
		logging.ReloadWarn("prepare tx=%s: %v", id, err)
		tx.Phase = PhaseFailed
		e.unpinAll(tx)
		return code
	}

	conflicts := DetectConflicts(tx.candidates, tx.preImages)
	for _, c := range conflicts {
		strategy := tx.strategyOverride[c.Type]
		aState := tx.candidates[c.Participants[0]].State
		bState := tx.candidates[c.Participants[1]].State
		rec := Resolve(c, e.policy, strategy, e.mergeExprs, aState, bState)
		tx.Conflicts = append(tx.Conflicts, rec)
		if rec.MergedState != nil {
			tx.candidates[c.Participants[0]].State = rec.MergedState
		}
		if !rec.Resolved {
			logging.ReloadWarn("prepare tx=%s: unresolved conflict %+v", id, rec)
			tx.Phase = PhaseFailed
			e.unpinAll(tx)
			return returncode.Conflict
		}
	}

	preImagePaths := make(map[string]string, len(tx.Participants))
	newFingerprints := make(map[string]string, len(tx.Participants))
	for _, pid := range tx.Participants {
		path, err := WriteSnapshot(e.stateRoot, tx.preImages[pid], string(id))
		if err != nil {
			logging.ReloadWarn("prepare tx=%s: failed to write pre-image for %s: %v", id, pid, err)
			tx.Phase = PhaseFailed
			e.unpinAll(tx)
			return returncode.PermissionDenied
		}
		preImagePaths[pid] = path
		newFingerprints[pid] = tx.candidates[pid].Fingerprint
	}
	tx.preImagePaths = preImagePaths

	walPath := walFilePath(e.stateRoot, string(id), tx.startedAt)
	rec := WALRecord{
		TxID:            string(id),
		Participants:    tx.Participants,
		PreImagePaths:   preImagePaths,
		NewFingerprints: newFingerprints,
		TimestampUnix:   tx.startedAt.Unix(),
	}
	if err := writeWAL(walPath, rec); err != nil {
		logging.ReloadWarn("prepare tx=%s: failed to write WAL: %v", id, err)
		tx.Phase = PhaseFailed
		e.unpinAll(tx)
		return returncode.PermissionDenied
	}
	tx.walPath = walPath

	tx.Phase = PhaseReady
	return returncode.OK
}

// preparePair runs one participant's migration and import resolution
// step. Safe to call concurrently across participants: it only mutates
// the candidate this pid owns.
func (e *Engine) preparePair(tx *Transaction, pid string) error {
	candidate := tx.candidates[pid]
	pre := tx.preImages[pid]

	if candidate.Fingerprint != "" {
		e.cache.Pin(candidate.Fingerprint)
	}

	rel := registry.Compare(pre.Version, candidate.Version)
	if rel == registry.MigrationRequired && candidate.StateVersion != pre.StateVersion {
		migrated, err := e.migrations.Apply(pre.StateVersion, candidate.StateVersion, pre.State)
		if err != nil {
			return &prepareError{code: returncode.VersionMismatch, err: fmt.Errorf("missing migration for %s (%s -> %s): %w", pid, pre.StateVersion, candidate.StateVersion, err)}
		}
		candidate.State = migrated
	} else if candidate.StateVersion == pre.StateVersion {
		candidate.State = pre.State
	}

	if code := e.resolveImports(candidate, tx); code != returncode.OK {
		return &prepareError{code: code, err: fmt.Errorf("unresolved import for %s", pid)}
	}
	return nil
}

func (e *Engine) resolveImports(candidate *registry.Module, tx *Transaction) returncode.Code {
	for sym, provider := range candidate.ImportedSymbols {
		var providerModule *registry.Module
		if c, ok := tx.candidates[provider]; ok {
			providerModule = c
		} else if m, code := e.registry.Lookup(provider); code == returncode.OK {
			providerModule = m
		} else {
			logging.ReloadWarn("unresolved import: provider %s not found for symbol %s", provider, sym)
			return returncode.NotFound
		}
		found := false
		for _, exp := range providerModule.ExportedSymbols {
			if exp == sym {
				found = true
				break
			}
		}
		if !found {
			logging.ReloadWarn("unresolved import: %s does not export %s", provider, sym)
			return returncode.NotFound
		}
	}
	return returncode.OK
}

func (e *Engine) unpinAll(tx *Transaction) {
	for _, c := range tx.candidates {
		if c.Fingerprint != "" {
			e.cache.Unpin(c.Fingerprint)
		}
	}
}

// commitBudget returns the phase budget for a transaction chain: a single
// participant gets the per-module budget, a multi-module chain the wider
// chain budget (spec §4.2 Budgets: "commit <= 5ms for a single module,
// <= 15ms for a transaction chain").
func (e *Engine) commitBudget(participantCount int) time.Duration {
	if participantCount <= 1 {
		return 5 * time.Millisecond
	}
	return time.Duration(e.cfg.CommitBudgetMS) * time.Millisecond
}

// Commit publishes every participant's new module, ordered by participant
// identifier to bound publication skew (spec §4.2 "Atomicity and
// isolation"), issuing a memory barrier before each swap. If any
// participant fails to publish after others already have, it triggers an
// immediate compensating rollback using the pre-images so the process
// never ends up partially updated (spec §7 category 3).
func (e *Engine) Commit(ctx context.Context, id TxID) returncode.Code {
	tx, code := e.lookup(id)
	if code != returncode.OK {
		return code
	}
	if tx.Phase != PhaseReady {
		return returncode.Conflict
	}
	tx.Phase = PhaseCommitting

	timer := logging.StartTimer(logging.CategoryReload, fmt.Sprintf("commit tx=%s", id))
	defer timer.StopWithThreshold(e.commitBudget(len(tx.Participants)))

	if err := ctx.Err(); err != nil {
		e.compensate(tx, nil)
		tx.Phase = PhaseAborted
		return returncode.Timeout
	}

	rec := WALRecord{
		TxID:          string(id),
		Participants:  tx.Participants,
		PreImagePaths: tx.preImagePaths,
		TimestampUnix: tx.startedAt.Unix(),
	}
	if err := finalizeWAL(tx.walPath, rec); err != nil {
		logging.ReloadWarn("commit tx=%s: failed to finalize WAL: %v", id, err)
		tx.Phase = PhaseAborted
		e.unpinAll(tx)
		return returncode.PermissionDenied
	}

	published := make([]string, 0, len(tx.Participants))
	for _, pid := range tx.Participants {
		platform.MemoryBarrier()
		candidate := tx.candidates[pid]
		if code := e.registry.Publish(pid, candidate); code != returncode.OK {
			logging.ReloadWarn("commit tx=%s: failed to publish %s: %v, compensating", id, pid, code)
			e.compensate(tx, published)
			tx.Phase = PhaseAborted
			e.unpinAll(tx)
			return returncode.Conflict
		}
		if candidate.ArtifactPath != "" {
			platform.FlushCodeRegion([]byte(candidate.ArtifactPath))
		}
		published = append(published, pid)
	}

	e.unpinAll(tx)
	if err := truncateWAL(tx.walPath); err != nil {
		logging.ReloadWarn("commit tx=%s: failed to truncate WAL: %v", id, err)
	}
	tx.Phase = PhaseComplete
	logging.Reload("transaction %s committed", id)
	return returncode.OK
}

// compensate reverts every module in published back to its pre-image.
func (e *Engine) compensate(tx *Transaction, published []string) {
	for _, pid := range published {
		e.registry.Publish(pid, tx.preImages[pid])
	}
}

// Abort discards a transaction's pending work; participating modules are
// left unchanged because Commit never began (spec §4.2 "abort").
func (e *Engine) Abort(id TxID) returncode.Code {
	tx, code := e.lookup(id)
	if code != returncode.OK {
		return code
	}
	if tx.Phase.terminal() {
		return returncode.Conflict
	}
	tx.Phase = PhaseAborting
	e.unpinAll(tx)
	if tx.walPath != "" {
		if err := truncateWAL(tx.walPath); err != nil {
			logging.ReloadWarn("abort tx=%s: failed to truncate WAL: %v", id, err)
		}
	}
	tx.Phase = PhaseAborted
	logging.Reload("transaction %s aborted", id)
	return returncode.OK
}

// Rollback reverts one module to a previously saved pre-image checkpoint
// (spec §4.2 "rollback(ModuleId, checkpoint)"), outside of any active
// transaction. Budget: <= 2ms.
func (e *Engine) Rollback(moduleID, checkpointID string) returncode.Code {
	timer := logging.StartTimer(logging.CategoryReload, fmt.Sprintf("rollback %s/%s", moduleID, checkpointID))
	defer timer.StopWithThreshold(e.rollbackBudget())

	path := SnapshotPath(e.stateRoot, moduleID, checkpointID)
	snap, err := ReadSnapshot(path)
	if err != nil {
		logging.ReloadWarn("rollback %s/%s: %v", moduleID, checkpointID, err)
		return returncode.NotFound
	}
	return e.registry.Publish(moduleID, snap)
}

// Quarantine marks moduleID quarantined after a runtime error in its
// migrated code is caught by the host's guard (spec §7 category 4), and
// rolls it back to checkpointID in the same step.
func (e *Engine) Quarantine(moduleID, checkpointID string) returncode.Code {
	if code := e.Rollback(moduleID, checkpointID); code != returncode.OK {
		return code
	}
	return e.registry.Quarantine(moduleID)
}

// TxPhase returns a transaction's current phase.
func (e *Engine) TxPhase(id TxID) (Phase, returncode.Code) {
	tx, code := e.lookup(id)
	if code != returncode.OK {
		return 0, code
	}
	return tx.Phase, returncode.OK
}

// TxConflicts returns the conflicts recorded during a transaction's prepare
// phase.
func (e *Engine) TxConflicts(id TxID) ([]ConflictRecord, returncode.Code) {
	tx, code := e.lookup(id)
	if code != returncode.OK {
		return nil, code
	}
	return tx.Conflicts, returncode.OK
}

// SweepTimedOut aborts any non-terminal transaction older than deadline,
// per spec §5 "A deadline exceedance causes transition to abort for
// transactions". Nothing in this module calls it; a caller invokes it on
// its own schedule. It is not run implicitly by Prepare/Commit so that a
// slow caller's own context deadline remains the primary timeout signal.
func (e *Engine) SweepTimedOut(deadline time.Duration) []TxID {
	e.mu.Lock()
	var stale []TxID
	now := time.Now()
	for id, tx := range e.txs {
		if !tx.Phase.terminal() && now.Sub(tx.startedAt) > deadline {
			stale = append(stale, id)
		}
	}
	e.mu.Unlock()

	for _, id := range stale {
		e.Abort(id)
	}
	return stale
}
