package reload

import (
	"fmt"

	"hmr/internal/registry"
)

// ConflictType classifies what two overlapping proposed swaps collide on
// (spec §4.2 "Conflict detection and merge").
type ConflictType string

const (
	ConflictDataStructure        ConflictType = "data-structure"
	ConflictFunctionSignature    ConflictType = "function-signature"
	ConflictMemoryLayout         ConflictType = "memory-layout"
	ConflictDependencyChain      ConflictType = "dependency-chain"
	ConflictStateMachine         ConflictType = "state-machine"
	ConflictResourceAccess       ConflictType = "resource-access"
	ConflictConcurrentModification ConflictType = "concurrent-modification"
	ConflictSemantic             ConflictType = "semantic"
)

// Severity is a conflict's severity band.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ResolutionStrategy is one of the automation levels spec §4.2 lists, in
// decreasing order of automation.
type ResolutionStrategy string

const (
	StrategyAutoResolve     ResolutionStrategy = "auto-resolve"
	StrategyThreeWayMerge   ResolutionStrategy = "three-way-merge"
	StrategySemanticMerge   ResolutionStrategy = "semantic-merge"
	StrategyStructuralMerge ResolutionStrategy = "structural-merge"
	StrategyMLAssisted      ResolutionStrategy = "ml-assisted"
	StrategyManualReview    ResolutionStrategy = "manual-review"
	StrategyReject          ResolutionStrategy = "reject"
)

// Conflict is one detected collision between two participants' proposed
// swaps.
type Conflict struct {
	Type         ConflictType
	Severity     Severity
	Participants [2]string
	Description  string
}

// ConflictRecord is a Conflict plus its resolution outcome. The engine
// records every conflict and its outcome (spec §4.2).
type ConflictRecord struct {
	Conflict
	Strategy ResolutionStrategy
	Resolved bool
	Outcome  string

	// MergedState is set only when a merge strategy actually produced a
	// new state blob (currently: semantic-merge). Prepare applies it to
	// the conflict's first participant's candidate.
	MergedState []byte
}

// DefaultMergeExpr is the yaegi-hosted `func Merge(a, b []byte) ([]byte,
// error)` snippet EvaluateMergeExpr runs for the semantic-merge strategy
// absent a caller-registered override for the conflict's type (see
// Engine.SetMergeExpr). It has no AST model of either participant's state,
// so it resolves by byte-level precedence: the longer of the two proposed
// blobs wins, on the assumption that the newer serialization carries a
// superset of fields. Callers with real schema knowledge should register
// a sharper expression.
const DefaultMergeExpr = `
func Merge(a, b []byte) ([]byte, error) {
	if len(b) > len(a) {
		return b, nil
	}
	return a, nil
}
`

// DefaultPolicy maps each ConflictType to the resolution strategy the
// engine applies absent a caller override. Implementer discretion per
// spec §9's open question; documented here and in DESIGN.md:
// data-structure is usually a passthrough state blob change so it
// auto-resolves with no merge computation needed; a function-signature
// change needs AST-aware comparison so it gets the semantic merge, which
// Resolve actually executes via EvaluateMergeExpr; a memory-layout change
// would need a structural (layout-aware) merge and dependency-chain /
// concurrent-modification conflicts would need a three-way textual merge,
// but the core ships no layout or text-diff algorithm yet, so both
// strategies are recorded honestly as unresolved/deferred rather than a
// false success; a state-machine conflict is rarely safe to automate and
// goes to manual review; resource-access conflicts are typically additive
// (union of declared limits) and auto-resolve; a bare "semantic" conflict
// falls back to the semantic merge resolver.
func DefaultPolicy() map[ConflictType]ResolutionStrategy {
	return map[ConflictType]ResolutionStrategy{
		ConflictDataStructure:          StrategyAutoResolve,
		ConflictFunctionSignature:      StrategySemanticMerge,
		ConflictMemoryLayout:           StrategyStructuralMerge,
		ConflictDependencyChain:        StrategyThreeWayMerge,
		ConflictStateMachine:           StrategyManualReview,
		ConflictResourceAccess:         StrategyAutoResolve,
		ConflictConcurrentModification: StrategyThreeWayMerge,
		ConflictSemantic:               StrategySemanticMerge,
	}
}

// DetectConflicts inspects every pair of participants for overlapping
// state (spec §4.2: "When two proposed swaps touch overlapping state").
// The detector is deliberately conservative: it flags a dependency-chain
// conflict when one participant's new exported-symbol set drops a symbol
// another participant's new import table still references, and a
// data-structure conflict when both participants change their declared
// StateVersion within the same transaction and one of them imports a
// symbol from the other.
func DetectConflicts(candidates map[string]*registry.Module, preimages map[string]*registry.Module) []Conflict {
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}

	var conflicts []Conflict
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			conflicts = append(conflicts, detectPair(a, candidates[a], preimages[a], b, candidates[b], preimages[b])...)
		}
	}
	return conflicts
}

func detectPair(aID string, aNew, aOld *registry.Module, bID string, bNew, bOld *registry.Module) []Conflict {
	var out []Conflict

	// dependency-chain: b still imports a symbol that a's new version no
	// longer exports.
	exportsA := make(map[string]bool, len(aNew.ExportedSymbols))
	for _, s := range aNew.ExportedSymbols {
		exportsA[s] = true
	}
	for sym, provider := range bNew.ImportedSymbols {
		if provider != aID {
			continue
		}
		if !exportsA[sym] {
			out = append(out, Conflict{
				Type:         ConflictDependencyChain,
				Severity:     SeverityHigh,
				Participants: [2]string{aID, bID},
				Description:  "symbol " + sym + " imported by " + bID + " is no longer exported by " + aID,
			})
		}
	}
	// symmetric check the other direction.
	exportsB := make(map[string]bool, len(bNew.ExportedSymbols))
	for _, s := range bNew.ExportedSymbols {
		exportsB[s] = true
	}
	for sym, provider := range aNew.ImportedSymbols {
		if provider != bID {
			continue
		}
		if !exportsB[sym] {
			out = append(out, Conflict{
				Type:         ConflictDependencyChain,
				Severity:     SeverityHigh,
				Participants: [2]string{bID, aID},
				Description:  "symbol " + sym + " imported by " + aID + " is no longer exported by " + bID,
			})
		}
	}

	// data-structure: both participants declare a changed StateVersion in
	// the same transaction and one imports the other, meaning the shared
	// state shape is moving under both feet at once.
	if aNew.StateVersion != aOld.StateVersion && bNew.StateVersion != bOld.StateVersion {
		linked := false
		for _, provider := range aNew.ImportedSymbols {
			if provider == bID {
				linked = true
			}
		}
		for _, provider := range bNew.ImportedSymbols {
			if provider == aID {
				linked = true
			}
		}
		if linked {
			out = append(out, Conflict{
				Type:         ConflictDataStructure,
				Severity:     SeverityMedium,
				Participants: [2]string{aID, bID},
				Description:  "both " + aID + " and " + bID + " change state version within the same transaction while linked",
			})
		}
	}

	return out
}

// Resolve applies strategy (or the default policy's mapping for
// conflict.Type when strategy is empty) and returns the outcome record.
// auto-resolve accepts the candidate state outright. semantic-merge
// actually runs mergeExprs[c.Type] (or DefaultMergeExpr absent an
// override) through EvaluateMergeExpr against aState/bState and records
// the result in MergedState. three-way-merge and structural-merge are
// named by spec §4.2 but the core ships no symbol-table diff or
// layout-aware merge algorithm, so both are recorded honestly as
// unresolved rather than claiming a merge that never ran; ml-assisted,
// manual-review, and reject always leave the conflict unresolved for the
// caller to act on.
func Resolve(c Conflict, policy map[ConflictType]ResolutionStrategy, strategy ResolutionStrategy, mergeExprs map[ConflictType]string, aState, bState []byte) ConflictRecord {
	if strategy == "" {
		strategy = policy[c.Type]
		if strategy == "" {
			strategy = StrategyManualReview
		}
	}

	rec := ConflictRecord{Conflict: c, Strategy: strategy}
	switch strategy {
	case StrategyAutoResolve:
		rec.Resolved = true
		rec.Outcome = "auto-resolved: non-conflicting change accepted"
	case StrategyThreeWayMerge:
		rec.Resolved = false
		rec.Outcome = "three-way merge not implemented; deferred for manual resolution"
	case StrategySemanticMerge:
		expr := mergeExprs[c.Type]
		if expr == "" {
			expr = DefaultMergeExpr
		}
		merged, err := EvaluateMergeExpr(expr, aState, bState)
		if err != nil {
			rec.Resolved = false
			rec.Outcome = fmt.Sprintf("semantic merge failed: %v", err)
			break
		}
		rec.Resolved = true
		rec.MergedState = merged
		rec.Outcome = "semantic merge applied"
	case StrategyStructuralMerge:
		rec.Resolved = false
		rec.Outcome = "structural merge not implemented; deferred for manual resolution"
	case StrategyMLAssisted:
		rec.Resolved = false
		rec.Outcome = "no learned resolver registered; falling through to manual review"
	case StrategyManualReview:
		rec.Resolved = false
		rec.Outcome = "awaiting manual review"
	case StrategyReject:
		rec.Resolved = false
		rec.Outcome = "rejected"
	default:
		rec.Resolved = false
		rec.Outcome = "unknown strategy"
	}
	return rec
}
