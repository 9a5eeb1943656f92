package reload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"hmr/internal/registry"
)

// snapshotModule is the on-disk encoding of a rollback pre-image under
// <state_root>/rollback/<module_id>/<checkpoint_id>.snap (spec §6
// filesystem layout).
type snapshotModule struct {
	ID              string            `json:"id"`
	Major           int               `json:"major"`
	Minor           int               `json:"minor"`
	Patch           int               `json:"patch"`
	Build           int               `json:"build"`
	Stability       int               `json:"stability"`
	SourcePath      string            `json:"source_path"`
	ArtifactPath    string            `json:"artifact_path"`
	Fingerprint     string            `json:"fingerprint"`
	ExportedSymbols []string          `json:"exported_symbols"`
	ImportedSymbols map[string]string `json:"imported_symbols"`
	State           []byte            `json:"state"`
	StateVersion    string            `json:"state_version"`
	Capabilities    map[string]bool   `json:"capabilities"`
	Quarantined     bool              `json:"quarantined"`
}

// SnapshotPath returns the on-disk path for a module's rollback snapshot.
func SnapshotPath(stateRoot, moduleID, checkpointID string) string {
	return filepath.Join(stateRoot, "rollback", moduleID, checkpointID+".snap")
}

// WriteSnapshot persists m as a rollback pre-image under checkpointID,
// returning the path it was written to (spec §3 "Pre-image" / §6
// "Rollback snapshots").
func WriteSnapshot(stateRoot string, m *registry.Module, checkpointID string) (string, error) {
	path := SnapshotPath(stateRoot, m.ID, checkpointID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create rollback directory: %w", err)
	}

	s := snapshotModule{
		ID:              m.ID,
		Major:           m.Version.Major,
		Minor:           m.Version.Minor,
		Patch:           m.Version.Patch,
		Build:           m.Version.Build,
		Stability:       int(m.Version.Stability),
		SourcePath:      m.SourcePath,
		ArtifactPath:    m.ArtifactPath,
		Fingerprint:     m.Fingerprint,
		ExportedSymbols: m.ExportedSymbols,
		ImportedSymbols: m.ImportedSymbols,
		State:           m.State,
		StateVersion:    m.StateVersion,
		Capabilities:    m.Capabilities,
		Quarantined:     m.Quarantined,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// ReadSnapshot loads a previously written rollback snapshot back into a
// *registry.Module. Round-trip invariant (spec §8): WriteSnapshot then
// ReadSnapshot reproduces the original Module's observable fields.
func ReadSnapshot(path string) (*registry.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var s snapshotModule
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &registry.Module{
		ID:              s.ID,
		Version:         registry.Version{Major: s.Major, Minor: s.Minor, Patch: s.Patch, Build: s.Build, Stability: registry.Stability(s.Stability)},
		SourcePath:      s.SourcePath,
		ArtifactPath:    s.ArtifactPath,
		Fingerprint:     s.Fingerprint,
		ExportedSymbols: s.ExportedSymbols,
		ImportedSymbols: s.ImportedSymbols,
		State:           s.State,
		StateVersion:    s.StateVersion,
		Capabilities:    s.Capabilities,
		Quarantined:     s.Quarantined,
	}, nil
}
