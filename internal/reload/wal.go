package reload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hmr/internal/logging"
	"hmr/internal/registry"
)

// WALRecord is the write-ahead log entry spec §4.2 describes: "a record
// containing (TxId, participants, pre-image offsets, new-artifact
// fingerprints)". It is appended before any observable mutation in
// prepare, flushed to durable storage before the transaction can enter
// commit, and truncated once the transaction completes (spec §6
// filesystem layout: "<state_root>/wal/<timestamp>-<txid>.log,
// append-only, truncated on transaction completion").
type WALRecord struct {
	TxID            string            `json:"tx_id"`
	Participants    []string          `json:"participants"`
	PreImagePaths   map[string]string `json:"pre_image_paths"`
	NewFingerprints map[string]string `json:"new_fingerprints"`
	TimestampUnix   int64             `json:"timestamp_unix"`
	Committed       bool              `json:"committed"`
}

func walFilePath(stateRoot, txID string, ts time.Time) string {
	return filepath.Join(stateRoot, "wal", fmt.Sprintf("%d-%s.log", ts.UnixNano(), txID))
}

// writeWAL durably writes rec to path, creating parent directories as
// needed. fsync guarantees the record survives a crash before prepare
// returns ready, per spec §4.2's durability requirement.
func writeWAL(path string, rec WALRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create wal directory: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open wal file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write wal record: %w", err)
	}
	return f.Sync()
}

// finalizeWAL marks rec committed and re-persists it, called immediately
// before the commit phase begins publishing participant swaps. A record
// found with Committed=true on recovery means the swaps may already have
// happened; one found with Committed=false means no participant was
// published yet and it is always safe to roll back.
func finalizeWAL(path string, rec WALRecord) error {
	rec.Committed = true
	return writeWAL(path, rec)
}

// truncateWAL removes the WAL file, marking the transaction complete.
func truncateWAL(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate wal file: %w", err)
	}
	return nil
}

// RecoverResult summarizes one WAL record processed during startup recovery.
type RecoverResult struct {
	TxID       string
	RolledBack bool
}

// Recover scans <state_root>/wal for leftover records from a prior
// process and rolls forward committed transactions (a crash between
// publication and WAL truncation: nothing further to do, the file is just
// removed) or rolls back uncommitted ones (restoring every participant to
// its pre-image snapshot) — spec §4.2: "On process restart, the engine
// reads the log and rolls forward committed transactions or rolls back
// uncommitted ones; the log is truncated once the transaction completes."
func Recover(stateRoot string, reg *registry.Registry) ([]RecoverResult, error) {
	walDir := filepath.Join(stateRoot, "wal")
	entries, err := os.ReadDir(walDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read wal directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var results []RecoverResult
	for _, name := range names {
		path := filepath.Join(walDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logging.ReloadWarn("recovery: failed to read wal record %s: %v", name, err)
			continue
		}
		var rec WALRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			logging.ReloadWarn("recovery: failed to parse wal record %s: %v", name, err)
			continue
		}

		rolledBack := false
		if !rec.Committed {
			for _, participant := range rec.Participants {
				snapPath, ok := rec.PreImagePaths[participant]
				if !ok {
					continue
				}
				pre, err := ReadSnapshot(snapPath)
				if err != nil {
					logging.ReloadWarn("recovery: failed to read pre-image %s for %s: %v", snapPath, participant, err)
					continue
				}
				reg.Publish(participant, pre)
				rolledBack = true
			}
			logging.ReloadWarn("recovery: rolled back uncommitted transaction %s", rec.TxID)
		} else {
			logging.Reload("recovery: transaction %s already committed, truncating", rec.TxID)
		}

		if err := truncateWAL(path); err != nil {
			logging.ReloadWarn("recovery: failed to truncate wal record %s: %v", name, err)
		}
		results = append(results, RecoverResult{TxID: rec.TxID, RolledBack: rolledBack})
	}
	return results, nil
}
