// This file implements the reload command group: status reporting over
// the write-ahead log and rollback directories under state_root, since a
// one-shot CLI process has no live transaction engine of its own to query.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hmr/internal/reload"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Inspect the transactional reload engine's persisted state",
}

var reloadStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List in-progress and recoverable reload transactions",
	RunE:  runReloadStatus,
}

func runReloadStatus(cmd *cobra.Command, args []string) error {
	walDir := filepath.Join(cfg.StateRoot, "wal")
	entries, err := os.ReadDir(walDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no pending transactions (wal directory does not exist)")
			return nil
		}
		return fmt.Errorf("read wal directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		fmt.Println("no pending transactions")
		return nil
	}

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(walDir, name))
		if err != nil {
			fmt.Printf("%s: unreadable: %v\n", name, err)
			continue
		}
		var rec reload.WALRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			fmt.Printf("%s: corrupt record: %v\n", name, err)
			continue
		}
		ts := time.Unix(rec.TimestampUnix, 0)
		state := "prepared"
		if rec.Committed {
			state = "committed (awaiting truncation)"
		}
		fmt.Printf("%s  tx=%s  participants=%v  state=%s  since=%s\n",
			name, rec.TxID, rec.Participants, state, ts.Format(time.RFC3339))
	}
	return nil
}
