// This file implements the cache command group: garbage-collecting the
// on-disk artifact cache down to its configured size budget.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the on-disk artifact cache",
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Evict artifacts, oldest modification time first, down to the configured size budget",
	RunE:  runCacheGC,
}

func runCacheGC(cmd *cobra.Command, args []string) error {
	binDir := filepath.Join(cfg.CacheRoot, "binaries")
	metaDir := filepath.Join(cfg.CacheRoot, "metadata")
	maxBytes := int64(cfg.Cache.MaxCacheMB) * 1024 * 1024

	entries, err := os.ReadDir(binDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("cache is empty, nothing to collect")
			return nil
		}
		return fmt.Errorf("read cache binaries directory: %w", err)
	}

	type entry struct {
		path    string
		size    int64
		modTime int64
	}
	files := make([]entry, 0, len(entries))
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(binDir, e.Name())
		files = append(files, entry{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()})
		total += info.Size()
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	var evicted int
	for _, f := range files {
		if total <= maxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "warning: failed to remove %s: %v\n", f.path, err)
			continue
		}
		fingerprint := fileNameWithoutExt(f.path)
		_ = os.Remove(filepath.Join(metaDir, fingerprint+".meta"))
		total -= f.size
		evicted++
	}

	fmt.Printf("cache gc: evicted %d artifact(s), %d bytes remain (budget %d)\n", evicted, total, maxBytes)
	return nil
}

func fileNameWithoutExt(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}
