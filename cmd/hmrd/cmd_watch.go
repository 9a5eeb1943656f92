// This file implements the watch command: run the filesystem watcher over
// the configured workspace, printing coalesced events and the dependency
// graph's reload order as they arrive.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"hmr/internal/depgraph"
	"hmr/internal/returncode"
	"hmr/internal/watch"
)

var watchPaths []string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch tracked sources and print coalesced change events",
	Long: `Starts the filesystem watcher over one or more paths (default: the
workspace root) and prints each coalesced event along with the dependency
graph's reload order for the changed asset, if registered.

Run with Ctrl-C to stop.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringArrayVar(&watchPaths, "path", nil, "Path to watch (repeatable; default: workspace root)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ws := workspace
	if ws == "" {
		ws, _ = os.Getwd()
	}
	paths := watchPaths
	if len(paths) == 0 {
		paths = []string{ws}
	}

	var source watch.EventSource
	var err error
	if cfg.Watch.UsePolling {
		source = watch.NewPollingSource(durationMS(cfg.Watch.PollIntervalMS))
	} else {
		source, err = watch.NewFSNotifySource()
		if err != nil {
			return fmt.Errorf("create fsnotify source: %w", err)
		}
	}
	defer source.Close()

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve watch path %s: %w", p, err)
		}
		if err := source.Add(abs); err != nil {
			return fmt.Errorf("watch %s: %w", abs, err)
		}
	}

	w := watch.New(source, durationMS(cfg.Watch.DebounceMS))
	if code := w.StartWatching(); code != returncode.OK {
		return fmt.Errorf("start watcher: code %v", code)
	}
	defer w.StopWatching()

	graph := depgraph.New()
	for _, p := range paths {
		abs, _ := filepath.Abs(p)
		graph.RegisterAsset(abs, depgraph.KindSource)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("watching %d path(s), debounce=%dms\n", len(paths), cfg.Watch.DebounceMS)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.Events():
			fmt.Printf("%s %s %s\n", ev.Timestamp.Format("15:04:05.000"), ev.Kind, ev.Path)
			if order, code := graph.ComputeReloadOrder(ev.Path); code == returncode.OK {
				fmt.Printf("  reload order: %v\n", order)
			}
		}
	}
}
