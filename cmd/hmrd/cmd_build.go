// This file implements the build command: run a one-shot build of a
// tracked source through the build scheduler and report the resulting
// artifact's fingerprint and cache placement.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"hmr/internal/artifact"
	"hmr/internal/buildsched"
	"hmr/internal/returncode"
)

var (
	buildPriority string
	buildFlags    []string
	buildABI      string
	buildCompiler string
)

var buildCmd = &cobra.Command{
	Use:   "build <source-path>",
	Short: "Build a tracked source and cache the resulting artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildPriority, "priority", "normal", "Job priority: background|normal|high|critical")
	buildCmd.Flags().StringArrayVar(&buildFlags, "flag", nil, "Compile flag (repeatable)")
	buildCmd.Flags().StringVar(&buildABI, "abi", runtime.GOARCH, "Target ABI descriptor")
	buildCmd.Flags().StringVar(&buildCompiler, "compiler", "", "Whitelisted compiler binary to invoke instead of caching raw source bytes")
}

func parsePriority(s string) buildsched.Priority {
	switch s {
	case "background":
		return buildsched.Background
	case "high":
		return buildsched.High
	case "critical":
		return buildsched.Critical
	default:
		return buildsched.Normal
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	sourcePath := args[0]
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("read source %s: %w", sourcePath, err)
	}

	fp := artifact.Fingerprint(content, nil, buildFlags, buildABI, runtime.Version())

	cache := artifact.NewCache(cfg.CacheRoot, int64(cfg.Cache.MaxCacheMB)*1024*1024)
	if existing, code := cache.Get(fp); code == returncode.OK {
		fmt.Printf("cache hit: fingerprint=%s size=%d bytes\n", existing.Fingerprint, len(existing.Code))
		return nil
	}

	perf := cfg.Build.WorkerCount
	if perf <= 0 {
		perf = runtime.NumCPU()
	}
	sched := buildsched.New(perf, 0)
	sched.Start(context.Background())
	defer sched.Stop()

	var buildFn buildsched.BuildFunc
	if buildCompiler != "" {
		run, err := buildsched.Subprocess(cfg.Execution, filepath.Dir(sourcePath), buildCompiler, append(buildFlags, sourcePath)...)
		if err != nil {
			return err
		}
		buildFn = func(ctx context.Context) (interface{}, error) {
			out, err := run(ctx)
			if err != nil {
				return nil, err
			}
			return &artifact.Artifact{
				Fingerprint:   fp,
				Magic:         artifact.MagicModule,
				ABIDescriptor: []byte(buildABI),
				Code:          out.([]byte),
				CompatLevel:   "1.0",
				BuildTime:     time.Now(),
			}, nil
		}
	} else {
		buildFn = func(ctx context.Context) (interface{}, error) {
			return &artifact.Artifact{
				Fingerprint:   fp,
				Magic:         artifact.MagicModule,
				ABIDescriptor: []byte(buildABI),
				Code:          content,
				CompatLevel:   "1.0",
				BuildTime:     time.Now(),
			}, nil
		}
	}

	job := sched.RequestBuild(fp, parsePriority(buildPriority), buildFn)

	result, err, code := job.Wait(context.Background())
	if code != returncode.OK {
		return fmt.Errorf("build wait: code %v", code)
	}
	if err != nil {
		return fmt.Errorf("build %s failed: %w", sourcePath, err)
	}

	built := result.(*artifact.Artifact)
	if code := cache.Put(built); code != returncode.OK {
		return fmt.Errorf("cache put: code %v", code)
	}
	fmt.Printf("built %s: fingerprint=%s\n", sourcePath, built.Fingerprint)
	return nil
}
