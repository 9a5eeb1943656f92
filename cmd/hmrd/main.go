// Command hmrd is the operator CLI for the hot module replacement runtime.
//
// This file is the entry point and command registration hub. Individual
// subcommands are split across cmd_*.go files for maintainability.
//
//   - main.go          - entry point, rootCmd, global flags, init()
//   - cmd_watch.go     - watch, runWatch()
//   - cmd_build.go     - build, runBuild()
//   - cmd_reload.go    - reload status, runReloadStatus()
//   - cmd_cache.go     - cache gc, runCacheGC()
//   - cmd_orchestrator.go - orchestrator report, runOrchestratorReport()
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hmr/internal/config"
	"hmr/internal/logging"
)

var (
	verbose    bool
	workspace  string
	configPath string

	logger *zap.Logger
	cfg    *config.Config
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "hmrd",
	Short: "hmrd - hot module replacement runtime operator CLI",
	Long: `hmrd drives the hot module replacement runtime for local development:
watching tracked sources, scheduling builds, and applying transactional
reloads without restarting the host process.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		path := configPath
		if path == "" {
			path = fmt.Sprintf("%s/hmr.yaml", ws)
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		if err := logging.Init(cfg.StateRoot, cfg.Logging.DebugMode, cfg.Logging.Level, cfg.Logging.Categories, cfg.Logging.JSONFormat); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to hmr.yaml (default: <workspace>/hmr.yaml)")

	reloadCmd.AddCommand(reloadStatusCmd)
	cacheCmd.AddCommand(cacheGCCmd)
	orchestratorCmd.AddCommand(orchestratorReportCmd)

	rootCmd.AddCommand(
		watchCmd,
		buildCmd,
		reloadCmd,
		cacheCmd,
		orchestratorCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
