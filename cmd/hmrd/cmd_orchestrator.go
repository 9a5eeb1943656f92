// This file implements the orchestrator command group: comparing a
// one-shot telemetry sample, given by the --latency-ns, --memory-bytes and
// --fps flags, against a regression baseline persisted under state_root.
package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hmr/internal/orchestrator"
)

var (
	reportBaselineName string
	reportLatencyNS    float64
	reportMemoryBytes  float64
	reportFPS          float64
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Inspect telemetry baselines and regression gating",
}

var orchestratorReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Compare supplied metrics against a persisted baseline",
	RunE:  runOrchestratorReport,
}

func init() {
	orchestratorReportCmd.Flags().StringVar(&reportBaselineName, "baseline", "default", "Baseline name to compare against")
	orchestratorReportCmd.Flags().Float64Var(&reportLatencyNS, "latency-ns", 0, "Current latency sample, nanoseconds")
	orchestratorReportCmd.Flags().Float64Var(&reportMemoryBytes, "memory-bytes", 0, "Current memory sample, bytes")
	orchestratorReportCmd.Flags().Float64Var(&reportFPS, "fps", 0, "Current frames-per-second sample")
}

func runOrchestratorReport(cmd *cobra.Command, args []string) error {
	store, err := orchestrator.OpenBaselineStore(cfg.StateRoot)
	if err != nil {
		return fmt.Errorf("open baseline store: %w", err)
	}
	defer store.Close()

	baseline, err := store.Load(reportBaselineName)
	if err != nil {
		fmt.Printf("no baseline named %q recorded yet; saving current sample as the new baseline\n", reportBaselineName)
		return store.Save(orchestrator.Baseline{
			Name:        reportBaselineName,
			LatencyNS:   reportLatencyNS,
			MemoryBytes: reportMemoryBytes,
			FPS:         reportFPS,
		})
	}

	report := orchestrator.CompareToBaseline(baseline, reportLatencyNS, reportMemoryBytes, reportFPS, cfg.Orchestrator)
	// Printed in the wire order spec §6 fixes for regression reports:
	// timestamp, regression_count, ci_blocking flag, per-metric deltas.
	fmt.Printf("timestamp=%s regression_count=%d ci_blocking=%v latency=%+.1f%% memory=%+.1f%% fps=%+.1f%%\n",
		report.Timestamp.Format(time.RFC3339), report.RegressionCount, report.CiBlocking,
		report.LatencyPct, report.MemoryPct, report.FPSPct)
	if report.Regressed {
		fmt.Println("REGRESSION DETECTED")
	} else {
		fmt.Println("within configured thresholds")
	}
	if report.CiBlocking {
		return fmt.Errorf("%w (baseline %q)", orchestrator.ErrRegression, reportBaselineName)
	}
	return nil
}
