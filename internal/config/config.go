package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"hmr/internal/logging"
)

// Config holds all runtime configuration for the HMR core.
type Config struct {
	// CacheRoot is the root of the artifact cache filesystem layout
	// (<cache_root>/binaries/<fingerprint>.bin). No metadata files are
	// written; eviction only removes a <cache_root>/metadata/<fingerprint>.meta
	// file if one is present.
	CacheRoot string `yaml:"cache_root"`

	// StateRoot is the root of transactional state
	// (<state_root>/wal, <state_root>/rollback, <state_root>/logs, <state_root>/hmr.db).
	StateRoot string `yaml:"state_root"`

	Watch        WatchConfig        `yaml:"watch"`
	Build        BuildConfig        `yaml:"build"`
	Cache        CacheConfig        `yaml:"cache"`
	Reload       ReloadConfig       `yaml:"reload"`
	Frame        FrameConfig        `yaml:"frame"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`

	// Execution governs how build-tool subprocesses are invoked.
	Execution ExecutionConfig `yaml:"execution"`

	// Limits are the default per-module resource limits (§5 Resource
	// policy). Validate checks their ranges; no code applies them to
	// modules or enforces them at run time.
	Limits ResourceLimits `yaml:"limits"`
}

// WatchConfig configures the filesystem watcher (§4.1 Watching contract).
type WatchConfig struct {
	// DebounceMS is the coalescing window for repeated events on the same
	// path, in milliseconds. Spec range: 50-200ms.
	DebounceMS int `yaml:"debounce_ms"`

	// PollIntervalMS is used by the polling EventSource fallback when
	// native OS file events are unavailable.
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// UsePolling forces the polling fallback even when fsnotify is available.
	UsePolling bool `yaml:"use_polling"`
}

// BuildConfig configures the build scheduler's worker pool (§4.1 Build scheduling).
type BuildConfig struct {
	// WorkerCount sizes the build worker pool. 0 means "number of
	// performance cores" at construction time.
	WorkerCount int `yaml:"worker_count"`

	// RetryBackoffMS is the initial backoff for retrying transient
	// (non-compile) build failures. The build scheduler does not read it:
	// a failed build job is not retried.
	RetryBackoffMS int `yaml:"retry_backoff_ms"`

	// MaxRetries is the retry limit for transient build failures. The build
	// scheduler does not read it.
	MaxRetries int `yaml:"max_retries"`
}

// CacheConfig configures the two-tier artifact cache (§4.1 Artifact cache).
type CacheConfig struct {
	// MaxCacheMB bounds the on-disk cache size; LRU eviction applies above it.
	MaxCacheMB int `yaml:"max_cache_mb"`

	// ValidateContentHash names the optional content-hash staleness check.
	// The artifact cache does not read it: whether Cache.Validate compares
	// content hashes depends only on the dependency records and the hash
	// function its caller passes.
	ValidateContentHash bool `yaml:"validate_content_hash"`
}

// ReloadConfig configures the transactional reload engine (§4.2 Budgets).
type ReloadConfig struct {
	PrepareBudgetMS  int `yaml:"prepare_budget_ms"`
	CommitBudgetMS   int `yaml:"commit_budget_ms"`
	RollbackBudgetMS int `yaml:"rollback_budget_ms"`
	// PublicationSkewNS is the allowed ordering skew between participant
	// swaps in a multi-module transaction (default 1us). The reload engine
	// does not read it; Commit neither measures nor bounds the skew.
	PublicationSkewNS int `yaml:"publication_skew_ns"`
	// MaxPrepareFanout bounds how many participants Prepare migrates and
	// resolves imports for concurrently within one transaction. 0 uses a
	// default of 4.
	MaxPrepareFanout int `yaml:"max_prepare_fanout"`
}

// FrameConfig configures the frame-budgeted integrator (§4.3 Adaptive budgeting).
type FrameConfig struct {
	CheckIntervalFrames int  `yaml:"check_interval_frames"`
	MaxFrameBudgetNS    int  `yaml:"max_frame_budget_ns"`
	EnableAdaptive      bool `yaml:"enable_adaptive"`
}

// OrchestratorConfig configures telemetry collection/analysis/regression
// gating (§4.4).
type OrchestratorConfig struct {
	CollectionIntervalMS int `yaml:"collection_interval_ms"`
	AnalysisIntervalMS   int `yaml:"analysis_interval_ms"`
	SampleBufferCapacity int `yaml:"sample_buffer_capacity"`
	TrendWindowSamples   int `yaml:"trend_window_samples"`

	BottleneckWarningPct  float64 `yaml:"bottleneck_warning_pct"`
	BottleneckCriticalPct float64 `yaml:"bottleneck_critical_pct"`

	RegressionLatencyPct float64 `yaml:"regression_latency_pct"`
	RegressionMemoryPct  float64 `yaml:"regression_memory_pct"`
	RegressionFPSPct     float64 `yaml:"regression_fps_pct"`

	// CIBlockOnRegression is the policy flag spec §4.4 names: "the policy
	// may be configured to fail the enclosing CI job." When false, a
	// regression is still reported but RegressionReport.CiBlocking is
	// forced to false and the CLI exits 0.
	CIBlockOnRegression bool `yaml:"ci_block_on_regression"`

	QualityDwellSeconds int `yaml:"quality_dwell_seconds"`
}

// Default returns the default configuration, matching the numeric defaults
// named throughout spec §4.1-§4.4.
func Default() *Config {
	return &Config{
		CacheRoot: "./.hmr/cache",
		StateRoot: "./.hmr/state",

		Watch: WatchConfig{
			DebounceMS:     100,
			PollIntervalMS: 500,
			UsePolling:     false,
		},

		Build: BuildConfig{
			WorkerCount:    0,
			RetryBackoffMS: 200,
			MaxRetries:     3,
		},

		Cache: CacheConfig{
			MaxCacheMB:          4096,
			ValidateContentHash: false,
		},

		Reload: ReloadConfig{
			PrepareBudgetMS:   10,
			CommitBudgetMS:    15,
			RollbackBudgetMS:  2,
			PublicationSkewNS: 1000,
			MaxPrepareFanout:  4,
		},

		Frame: FrameConfig{
			CheckIntervalFrames: 60,
			MaxFrameBudgetNS:    100_000,
			EnableAdaptive:      true,
		},

		Orchestrator: OrchestratorConfig{
			CollectionIntervalMS:  50,
			AnalysisIntervalMS:    100,
			SampleBufferCapacity:  10_000,
			TrendWindowSamples:    50,
			BottleneckWarningPct:  20,
			BottleneckCriticalPct: 50,
			RegressionLatencyPct:  20,
			RegressionMemoryPct:   15,
			RegressionFPSPct:      -10,
			CIBlockOnRegression:   true,
			QualityDwellSeconds:   2,
		},

		Logging: LoggingConfig{
			Level:      "info",
			DebugMode:  false,
			JSONFormat: false,
			Categories: nil,
		},

		Execution: ExecutionConfig{
			AllowedBinaries:  []string{"go", "cc", "clang", "gcc", "cmake", "make"},
			DefaultTimeoutMS: 30_000,
			AllowedEnvVars:   []string{"PATH", "HOME", "GOPATH", "GOROOT", "GOCACHE", "GOMODCACHE"},
		},

		Limits: ResourceLimits{
			MaxHeapBytes:   512 * 1024 * 1024,
			MaxStackBytes:  8 * 1024 * 1024,
			MaxCPUPercent:  100,
			MaxThreadCount: 16,
			MaxFileHandles: 256,
		},
	}
}

// Load reads a YAML config file, falling back to defaults for a missing
// file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	logging.ConfigDebug("loading config from %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Config("config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		logging.ConfigError("failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.ConfigError("failed to parse config file %s: %v", path, err)
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Config("config loaded: cache_root=%s state_root=%s", cfg.CacheRoot, cfg.StateRoot)
	return cfg, nil
}

// Save writes the configuration back to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies the environment variables named in spec §6,
// plus HMR_DEBUG (logging debug mode) and HMR_WATCH_DEBOUNCE_MS (watch
// debounce window). Orchestrator thresholds have no environment override.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HMR_CACHE_ROOT"); v != "" {
		c.CacheRoot = v
	}
	if v := os.Getenv("HMR_STATE_ROOT"); v != "" {
		c.StateRoot = v
	}
	if v := os.Getenv("HMR_MAX_CACHE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.MaxCacheMB = n
		}
	}
	if v := os.Getenv("HMR_CHECK_INTERVAL_FRAMES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Frame.CheckIntervalFrames = n
		}
	}
	if v := os.Getenv("HMR_FRAME_BUDGET_NS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Frame.MaxFrameBudgetNS = n
		}
	}
	if v := os.Getenv("HMR_ENABLE_ADAPTIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Frame.EnableAdaptive = b
		}
	}
	if v := os.Getenv("HMR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HMR_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("HMR_WATCH_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Watch.DebounceMS = n
		}
	}
}

// PrepareBudget returns the reload engine's prepare-phase budget as a Duration.
func (c *Config) PrepareBudget() time.Duration {
	return time.Duration(c.Reload.PrepareBudgetMS) * time.Millisecond
}

// CommitBudget returns the reload engine's commit-phase budget as a Duration.
func (c *Config) CommitBudget() time.Duration {
	return time.Duration(c.Reload.CommitBudgetMS) * time.Millisecond
}

// RollbackBudget returns the reload engine's rollback budget as a Duration.
func (c *Config) RollbackBudget() time.Duration {
	return time.Duration(c.Reload.RollbackBudgetMS) * time.Millisecond
}

// FrameBudget returns the integrator's current per-frame budget as a Duration.
func (c *Config) FrameBudget() time.Duration {
	return time.Duration(c.Frame.MaxFrameBudgetNS) * time.Nanosecond
}

// Validate checks configuration values are within sane ranges.
func (c *Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.Watch.DebounceMS < 0 {
		return fmt.Errorf("watch.debounce_ms must be >= 0")
	}
	if c.Cache.MaxCacheMB < 1 {
		return fmt.Errorf("cache.max_cache_mb must be >= 1")
	}
	if c.Frame.MaxFrameBudgetNS < 1 {
		return fmt.Errorf("frame.max_frame_budget_ns must be >= 1")
	}
	if c.Frame.CheckIntervalFrames < 1 {
		return fmt.Errorf("frame.check_interval_frames must be >= 1")
	}
	return nil
}
