package orchestrator

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"hmr/internal/config"
)

// ErrRegression is returned by callers (the hmrd CLI's orchestrator report
// command) that gate a CI job on a RegressionReport whose CiBlocking flag
// is set, so the process exit code reflects the regression per spec §6
// ("process exit code (0 = ok, non-zero = regression) to gate builds").
var ErrRegression = errors.New("orchestrator: performance regression exceeds configured threshold")

// Baseline is a set of per-metric reference values a run is compared
// against (spec §4.4 "Regression gating": "A baseline is a set of
// per-metric reference values (latency, memory, fps)").
type Baseline struct {
	Name        string
	LatencyNS   float64
	MemoryBytes float64
	FPS         float64
	RecordedAt  time.Time
}

// BaselineStore persists named baselines in a sqlite database under
// <state_root>/hmr.db (spec §6 filesystem layout), grounded on the
// teacher's sql.Open("sqlite3", ...) + QueryRow/Scan idiom for small
// local metric stores.
type BaselineStore struct {
	db *sql.DB
}

// OpenBaselineStore opens (creating if necessary) the baseline table in
// the sqlite database at stateRoot/hmr.db.
func OpenBaselineStore(stateRoot string) (*BaselineStore, error) {
	if err := os.MkdirAll(stateRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create state root: %w", err)
	}
	dbPath := filepath.Join(stateRoot, "hmr.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open baseline db: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS baselines (
	name TEXT PRIMARY KEY,
	latency_ns REAL NOT NULL,
	memory_bytes REAL NOT NULL,
	fps REAL NOT NULL,
	recorded_at_unix INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create baselines table: %w", err)
	}
	return &BaselineStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BaselineStore) Close() error { return s.db.Close() }

// Save upserts a named baseline.
func (s *BaselineStore) Save(b Baseline) error {
	_, err := s.db.Exec(
		`INSERT INTO baselines(name, latency_ns, memory_bytes, fps, recorded_at_unix)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			latency_ns=excluded.latency_ns,
			memory_bytes=excluded.memory_bytes,
			fps=excluded.fps,
			recorded_at_unix=excluded.recorded_at_unix`,
		b.Name, b.LatencyNS, b.MemoryBytes, b.FPS, b.RecordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save baseline %s: %w", b.Name, err)
	}
	return nil
}

// Load retrieves a named baseline.
func (s *BaselineStore) Load(name string) (Baseline, error) {
	var b Baseline
	var recordedUnix int64
	row := s.db.QueryRow(
		`SELECT name, latency_ns, memory_bytes, fps, recorded_at_unix FROM baselines WHERE name = ?`, name)
	if err := row.Scan(&b.Name, &b.LatencyNS, &b.MemoryBytes, &b.FPS, &recordedUnix); err != nil {
		return Baseline{}, fmt.Errorf("load baseline %s: %w", name, err)
	}
	b.RecordedAt = time.Unix(recordedUnix, 0)
	return b, nil
}

// RegressionReport is the machine-readable comparison result spec §6
// requires: a field-tagged, self-describing record whose on-wire field
// order is fixed ("timestamp, regression_count, ci_blocking flag,
// per-metric deltas"). The Go struct field order matches that wire order
// so JSON/log encoders that preserve declaration order reproduce it
// directly.
type RegressionReport struct {
	Timestamp       time.Time `json:"timestamp"`
	RegressionCount int       `json:"regression_count"`
	CiBlocking      bool      `json:"ci_blocking"`
	LatencyPct      float64   `json:"latency_pct_delta"`
	MemoryPct       float64   `json:"memory_pct_delta"`
	FPSPct          float64   `json:"fps_pct_delta"`

	Regressed bool `json:"-"`
}

// CompareToBaseline compares current metrics to baseline and flags a
// regression if any metric degrades beyond its configured threshold
// (spec §4.4 defaults: latency +20%, memory +15%, fps -10%). CiBlocking
// mirrors Regressed unless cfg.CIBlockOnRegression opts the policy out of
// failing the enclosing CI job (spec §4.4: "the policy may be configured
// to fail the enclosing CI job").
func CompareToBaseline(baseline Baseline, currentLatencyNS, currentMemoryBytes, currentFPS float64, cfg config.OrchestratorConfig) RegressionReport {
	latPct := pctDelta(baseline.LatencyNS, currentLatencyNS)
	memPct := pctDelta(baseline.MemoryBytes, currentMemoryBytes)
	fpsPct := pctDelta(baseline.FPS, currentFPS)

	latThresh := cfg.RegressionLatencyPct
	if latThresh == 0 {
		latThresh = 20
	}
	memThresh := cfg.RegressionMemoryPct
	if memThresh == 0 {
		memThresh = 15
	}
	fpsThresh := cfg.RegressionFPSPct
	if fpsThresh == 0 {
		fpsThresh = -10
	}

	count := 0
	if latPct > latThresh {
		count++
	}
	if memPct > memThresh {
		count++
	}
	if fpsPct < fpsThresh {
		count++
	}
	regressed := count > 0

	return RegressionReport{
		Timestamp:       time.Now(),
		RegressionCount: count,
		CiBlocking:      regressed && cfg.CIBlockOnRegression,
		LatencyPct:      latPct,
		MemoryPct:       memPct,
		FPSPct:          fpsPct,
		Regressed:       regressed,
	}
}

func pctDelta(base, current float64) float64 {
	if base == 0 {
		return 0
	}
	return (current - base) / base * 100
}
