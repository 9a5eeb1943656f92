package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"hmr/internal/config"
	"hmr/internal/returncode"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		CollectionIntervalMS:  5,
		AnalysisIntervalMS:    10,
		SampleBufferCapacity:  16,
		TrendWindowSamples:    8,
		BottleneckWarningPct:  20,
		BottleneckCriticalPct: 50,
		RegressionLatencyPct:  20,
		RegressionMemoryPct:   15,
		RegressionFPSPct:      -10,
		CIBlockOnRegression:   true,
		QualityDwellSeconds:   2,
	}
}

func TestRegisterAgentRejectsDuplicate(t *testing.T) {
	o := New(testConfig(), nil)
	src := func() (Sample, error) { return Sample{}, nil }
	if code := o.RegisterAgent("a1", src); code != returncode.OK {
		t.Fatalf("register: %v", code)
	}
	if code := o.RegisterAgent("a1", src); code != returncode.AlreadyExists {
		t.Fatalf("duplicate register = %v, want AlreadyExists", code)
	}
}

func TestCollectionLoopAppendsSamples(t *testing.T) {
	o := New(testConfig(), nil)
	var calls int
	o.RegisterAgent("a1", func() (Sample, error) {
		calls++
		return Sample{LatencyNS: int64(calls * 1000)}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	o.StartCollection(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	o.Wait()

	samples, code := o.RecentSamples("a1", 100)
	if code != returncode.OK {
		t.Fatalf("recent samples: %v", code)
	}
	if len(samples) == 0 {
		t.Fatalf("expected at least one collected sample")
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := newRingBuffer(3)
	for i := 0; i < 5; i++ {
		r.push(Sample{LatencyNS: int64(i)})
	}
	recent := r.recent(3)
	if len(recent) != 3 {
		t.Fatalf("got %d samples, want 3", len(recent))
	}
	if recent[0].LatencyNS != 2 || recent[2].LatencyNS != 4 {
		t.Fatalf("unexpected ring contents: %+v", recent)
	}
}

func TestLinearRegressionSlopeDetectsUpwardTrend(t *testing.T) {
	ys := []float64{10, 20, 30, 40, 50}
	slope := linearRegressionSlope(ys)
	if slope <= 0 {
		t.Fatalf("slope = %v, want positive for a monotonically increasing series", slope)
	}
}

func TestDetectBottlenecksFlagsCriticalSpike(t *testing.T) {
	o := New(testConfig(), nil)
	o.RegisterAgent("a1", func() (Sample, error) { return Sample{}, nil })

	buf := o.buffers["a1"]
	for i := 0; i < 8; i++ {
		buf.push(Sample{AgentID: "a1", LatencyNS: 1000})
	}
	buf.push(Sample{AgentID: "a1", LatencyNS: 5000}) // ~+233% over the last-8-sample average (1500)

	bottlenecks := o.DetectBottlenecks()
	if len(bottlenecks) != 1 {
		t.Fatalf("got %d bottlenecks, want 1", len(bottlenecks))
	}
	if bottlenecks[0].Severity != SeverityCritical {
		t.Fatalf("severity = %v, want critical", bottlenecks[0].Severity)
	}
}

func TestBaselineStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBaselineStore(dir)
	if err != nil {
		t.Fatalf("open baseline store: %v", err)
	}
	defer store.Close()

	b := Baseline{Name: "ci", LatencyNS: 1_000_000, MemoryBytes: 512 * 1024, FPS: 60, RecordedAt: time.Unix(1700000000, 0)}
	if err := store.Save(b); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load("ci")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.LatencyNS != b.LatencyNS || got.FPS != b.FPS {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, b)
	}

	dbPath := filepath.Join(dir, "hmr.db")
	if _, err := OpenBaselineStore(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestCompareToBaselineFlagsLatencyRegression(t *testing.T) {
	cfg := testConfig()
	baseline := Baseline{LatencyNS: 1000, MemoryBytes: 1000, FPS: 60}
	report := CompareToBaseline(baseline, 1300, 1000, 60, cfg) // +30% latency > 20% threshold
	if !report.Regressed {
		t.Fatalf("expected regression flagged for +30%% latency")
	}
	if report.RegressionCount != 1 {
		t.Fatalf("expected exactly one metric regressed, got RegressionCount=%d", report.RegressionCount)
	}
	if !report.CiBlocking {
		t.Fatalf("expected CiBlocking when CIBlockOnRegression is set and a regression is flagged")
	}
	if report.Timestamp.IsZero() {
		t.Fatalf("expected a non-zero report timestamp")
	}
}

func TestCompareToBaselineNotCiBlockingWhenPolicyDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CIBlockOnRegression = false
	baseline := Baseline{LatencyNS: 1000, MemoryBytes: 1000, FPS: 60}
	report := CompareToBaseline(baseline, 1300, 1000, 60, cfg)
	if !report.Regressed {
		t.Fatalf("expected regression flagged for +30%% latency")
	}
	if report.CiBlocking {
		t.Fatalf("expected CiBlocking false when the policy opts out of failing CI")
	}
}

func TestCompareToBaselineNoRegressionWithinThresholds(t *testing.T) {
	cfg := testConfig()
	baseline := Baseline{LatencyNS: 1000, MemoryBytes: 1000, FPS: 60}
	report := CompareToBaseline(baseline, 1050, 1050, 58, cfg)
	if report.Regressed {
		t.Fatalf("did not expect a regression within configured thresholds: %+v", report)
	}
}

func TestQualityAdapterHoldsUntilDwellElapses(t *testing.T) {
	q := NewQualityAdapter(0) // zero -> default 2s, too long for this test; override directly
	q.dwell = 10 * time.Millisecond

	target := 16 * time.Millisecond
	level := q.Observe(8*time.Millisecond, target) // comfortably under target
	if level != QualityHigh {
		t.Fatalf("level changed before dwell elapsed: %v", level)
	}

	time.Sleep(15 * time.Millisecond)
	level = q.Observe(8*time.Millisecond, target)
	if level != QualityUltra {
		t.Fatalf("level = %v, want ultra after sustained comfortable frame times", level)
	}
}

func TestQualityAdapterDowngradesUnderSustainedSlowFrames(t *testing.T) {
	q := NewQualityAdapter(0)
	q.dwell = 10 * time.Millisecond

	target := 16 * time.Millisecond
	q.Observe(30*time.Millisecond, target)
	time.Sleep(15 * time.Millisecond)
	level := q.Observe(30*time.Millisecond, target)
	if level != QualityMedium {
		t.Fatalf("level = %v, want medium after sustained slow frames", level)
	}
}
