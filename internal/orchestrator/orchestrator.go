// Package orchestrator implements the System Orchestrator (spec §4.4):
// cross-agent performance sampling into fixed-capacity circular buffers, a
// trend/bottleneck analysis loop, regression gating against a persisted
// baseline, and hysteretic quality-level adaptation.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"hmr/internal/config"
	"hmr/internal/logging"
	"hmr/internal/returncode"
)

// Sample is a timestamped performance datum tagged by agent id (spec §3).
type Sample struct {
	AgentID       string
	Timestamp     time.Time
	CPUPercent    float64
	MemoryBytes   int64
	FPS           float64
	LatencyNS     int64
	ThroughputOps float64
}

// ringBuffer is a fixed-capacity circular buffer of Samples; once full, the
// oldest sample is overwritten (spec §3 "oldest samples are overwritten").
type ringBuffer struct {
	data  []Sample
	next  int
	count int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &ringBuffer{data: make([]Sample, capacity)}
}

func (r *ringBuffer) push(s Sample) {
	r.data[r.next] = s
	r.next = (r.next + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// recent returns up to n of the most recently pushed samples, oldest first.
func (r *ringBuffer) recent(n int) []Sample {
	if n > r.count {
		n = r.count
	}
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		idx := (r.next - n + i + len(r.data)) % len(r.data)
		out[i] = r.data[idx]
	}
	return out
}

func (r *ringBuffer) latest() (Sample, bool) {
	if r.count == 0 {
		return Sample{}, false
	}
	idx := (r.next - 1 + len(r.data)) % len(r.data)
	return r.data[idx], true
}

// AgentSource pulls one fresh Sample from a registered agent. Implementations
// MUST return promptly; the collection loop calls every registered source
// once per tick and a slow source delays the whole tick.
type AgentSource func() (Sample, error)

// Orchestrator collects, analyzes, and gates telemetry from every
// registered agent (spec §4.4).
type Orchestrator struct {
	cfg config.OrchestratorConfig

	mu      sync.RWMutex
	sources map[string]AgentSource
	buffers map[string]*ringBuffer

	collectCancel context.CancelFunc
	analyzeCancel context.CancelFunc
	wg            sync.WaitGroup

	quality *QualityAdapter
	store   *BaselineStore
}

// New constructs an Orchestrator. store may be nil if regression gating is
// not needed.
func New(cfg config.OrchestratorConfig, store *BaselineStore) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		sources: make(map[string]AgentSource),
		buffers: make(map[string]*ringBuffer),
		quality: NewQualityAdapter(cfg.QualityDwellSeconds),
		store:   store,
	}
}

// RegisterAgent adds an agent's sample source, allocating its circular
// buffer. Returns AlreadyExists if id is already registered.
func (o *Orchestrator) RegisterAgent(id string, source AgentSource) returncode.Code {
	if id == "" || source == nil {
		return returncode.InvalidArgument
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sources[id]; ok {
		return returncode.AlreadyExists
	}
	o.sources[id] = source
	o.buffers[id] = newRingBuffer(o.cfg.SampleBufferCapacity)
	logging.Orchestrator("registered telemetry agent %s", id)
	return returncode.OK
}

// UnregisterAgent removes an agent and its buffer.
func (o *Orchestrator) UnregisterAgent(id string) returncode.Code {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sources[id]; !ok {
		return returncode.NotFound
	}
	delete(o.sources, id)
	delete(o.buffers, id)
	return returncode.OK
}

// AgentIDs returns every registered agent identifier.
func (o *Orchestrator) AgentIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.sources))
	for id := range o.sources {
		ids = append(ids, id)
	}
	return ids
}

// RecentSamples returns up to n of an agent's most recent samples.
func (o *Orchestrator) RecentSamples(id string, n int) ([]Sample, returncode.Code) {
	o.mu.RLock()
	buf, ok := o.buffers[id]
	o.mu.RUnlock()
	if !ok {
		return nil, returncode.NotFound
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return buf.recent(n), returncode.OK
}

// StartCollection launches the collection loop (spec §4.4 "Collection"): at
// a configurable interval (default 50ms) it pulls one sample from each
// registered agent and appends it to that agent's circular buffer.
func (o *Orchestrator) StartCollection(ctx context.Context) {
	interval := time.Duration(o.cfg.CollectionIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	cctx, cancel := context.WithCancel(ctx)
	o.collectCancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-cctx.Done():
				return
			case <-ticker.C:
				o.collectOnce()
			}
		}
	}()
}

func (o *Orchestrator) collectOnce() {
	o.mu.RLock()
	sources := make(map[string]AgentSource, len(o.sources))
	for id, src := range o.sources {
		sources[id] = src
	}
	o.mu.RUnlock()

	for id, src := range sources {
		sample, err := src()
		if err != nil {
			logging.OrchestratorWarn("collection: agent %s sample failed: %v", id, err)
			continue
		}
		sample.AgentID = id
		if sample.Timestamp.IsZero() {
			sample.Timestamp = time.Now()
		}
		o.mu.Lock()
		if buf, ok := o.buffers[id]; ok {
			buf.push(sample)
		}
		o.mu.Unlock()
	}
}

// StopCollection halts the collection loop.
func (o *Orchestrator) StopCollection() {
	if o.collectCancel != nil {
		o.collectCancel()
	}
}

// StartAnalysis launches the analysis loop (spec §4.4 "Analysis"): at a
// configurable interval (default 100ms) it computes each agent's trend
// slope over the last N samples and flags bottlenecks relative to a
// rolling baseline.
func (o *Orchestrator) StartAnalysis(ctx context.Context, onBottleneck func(Bottleneck)) {
	interval := time.Duration(o.cfg.AnalysisIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	cctx, cancel := context.WithCancel(ctx)
	o.analyzeCancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-cctx.Done():
				return
			case <-ticker.C:
				for _, b := range o.DetectBottlenecks() {
					if onBottleneck != nil {
						onBottleneck(b)
					}
				}
			}
		}
	}()
}

// StopAnalysis halts the analysis loop.
func (o *Orchestrator) StopAnalysis() {
	if o.analyzeCancel != nil {
		o.analyzeCancel()
	}
}

// Wait blocks until both loops have fully stopped.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Trend is one agent's linear-regression slope over its latency series,
// positive meaning latency is worsening over the sampled window.
type Trend struct {
	AgentID       string
	LatencySlope  float64
	SamplesUsed   int
}

// ComputeTrend fits a simple linear regression (least squares) to the last
// TrendWindowSamples latency values for id (spec §4.4 "computes per-agent
// trend slopes by simple linear regression over the last N samples").
func (o *Orchestrator) ComputeTrend(id string) (Trend, returncode.Code) {
	window := o.cfg.TrendWindowSamples
	if window <= 0 {
		window = 50
	}
	samples, code := o.RecentSamples(id, window)
	if code != returncode.OK {
		return Trend{}, code
	}
	if len(samples) < 2 {
		return Trend{AgentID: id, SamplesUsed: len(samples)}, returncode.OK
	}

	ys := make([]float64, len(samples))
	for i, s := range samples {
		ys[i] = float64(s.LatencyNS)
	}
	return Trend{AgentID: id, LatencySlope: linearRegressionSlope(ys), SamplesUsed: len(samples)}, returncode.OK
}

// linearRegressionSlope fits y = a + b*x over x=0..len(ys)-1 and returns b.
func linearRegressionSlope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Severity is a detected bottleneck's severity band.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Bottleneck is a single agent's metric found exceeding its rolling
// baseline by more than a configured threshold (spec §4.4 "Analysis").
type Bottleneck struct {
	AgentID       string
	Metric        string
	Severity      Severity
	PctOverBaseline float64
}

// DetectBottlenecks compares each agent's latest sample to the average
// latency of its last TrendWindowSamples samples (default 50, the latest
// included), flagging a bottleneck when the latest latency sample exceeds
// that average by the configured warning/critical
// percentage (default warning +20%, critical +50%).
func (o *Orchestrator) DetectBottlenecks() []Bottleneck {
	warnPct := o.cfg.BottleneckWarningPct
	if warnPct <= 0 {
		warnPct = 20
	}
	critPct := o.cfg.BottleneckCriticalPct
	if critPct <= 0 {
		critPct = 50
	}

	o.mu.RLock()
	ids := make([]string, 0, len(o.buffers))
	for id := range o.buffers {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	var out []Bottleneck
	for _, id := range ids {
		o.mu.RLock()
		buf := o.buffers[id]
		latest, ok := buf.latest()
		window := o.cfg.TrendWindowSamples
		if window <= 0 {
			window = 50
		}
		samples := buf.recent(window)
		o.mu.RUnlock()
		if !ok || len(samples) == 0 {
			continue
		}

		var sum float64
		for _, s := range samples {
			sum += float64(s.LatencyNS)
		}
		baseline := sum / float64(len(samples))
		if baseline <= 0 {
			continue
		}
		pctOver := (float64(latest.LatencyNS) - baseline) / baseline * 100

		switch {
		case pctOver >= critPct:
			out = append(out, Bottleneck{AgentID: id, Metric: "latency_ns", Severity: SeverityCritical, PctOverBaseline: pctOver})
		case pctOver >= warnPct:
			out = append(out, Bottleneck{AgentID: id, Metric: "latency_ns", Severity: SeverityWarning, PctOverBaseline: pctOver})
		}
	}
	return out
}
