// Package frame implements the Frame-Budgeted Runtime Integrator (spec
// §4.3): a single per-frame entry point that performs at most one
// budget's worth of reload work, so hot-reload never blocks the host's
// frame loop. check_reloads never blocks on I/O or on a worker-held
// lock; it only polls a non-blocking completion queue and executes
// already-pinned in-memory reload transitions.
package frame

import (
	"sync"
	"sync/atomic"
	"time"

	"hmr/internal/logging"
	"hmr/internal/returncode"
)

// Status is check_reloads' outcome (spec §4.3).
type Status int

const (
	StatusOK Status = iota
	StatusBudgetExceeded
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBudgetExceeded:
		return "budget_exceeded"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Work is one unit of reload work the integrator can execute within a
// frame's budget: build-completion handling, a single module swap inside
// a multi-module transaction, or a queue-drain step. Implementations
// MUST NOT block; long operations belong on a worker thread that feeds
// their result back through the queue.
type Work func() returncode.Code

// Context is the per-frame record spec §3 names: frame number, start/end
// timestamps, remaining budget, and per-subsystem spend.
type Context struct {
	FrameNumber     uint64
	Start           time.Time
	End             time.Time
	BudgetRemaining time.Duration
	BudgetSpent     map[string]time.Duration
}

// Config is the integrator's live-tunable configuration (spec §4.3
// set_config).
type Config struct {
	CheckIntervalFrames int
	MaxFrameBudgetNS    int64
	AdaptiveBudgeting   bool
}

// watch binds an artifact path to the source directory that produces it,
// spec §4.3's add_watch/remove_watch wiring between the integrator and
// the watch-and-build pipeline.
type watch struct {
	artifactPath string
	sourceDir    string
}

// Integrator is the frame-budgeted runtime integrator. One instance is
// owned by the host frame loop; frame_begin/check_reloads/frame_end are
// called once per frame in that order.
type Integrator struct {
	mu      sync.Mutex
	cfg     Config
	watches map[string]watch

	enabled atomic.Bool
	paused  atomic.Bool

	queue chan Work

	cur Context

	// adaptive budgeting state (spec §4.3 "Adaptive budgeting").
	baseBudgetNS    int64
	currentBudgetNS int64
	avgFrameTime    time.Duration
	throttleFrames  int // frames remaining to skip check_reloads
	frameThreshold  time.Duration
}

// New constructs an Integrator with the given base configuration and a
// bounded pending-work queue of the given capacity (0 means the default
// of 256, large enough that a full queue under normal load indicates a
// genuine backlog rather than routine buffering).
func New(cfg Config, queueCapacity int) *Integrator {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	if cfg.CheckIntervalFrames <= 0 {
		cfg.CheckIntervalFrames = 60
	}
	if cfg.MaxFrameBudgetNS <= 0 {
		cfg.MaxFrameBudgetNS = 100_000
	}
	it := &Integrator{
		cfg:             cfg,
		watches:         make(map[string]watch),
		queue:           make(chan Work, queueCapacity),
		baseBudgetNS:    cfg.MaxFrameBudgetNS,
		currentBudgetNS: cfg.MaxFrameBudgetNS,
		frameThreshold:  16 * time.Millisecond, // ~60fps frame budget before throttling kicks in
	}
	it.enabled.Store(true)
	return it
}

// Enqueue submits a unit of reload work for a future check_reloads call.
// Submission itself never blocks: a full queue drops the oldest pending
// entry under the caller's own care (callers are the watch/build/reload
// pipeline, which already retries dropped work on the next file event).
func (it *Integrator) Enqueue(w Work) {
	select {
	case it.queue <- w:
	default:
		logging.FrameWarn("work queue full (cap=%d), dropping oldest pending unit", cap(it.queue))
		select {
		case <-it.queue:
		default:
		}
		select {
		case it.queue <- w:
		default:
		}
	}
}

// FrameBegin snapshots the start timestamp for frameNumber (spec §4.3
// frame_begin).
func (it *Integrator) FrameBegin(frameNumber uint64) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.cur = Context{
		FrameNumber:     frameNumber,
		Start:           time.Now(),
		BudgetRemaining: time.Duration(it.currentBudgetNS) * time.Nanosecond,
		BudgetSpent:     make(map[string]time.Duration),
	}
}

// CheckReloads executes reload work until either the queue is empty or
// the configured per-frame budget is exhausted, returning ok,
// budget_exceeded, or paused (spec §4.3 check_reloads). It never blocks:
// a non-blocking channel receive is the only queue operation performed.
func (it *Integrator) CheckReloads() Status {
	if it.paused.Load() {
		return StatusPaused
	}
	if !it.enabled.Load() {
		return StatusOK
	}

	it.mu.Lock()
	skip := it.throttleFrames > 0
	if skip {
		it.throttleFrames--
	}
	budget := time.Duration(it.currentBudgetNS) * time.Nanosecond
	it.mu.Unlock()
	if skip {
		return StatusOK
	}

	deadline := time.Now().Add(budget)
	spent := time.Duration(0)
	for {
		if time.Now().After(deadline) {
			it.recordSpend(spent)
			return StatusBudgetExceeded
		}
		select {
		case w := <-it.queue:
			unitStart := time.Now()
			if code := w(); code != returncode.OK {
				logging.FrameWarn("frame work unit returned %v", code)
			}
			spent += time.Since(unitStart)
		default:
			it.recordSpend(spent)
			return StatusOK
		}
	}
}

func (it *Integrator) recordSpend(d time.Duration) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.cur.BudgetSpent["reload"] = d
	remaining := time.Duration(it.currentBudgetNS)*time.Nanosecond - d
	if remaining < 0 {
		remaining = 0
	}
	it.cur.BudgetRemaining = remaining
}

// FrameEnd records the frame's wall time and feeds the adaptive
// budgeter (spec §4.3 frame_end / "Adaptive budgeting").
func (it *Integrator) FrameEnd() Context {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.cur.End = time.Now()
	elapsed := it.cur.End.Sub(it.cur.Start)

	if it.avgFrameTime == 0 {
		it.avgFrameTime = elapsed
	} else {
		// exponential moving average, alpha=0.2.
		it.avgFrameTime = it.avgFrameTime + (elapsed-it.avgFrameTime)/5
	}

	if it.cfg.AdaptiveBudgeting {
		if it.avgFrameTime > it.frameThreshold {
			if it.currentBudgetNS > 1 {
				it.currentBudgetNS /= 2
				it.throttleFrames = it.cfg.CheckIntervalFrames
				logging.FrameWarn("frame time %v exceeds threshold %v, halving budget to %dns and skipping %d frames",
					it.avgFrameTime, it.frameThreshold, it.currentBudgetNS, it.throttleFrames)
			}
		} else if it.currentBudgetNS < it.baseBudgetNS {
			// linear recovery toward the base budget.
			step := it.baseBudgetNS / 20
			if step < 1 {
				step = 1
			}
			it.currentBudgetNS += step
			if it.currentBudgetNS > it.baseBudgetNS {
				it.currentBudgetNS = it.baseBudgetNS
			}
		}
	}

	return it.cur
}

// SetConfig applies a live configuration update (spec §4.3 set_config).
func (it *Integrator) SetConfig(cfg Config) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.cfg = cfg
	if cfg.MaxFrameBudgetNS > 0 {
		it.baseBudgetNS = cfg.MaxFrameBudgetNS
		if it.currentBudgetNS > it.baseBudgetNS || it.currentBudgetNS == 0 {
			it.currentBudgetNS = it.baseBudgetNS
		}
	}
}

// AddWatch wires the integrator to a specific artifact/source pairing
// (spec §4.3 add_watch).
func (it *Integrator) AddWatch(artifactPath, sourceDir string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.watches[artifactPath] = watch{artifactPath: artifactPath, sourceDir: sourceDir}
}

// RemoveWatch undoes AddWatch.
func (it *Integrator) RemoveWatch(artifactPath string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	delete(it.watches, artifactPath)
}

// Watches returns the currently registered artifact paths, for tests and
// diagnostics.
func (it *Integrator) Watches() []string {
	it.mu.Lock()
	defer it.mu.Unlock()
	out := make([]string, 0, len(it.watches))
	for p := range it.watches {
		out = append(out, p)
	}
	return out
}

// SetEnabled is the integrator's master on/off switch (spec §4.3
// set_enabled). Disabled, check_reloads always returns ok without
// executing any pending work.
func (it *Integrator) SetEnabled(v bool) { it.enabled.Store(v) }

// SetPaused causes check_reloads to return paused immediately without
// starting new work; in-flight transactions already handed to the reload
// engine continue independently to their terminal state (spec §4.3
// Cancellation).
func (it *Integrator) SetPaused(v bool) { it.paused.Store(v) }

// CurrentBudget returns the integrator's live (possibly throttled)
// per-frame budget.
func (it *Integrator) CurrentBudget() time.Duration {
	it.mu.Lock()
	defer it.mu.Unlock()
	return time.Duration(it.currentBudgetNS) * time.Nanosecond
}
