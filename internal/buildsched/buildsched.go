// Package buildsched implements the build job queue and worker pool
// described in spec §3/§4.1: jobs are keyed by artifact
// fingerprint, at most one execution runs per fingerprint at a time, and
// concurrent requests for the same fingerprint are collapsed onto the
// one running execution ("dedup invariant").
package buildsched

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"hmr/internal/logging"
	"hmr/internal/returncode"
)

// Priority is the build job priority class. Higher values preempt lower
// ones at enqueue time; within a class, jobs run FIFO.
type Priority int

const (
	Background Priority = iota
	Normal
	High
	Critical
)

// priorityClasses lists classes from highest to lowest, the scheduling
// policy's drain order (§4.1 "strictly higher priority preempts lower
// priority at enqueue time").
var priorityClasses = []Priority{Critical, High, Normal, Background}

// State is a Build Job's lifecycle state (spec §3):
// queued -> running -> (succeeded | failed | cancelled).
type State int

const (
	Queued State = iota
	Running
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CoreClass distinguishes performance from efficiency cores for the
// heterogeneous-core steering policy (§4.1 point 3). On platforms with no
// such distinction, every job steers to ClassPerformance.
type CoreClass int

const (
	ClassPerformance CoreClass = iota
	ClassEfficiency
)

// BuildFunc performs the actual compile/process work for a fingerprint.
type BuildFunc func(ctx context.Context) (interface{}, error)

// Job is a queued/running/finished build job.
type Job struct {
	Fingerprint string
	Priority    Priority
	fn          BuildFunc

	mu     sync.Mutex
	state  State
	result interface{}
	err    error
	done   chan struct{}
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Wait blocks until the job finishes (or ctx is cancelled) and returns its
// result. Every waiter on a deduplicated fingerprint observes the single
// execution's outcome.
func (j *Job) Wait(ctx context.Context) (interface{}, error, returncode.Code) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		if j.state == Cancelled {
			return nil, j.err, returncode.Timeout
		}
		return j.result, j.err, returncode.OK
	case <-ctx.Done():
		return nil, ctx.Err(), returncode.Timeout
	}
}

func (j *Job) finish(result interface{}, err error, state State) {
	j.mu.Lock()
	j.result = result
	j.err = err
	j.state = state
	j.mu.Unlock()
	close(j.done)
}

// queueGroup is one pool of priority-ordered FIFO queues drained by a
// fixed set of worker goroutines, i.e. one core class's share of the
// build pool.
type queueGroup struct {
	cond    *sync.Cond
	queues  map[Priority][]*Job
	stopped bool
}

func newQueueGroup() *queueGroup {
	return &queueGroup{cond: sync.NewCond(&sync.Mutex{}), queues: make(map[Priority][]*Job)}
}

func (g *queueGroup) push(job *Job) {
	g.cond.L.Lock()
	g.queues[job.Priority] = append(g.queues[job.Priority], job)
	g.cond.L.Unlock()
	g.cond.Signal()
}

// pop blocks until a job is ready or the group is stopped.
func (g *queueGroup) pop() *Job {
	g.cond.L.Lock()
	defer g.cond.L.Unlock()
	for {
		for _, p := range priorityClasses {
			q := g.queues[p]
			if len(q) > 0 {
				job := q[0]
				g.queues[p] = q[1:]
				return job
			}
		}
		if g.stopped {
			return nil
		}
		g.cond.Wait()
	}
}

func (g *queueGroup) stop() {
	g.cond.L.Lock()
	g.stopped = true
	g.cond.L.Unlock()
	g.cond.Broadcast()
}

// Scheduler is a build pool: a bounded set of performance workers and a
// smaller set of efficiency workers, each draining its own
// priority-ordered FIFO queue group (§4.1 "Build scheduling", §5
// "Scheduling model"). A worker takes jobs only from its own group; an
// idle worker does not steal queued jobs from the other group.
type Scheduler struct {
	perfGroup *queueGroup
	effGroup  *queueGroup // nil on platforms with no heterogeneous cores

	steerMu sync.RWMutex
	steer   func(Priority) CoreClass

	mu       sync.Mutex
	inFlight map[string]*Job

	perfWorkers int
	effWorkers  int

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Scheduler. perfWorkers is the performance-core pool
// size (defaults to the number of performance cores per spec §5);
// effWorkers is the efficiency-core pool size. A platform with no
// heterogeneous cores should pass effWorkers=0, in which case every job
// runs on the performance pool (portable fallback, §9).
func New(perfWorkers, effWorkers int) *Scheduler {
	if perfWorkers < 1 {
		perfWorkers = 1
	}
	s := &Scheduler{
		perfGroup: newQueueGroup(),
		inFlight:  make(map[string]*Job),
	}
	if effWorkers > 0 {
		s.effGroup = newQueueGroup()
	}
	s.steer = defaultSteer(effWorkers > 0)
	s.perfWorkers, s.effWorkers = perfWorkers, effWorkers
	return s
}

// defaultSteer implements §4.1 point 3: compute-heavy (higher-priority)
// jobs go to performance cores, background jobs to efficiency cores, when
// the platform exposes the distinction at all.
func defaultSteer(heterogeneous bool) func(Priority) CoreClass {
	return func(p Priority) CoreClass {
		if !heterogeneous {
			return ClassPerformance
		}
		if p == Background {
			return ClassEfficiency
		}
		return ClassPerformance
	}
}

// SetSteeringPolicy overrides the default core-steering function, for
// platforms or tests needing a custom placement rule.
func (s *Scheduler) SetSteeringPolicy(fn func(Priority) CoreClass) {
	s.steerMu.Lock()
	defer s.steerMu.Unlock()
	s.steer = fn
}

func (s *Scheduler) steeringFor(p Priority) CoreClass {
	s.steerMu.RLock()
	defer s.steerMu.RUnlock()
	return s.steer(p)
}

// Start launches the errgroup-managed worker pool that drains the
// priority queues: each worker is one errgroup goroutine pinned to a
// queueGroup (core class), giving the pool a hard concurrency bound
// without a semaphore for this in-process case.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	group, _ := errgroup.WithContext(s.ctx)
	s.group = group
	for i := 0; i < s.perfWorkers; i++ {
		group.Go(func() error {
			s.worker(s.perfGroup)
			return nil
		})
	}
	if s.effGroup != nil {
		for i := 0; i < s.effWorkers; i++ {
			group.Go(func() error {
				s.worker(s.effGroup)
				return nil
			})
		}
	}
}

// Stop halts the worker pool and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.perfGroup.stop()
	if s.effGroup != nil {
		s.effGroup.stop()
	}
	if s.group != nil {
		s.group.Wait()
	}
}

// RequestBuild enqueues a build for fingerprint, or, if an execution for
// that fingerprint is already in-flight, returns the existing job's
// handle instead of starting a second one (§4.1 dedup invariant, §8
// "A build request for a fingerprint already in-flight returns the
// existing job's handle; only one execution occurs").
func (s *Scheduler) RequestBuild(fingerprint string, priority Priority, fn BuildFunc) *Job {
	s.mu.Lock()
	if existing, ok := s.inFlight[fingerprint]; ok {
		s.mu.Unlock()
		logging.BuildDebug("dedup: fingerprint %s already in-flight, reusing handle", fingerprint)
		return existing
	}

	job := &Job{
		Fingerprint: fingerprint,
		Priority:    priority,
		fn:          fn,
		state:       Queued,
		done:        make(chan struct{}),
	}
	s.inFlight[fingerprint] = job
	s.mu.Unlock()

	logging.BuildDebug("enqueued build job fingerprint=%s priority=%d", fingerprint, priority)

	group := s.perfGroup
	if s.effGroup != nil && s.steeringFor(priority) == ClassEfficiency {
		group = s.effGroup
	}
	group.push(job)
	return job
}

func (s *Scheduler) worker(group *queueGroup) {
	for {
		job := group.pop()
		if job == nil {
			return
		}
		s.runJob(job)
	}
}

func (s *Scheduler) runJob(job *Job) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, job.Fingerprint)
		s.mu.Unlock()
	}()

	job.mu.Lock()
	job.state = Running
	job.mu.Unlock()

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	timer := logging.StartTimer(logging.CategoryBuild, "build_job")
	result, err := job.fn(ctx)
	timer.Stop()

	if err != nil {
		job.finish(nil, err, Failed)
		logging.BuildWarn("build job %s failed: %v", job.Fingerprint, err)
		return
	}
	job.finish(result, nil, Succeeded)
	logging.BuildDebug("build job %s succeeded", job.Fingerprint)
}

// InFlightCount reports the number of fingerprints currently deduplicated
// onto a single execution (queued or running).
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
