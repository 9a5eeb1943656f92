// Package watch translates filesystem activity into coalesced Events for
// the dependency graph and build scheduler (spec §4.1, Watching contract).
package watch

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"hmr/internal/logging"
	"hmr/internal/returncode"
)

// statFunc is overridable in tests.
var statFunc = os.Stat

// EventKind classifies a filesystem change.
type EventKind int

const (
	Created EventKind = iota
	Modified
	Deleted
	Renamed
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Event is a single filesystem change, ordering-preserved per path.
type Event struct {
	Path      string
	Kind      EventKind
	Timestamp time.Time
}

// EventSource abstracts the origin of raw filesystem events so the
// watcher can run over native OS notifications (fsnotify) or a polling
// fallback behind the same interface (spec §4.1: "native OS file-event
// APIs or periodic polling (configurable)").
type EventSource interface {
	// Add registers a path (file or directory) for observation.
	Add(path string) error
	// Remove stops observing a path.
	Remove(path string) error
	// Events returns the channel of raw, uncoalesced events.
	Events() <-chan Event
	// Errors returns the channel of source-level errors.
	Errors() <-chan error
	// Close releases source resources.
	Close() error
}

// Watcher debounces raw EventSource events per path and publishes the
// coalesced result to subscribers.
type Watcher struct {
	source     EventSource
	debounce   time.Duration
	mu         sync.Mutex
	pending    map[string]*Event
	timers     map[string]*time.Timer
	out        chan Event
	stopCh     chan struct{}
	wg         sync.WaitGroup
	started    bool
	startedMu  sync.Mutex
}

// New creates a Watcher over source, coalescing repeated events on the
// same path within the debounce window (spec default 50-200ms).
func New(source EventSource, debounce time.Duration) *Watcher {
	return &Watcher{
		source:   source,
		debounce: debounce,
		pending:  make(map[string]*Event),
		timers:   make(map[string]*time.Timer),
		out:      make(chan Event, 256),
		stopCh:   make(chan struct{}),
	}
}

// Events returns the channel of debounced, per-path-ordered events.
func (w *Watcher) Events() <-chan Event {
	return w.out
}

// StartWatching begins ingesting events from the underlying source.
// Returns returncode.AlreadyExists if already started.
func (w *Watcher) StartWatching() returncode.Code {
	w.startedMu.Lock()
	defer w.startedMu.Unlock()
	if w.started {
		return returncode.AlreadyExists
	}
	w.started = true

	w.wg.Add(1)
	go w.pump()

	logging.Watch("watcher started, debounce=%v", w.debounce)
	return returncode.OK
}

// StopWatching halts ingestion and waits for the pump goroutine to exit.
func (w *Watcher) StopWatching() returncode.Code {
	w.startedMu.Lock()
	defer w.startedMu.Unlock()
	if !w.started {
		return returncode.NotAttached
	}
	close(w.stopCh)
	w.wg.Wait()
	w.started = false
	logging.Watch("watcher stopped")
	return returncode.OK
}

func (w *Watcher) pump() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			w.mu.Lock()
			for _, t := range w.timers {
				t.Stop()
			}
			w.mu.Unlock()
			return
		case ev, ok := <-w.source.Events():
			if !ok {
				return
			}
			w.coalesce(ev)
		case err, ok := <-w.source.Errors():
			if !ok {
				continue
			}
			logging.WatchError("event source error: %v", err)
		}
	}
}

// coalesce replaces any pending event for ev.Path and (re)arms its
// debounce timer, so rapid-fire modifications within the window collapse
// to the latest event (spec §4.1 and §8 boundary behavior).
func (w *Watcher) coalesce(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[ev.Path] = &ev
	if t, ok := w.timers[ev.Path]; ok {
		t.Stop()
	}
	path := ev.Path
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.flush(path)
	})
}

func (w *Watcher) flush(path string) {
	w.mu.Lock()
	pending, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
		delete(w.timers, path)
	}
	w.mu.Unlock()

	if !ok {
		return
	}
	select {
	case w.out <- *pending:
	case <-w.stopCh:
	}
}

// fsnotifySource is the native OS EventSource backed by fsnotify.
type fsnotifySource struct {
	w      *fsnotify.Watcher
	events chan Event
	errs   chan error
}

// NewFSNotifySource constructs an EventSource over fsnotify.
func NewFSNotifySource() (EventSource, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &fsnotifySource{
		w:      fw,
		events: make(chan Event, 256),
		errs:   make(chan error, 16),
	}
	go s.translate()
	return s, nil
}

func (s *fsnotifySource) translate() {
	for {
		select {
		case ev, ok := <-s.w.Events:
			if !ok {
				close(s.events)
				return
			}
			kind := Modified
			switch {
			case ev.Op&fsnotify.Create != 0:
				kind = Created
			case ev.Op&fsnotify.Remove != 0:
				kind = Deleted
			case ev.Op&fsnotify.Rename != 0:
				kind = Renamed
			case ev.Op&fsnotify.Write != 0:
				kind = Modified
			}
			s.events <- Event{Path: ev.Name, Kind: kind, Timestamp: time.Now()}
		case err, ok := <-s.w.Errors:
			if !ok {
				close(s.errs)
				return
			}
			s.errs <- err
		}
	}
}

func (s *fsnotifySource) Add(path string) error    { return s.w.Add(path) }
func (s *fsnotifySource) Remove(path string) error { return s.w.Remove(path) }
func (s *fsnotifySource) Events() <-chan Event     { return s.events }
func (s *fsnotifySource) Errors() <-chan error      { return s.errs }
func (s *fsnotifySource) Close() error              { return s.w.Close() }

// pollingSource is a ticker-driven fallback EventSource for filesystems
// where native notification is unavailable or disabled by config.
type pollingSource struct {
	interval time.Duration
	mu       sync.Mutex
	paths    map[string]pollState
	events   chan Event
	errs     chan error
	ctx      context.Context
	cancel   context.CancelFunc
}

type pollState struct {
	modTime time.Time
	size    int64
	exists  bool
}

// NewPollingSource constructs a polling EventSource behind the same
// interface as the native fsnotify source.
func NewPollingSource(interval time.Duration) EventSource {
	ctx, cancel := context.WithCancel(context.Background())
	s := &pollingSource{
		interval: interval,
		paths:    make(map[string]pollState),
		events:   make(chan Event, 256),
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	go s.loop()
	return s
}

func (s *pollingSource) Add(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[path] = pollState{}
	return nil
}

func (s *pollingSource) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, path)
	return nil
}

func (s *pollingSource) Events() <-chan Event { return s.events }
func (s *pollingSource) Errors() <-chan error  { return s.errs }

func (s *pollingSource) Close() error {
	s.cancel()
	return nil
}

func (s *pollingSource) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			close(s.events)
			close(s.errs)
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

func (s *pollingSource) scan() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.paths))
	for p := range s.paths {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	for _, path := range paths {
		info, err := statFunc(path)
		s.mu.Lock()
		prev := s.paths[path]
		now := time.Now()
		switch {
		case err != nil:
			if prev.exists {
				s.paths[path] = pollState{exists: false}
				s.mu.Unlock()
				s.events <- Event{Path: path, Kind: Deleted, Timestamp: now}
				continue
			}
		case !prev.exists:
			s.paths[path] = pollState{modTime: info.ModTime(), size: info.Size(), exists: true}
			s.mu.Unlock()
			s.events <- Event{Path: path, Kind: Created, Timestamp: now}
			continue
		case !info.ModTime().Equal(prev.modTime) || info.Size() != prev.size:
			s.paths[path] = pollState{modTime: info.ModTime(), size: info.Size(), exists: true}
			s.mu.Unlock()
			s.events <- Event{Path: path, Kind: Modified, Timestamp: now}
			continue
		}
		s.mu.Unlock()
	}
}
