package watch

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSource is an in-memory EventSource for deterministic debounce tests.
type fakeSource struct {
	events chan Event
	errs   chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan Event, 64),
		errs:   make(chan error, 4),
	}
}

func (f *fakeSource) Add(string) error    { return nil }
func (f *fakeSource) Remove(string) error { return nil }
func (f *fakeSource) Events() <-chan Event { return f.events }
func (f *fakeSource) Errors() <-chan error { return f.errs }
func (f *fakeSource) Close() error {
	close(f.events)
	close(f.errs)
	return nil
}

func TestDebounceCoalescesRapidEvents(t *testing.T) {
	src := newFakeSource()
	w := New(src, 30*time.Millisecond)

	if code := w.StartWatching(); code != 0 {
		t.Fatalf("StartWatching: %v", code)
	}
	defer func() {
		w.StopWatching()
		src.Close()
	}()

	for i := 0; i < 5; i++ {
		src.events <- Event{Path: "/a.json", Kind: Modified, Timestamp: time.Now()}
	}

	select {
	case ev := <-w.Events():
		if ev.Path != "/a.json" {
			t.Fatalf("expected /a.json, got %s", ev.Path)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for coalesced event")
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("expected exactly one coalesced event, got extra: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartWatchingTwiceFails(t *testing.T) {
	src := newFakeSource()
	w := New(src, 10*time.Millisecond)
	defer func() {
		w.StopWatching()
		src.Close()
	}()

	if code := w.StartWatching(); code != 0 {
		t.Fatalf("first StartWatching: %v", code)
	}
	if code := w.StartWatching(); code == 0 {
		t.Fatal("expected AlreadyExists on second StartWatching")
	}
}

func TestStopWatchingWithoutStartFails(t *testing.T) {
	src := newFakeSource()
	defer src.Close()
	w := New(src, 10*time.Millisecond)

	if code := w.StopWatching(); code == 0 {
		t.Fatal("expected NotAttached when stopping an unstarted watcher")
	}
}

func TestPerPathOrderingPreserved(t *testing.T) {
	src := newFakeSource()
	w := New(src, 15*time.Millisecond)
	w.StartWatching()
	defer func() {
		w.StopWatching()
		src.Close()
	}()

	src.events <- Event{Path: "/a.json", Kind: Modified, Timestamp: time.Now()}
	time.Sleep(40 * time.Millisecond)
	src.events <- Event{Path: "/a.json", Kind: Deleted, Timestamp: time.Now()}

	first := <-w.Events()
	second := <-w.Events()

	if first.Kind != Modified || second.Kind != Deleted {
		t.Fatalf("expected Modified then Deleted, got %v then %v", first.Kind, second.Kind)
	}
}
