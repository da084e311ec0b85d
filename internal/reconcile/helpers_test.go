package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/voxdesk/extwatch/internal/cache"
	"github.com/voxdesk/extwatch/internal/listeners"
	"github.com/voxdesk/extwatch/internal/presence"
	"github.com/voxdesk/extwatch/internal/protocol"
	"github.com/voxdesk/extwatch/internal/realtime"
)

// fakeFetcher serves snapshots from an online map.
type fakeFetcher struct {
	mu         sync.Mutex
	online     map[string]bool
	lastUpdate time.Time
	err        error
	calls      int
	filters    [][]string

	// gate, when set, blocks the first call until closed.
	gate chan struct{}
}

func newFakeFetcher(online map[string]bool) *fakeFetcher {
	return &fakeFetcher{online: online}
}

func (f *fakeFetcher) set(ext string, online bool) {
	f.mu.Lock()
	f.online[ext] = online
	f.mu.Unlock()
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) Fetch(ctx context.Context, extensions []string) (*presence.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	gate := f.gate
	f.mu.Unlock()

	if call == 1 && gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, extensions)
	if f.err != nil {
		return nil, f.err
	}

	snap := &presence.Snapshot{
		Extensions: make(map[string]presence.StatusSnapshot),
		LastUpdate: f.lastUpdate,
		FetchedAt:  time.Now(),
	}
	want := make(map[string]bool)
	for _, e := range extensions {
		want[e] = true
	}
	for ext, on := range f.online {
		if len(want) > 0 && !want[ext] {
			continue
		}
		snap.Extensions[ext] = presence.StatusSnapshot{
			ExtensionID: ext,
			IsOnline:    on,
			Source:      presence.SourceFallback,
			ObservedAt:  snap.ObservedAt(),
		}
		if on {
			snap.OnlineCount++
		}
	}
	snap.TotalExtensions = len(snap.Extensions)
	return snap, nil
}

// fakeTransport hands out in-memory streams.
type fakeTransport struct {
	mu      sync.Mutex
	fail    error
	streams []*fakeStream
}

func (f *fakeTransport) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeTransport) Subscribe(_ context.Context, req protocol.SubscribeRequest) (realtime.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	s := &fakeStream{
		req:    req,
		events: make(chan protocol.PushEvent, 16),
		done:   make(chan struct{}),
	}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeTransport) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

type fakeStream struct {
	req    protocol.SubscribeRequest
	events chan protocol.PushEvent
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *fakeStream) Events() <-chan protocol.PushEvent { return s.events }
func (s *fakeStream) Done() <-chan struct{}             { return s.done }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// kill simulates a lost connection.
func (s *fakeStream) kill() {
	s.mu.Lock()
	s.err = errors.New("connection reset")
	s.mu.Unlock()
	_ = s.Close()
}

func (s *fakeStream) push(ext, status string) {
	s.events <- protocolEvent(ext, status, true)
}

func protocolEvent(ext, status string, isRealtime bool) protocol.PushEvent {
	return protocol.PushEvent{Extension: ext, Status: status, IsRealtime: isRealtime}
}

// changeLog records listener notifications.
type changeLog struct {
	mu      sync.Mutex
	changes []listeners.Change
}

func (c *changeLog) record(ch listeners.Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *changeLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func (c *changeLog) all() []listeners.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]listeners.Change(nil), c.changes...)
}

type countingExpirer struct {
	mu    sync.Mutex
	calls int
}

func (e *countingExpirer) Expire(error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
}

func (e *countingExpirer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func realtimeOptions(tr realtime.Transport, contexts ...string) *realtime.Options {
	return &realtime.Options{
		Transport:  tr,
		Contexts:   contexts,
		StaleAfter: time.Minute,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
		Log:        zerolog.Nop(),
	}
}

func newTestReconciler(t *testing.T, f presence.SnapshotFetcher, rt *realtime.Options, mutate func(*Options)) *Reconciler {
	t.Helper()
	opts := Options{
		Fetcher:      f,
		Cache:        NewStatusCache(cache.NewMemoryStore(), 0, zerolog.Nop()),
		Realtime:     rt,
		PollInterval: 20 * time.Millisecond,
		Log:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func online(r *Reconciler, ext string) (on, ok bool) {
	e, ok := r.Status(ext)
	return e.Payload.IsOnline, ok
}
