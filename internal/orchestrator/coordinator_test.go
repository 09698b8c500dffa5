package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rowanharley/fleetdiag/internal/collector"
	"github.com/rowanharley/fleetdiag/internal/event"
	"github.com/rowanharley/fleetdiag/internal/store"
)

// fakeStore is an in-memory store that records the mutations the
// coordinator makes.
type fakeStore struct {
	mu sync.Mutex

	session   *store.Session
	activeErr error

	started   map[string]bool
	completed map[string]bool
	required  []string

	sessionComplete bool
	sessionForced   bool
	completeCalls   int

	artifacts  []store.Artifact
	heartbeats map[string]int
}

func newFakeStore(sess *store.Session, required ...string) *fakeStore {
	return &fakeStore{
		session:    sess,
		required:   required,
		started:    make(map[string]bool),
		completed:  make(map[string]bool),
		heartbeats: make(map[string]int),
	}
}

func (f *fakeStore) ActiveSession(ctx context.Context) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	if f.sessionComplete {
		return nil, nil
	}
	return f.session, nil
}

func (f *fakeStore) ShouldCollect(ctx context.Context, s *store.Session, instanceID string) (bool, error) {
	return store.InScope(s.Scope, instanceID), nil
}

func (f *fakeStore) HasCollected(ctx context.Context, s *store.Session, instanceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[instanceID], nil
}

func (f *fakeStore) MarkInstanceStarted(ctx context.Context, s *store.Session, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[instanceID] = true
	return nil
}

func (f *fakeStore) MarkInstanceComplete(ctx context.Context, s *store.Session, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[instanceID] = true
	return nil
}

func (f *fakeStore) AllCollected(ctx context.Context, s *store.Session) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.required) == 0 {
		return false, nil
	}
	for _, id := range f.required {
		if !f.completed[id] {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeStore) MarkSessionComplete(ctx context.Context, s *store.Session, forced bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionComplete {
		return nil
	}
	f.sessionComplete = true
	f.sessionForced = forced
	f.completeCalls++
	return nil
}

func (f *fakeStore) AddArtifacts(ctx context.Context, s *store.Session, artifacts []store.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, artifacts...)
	return nil
}

func (f *fakeStore) RegisterInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[instanceID]++
	return nil
}

func (f *fakeStore) Instances(ctx context.Context) ([]store.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var out []store.Instance
	for _, id := range f.required {
		out = append(out, store.Instance{ID: id, LastSeen: now})
	}
	return out, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, s *store.Session) error { return nil }

func (f *fakeStore) Session(ctx context.Context, sessionID string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil || f.session.ID != sessionID {
		return nil, store.ErrNotFound
	}
	return f.session, nil
}

func (f *fakeStore) ListSessions(ctx context.Context) ([]*store.Session, error) { return nil, nil }
func (f *fakeStore) Close() error                                              { return nil }

func (f *fakeStore) snapshot() (complete, forced bool, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionComplete, f.sessionForced, f.completeCalls
}

// fakeCollector lets tests control how long a run takes and observe
// start counts and cancellation.
type fakeCollector struct {
	kind  store.ToolKind
	delay time.Duration
	err   error

	mu        sync.Mutex
	starts    int
	cancelled bool
	runCtx    context.Context
}

func (f *fakeCollector) Kind() store.ToolKind { return f.kind }

func (f *fakeCollector) Collect(ctx context.Context, req collector.Request) ([]store.Artifact, error) {
	f.mu.Lock()
	f.starts++
	f.runCtx = ctx
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
		return nil, ctx.Err()
	}

	if f.err != nil {
		return nil, f.err
	}
	return []store.Artifact{{Path: "/tmp/out.pprof", Name: "out.pprof", SizeBytes: 42}}, nil
}

func (f *fakeCollector) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeCollector) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeCollector) lastCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runCtx
}

// fixedClock returns a settable time; the loop's timer channel is unused
// because tests drive ticks directly.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) After(d time.Duration) <-chan time.Time {
	return make(chan time.Time) // never fires
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSession(t *testing.T, tool store.ToolKind, scope []string) *store.Session {
	t.Helper()
	sess, err := store.NewSession(tool, nil, scope)
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	return sess
}

func newTestCoordinator(t *testing.T, fs *fakeStore, col collector.Collector, opts ...Option) *Coordinator {
	t.Helper()
	reg := collector.NewRegistry()
	if col != nil {
		reg.Register(col)
	}
	base := []Option{WithClock(&fixedClock{now: time.Now().UTC()})}
	return New(fs, reg, "web-1", t.TempDir(), append(base, opts...)...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTickStartsCollectionOnce(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolMemoryDump, nil)
	fs := newFakeStore(sess, "web-1", "web-2")
	col := &fakeCollector{kind: store.ToolMemoryDump, delay: time.Hour}
	c := newTestCoordinator(t, fs, col)

	c.tick(ctx)
	if col.startCount() != 1 {
		t.Fatalf("starts = %d after first tick, want 1", col.startCount())
	}

	// Later ticks must not start a second concurrent run for the same
	// session.
	c.tick(ctx)
	c.tick(ctx)
	if col.startCount() != 1 {
		t.Errorf("starts = %d after repeated ticks, want 1", col.startCount())
	}
	if c.RunningTasks() != 1 {
		t.Errorf("RunningTasks() = %d, want 1", c.RunningTasks())
	}
}

func TestCollectionCompletesAndClosesSession(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolMemoryDump, nil)
	fs := newFakeStore(sess, "web-1")
	col := &fakeCollector{kind: store.ToolMemoryDump}
	c := newTestCoordinator(t, fs, col)

	c.tick(ctx)

	// This instance is the whole fleet, so its finish closes the session
	// reactively, with no further tick.
	waitFor(t, "session completion", func() bool {
		complete, _, _ := fs.snapshot()
		return complete
	})

	complete, forced, calls := fs.snapshot()
	if !complete || forced {
		t.Errorf("complete=%v forced=%v, want complete and not forced", complete, forced)
	}
	if calls != 1 {
		t.Errorf("completion calls = %d, want 1", calls)
	}

	fs.mu.Lock()
	artifacts := len(fs.artifacts)
	completedLocal := fs.completed["web-1"]
	fs.mu.Unlock()
	if artifacts != 1 {
		t.Errorf("recorded artifacts = %d, want 1", artifacts)
	}
	if !completedLocal {
		t.Error("instance was not marked complete")
	}

	// The finished handle is reaped on the next tick.
	c.tick(ctx)
	if c.RunningTasks() != 0 {
		t.Errorf("RunningTasks() = %d after reap, want 0", c.RunningTasks())
	}
}

func TestGlobalCompletionNoticedByNonParticipant(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolMemoryDump, []string{"db-*"})
	fs := newFakeStore(sess, "db-1")
	fs.completed["db-1"] = true
	col := &fakeCollector{kind: store.ToolMemoryDump}
	c := newTestCoordinator(t, fs, col)

	// web-1 is out of scope but its tick still closes the session once
	// every required instance is done.
	c.tick(ctx)

	complete, forced, _ := fs.snapshot()
	if !complete || forced {
		t.Errorf("complete=%v forced=%v, want complete and not forced", complete, forced)
	}
	if col.startCount() != 0 {
		t.Errorf("out-of-scope instance started collection %d times", col.startCount())
	}
}

func TestDeadlineForcesCompletion(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolMemoryDump, nil)
	fs := newFakeStore(sess, "web-1", "web-2")
	col := &fakeCollector{kind: store.ToolMemoryDump}
	clock := &fixedClock{now: time.Now().UTC()}
	c := newTestCoordinator(t, fs, col, WithClock(clock), WithMaxSessionAge(15*time.Minute))

	// Zero instances have even started; the deadline alone forces
	// completion.
	clock.advance(16 * time.Minute)
	c.tick(ctx)

	complete, forced, calls := fs.snapshot()
	if !complete || !forced {
		t.Errorf("complete=%v forced=%v, want forced completion", complete, forced)
	}
	if calls != 1 {
		t.Errorf("completion calls = %d, want 1", calls)
	}
}

func TestForcedCompletionCancelsRunningTask(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolMemoryDump, nil)
	fs := newFakeStore(sess, "web-1", "web-2")
	col := &fakeCollector{kind: store.ToolMemoryDump, delay: time.Hour}
	clock := &fixedClock{now: time.Now().UTC()}
	c := newTestCoordinator(t, fs, col, WithClock(clock))

	c.tick(ctx)
	if col.startCount() != 1 {
		t.Fatalf("starts = %d, want 1", col.startCount())
	}

	clock.advance(16 * time.Minute)
	c.tick(ctx)

	waitFor(t, "task cancellation", col.wasCancelled)

	_, forced, _ := fs.snapshot()
	if !forced {
		t.Error("completion was not forced")
	}

	// The cancelled run is a valid terminal state for reaping.
	waitFor(t, "handle reap", func() bool {
		c.tick(ctx)
		return c.RunningTasks() == 0
	})
}

func TestAlreadyCollectedDoesNotRestart(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolMemoryDump, nil)
	fs := newFakeStore(sess, "web-1", "web-2")
	fs.completed["web-1"] = true
	col := &fakeCollector{kind: store.ToolMemoryDump}
	c := newTestCoordinator(t, fs, col)

	c.tick(ctx)
	if col.startCount() != 0 {
		t.Errorf("starts = %d for already-collected instance, want 0", col.startCount())
	}
}

func TestUnknownToolFailsOnceAndIsNotRetried(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolCPUTrace, nil)
	fs := newFakeStore(sess, "web-1", "web-2")
	// Registry only knows memory-dump.
	col := &fakeCollector{kind: store.ToolMemoryDump}
	c := newTestCoordinator(t, fs, col)

	c.tick(ctx)
	c.tick(ctx)
	c.tick(ctx)

	fs.mu.Lock()
	started := fs.started["web-1"]
	completed := fs.completed["web-1"]
	fs.mu.Unlock()
	if started {
		t.Error("instance marked started despite unknown tool")
	}
	if completed {
		t.Error("instance marked complete despite unknown tool")
	}

	c.mu.Lock()
	_, failed := c.failed[sess.ID]
	c.mu.Unlock()
	if !failed {
		t.Error("session not recorded as locally failed")
	}
}

func TestCollectorErrorStillReaped(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolMemoryDump, nil)
	fs := newFakeStore(sess, "web-1", "web-2")
	col := &fakeCollector{kind: store.ToolMemoryDump, err: errors.New("capture exploded")}
	c := newTestCoordinator(t, fs, col)

	c.tick(ctx)

	waitFor(t, "failed handle reap", func() bool {
		c.tick(ctx)
		return c.RunningTasks() == 0
	})

	fs.mu.Lock()
	completed := fs.completed["web-1"]
	fs.mu.Unlock()
	if completed {
		t.Error("failed run was marked complete")
	}
}

func TestReapReleasesTaskContext(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolMemoryDump, nil)
	fs := newFakeStore(sess, "web-1", "web-2")
	col := &fakeCollector{kind: store.ToolMemoryDump}
	c := newTestCoordinator(t, fs, col)

	c.tick(ctx)

	waitFor(t, "handle reap", func() bool {
		c.tick(ctx)
		return c.RunningTasks() == 0
	})

	// Reap must cancel the finished task's context so it detaches from
	// its parent; a daemon otherwise accumulates one per session.
	taskCtx := col.lastCtx()
	if taskCtx == nil {
		t.Fatal("collector never ran")
	}
	select {
	case <-taskCtx.Done():
	default:
		t.Error("task context still live after reap")
	}
}

func TestStoreErrorDoesNotStopTicking(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolMemoryDump, nil)
	fs := newFakeStore(sess, "web-1")
	fs.activeErr = errors.New("shared volume unavailable")
	col := &fakeCollector{kind: store.ToolMemoryDump}
	c := newTestCoordinator(t, fs, col)

	c.tick(ctx)
	if col.startCount() != 0 {
		t.Fatalf("starts = %d during store outage, want 0", col.startCount())
	}

	// Store recovers; the next tick proceeds normally.
	fs.mu.Lock()
	fs.activeErr = nil
	fs.mu.Unlock()

	c.tick(ctx)
	if col.startCount() != 1 {
		t.Errorf("starts = %d after recovery, want 1", col.startCount())
	}
}

func TestGateDisablesTick(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolMemoryDump, nil)
	fs := newFakeStore(sess, "web-1")
	col := &fakeCollector{kind: store.ToolMemoryDump}

	enabled := false
	c := newTestCoordinator(t, fs, col, WithGate(func() bool { return enabled }))

	c.tick(ctx)
	if col.startCount() != 0 {
		t.Fatalf("starts = %d with gate closed, want 0", col.startCount())
	}
	fs.mu.Lock()
	beats := fs.heartbeats["web-1"]
	fs.mu.Unlock()
	if beats != 0 {
		t.Errorf("heartbeats = %d with gate closed, want 0", beats)
	}

	enabled = true
	c.tick(ctx)
	if col.startCount() != 1 {
		t.Errorf("starts = %d with gate open, want 1", col.startCount())
	}
}

func TestTickHeartbeats(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore(nil, "web-1")
	c := newTestCoordinator(t, fs, nil)

	c.tick(ctx)
	c.tick(ctx)

	fs.mu.Lock()
	beats := fs.heartbeats["web-1"]
	fs.mu.Unlock()
	if beats != 2 {
		t.Errorf("heartbeats = %d, want 2", beats)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	fs := newFakeStore(nil)
	c := newTestCoordinator(t, fs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := c.Start(ctx); err == nil {
		t.Error("second Start() did not fail")
	}

	c.Stop()
	c.Stop() // idempotent
}

func TestWakeTriggersTick(t *testing.T) {
	sess := newTestSession(t, store.ToolMemoryDump, nil)
	fs := newFakeStore(sess, "web-1")
	col := &fakeCollector{kind: store.ToolMemoryDump, delay: time.Hour}
	c := newTestCoordinator(t, fs, col, WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hold the session back so the startup tick sees nothing, then
	// publish it and wake the loop.
	fs.mu.Lock()
	fs.activeErr = errors.New("not yet")
	fs.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop()

	fs.mu.Lock()
	fs.activeErr = nil
	fs.mu.Unlock()
	c.Wake()

	waitFor(t, "wake-driven collection start", func() bool {
		return col.startCount() == 1
	})
}

func TestEventsPublished(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(t, store.ToolMemoryDump, nil)
	fs := newFakeStore(sess, "web-1")
	col := &fakeCollector{kind: store.ToolMemoryDump}

	bus := event.NewBus()
	var mu sync.Mutex
	var seen []string
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		seen = append(seen, e.EventType())
		mu.Unlock()
	})

	c := newTestCoordinator(t, fs, col, WithBus(bus))
	c.tick(ctx)

	waitFor(t, "all events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := map[string]bool{
		"collection.started":  false,
		"collection.finished": false,
		"session.completed":   false,
	}
	for _, typ := range seen {
		want[typ] = true
	}
	for typ, ok := range want {
		if !ok {
			t.Errorf("event %q was not published", typ)
		}
	}
}
