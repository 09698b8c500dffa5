// Package orchestrator runs the per-instance control loop that drives
// fleet-wide diagnostic collection sessions. Every instance runs the same
// loop against the same shared store; there is no leader. Each tick the
// loop discovers the active session, checks global completion and the
// session deadline, decides local participation, starts at most one local
// collection task per session, and reaps finished task handles.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rowanharley/fleetdiag/internal/collector"
	"github.com/rowanharley/fleetdiag/internal/event"
	"github.com/rowanharley/fleetdiag/internal/logging"
	"github.com/rowanharley/fleetdiag/internal/store"
)

const (
	// DefaultPollInterval is how often the loop re-examines shared state.
	DefaultPollInterval = time.Minute

	// DefaultMaxSessionAge bounds how long a session may run before any
	// instance forces it complete.
	DefaultMaxSessionAge = 15 * time.Minute
)

// Coordinator is the per-instance session orchestrator.
type Coordinator struct {
	store      store.Store
	registry   *collector.Registry
	instanceID string
	outputDir  string

	clock         Clock
	pollInterval  time.Duration
	maxSessionAge time.Duration
	gate          func() bool
	bus           *event.Bus
	logger        *logging.Logger

	// mu guards tasks and failed against the tick loop racing task
	// completion goroutines.
	mu    sync.Mutex
	tasks map[string]*taskHandle

	// failed holds session ids whose local participation hit a fatal,
	// non-retryable error (e.g. an unknown tool). These sessions are
	// never started again on this instance; the deadline path closes
	// them fleet-wide.
	failed map[string]struct{}

	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
	startMu sync.Mutex
}

// taskHandle tracks one in-flight local collection run.
type taskHandle struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{} // closed when the run reaches a terminal state
}

func (h *taskHandle) terminal() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the system clock, for tests.
func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithPollInterval overrides how often the loop ticks.
func WithPollInterval(d time.Duration) Option {
	return func(co *Coordinator) { co.pollInterval = d }
}

// WithMaxSessionAge overrides the forced-completion deadline.
func WithMaxSessionAge(d time.Duration) Option {
	return func(co *Coordinator) { co.maxSessionAge = d }
}

// WithGate installs a capability check consulted at the top of every
// tick. When it returns false the tick is a no-op.
func WithGate(gate func() bool) Option {
	return func(co *Coordinator) { co.gate = gate }
}

// WithBus publishes domain events to the given bus.
func WithBus(bus *event.Bus) Option {
	return func(co *Coordinator) { co.bus = bus }
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(co *Coordinator) { co.logger = logger }
}

// New creates a Coordinator for the given instance. outputDir is where
// collection artifacts land; it is created on demand.
func New(st store.Store, registry *collector.Registry, instanceID, outputDir string, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         st,
		registry:      registry,
		instanceID:    instanceID,
		outputDir:     outputDir,
		clock:         RealClock(),
		pollInterval:  DefaultPollInterval,
		maxSessionAge: DefaultMaxSessionAge,
		gate:          func() bool { return true },
		logger:        logging.NopLogger(),
		tasks:         make(map[string]*taskHandle),
		failed:        make(map[string]struct{}),
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithInstance(instanceID)
	return c
}

// Start launches the poll loop. It returns an error if the coordinator
// is already running. The loop stops when ctx is cancelled or Stop is
// called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return errors.New("coordinator already started")
	}
	c.started = true

	go c.run(ctx)
	return nil
}

// Stop terminates the poll loop, cancels any in-flight local collection
// tasks, and waits for the loop to exit.
func (c *Coordinator) Stop() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if !c.started || c.stopped {
		return
	}
	c.stopped = true

	close(c.stopCh)
	<-c.doneCh

	c.mu.Lock()
	for _, h := range c.tasks {
		h.cancel()
	}
	c.mu.Unlock()
}

// Wake nudges the loop to tick ahead of schedule, e.g. when a store
// watcher observes a change. Safe to call from any goroutine; redundant
// wakes coalesce.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// RunningTasks reports how many local collection tasks are tracked,
// including finished ones awaiting reap.
func (c *Coordinator) RunningTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	c.logger.Info("orchestrator started", "poll_interval", c.pollInterval, "max_session_age", c.maxSessionAge)
	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("orchestrator stopping", "reason", "context cancelled")
			return
		case <-c.stopCh:
			c.logger.Info("orchestrator stopping", "reason", "stop requested")
			return
		case <-c.clock.After(c.pollInterval):
			c.tick(ctx)
		case <-c.wake:
			c.tick(ctx)
		}
	}
}

// tick runs one full pass: heartbeat, session processing, reap. Ticks
// never overlap; a tick that fails part-way logs and leaves the rest to
// the next tick.
func (c *Coordinator) tick(ctx context.Context) {
	if !c.gate() {
		return
	}

	if err := c.store.RegisterInstance(ctx, c.instanceID); err != nil {
		c.logger.Warn("heartbeat failed", "error", err)
	}

	c.processSession(ctx)
	c.reap()
}

func (c *Coordinator) processSession(ctx context.Context) {
	sess, err := c.store.ActiveSession(ctx)
	if err != nil {
		c.logger.Error("fetch active session failed", "error", err)
		return
	}
	if sess == nil {
		return
	}

	log := c.logger.WithSession(sess.ID)

	done, err := c.store.AllCollected(ctx, sess)
	if err != nil {
		log.Error("completion check failed", "error", err)
		return
	}
	if done {
		c.completeSession(ctx, sess, false)
		return
	}

	if sess.Age(c.clock.Now()) > c.maxSessionAge {
		log.Warn("session exceeded max duration, forcing completion",
			"age", sess.Age(c.clock.Now()), "max", c.maxSessionAge)
		c.completeSession(ctx, sess, true)
		return
	}

	should, err := c.store.ShouldCollect(ctx, sess, c.instanceID)
	if err != nil {
		log.Error("participation check failed", "error", err)
		return
	}
	if !should {
		return
	}

	c.mu.Lock()
	_, running := c.tasks[sess.ID]
	_, failedLocally := c.failed[sess.ID]
	c.mu.Unlock()
	if running || failedLocally {
		return
	}

	collected, err := c.store.HasCollected(ctx, sess, c.instanceID)
	if err != nil {
		log.Error("collected check failed", "error", err)
		return
	}
	if collected {
		return
	}

	c.startCollection(ctx, sess, log)
}

// startCollection begins the local collection task for the session. An
// unknown tool kind is fatal for this session on this instance: it is
// recorded in the failed set and never retried, and the instance is not
// marked complete, which leaves the deadline path to close the session.
func (c *Coordinator) startCollection(ctx context.Context, sess *store.Session, log *logging.Logger) {
	col, err := c.registry.Lookup(sess.Tool)
	if err != nil {
		log.Error("cannot participate in session", "tool", sess.Tool, "error", err)
		c.mu.Lock()
		c.failed[sess.ID] = struct{}{}
		c.mu.Unlock()
		return
	}

	if err := c.store.MarkInstanceStarted(ctx, sess, c.instanceID); err != nil {
		log.Error("mark started failed", "error", err)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	handle := &taskHandle{
		sessionID: sess.ID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.tasks[sess.ID] = handle
	c.mu.Unlock()

	log.Info("starting local collection", "tool", sess.Tool)
	c.publish(event.NewCollectionStartedEvent(sess.ID, c.instanceID, string(sess.Tool)))

	go c.runCollection(taskCtx, handle, col, sess, log)
}

// runCollection performs one collection run to its terminal state. It is
// the only writer of the handle's done channel; the tick loop only reads
// it during reap.
func (c *Coordinator) runCollection(ctx context.Context, handle *taskHandle, col collector.Collector, sess *store.Session, log *logging.Logger) {
	defer close(handle.done)

	artifacts, err := c.collect(ctx, col, sess)
	if err != nil {
		log.Error("collection failed", "tool", sess.Tool, "error", err)
		c.publish(event.NewCollectionFinishedEvent(sess.ID, c.instanceID, 0, err.Error()))
		return
	}

	if err := c.store.AddArtifacts(ctx, sess, artifacts); err != nil {
		log.Error("record artifacts failed", "error", err)
		return
	}
	if err := c.store.MarkInstanceComplete(ctx, sess, c.instanceID); err != nil {
		log.Error("mark complete failed", "error", err)
		return
	}

	log.Info("local collection finished", "tool", sess.Tool, "artifacts", len(artifacts))
	c.publish(event.NewCollectionFinishedEvent(sess.ID, c.instanceID, len(artifacts), ""))

	// The last instance to finish closes the session immediately instead
	// of waiting for somebody's next poll tick.
	done, err := c.store.AllCollected(ctx, sess)
	if err != nil {
		log.Error("post-collection completion check failed", "error", err)
		return
	}
	if done {
		c.completeSession(ctx, sess, false)
	}
}

// collect invokes the tool, converting a panic inside a collector into an
// error so one bad tool cannot take down the loop.
func (c *Coordinator) collect(ctx context.Context, col collector.Collector, sess *store.Session) (artifacts []store.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panic: %v", r)
		}
	}()

	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return col.Collect(ctx, collector.Request{
		Session:    sess,
		InstanceID: c.instanceID,
		OutputDir:  c.outputDir,
	})
}

// completeSession marks the session complete in the store. Forced
// completion also cancels a still-running local task for that session;
// its result is discarded and the handle reaped normally.
func (c *Coordinator) completeSession(ctx context.Context, sess *store.Session, forced bool) {
	if forced {
		c.mu.Lock()
		if h, ok := c.tasks[sess.ID]; ok {
			h.cancel()
		}
		c.mu.Unlock()
	}

	if err := c.store.MarkSessionComplete(ctx, sess, forced); err != nil {
		c.logger.WithSession(sess.ID).Error("mark session complete failed", "error", err)
		return
	}

	c.logger.WithSession(sess.ID).Info("session complete", "forced", forced)
	c.publish(event.NewSessionCompletedEvent(sess.ID, forced))
}

// reap drops handles whose runs reached a terminal state, bounding the
// tracking map across many sessions over the process's lifetime. The
// cancel call releases the task context's registration in its parent;
// without it a long-lived daemon accumulates one per session.
func (c *Coordinator) reap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range c.tasks {
		if h.terminal() {
			h.cancel()
			delete(c.tasks, id)
		}
	}
}

func (c *Coordinator) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}
