// Package scheduler owns the per-node probe timers: one goroutine per
// scheduled node, firing on the node's own cadence, with probe dispatch
// bounded by a shared semaphore.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/upmon/upmon/internal/health"
	"github.com/upmon/upmon/internal/model"
	"github.com/upmon/upmon/internal/probe"
	"github.com/upmon/upmon/internal/scanloop"
	"github.com/upmon/upmon/internal/store"
)

// ProbeFunc executes one probe. Injectable for testing.
type ProbeFunc func(ctx context.Context, spec model.ProbeSpec) probe.Outcome

// Config configures the Scheduler.
type Config struct {
	Nodes   *store.NodeStore
	Samples *store.SampleStore

	// Concurrency caps probes in flight across all nodes.
	Concurrency int

	// Probe executes one probe. Injectable for testing.
	Probe ProbeFunc

	// Interval returns the wait before a node's next tick. Defaults to the
	// node's configured check interval. Injectable for testing.
	Interval func(n *model.Node) time.Duration

	// OnTick is called after each completed tick (sample persisted, state
	// applied). Optional; used by tests for synchronization.
	OnTick func(nodeID string, outcome probe.Outcome)
}

// Scheduler maintains the timer registry. Registry mutations go through
// xsync Compute so concurrent schedule/cancel for the same node never
// double-install a timer or lose a cancellation.
type Scheduler struct {
	nodes   *store.NodeStore
	samples *store.SampleStore

	registry *xsync.Map[string, *nodeTimer]
	inFlight *xsync.Map[string, struct{}]
	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	probeFn  ProbeFunc
	interval func(n *model.Node) time.Duration
	onTick   func(nodeID string, outcome probe.Outcome)
}

// nodeTimer is one node's scheduled probe loop. intervalMs is refreshed
// from the store on every tick, so an interval edit takes effect without
// tearing the timer down.
type nodeTimer struct {
	nodeID     string
	stopCh     chan struct{}
	intervalMs atomic.Int64
}

// New creates a Scheduler. Call Boot to install timers for persisted
// nodes, Stop to tear everything down.
func New(cfg Config) *Scheduler {
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 16
	}
	s := &Scheduler{
		nodes:    cfg.Nodes,
		samples:  cfg.Samples,
		registry: xsync.NewMap[string, *nodeTimer](),
		inFlight: xsync.NewMap[string, struct{}](),
		sem:      make(chan struct{}, conc),
		stopCh:   make(chan struct{}),
		probeFn:  cfg.Probe,
		interval: cfg.Interval,
		onTick:   cfg.OnTick,
	}
	if s.probeFn == nil {
		exec := probe.NewExecutor()
		s.probeFn = exec.Execute
	}
	if s.interval == nil {
		s.interval = func(n *model.Node) time.Duration { return n.CheckInterval() }
	}
	return s
}

// Boot installs a timer for every schedulable node in the store. Paused
// nodes stay unscheduled; warning and down nodes keep probing.
func (s *Scheduler) Boot() error {
	nodes, err := s.nodes.ListSchedulable()
	if err != nil {
		return err
	}
	for i := range nodes {
		s.Schedule(&nodes[i])
	}
	log.Printf("[scheduler] booted %d timers", len(nodes))
	return nil
}

// Schedule installs a probe timer for the node. Idempotent: if a timer
// already exists the call is a no-op rather than a cancel-and-reinstall,
// since the tick refreshes the cadence from the store; an explicit
// interval change goes through Reschedule. The first probe fires after
// one full interval, never immediately.
func (s *Scheduler) Schedule(n *model.Node) {
	t := &nodeTimer{
		nodeID: n.ID,
		stopCh: make(chan struct{}),
	}
	t.intervalMs.Store(int64(n.CheckIntervalMs))

	installed := false
	s.registry.Compute(n.ID, func(existing *nodeTimer, loaded bool) (*nodeTimer, xsync.ComputeOp) {
		if loaded {
			return existing, xsync.CancelOp
		}
		installed = true
		return t, xsync.UpdateOp
	})
	if !installed {
		return
	}

	node := *n
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		scanloop.Run(t.stopCh, func() time.Duration {
			cur := node
			cur.CheckIntervalMs = int(t.intervalMs.Load())
			return s.interval(&cur)
		}, 0, func() {
			s.tick(t)
		})
	}()
}

// Cancel removes the node's timer, if any. The timer goroutine exits at
// its next wakeup; an in-flight probe is allowed to finish, but the stale
// handle guard discards its effects against a newer timer.
func (s *Scheduler) Cancel(nodeID string) {
	if t, ok := s.registry.LoadAndDelete(nodeID); ok {
		close(t.stopCh)
	}
}

// Reschedule reinstalls the node's timer with fresh configuration.
// Used when the check interval changes; probe-spec-only changes are
// picked up by the tick's re-read without touching the timer.
func (s *Scheduler) Reschedule(n *model.Node) {
	s.Cancel(n.ID)
	s.Schedule(n)
}

// Scheduled reports whether the node currently holds a timer.
func (s *Scheduler) Scheduled(nodeID string) bool {
	_, ok := s.registry.Load(nodeID)
	return ok
}

// TimerCount returns the number of installed timers.
func (s *Scheduler) TimerCount() int {
	return s.registry.Size()
}

// Stop cancels every timer, signals the probe dispatch to stop, and
// waits for all timer goroutines and in-flight probes to drain.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.registry.Range(func(id string, t *nodeTimer) bool {
			if cur, ok := s.registry.LoadAndDelete(id); ok && cur == t {
				close(t.stopCh)
			}
			return true
		})
	})
	s.wg.Wait()
}

// tick runs one probe cycle for the timer's node: re-read configuration,
// probe, append the sample, apply the state transition.
func (s *Scheduler) tick(t *nodeTimer) {
	// At most one probe in flight per node. A reinstalled timer can fire
	// while the probe from the displaced timer is still running; that fire
	// is skipped, not queued.
	if _, loaded := s.inFlight.LoadOrStore(t.nodeID, struct{}{}); loaded {
		return
	}
	defer s.inFlight.Delete(t.nodeID)

	// Stale handle guard: a cancel/reschedule may have replaced this timer
	// between the fire and now.
	if cur, ok := s.registry.Load(t.nodeID); !ok || cur != t {
		return
	}

	n, err := s.nodes.Get(t.nodeID)
	if err != nil {
		// Deleted out from under the timer; tear it down.
		s.cancelSelf(t)
		return
	}
	if n.Status == model.StatusPaused {
		s.cancelSelf(t)
		return
	}
	t.intervalMs.Store(int64(n.CheckIntervalMs))

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.stopCh:
		return
	}

	outcome := s.probeFn(context.Background(), n.ProbeSpec())
	nowMs := time.Now().UnixMilli()

	// A delete can land while the probe is running. Samples carry no
	// foreign key to nodes, so re-check before persisting rather than
	// leave an orphan sample behind the cascade.
	if _, err := s.nodes.Get(t.nodeID); err != nil {
		s.cancelSelf(t)
		return
	}

	sample := outcomeSample(n.ID, outcome, nowMs)
	if err := s.samples.Append(sample); err != nil {
		log.Printf("[scheduler] append sample for %s: %v", n.ID, err)
	}

	if err := s.applyOutcome(n, outcome.Success, nowMs); err != nil {
		log.Printf("[scheduler] apply outcome for %s: %v", n.ID, err)
	}

	if s.onTick != nil {
		s.onTick(n.ID, outcome)
	}
}

// applyOutcome persists the state transition for one probe result. The
// failure counter is incremented in the store and the returned value
// drives the transition, so concurrent ticks for different nodes never
// read stale counters.
func (s *Scheduler) applyOutcome(n *model.Node, success bool, nowMs int64) error {
	if success {
		d := health.Apply(n.Status, n.ConsecutiveFailures, n.FailureThreshold, true)
		if d.StatusChanged {
			log.Printf("[scheduler] node %s recovered: %s -> active", n.ID, n.Status)
		}
		return s.nodes.ResetFailures(n.ID, nowMs)
	}

	count, err := s.nodes.IncrementFailures(n.ID, nowMs)
	if err != nil {
		return err
	}
	d := health.Apply(n.Status, count-1, n.FailureThreshold, false)
	if d.StatusChanged {
		log.Printf("[scheduler] node %s: %s -> %s after %d consecutive failures",
			n.ID, n.Status, d.Status, count)
		return s.nodes.UpdateStatus(n.ID, d.Status, nowMs)
	}
	return nil
}

// cancelSelf removes the timer from the registry only if it is still the
// registered one, then stops its loop.
func (s *Scheduler) cancelSelf(t *nodeTimer) {
	removed := false
	s.registry.Compute(t.nodeID, func(cur *nodeTimer, loaded bool) (*nodeTimer, xsync.ComputeOp) {
		if loaded && cur == t {
			removed = true
			return nil, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
	if removed {
		close(t.stopCh)
	}
}

func outcomeSample(nodeID string, o probe.Outcome, nowMs int64) *model.Sample {
	return &model.Sample{
		ID:              uuid.NewString(),
		NodeID:          nodeID,
		StatusCode:      o.StatusCode,
		StatusText:      o.StatusText,
		ResponseTimeMs:  o.ResponseTimeMs,
		Success:         o.Success,
		ErrorMessage:    o.ErrorMessage,
		ResponseHeaders: o.ResponseHeaders,
		ResponseBody:    o.ResponseBody,
		BodyTruncated:   o.BodyTruncated,
		CreatedAtMs:     nowMs,
	}
}
