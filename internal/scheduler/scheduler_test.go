package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/upmon/upmon/internal/model"
	"github.com/upmon/upmon/internal/probe"
	"github.com/upmon/upmon/internal/store"
)

func newTestStores(t *testing.T) (*store.NodeStore, *store.SampleStore) {
	t.Helper()
	db, err := store.Bootstrap(filepath.Join(t.TempDir(), "upmon.db"))
	if err != nil {
		t.Fatalf("bootstrap db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewNodeStore(db), store.NewSampleStore(db)
}

func seedNode(t *testing.T, nodes *store.NodeStore, threshold int) *model.Node {
	t.Helper()
	now := time.Now().UnixMilli()
	n := &model.Node{
		ID:                  uuid.NewString(),
		UserID:              "u1",
		Name:                "api",
		EndpointURL:         "http://127.0.0.1:1/health",
		Method:              model.MethodGet,
		CheckIntervalMs:     model.MinCheckIntervalMs,
		ExpectedStatusCodes: model.DefaultExpectedStatusCodes(),
		FailureThreshold:    threshold,
		Status:              model.StatusActive,
		CreatedAtMs:         now,
		UpdatedAtMs:         now,
	}
	if err := nodes.Create(n); err != nil {
		t.Fatalf("create node: %v", err)
	}
	return n
}

func successOutcome() probe.Outcome {
	return probe.Outcome{StatusCode: 200, StatusText: "OK", ResponseTimeMs: 12, Success: true}
}

func failureOutcome() probe.Outcome {
	return probe.Outcome{
		StatusText:   "Connection Failed",
		ErrorMessage: "dial tcp 127.0.0.1:1: connect: connection refused",
	}
}

// newTestScheduler wires a scheduler with a millisecond cadence, a scripted
// probe, and a tick notification channel.
func newTestScheduler(t *testing.T, nodes *store.NodeStore, samples *store.SampleStore,
	probeFn ProbeFunc) (*Scheduler, <-chan probe.Outcome) {
	t.Helper()
	ticks := make(chan probe.Outcome, 64)
	s := New(Config{
		Nodes:       nodes,
		Samples:     samples,
		Concurrency: 4,
		Probe:       probeFn,
		Interval:    func(*model.Node) time.Duration { return 5 * time.Millisecond },
		OnTick:      func(_ string, o probe.Outcome) { ticks <- o },
	})
	t.Cleanup(s.Stop)
	return s, ticks
}

func waitTicks(t *testing.T, ticks <-chan probe.Outcome, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ticks:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for tick %d of %d", i+1, n)
		}
	}
}

func TestTickRecordsSampleAndResetsState(t *testing.T) {
	nodes, samples := newTestStores(t)
	n := seedNode(t, nodes, 3)

	s, ticks := newTestScheduler(t, nodes, samples, func(context.Context, model.ProbeSpec) probe.Outcome {
		return successOutcome()
	})
	s.Schedule(n)
	waitTicks(t, ticks, 2)

	count, err := samples.CountByNode(n.ID)
	if err != nil {
		t.Fatalf("count samples: %v", err)
	}
	if count < 2 {
		t.Fatalf("samples = %d, want >= 2", count)
	}

	got, err := nodes.Get(n.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.Status != model.StatusActive || got.ConsecutiveFailures != 0 {
		t.Fatalf("node state = %s/%d, want active/0", got.Status, got.ConsecutiveFailures)
	}
	if got.LastCheckAtMs == nil {
		t.Fatal("last_check_at_ms not stamped")
	}
}

func TestConsecutiveFailuresReachDown(t *testing.T) {
	nodes, samples := newTestStores(t)
	n := seedNode(t, nodes, 3)

	s, ticks := newTestScheduler(t, nodes, samples, func(context.Context, model.ProbeSpec) probe.Outcome {
		return failureOutcome()
	})
	s.Schedule(n)
	waitTicks(t, ticks, 3)
	s.Stop()

	got, err := nodes.Get(n.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.Status != model.StatusDown {
		t.Fatalf("status = %s, want down", got.Status)
	}
	if got.ConsecutiveFailures < 3 {
		t.Fatalf("consecutive_failures = %d, want >= 3", got.ConsecutiveFailures)
	}
	if got.LastCheckAtMs == nil {
		t.Fatal("last_check_at_ms not stamped on failure path")
	}
}

func TestRecoveryAfterFailures(t *testing.T) {
	nodes, samples := newTestStores(t)
	n := seedNode(t, nodes, 5)

	// Two failures, then successes.
	var calls atomic.Int64
	s, ticks := newTestScheduler(t, nodes, samples, func(context.Context, model.ProbeSpec) probe.Outcome {
		if calls.Add(1) <= 2 {
			return failureOutcome()
		}
		return successOutcome()
	})
	s.Schedule(n)
	waitTicks(t, ticks, 3)
	s.Stop()

	got, err := nodes.Get(n.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.Status != model.StatusActive || got.ConsecutiveFailures != 0 {
		t.Fatalf("node state = %s/%d, want active/0 after recovery", got.Status, got.ConsecutiveFailures)
	}
}

func TestRescheduleWhileProbeInFlightSkipsOverlap(t *testing.T) {
	nodes, samples := newTestStores(t)
	n := seedNode(t, nodes, 3)

	// Block the first probe, then reinstall the timer. The fresh loop
	// fires every millisecond against the still-running probe; those
	// fires must be dropped, never run concurrently or queued.
	var probes atomic.Int32
	var running atomic.Int32
	var overlapped atomic.Bool
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	probeFn := func(context.Context, model.ProbeSpec) probe.Outcome {
		probes.Add(1)
		if running.Add(1) > 1 {
			overlapped.Store(true)
		}
		once.Do(func() { close(started) })
		<-release
		running.Add(-1)
		return successOutcome()
	}

	ticks := make(chan probe.Outcome, 64)
	s := New(Config{
		Nodes:       nodes,
		Samples:     samples,
		Concurrency: 4,
		Probe:       probeFn,
		Interval:    func(*model.Node) time.Duration { return time.Millisecond },
		OnTick:      func(_ string, o probe.Outcome) { ticks <- o },
	})
	t.Cleanup(s.Stop)

	s.Schedule(n)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for probe to start")
	}

	s.Reschedule(n)
	time.Sleep(50 * time.Millisecond)

	if got := probes.Load(); got != 1 {
		t.Fatalf("probe invocations while one was in flight = %d, want 1", got)
	}
	close(release)
	waitTicks(t, ticks, 2)
	s.Stop()

	if overlapped.Load() {
		t.Fatal("more than one probe in flight for a single node")
	}
}

func TestDeleteDuringProbeLeavesNoOrphanSample(t *testing.T) {
	nodes, samples := newTestStores(t)
	n := seedNode(t, nodes, 3)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s, _ := newTestScheduler(t, nodes, samples, func(context.Context, model.ProbeSpec) probe.Outcome {
		once.Do(func() { close(started) })
		<-release
		return successOutcome()
	})
	s.Schedule(n)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for probe to start")
	}

	// Delete the node out from under the running probe, in cascade order.
	s.Cancel(n.ID)
	if err := samples.DeleteByNode(n.ID); err != nil {
		t.Fatalf("delete samples: %v", err)
	}
	if err := nodes.Delete(n.ID); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	close(release)
	s.Stop()

	count, err := samples.CountByNode(n.ID)
	if err != nil {
		t.Fatalf("count samples: %v", err)
	}
	if count != 0 {
		t.Fatalf("samples = %d after delete, want 0", count)
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	nodes, samples := newTestStores(t)
	n := seedNode(t, nodes, 3)

	s, _ := newTestScheduler(t, nodes, samples, func(context.Context, model.ProbeSpec) probe.Outcome {
		return successOutcome()
	})
	s.Schedule(n)
	s.Schedule(n)
	if got := s.TimerCount(); got != 1 {
		t.Fatalf("timer count = %d, want 1", got)
	}
}

func TestPausedNodeTearsDownOwnTimer(t *testing.T) {
	nodes, samples := newTestStores(t)
	n := seedNode(t, nodes, 3)

	s, ticks := newTestScheduler(t, nodes, samples, func(context.Context, model.ProbeSpec) probe.Outcome {
		return successOutcome()
	})
	s.Schedule(n)
	waitTicks(t, ticks, 1)

	if err := nodes.UpdateStatus(n.ID, model.StatusPaused, time.Now().UnixMilli()); err != nil {
		t.Fatalf("pause node: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.Scheduled(n.ID) {
		if time.Now().After(deadline) {
			t.Fatal("timer still installed for paused node")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelRemovesTimer(t *testing.T) {
	nodes, samples := newTestStores(t)
	n := seedNode(t, nodes, 3)

	s, _ := newTestScheduler(t, nodes, samples, func(context.Context, model.ProbeSpec) probe.Outcome {
		return successOutcome()
	})
	s.Schedule(n)
	s.Cancel(n.ID)
	if s.Scheduled(n.ID) {
		t.Fatal("timer survived cancel")
	}
	// Cancel of an unknown node is a no-op.
	s.Cancel("no-such-node")
}

func TestBootSchedulesNonPausedNodes(t *testing.T) {
	nodes, samples := newTestStores(t)
	active := seedNode(t, nodes, 3)
	down := seedNode(t, nodes, 3)
	paused := seedNode(t, nodes, 3)
	now := time.Now().UnixMilli()
	if err := nodes.UpdateStatus(down.ID, model.StatusDown, now); err != nil {
		t.Fatalf("mark down: %v", err)
	}
	if err := nodes.UpdateStatus(paused.ID, model.StatusPaused, now); err != nil {
		t.Fatalf("mark paused: %v", err)
	}

	s, _ := newTestScheduler(t, nodes, samples, func(context.Context, model.ProbeSpec) probe.Outcome {
		return successOutcome()
	})
	if err := s.Boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}

	if !s.Scheduled(active.ID) {
		t.Fatal("active node not scheduled")
	}
	if !s.Scheduled(down.ID) {
		t.Fatal("down node not scheduled; down nodes keep probing")
	}
	if s.Scheduled(paused.ID) {
		t.Fatal("paused node scheduled at boot")
	}
}
