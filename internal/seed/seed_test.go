package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/upmon/upmon/internal/model"
	"github.com/upmon/upmon/internal/probe"
	"github.com/upmon/upmon/internal/scheduler"
	"github.com/upmon/upmon/internal/service"
	"github.com/upmon/upmon/internal/store"
	"github.com/upmon/upmon/internal/telemetry"
)

const seedDoc = `nodes:
  - user_id: u1
    name: api
    endpoint_url: https://api.example.test/health
    check_interval_ms: 60000
  - user_id: u1
    name: web
    endpoint_url: https://web.example.test
    method: POST
    check_interval_ms: 30000
    expected_status_codes: [200, 202]
    failure_threshold: 5
  - user_id: u2
    name: api
    endpoint_url: https://other.example.test
    check_interval_ms: 60000
`

func newTestControlPlane(t *testing.T) *service.ControlPlane {
	t.Helper()
	db, err := store.Bootstrap(filepath.Join(t.TempDir(), "upmon.db"))
	if err != nil {
		t.Fatalf("bootstrap db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	nodes := store.NewNodeStore(db)
	samples := store.NewSampleStore(db)
	sched := scheduler.New(scheduler.Config{
		Nodes:   nodes,
		Samples: samples,
		Probe: func(context.Context, model.ProbeSpec) probe.Outcome {
			return probe.Outcome{Success: true, StatusCode: 200}
		},
		Interval: func(*model.Node) time.Duration { return time.Hour },
	})
	t.Cleanup(sched.Stop)

	return &service.ControlPlane{
		Nodes:     nodes,
		Samples:   samples,
		Scheduler: sched,
		Telemetry: telemetry.NewAggregator(nodes, samples, nil),
		Executor:  probe.NewExecutor(),
	}
}

func writeSeedFile(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestImportCreatesAndSchedules(t *testing.T) {
	cp := newTestControlPlane(t)
	if err := Import(writeSeedFile(t, seedDoc), cp); err != nil {
		t.Fatalf("import: %v", err)
	}

	u1, err := cp.Nodes.ListByUser("u1", store.NodeFilter{})
	if err != nil {
		t.Fatalf("list u1: %v", err)
	}
	if len(u1) != 2 {
		t.Fatalf("u1 nodes = %d, want 2", len(u1))
	}
	u2, err := cp.Nodes.ListByUser("u2", store.NodeFilter{})
	if err != nil {
		t.Fatalf("list u2: %v", err)
	}
	if len(u2) != 1 {
		t.Fatalf("u2 nodes = %d, want 1", len(u2))
	}
	if got := cp.Scheduler.TimerCount(); got != 3 {
		t.Fatalf("timers = %d, want 3", got)
	}

	for _, n := range u1 {
		if n.Name == "web" {
			if n.Method != model.MethodPost || n.FailureThreshold != 5 {
				t.Fatalf("web node = %+v", n)
			}
		}
	}
}

func TestImportIsIdempotent(t *testing.T) {
	cp := newTestControlPlane(t)
	path := writeSeedFile(t, seedDoc)
	if err := Import(path, cp); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if err := Import(path, cp); err != nil {
		t.Fatalf("second import: %v", err)
	}
	u1, err := cp.Nodes.ListByUser("u1", store.NodeFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(u1) != 2 {
		t.Fatalf("u1 nodes after re-import = %d, want 2", len(u1))
	}
}

func TestImportSkipsInvalidEntries(t *testing.T) {
	cp := newTestControlPlane(t)
	doc := `nodes:
  - user_id: u1
    name: ok
    endpoint_url: https://ok.example.test
    check_interval_ms: 60000
  - user_id: u1
    name: broken
    endpoint_url: not-a-url
    check_interval_ms: 60000
  - name: no-user
    endpoint_url: https://x.example.test
    check_interval_ms: 60000
`
	if err := Import(writeSeedFile(t, doc), cp); err != nil {
		t.Fatalf("import: %v", err)
	}
	u1, err := cp.Nodes.ListByUser("u1", store.NodeFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(u1) != 1 || u1[0].Name != "ok" {
		t.Fatalf("nodes = %+v, want only the valid entry", u1)
	}
}

func TestImportMalformedFile(t *testing.T) {
	cp := newTestControlPlane(t)
	if err := Import(writeSeedFile(t, "nodes: [broken"), cp); err == nil {
		t.Fatal("malformed yaml accepted")
	}
	if err := Import(filepath.Join(t.TempDir(), "missing.yaml"), cp); err == nil {
		t.Fatal("missing file accepted")
	}
}
