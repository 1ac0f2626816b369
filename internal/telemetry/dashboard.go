package telemetry

import (
	"fmt"
	"time"

	"github.com/maypok86/otter"

	"github.com/upmon/upmon/internal/store"
)

const (
	dashboardCacheTTL      = 30 * time.Second
	dashboardCacheCapacity = 4096
)

// Metric is one derived dashboard series value. Only the newest-bucket
// figure is carried; the bucket list itself holds the series.
type Metric struct {
	Current float64 `json:"current"`
}

// DashboardReport is the per-user fleet telemetry report: the bucket
// series over the dashboard window plus the derived current figures and
// the status rollup.
type DashboardReport struct {
	GeneratedAtMs int64 `json:"generated_at_ms"`
	WindowSeconds int   `json:"window_seconds"`
	BucketSeconds int   `json:"bucket_seconds"`

	Buckets []Bucket `json:"buckets"`

	ResponseTime Metric `json:"response_time"` // newest bucket avg_response_ms
	RequestRate  Metric `json:"request_rate"`  // newest bucket checks per minute
	ErrorRate    Metric `json:"error_rate"`    // newest bucket failure %, 2 decimals
	LatencyP99   Metric `json:"latency_p99"`   // newest bucket p99_response_ms

	Status       StatusOverview `json:"status"`
	SystemStatus string         `json:"system_status"`
}

// dashboardCache is a bounded per-user report cache. Writes never
// invalidate it; entries age out on TTL.
type dashboardCache struct {
	cache otter.Cache[string, *DashboardReport]
}

func newDashboardCache() *dashboardCache {
	cache, err := otter.MustBuilder[string, *DashboardReport](dashboardCacheCapacity).
		Cost(func(_ string, _ *DashboardReport) uint32 { return 1 }).
		WithTTL(dashboardCacheTTL).
		Build()
	if err != nil {
		panic("telemetry: failed to create dashboard cache: " + err.Error())
	}
	return &dashboardCache{cache: cache}
}

// Dashboard computes (or serves from cache) the fleet report for one user.
func (a *Aggregator) Dashboard(userID string) (*DashboardReport, error) {
	if report, ok := a.cache.cache.Get(userID); ok {
		return report, nil
	}

	report, err := a.buildDashboard(userID)
	if err != nil {
		return nil, err
	}
	a.cache.cache.Set(userID, report)
	return report, nil
}

func (a *Aggregator) buildDashboard(userID string) (*DashboardReport, error) {
	now := a.now()
	sinceMs := now.Add(-DashboardWindow).UnixMilli()

	nodes, err := a.nodes.ListByUser(userID, store.NodeFilter{})
	if err != nil {
		return nil, fmt.Errorf("dashboard %s: %w", userID, err)
	}
	nodeIDs := make([]string, len(nodes))
	for i := range nodes {
		nodeIDs[i] = nodes[i].ID
	}

	buckets, err := a.Buckets(nodeIDs, sinceMs, DashboardBucketSeconds)
	if err != nil {
		return nil, fmt.Errorf("dashboard %s: %w", userID, err)
	}
	overview, err := a.StatusOverview(userID)
	if err != nil {
		return nil, fmt.Errorf("dashboard %s: %w", userID, err)
	}

	report := &DashboardReport{
		GeneratedAtMs: now.UnixMilli(),
		WindowSeconds: int(DashboardWindow / time.Second),
		BucketSeconds: DashboardBucketSeconds,
		Buckets:       buckets,
		Status:        overview,
		SystemStatus:  overview.SystemStatus(),
	}
	if len(buckets) > 0 {
		newest := buckets[len(buckets)-1]
		report.ResponseTime = Metric{Current: newest.AvgResponseMs}
		report.RequestRate = Metric{Current: float64(newest.TotalChecks) * (60.0 / DashboardBucketSeconds)}
		report.ErrorRate = Metric{Current: round2(100 * float64(newest.FailedChecks) / float64(newest.TotalChecks))}
		report.LatencyP99 = Metric{Current: newest.P99ResponseMs}
	}
	return report, nil
}
