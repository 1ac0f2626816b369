// Package telemetry turns the raw sample stream into the report shapes the
// read paths serve: per-node metrics, fleet buckets, the dashboard report,
// and the status rollup.
package telemetry

import (
	"fmt"
	"time"

	"github.com/upmon/upmon/internal/model"
	"github.com/upmon/upmon/internal/store"
)

const (
	// DashboardWindow and DashboardBucketSeconds fix the fleet dashboard
	// shape: a 5 minute window cut into 30 second buckets.
	DashboardWindow        = 5 * time.Minute
	DashboardBucketSeconds = 30

	// HistoryWindow bounds the response-time history on node detail.
	HistoryWindow = 24 * time.Hour
)

// Counts is the full-history success/failure tally for one node.
type Counts struct {
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`
}

// Metrics is the per-node aggregate report.
type Metrics struct {
	UptimePercent         float64              `json:"uptime_percent"`
	AverageResponseTimeMs float64              `json:"average_response_time_ms"`
	Counts                Counts               `json:"counts"`
	ResponseTimeHistory   []store.HistoryPoint `json:"response_time_history"`
}

// Bucket is one non-empty aggregation bucket, epoch-aligned and half-open.
type Bucket struct {
	Timestamp     int64   `json:"timestamp"` // bucket start, unix ms
	TotalChecks   int64   `json:"total_checks"`
	FailedChecks  int64   `json:"failed_checks"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	P99ResponseMs float64 `json:"p99_response_ms"`
}

// Aggregator computes reports over the node and sample stores. All reads,
// no writes.
type Aggregator struct {
	nodes   *store.NodeStore
	samples *store.SampleStore
	cache   *dashboardCache
	now     func() time.Time
}

// NewAggregator creates an Aggregator. now is injectable for tests; nil
// means time.Now.
func NewAggregator(nodes *store.NodeStore, samples *store.SampleStore, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		nodes:   nodes,
		samples: samples,
		cache:   newDashboardCache(),
		now:     now,
	}
}

// Metrics computes the per-node report over the window [sinceMs, now].
// An empty window yields uptime 100 and average 0.
func (a *Aggregator) Metrics(nodeID string, sinceMs int64) (*Metrics, error) {
	rows, err := a.samples.AggregateUptime([]string{nodeID}, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("metrics %s: %w", nodeID, err)
	}
	successes, failures, err := a.samples.AggregateCounts(nodeID)
	if err != nil {
		return nil, fmt.Errorf("metrics %s: %w", nodeID, err)
	}
	history, err := a.samples.ResponseTimeHistory(nodeID, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("metrics %s: %w", nodeID, err)
	}

	row := rows[nodeID]
	return &Metrics{
		UptimePercent:         uptimePercent(row),
		AverageResponseTimeMs: row.AvgSuccessMs,
		Counts:                Counts{SuccessCount: successes, FailureCount: failures},
		ResponseTimeHistory:   history,
	}, nil
}

// RecentSamples returns the newest samples for a node, all outcomes.
func (a *Aggregator) RecentSamples(nodeID string, limit int) ([]model.Sample, error) {
	return a.samples.ListByNode(nodeID, limit)
}

// RecentErrors returns the newest failed samples for a node.
func (a *Aggregator) RecentErrors(nodeID string, limit int) ([]model.Sample, error) {
	return a.samples.ListErrorsByNode(nodeID, limit)
}

// Buckets aggregates the node set's samples over [sinceMs, now] into
// epoch-aligned buckets of bucketSeconds width.
func (a *Aggregator) Buckets(nodeIDs []string, sinceMs int64, bucketSeconds int) ([]Bucket, error) {
	rows, err := a.samples.AggregateBuckets(nodeIDs, sinceMs, int64(bucketSeconds)*1000)
	if err != nil {
		return nil, fmt.Errorf("buckets: %w", err)
	}
	buckets := make([]Bucket, 0, len(rows))
	for _, r := range rows {
		buckets = append(buckets, Bucket{
			Timestamp:     r.BucketStartMs,
			TotalChecks:   r.TotalChecks,
			FailedChecks:  r.FailedChecks,
			AvgResponseMs: r.AvgResponseMs,
			P99ResponseMs: r.P99ResponseMs,
		})
	}
	return buckets, nil
}

// UptimeByNode returns window uptime/latency aggregates keyed by node id,
// for enriched node lists. Nodes with no samples in the window get the
// vacuous uptime of 100.
func (a *Aggregator) UptimeByNode(nodeIDs []string, sinceMs int64) (map[string]NodeUptime, error) {
	rows, err := a.samples.AggregateUptime(nodeIDs, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("uptime by node: %w", err)
	}
	result := make(map[string]NodeUptime, len(nodeIDs))
	for _, id := range nodeIDs {
		row := rows[id]
		result[id] = NodeUptime{
			UptimePercent: uptimePercent(row),
			AvgResponseMs: row.AvgSuccessMs,
			TotalChecks:   row.Total,
		}
	}
	return result, nil
}

// NodeUptime is the windowed health summary attached to list rows.
type NodeUptime struct {
	UptimePercent float64 `json:"uptime_percent"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	TotalChecks   int64   `json:"total_checks"`
}

// StatusOverview is the per-user (or global) node status histogram.
type StatusOverview struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Down    int `json:"down"`
	Warning int `json:"warning"`
	Paused  int `json:"paused"`
}

// SystemStatus returns the rollup label: degraded iff any node is down.
func (o StatusOverview) SystemStatus() string {
	if o.Down > 0 {
		return "degraded"
	}
	return "operational"
}

// StatusOverview computes the histogram for one user, or for every node
// when userID is empty.
func (a *Aggregator) StatusOverview(userID string) (StatusOverview, error) {
	counts, err := a.nodes.StatusCounts(userID)
	if err != nil {
		return StatusOverview{}, fmt.Errorf("status overview: %w", err)
	}
	o := StatusOverview{
		Active:  counts[model.StatusActive],
		Down:    counts[model.StatusDown],
		Warning: counts[model.StatusWarning],
		Paused:  counts[model.StatusPaused],
	}
	o.Total = o.Active + o.Down + o.Warning + o.Paused
	return o, nil
}

// uptimePercent implements the window rule: 100 when the window is empty,
// otherwise 100 * successes / total rounded to two decimals.
func uptimePercent(row store.UptimeRow) float64 {
	if row.Total == 0 {
		return 100
	}
	return round2(100 * float64(row.Successes) / float64(row.Total))
}

func round2(v float64) float64 {
	if v < 0 {
		return float64(int64(v*100-0.5)) / 100
	}
	return float64(int64(v*100+0.5)) / 100
}
