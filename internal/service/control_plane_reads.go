package service

import (
	"sort"
	"strings"
	"time"

	"github.com/upmon/upmon/internal/model"
	"github.com/upmon/upmon/internal/store"
	"github.com/upmon/upmon/internal/telemetry"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	recentSampleLimit = 20
)

// NodeDetail is the full read shape for one node: configuration, health
// state, 24 h metrics, and recent samples.
type NodeDetail struct {
	model.Node
	Location      string             `json:"location,omitempty"`
	Metrics       *telemetry.Metrics `json:"metrics"`
	RecentSamples []model.Sample     `json:"recent_samples"`
	RecentErrors  []model.Sample     `json:"recent_errors"`
}

// GetNode returns the detail shape for one owned node.
func (s *ControlPlane) GetNode(userID, nodeID string) (*NodeDetail, error) {
	n, err := s.fetchOwned(userID, nodeID)
	if err != nil {
		return nil, err
	}

	sinceMs := time.Now().Add(-telemetry.HistoryWindow).UnixMilli()
	metrics, err := s.Telemetry.Metrics(n.ID, sinceMs)
	if err != nil {
		return nil, internal("node metrics", err)
	}
	recent, err := s.Telemetry.RecentSamples(n.ID, recentSampleLimit)
	if err != nil {
		return nil, internal("recent samples", err)
	}
	errorsList, err := s.Telemetry.RecentErrors(n.ID, recentSampleLimit)
	if err != nil {
		return nil, internal("recent errors", err)
	}

	detail := &NodeDetail{
		Node:          *n,
		Metrics:       metrics,
		RecentSamples: recent,
		RecentErrors:  errorsList,
	}
	if s.GeoIP != nil {
		detail.Location = s.GeoIP.LocateEndpoint(n.EndpointURL)
	}
	return detail, nil
}

// ListOptions narrows and orders ListNodes results.
type ListOptions struct {
	Page      int    // 1-based; 0 means first page
	Limit     int    // 0 means defaultListLimit
	Search    string // case-insensitive name substring
	Status    string // status literal, empty for all
	SortBy    string // name, uptime, last_check, created_at
	SortOrder string // asc, desc
}

// NodeSummary is one row of the enriched node list.
type NodeSummary struct {
	model.Node
	UptimePercent float64 `json:"uptime_percent"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}

// NodePage is the paginated list envelope.
type NodePage struct {
	Items []NodeSummary `json:"items"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

var listSortKeys = map[string]bool{
	"name":       true,
	"uptime":     true,
	"last_check": true,
	"created_at": true,
}

// ListNodes returns the user's nodes enriched with 24 h uptime
// aggregates, filtered, sorted, and paginated. Sorting happens after
// enrichment because the uptime key lives in the sample aggregates, not
// the node row.
func (s *ControlPlane) ListNodes(userID string, opts ListOptions) (*NodePage, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Status != "" && !model.Status(opts.Status).IsValid() {
		return nil, invalidArg("status: must be one of active, paused, warning, down")
	}
	if opts.SortBy == "" {
		opts.SortBy = "created_at"
	}
	if !listSortKeys[opts.SortBy] {
		return nil, invalidArg("sort_by: must be one of name, uptime, last_check, created_at")
	}
	order := strings.ToLower(opts.SortOrder)
	if order == "" {
		order = "desc"
	}
	if order != "asc" && order != "desc" {
		return nil, invalidArg("sort_order: must be 'asc' or 'desc'")
	}

	nodes, err := s.Nodes.ListByUser(userID, store.NodeFilter{
		Search: opts.Search,
		Status: model.Status(opts.Status),
	})
	if err != nil {
		return nil, internal("list nodes", err)
	}

	nodeIDs := make([]string, len(nodes))
	for i := range nodes {
		nodeIDs[i] = nodes[i].ID
	}
	sinceMs := time.Now().Add(-telemetry.HistoryWindow).UnixMilli()
	uptime, err := s.Telemetry.UptimeByNode(nodeIDs, sinceMs)
	if err != nil {
		return nil, internal("list nodes uptime", err)
	}

	items := make([]NodeSummary, len(nodes))
	for i := range nodes {
		row := uptime[nodes[i].ID]
		items[i] = NodeSummary{
			Node:          nodes[i],
			UptimePercent: row.UptimePercent,
			AvgResponseMs: row.AvgResponseMs,
		}
	}
	sortNodeSummaries(items, opts.SortBy, order == "desc")

	total := len(items)
	start := (opts.Page - 1) * opts.Limit
	if start > total {
		start = total
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}
	return &NodePage{
		Items: items[start:end],
		Total: total,
		Page:  opts.Page,
		Limit: opts.Limit,
	}, nil
}

func sortNodeSummaries(items []NodeSummary, key string, desc bool) {
	less := func(a, b NodeSummary) bool { return a.CreatedAtMs < b.CreatedAtMs }
	switch key {
	case "name":
		less = func(a, b NodeSummary) bool {
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
	case "uptime":
		less = func(a, b NodeSummary) bool { return a.UptimePercent < b.UptimePercent }
	case "last_check":
		// Never-checked nodes sort before any checked node ascending.
		less = func(a, b NodeSummary) bool {
			return lastCheckMs(a.Node) < lastCheckMs(b.Node)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if desc {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
}

func lastCheckMs(n model.Node) int64 {
	if n.LastCheckAtMs == nil {
		return 0
	}
	return *n.LastCheckAtMs
}

// DashboardOverview returns the cached fleet telemetry report.
func (s *ControlPlane) DashboardOverview(userID string) (*telemetry.DashboardReport, error) {
	report, err := s.Telemetry.Dashboard(userID)
	if err != nil {
		return nil, internal("dashboard", err)
	}
	return report, nil
}

// SystemStatusReport is the unauthenticated system rollup.
type SystemStatusReport struct {
	SystemStatus         string `json:"system_status"`
	TotalNodes           int    `json:"total_nodes"`
	ActiveScheduledCount int    `json:"active_scheduled_count"`
	Version              string `json:"version"`
	Timestamp            int64  `json:"timestamp"`
}

// SystemStatus reports degraded iff any node in the system is down.
func (s *ControlPlane) SystemStatus() (*SystemStatusReport, error) {
	overview, err := s.Telemetry.StatusOverview("")
	if err != nil {
		return nil, internal("system status", err)
	}
	return &SystemStatusReport{
		SystemStatus:         overview.SystemStatus(),
		TotalNodes:           overview.Total,
		ActiveScheduledCount: s.Scheduler.TimerCount(),
		Version:              s.Info.Version,
		Timestamp:            time.Now().UnixMilli(),
	}, nil
}
