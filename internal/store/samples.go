package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/upmon/upmon/internal/model"
)

// SampleStore persists probe samples. Samples are append-only: there is no
// update path, and the only delete is the per-node cascade.
type SampleStore struct {
	db *sql.DB
}

// NewSampleStore creates a SampleStore over db.
func NewSampleStore(db *sql.DB) *SampleStore {
	return &SampleStore{db: db}
}

const sampleColumns = `id, node_id, status_code, status_text, response_time_ms,
	success, error_message, resp_headers_json, resp_body, body_truncated, created_at_ms`

// Append inserts one sample row.
func (s *SampleStore) Append(sm *model.Sample) error {
	var headersJSON any
	if sm.ResponseHeaders != nil {
		hb, err := json.Marshal(sm.ResponseHeaders)
		if err != nil {
			return fmt.Errorf("sample store encode headers: %w", err)
		}
		headersJSON = string(hb)
	}
	_, err := s.db.Exec(`INSERT INTO samples (`+sampleColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		sm.ID, sm.NodeID, sm.StatusCode, sm.StatusText, sm.ResponseTimeMs,
		boolToInt(sm.Success), sm.ErrorMessage, headersJSON, sm.ResponseBody,
		boolToInt(sm.BodyTruncated), sm.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("sample store append %s: %w", sm.ID, err)
	}
	return nil
}

// ListByNode returns up to limit samples for one node, newest first.
func (s *SampleStore) ListByNode(nodeID string, limit int) ([]model.Sample, error) {
	return s.querySamples(`SELECT `+sampleColumns+` FROM samples
		WHERE node_id = ?
		ORDER BY created_at_ms DESC, id ASC LIMIT ?`, nodeID, clampLimit(limit))
}

// ListErrorsByNode returns up to limit failed samples for one node, newest first.
func (s *SampleStore) ListErrorsByNode(nodeID string, limit int) ([]model.Sample, error) {
	return s.querySamples(`SELECT `+sampleColumns+` FROM samples
		WHERE node_id = ? AND success = 0
		ORDER BY created_at_ms DESC, id ASC LIMIT ?`, nodeID, clampLimit(limit))
}

// ListByNodes returns up to limit samples across a node set, newest first.
func (s *SampleStore) ListByNodes(nodeIDs []string, limit int) ([]model.Sample, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	q := `SELECT ` + sampleColumns + ` FROM samples
		WHERE node_id IN (` + placeholders(len(nodeIDs)) + `)
		ORDER BY created_at_ms DESC, id ASC LIMIT ?`
	args := make([]any, 0, len(nodeIDs)+1)
	for _, id := range nodeIDs {
		args = append(args, id)
	}
	args = append(args, clampLimit(limit))
	return s.querySamples(q, args...)
}

// DeleteByNode removes every sample belonging to nodeID.
func (s *SampleStore) DeleteByNode(nodeID string) error {
	if _, err := s.db.Exec(`DELETE FROM samples WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("sample store delete by node %s: %w", nodeID, err)
	}
	return nil
}

// CountByNode returns the total number of samples for nodeID.
func (s *SampleStore) CountByNode(nodeID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM samples WHERE node_id = ?`, nodeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sample store count %s: %w", nodeID, err)
	}
	return n, nil
}

// AggregateCounts returns the full-history success/failure counts for a node.
func (s *SampleStore) AggregateCounts(nodeID string) (successes, failures int64, err error) {
	err = s.db.QueryRow(`SELECT
		COALESCE(SUM(success), 0),
		COALESCE(SUM(1 - success), 0)
		FROM samples WHERE node_id = ?`, nodeID).Scan(&successes, &failures)
	if err != nil {
		return 0, 0, fmt.Errorf("sample store counts %s: %w", nodeID, err)
	}
	return successes, failures, nil
}

// AggregateAverage returns the mean response time over successful samples in
// the window, 0 when the window holds none.
func (s *SampleStore) AggregateAverage(nodeID string, sinceMs int64) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRow(`SELECT AVG(response_time_ms) FROM samples
		WHERE node_id = ? AND success = 1 AND created_at_ms >= ?`, nodeID, sinceMs).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("sample store average %s: %w", nodeID, err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

// UptimeRow is the per-node window aggregate used by uptime and enriched
// list computations.
type UptimeRow struct {
	Total        int64
	Successes    int64
	AvgSuccessMs float64 // mean over successful samples; 0 when none
}

// AggregateUptime returns window aggregates keyed by node id, in one query
// across the whole node set. Nodes with no samples in the window are absent
// from the result.
func (s *SampleStore) AggregateUptime(nodeIDs []string, sinceMs int64) (map[string]UptimeRow, error) {
	if len(nodeIDs) == 0 {
		return map[string]UptimeRow{}, nil
	}
	q := `SELECT node_id, COUNT(*), COALESCE(SUM(success), 0),
		COALESCE(AVG(CASE WHEN success = 1 THEN response_time_ms END), 0)
		FROM samples
		WHERE created_at_ms >= ? AND node_id IN (` + placeholders(len(nodeIDs)) + `)
		GROUP BY node_id`
	args := make([]any, 0, len(nodeIDs)+1)
	args = append(args, sinceMs)
	for _, id := range nodeIDs {
		args = append(args, id)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("sample store uptime: %w", err)
	}
	defer rows.Close()

	result := make(map[string]UptimeRow, len(nodeIDs))
	for rows.Next() {
		var nodeID string
		var r UptimeRow
		if err := rows.Scan(&nodeID, &r.Total, &r.Successes, &r.AvgSuccessMs); err != nil {
			return nil, fmt.Errorf("sample store uptime scan: %w", err)
		}
		result[nodeID] = r
	}
	return result, rows.Err()
}

// HistoryPoint is one successful-sample observation in a response-time series.
type HistoryPoint struct {
	CreatedAtMs    int64 `json:"created_at_ms"`
	ResponseTimeMs int   `json:"response_time_ms"`
}

// ResponseTimeHistory returns the successful-sample series for a node in the
// window, oldest first.
func (s *SampleStore) ResponseTimeHistory(nodeID string, sinceMs int64) ([]HistoryPoint, error) {
	rows, err := s.db.Query(`SELECT created_at_ms, response_time_ms FROM samples
		WHERE node_id = ? AND success = 1 AND created_at_ms >= ?
		ORDER BY created_at_ms ASC, id ASC`, nodeID, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("sample store history %s: %w", nodeID, err)
	}
	defer rows.Close()

	var result []HistoryPoint
	for rows.Next() {
		var p HistoryPoint
		if err := rows.Scan(&p.CreatedAtMs, &p.ResponseTimeMs); err != nil {
			return nil, fmt.Errorf("sample store history scan: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// BucketRow is one non-empty fixed-width time bucket over a sample set.
type BucketRow struct {
	BucketStartMs int64
	TotalChecks   int64
	FailedChecks  int64
	AvgResponseMs float64 // rounded to 0.1
	P99ResponseMs float64 // rounded to 0.1
}

// AggregateBuckets partitions [sinceMs, now] into epoch-aligned half-open
// buckets of bucketMs width and aggregates the node set's samples into them.
// One range scan; bucketing and the nearest-rank p99 happen here rather than
// in SQL (SQLite has no native approximate percentile). Empty buckets are
// omitted; results are ordered by bucket start ascending.
func (s *SampleStore) AggregateBuckets(nodeIDs []string, sinceMs, bucketMs int64) ([]BucketRow, error) {
	if len(nodeIDs) == 0 || bucketMs <= 0 {
		return nil, nil
	}
	q := `SELECT created_at_ms, response_time_ms, success FROM samples
		WHERE created_at_ms >= ? AND node_id IN (` + placeholders(len(nodeIDs)) + `)
		ORDER BY created_at_ms ASC`
	args := make([]any, 0, len(nodeIDs)+1)
	args = append(args, sinceMs)
	for _, id := range nodeIDs {
		args = append(args, id)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("sample store buckets: %w", err)
	}
	defer rows.Close()

	type accum struct {
		total   int64
		failed  int64
		sumMs   int64
		values  []int
	}
	buckets := make(map[int64]*accum)
	var keys []int64

	for rows.Next() {
		var createdMs int64
		var responseMs, success int
		if err := rows.Scan(&createdMs, &responseMs, &success); err != nil {
			return nil, fmt.Errorf("sample store buckets scan: %w", err)
		}
		key := (createdMs / bucketMs) * bucketMs
		acc, ok := buckets[key]
		if !ok {
			acc = &accum{}
			buckets[key] = acc
			keys = append(keys, key)
		}
		acc.total++
		if success == 0 {
			acc.failed++
		}
		acc.sumMs += int64(responseMs)
		acc.values = append(acc.values, responseMs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	result := make([]BucketRow, 0, len(keys))
	for _, key := range keys {
		acc := buckets[key]
		avg := round1(float64(acc.sumMs) / float64(acc.total))
		p99 := round1(nearestRank(acc.values, 0.99))
		result = append(result, BucketRow{
			BucketStartMs: key,
			TotalChecks:   acc.total,
			FailedChecks:  acc.failed,
			AvgResponseMs: avg,
			P99ResponseMs: p99,
		})
	}
	return result, nil
}

// nearestRank returns the nearest-rank percentile of values (p in (0,1]).
func nearestRank(values []int, p float64) float64 {
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)

	rank := int(p*float64(len(sorted)) + 0.5)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return float64(sorted[rank-1])
}

func round1(v float64) float64 {
	if v < 0 {
		return float64(int64(v*10-0.5)) / 10
	}
	return float64(int64(v*10+0.5)) / 10
}

// --- internal helpers ---

func (s *SampleStore) querySamples(q string, args ...any) ([]model.Sample, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("sample store query: %w", err)
	}
	defer rows.Close()

	var result []model.Sample
	for rows.Next() {
		var (
			sm          model.Sample
			success     int
			truncated   int
			headersJSON sql.NullString
		)
		err := rows.Scan(
			&sm.ID, &sm.NodeID, &sm.StatusCode, &sm.StatusText, &sm.ResponseTimeMs,
			&success, &sm.ErrorMessage, &headersJSON, &sm.ResponseBody,
			&truncated, &sm.CreatedAtMs,
		)
		if err != nil {
			return nil, fmt.Errorf("sample store scan: %w", err)
		}
		sm.Success = success != 0
		sm.BodyTruncated = truncated != 0
		if headersJSON.Valid && headersJSON.String != "" {
			if err := json.Unmarshal([]byte(headersJSON.String), &sm.ResponseHeaders); err != nil {
				return nil, fmt.Errorf("sample store decode headers %s: %w", sm.ID, err)
			}
		}
		result = append(result, sm)
	}
	return result, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 10000 {
		return 10000
	}
	return limit
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
