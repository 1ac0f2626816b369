package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/upmon/upmon/internal/model"
)

// NodeStore persists nodes in the upmon database.
type NodeStore struct {
	db *sql.DB
}

// NewNodeStore creates a NodeStore over db.
func NewNodeStore(db *sql.DB) *NodeStore {
	return &NodeStore{db: db}
}

const nodeColumns = `id, user_id, name, endpoint_url, method, headers_json, body,
	check_interval_ms, expected_status_codes_json, failure_threshold,
	status, consecutive_failures, last_check_at_ms, created_at_ms, updated_at_ms`

// Create inserts a new node row.
func (s *NodeStore) Create(n *model.Node) error {
	headersJSON, codesJSON, err := encodeNodeJSON(n)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, n.Name, n.EndpointURL, string(n.Method), headersJSON, n.Body,
		n.CheckIntervalMs, codesJSON, n.FailureThreshold,
		string(n.Status), n.ConsecutiveFailures, n.LastCheckAtMs, n.CreatedAtMs, n.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("node store create %s: %w", n.ID, err)
	}
	return nil
}

// Get returns the node with the given id, or ErrNotFound.
func (s *NodeStore) Get(id string) (*model.Node, error) {
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("node store get %s: %w", id, err)
	}
	return n, nil
}

// Update rewrites the node's configuration fields. Health fields
// (status, consecutive_failures, last_check_at_ms) are owned by the tick
// path and are not touched here.
func (s *NodeStore) Update(n *model.Node) error {
	headersJSON, codesJSON, err := encodeNodeJSON(n)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE nodes SET
		name = ?, endpoint_url = ?, method = ?, headers_json = ?, body = ?,
		check_interval_ms = ?, expected_status_codes_json = ?, failure_threshold = ?,
		updated_at_ms = ?
		WHERE id = ?`,
		n.Name, n.EndpointURL, string(n.Method), headersJSON, n.Body,
		n.CheckIntervalMs, codesJSON, n.FailureThreshold,
		n.UpdatedAtMs, n.ID)
	if err != nil {
		return fmt.Errorf("node store update %s: %w", n.ID, err)
	}
	return requireRow(res, n.ID)
}

// Delete removes the node row. Sample cleanup is the caller's job (the
// delete path removes samples first, then the node).
func (s *NodeStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("node store delete %s: %w", id, err)
	}
	return requireRow(res, id)
}

// NodeFilter narrows ListByUser results.
type NodeFilter struct {
	Search string       // case-insensitive name substring
	Status model.Status // empty means all statuses
}

// ListByUser returns all nodes owned by userID matching the filter.
// Sorting and pagination happen in the service layer, after telemetry
// enrichment (uptime sort needs aggregates the store does not own).
func (s *NodeStore) ListByUser(userID string, f NodeFilter) ([]model.Node, error) {
	q := `SELECT ` + nodeColumns + ` FROM nodes WHERE user_id = ?`
	args := []any{userID}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Search != "" {
		q += " AND name LIKE ? ESCAPE '\\'"
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}
	q += " ORDER BY created_at_ms DESC, id ASC"
	return s.queryNodes(q, args...)
}

// ListSchedulable returns every node that should hold a scheduler timer:
// all nodes except paused ones (warning and down nodes keep probing).
func (s *NodeStore) ListSchedulable() ([]model.Node, error) {
	return s.queryNodes(`SELECT `+nodeColumns+` FROM nodes WHERE status != ?
		ORDER BY created_at_ms ASC`, string(model.StatusPaused))
}

// CountByUser returns the number of nodes owned by userID.
func (s *NodeStore) CountByUser(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("node store count by user: %w", err)
	}
	return n, nil
}

// StatusCounts returns a status histogram over one user's nodes, or over
// every node when userID is empty.
func (s *NodeStore) StatusCounts(userID string) (map[model.Status]int, error) {
	q := `SELECT status, COUNT(*) FROM nodes`
	var args []any
	if userID != "" {
		q += " WHERE user_id = ?"
		args = append(args, userID)
	}
	q += " GROUP BY status"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("node store status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("node store status counts scan: %w", err)
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}

// IncrementFailures bumps consecutive_failures by one and stamps
// last_check_at_ms, returning the new counter value.
func (s *NodeStore) IncrementFailures(id string, lastCheckMs int64) (int, error) {
	var count int
	err := s.db.QueryRow(`UPDATE nodes
		SET consecutive_failures = consecutive_failures + 1,
		    last_check_at_ms = ?, updated_at_ms = ?
		WHERE id = ?
		RETURNING consecutive_failures`, lastCheckMs, lastCheckMs, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("node store increment failures %s: %w", id, err)
	}
	return count, nil
}

// ResetFailures zeroes consecutive_failures, returns the node to active,
// and stamps last_check_at_ms. Applied on every successful probe; a no-op
// on the counters when the node is already healthy.
func (s *NodeStore) ResetFailures(id string, lastCheckMs int64) error {
	res, err := s.db.Exec(`UPDATE nodes
		SET consecutive_failures = 0, status = ?,
		    last_check_at_ms = ?, updated_at_ms = ?
		WHERE id = ?`, string(model.StatusActive), lastCheckMs, lastCheckMs, id)
	if err != nil {
		return fmt.Errorf("node store reset failures %s: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateStatus sets the node's status literal.
func (s *NodeStore) UpdateStatus(id string, status model.Status, nowMs int64) error {
	res, err := s.db.Exec(`UPDATE nodes SET status = ?, updated_at_ms = ? WHERE id = ?`,
		string(status), nowMs, id)
	if err != nil {
		return fmt.Errorf("node store update status %s: %w", id, err)
	}
	return requireRow(res, id)
}

// SetConsecutiveFailures overwrites the failure counter. Used by the
// resume path, which resets the counter without recording a check.
func (s *NodeStore) SetConsecutiveFailures(id string, count int, nowMs int64) error {
	res, err := s.db.Exec(`UPDATE nodes SET consecutive_failures = ?, updated_at_ms = ? WHERE id = ?`,
		count, nowMs, id)
	if err != nil {
		return fmt.Errorf("node store set failures %s: %w", id, err)
	}
	return requireRow(res, id)
}

// --- internal helpers ---

func (s *NodeStore) queryNodes(q string, args ...any) ([]model.Node, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("node store query: %w", err)
	}
	defer rows.Close()

	var result []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("node store scan: %w", err)
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*model.Node, error) {
	var (
		n           model.Node
		method      string
		status      string
		headersJSON string
		codesJSON   string
		lastCheck   sql.NullInt64
	)
	err := row.Scan(
		&n.ID, &n.UserID, &n.Name, &n.EndpointURL, &method, &headersJSON, &n.Body,
		&n.CheckIntervalMs, &codesJSON, &n.FailureThreshold,
		&status, &n.ConsecutiveFailures, &lastCheck, &n.CreatedAtMs, &n.UpdatedAtMs,
	)
	if err != nil {
		return nil, err
	}
	n.Method = model.Method(method)
	n.Status = model.Status(status)
	if lastCheck.Valid {
		v := lastCheck.Int64
		n.LastCheckAtMs = &v
	}
	if err := json.Unmarshal([]byte(headersJSON), &n.Headers); err != nil {
		return nil, fmt.Errorf("decode headers for %s: %w", n.ID, err)
	}
	if err := json.Unmarshal([]byte(codesJSON), &n.ExpectedStatusCodes); err != nil {
		return nil, fmt.Errorf("decode expected codes for %s: %w", n.ID, err)
	}
	return &n, nil
}

func encodeNodeJSON(n *model.Node) (headersJSON, codesJSON string, err error) {
	headers := n.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	hb, err := json.Marshal(headers)
	if err != nil {
		return "", "", fmt.Errorf("encode headers for %s: %w", n.ID, err)
	}
	cb, err := json.Marshal(n.ExpectedStatusCodes)
	if err != nil {
		return "", "", fmt.Errorf("encode expected codes for %s: %w", n.ID, err)
	}
	return string(hb), string(cb), nil
}

func requireRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
