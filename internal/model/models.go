// Package model defines domain structs shared across the persistence layer,
// the scheduler, and the service layer.
package model

import "time"

// Status is the lifecycle/health state of a monitored node.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusWarning Status = "warning"
	StatusDown    Status = "down"
)

// IsValid reports whether s is one of the four node status literals.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusWarning, StatusDown:
		return true
	}
	return false
}

// Method is the HTTP method used by a node's probe.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// IsValid reports whether m is one of the five allowed probe methods.
func (m Method) IsValid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// HasBody reports whether the probe request carries the node body.
func (m Method) HasBody() bool {
	switch m {
	case MethodPost, MethodPut, MethodPatch:
		return true
	}
	return false
}

// Bounds for user-supplied node configuration.
const (
	MinCheckIntervalMs = 15_000
	MaxCheckIntervalMs = 3_600_000

	MinFailureThreshold = 1
	MaxFailureThreshold = 10

	MinExpectedStatusCode = 100
	MaxExpectedStatusCode = 599

	MaxNodeNameLen = 100

	// WarningThreshold is the fixed consecutive-failure count at which a node
	// below its down threshold enters warning.
	WarningThreshold = 2
)

// DefaultExpectedStatusCodes returns the default expected-status set.
func DefaultExpectedStatusCodes() []int {
	return []int{200, 201, 204}
}

// DefaultFailureThreshold is the default down threshold for new nodes.
const DefaultFailureThreshold = 3

// ProbeSpec is the probe-relevant slice of a node's configuration. The probe
// executor consumes exactly this; it carries no identity or ownership.
type ProbeSpec struct {
	EndpointURL         string            `json:"endpoint_url"`
	Method              Method            `json:"method"`
	Headers             map[string]string `json:"headers,omitempty"`
	Body                []byte            `json:"body,omitempty"`
	ExpectedStatusCodes []int             `json:"expected_status_codes"`
}

// ExpectsStatus reports whether code is in the spec's expected set.
func (p ProbeSpec) ExpectsStatus(code int) bool {
	for _, c := range p.ExpectedStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Node is a user-owned monitored endpoint plus its health state.
type Node struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`

	EndpointURL         string            `json:"endpoint_url"`
	Method              Method            `json:"method"`
	Headers             map[string]string `json:"headers"`
	Body                []byte            `json:"body,omitempty"`
	CheckIntervalMs     int               `json:"check_interval_ms"`
	ExpectedStatusCodes []int             `json:"expected_status_codes"`
	FailureThreshold    int               `json:"failure_threshold"`

	Status              Status `json:"status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastCheckAtMs       *int64 `json:"last_check_at_ms"`

	CreatedAtMs int64 `json:"created_at_ms"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
}

// ProbeSpec extracts the probe-relevant configuration of the node.
func (n *Node) ProbeSpec() ProbeSpec {
	return ProbeSpec{
		EndpointURL:         n.EndpointURL,
		Method:              n.Method,
		Headers:             n.Headers,
		Body:                n.Body,
		ExpectedStatusCodes: n.ExpectedStatusCodes,
	}
}

// CheckInterval returns the probe cadence as a time.Duration.
func (n *Node) CheckInterval() time.Duration {
	return time.Duration(n.CheckIntervalMs) * time.Millisecond
}

// Sample is the immutable record of one probe outcome. Samples are
// append-only; nothing ever mutates a persisted sample.
type Sample struct {
	ID             string `json:"id"`
	NodeID         string `json:"node_id"`
	StatusCode     int    `json:"status_code"`
	StatusText     string `json:"status_text"`
	ResponseTimeMs int    `json:"response_time_ms"`
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"error_message"`
	CreatedAtMs    int64  `json:"created_at_ms"`

	// Diagnostic capture. Response body is truncated by the probe executor.
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    []byte            `json:"response_body,omitempty"`
	BodyTruncated   bool              `json:"body_truncated,omitempty"`
}
