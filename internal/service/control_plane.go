// Package service implements the control plane: validated node lifecycle
// operations, ownership enforcement, and the read paths the API serves.
// Handlers call its methods; business logic lives here, not in handlers.
package service

import (
	"time"

	"github.com/upmon/upmon/internal/geoip"
	"github.com/upmon/upmon/internal/probe"
	"github.com/upmon/upmon/internal/scheduler"
	"github.com/upmon/upmon/internal/store"
	"github.com/upmon/upmon/internal/telemetry"
)

// ServiceError wraps an error with a code for API response mapping.
type ServiceError struct {
	Code    string // INVALID_ARGUMENT, NOT_FOUND, CONFLICT, ALREADY_PAUSED, ALREADY_ACTIVE, UNAUTHORIZED, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: "NOT_FOUND", Message: msg}
}

func alreadyPaused(msg string) *ServiceError {
	return &ServiceError{Code: "ALREADY_PAUSED", Message: msg}
}

func alreadyActive(msg string) *ServiceError {
	return &ServiceError{Code: "ALREADY_ACTIVE", Message: msg}
}

func unauthorized(msg string) *ServiceError {
	return &ServiceError{Code: "UNAUTHORIZED", Message: msg}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	StartedAt time.Time `json:"started_at"`
}

// ControlPlane provides all control plane operations over the stores, the
// scheduler, and the telemetry aggregator. GeoIP is optional.
type ControlPlane struct {
	Nodes     *store.NodeStore
	Samples   *store.SampleStore
	Scheduler *scheduler.Scheduler
	Telemetry *telemetry.Aggregator
	Executor  *probe.Executor
	GeoIP     *geoip.Service
	Info      SystemInfo
}

// GetSystemInfo returns the process build/runtime information.
func (s *ControlPlane) GetSystemInfo() SystemInfo {
	return s.Info
}
