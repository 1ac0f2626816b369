package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/upmon/upmon/internal/model"
	"github.com/upmon/upmon/internal/probe"
	"github.com/upmon/upmon/internal/store"
)

// nodePatchAllowedFields is the set of JSON field names UpdateNode accepts.
var nodePatchAllowedFields = map[string]bool{
	"name":                  true,
	"endpoint_url":          true,
	"method":                true,
	"headers":               true,
	"body":                  true,
	"check_interval_ms":     true,
	"expected_status_codes": true,
	"failure_threshold":     true,
}

// CreateNode validates spec, persists the node, and installs its probe
// timer. The first probe fires after one full interval.
func (s *ControlPlane) CreateNode(userID string, spec NodeSpec) (*model.Node, error) {
	if userID == "" {
		return nil, invalidArg("user id is required")
	}
	if verr := validateSpec(&spec); verr != nil {
		return nil, verr
	}

	now := time.Now().UnixMilli()
	n := &model.Node{
		ID:                  uuid.NewString(),
		UserID:              userID,
		Name:                spec.Name,
		EndpointURL:         spec.EndpointURL,
		Method:              model.Method(spec.Method),
		Headers:             spec.Headers,
		Body:                []byte(spec.Body),
		CheckIntervalMs:     spec.CheckIntervalMs,
		ExpectedStatusCodes: spec.ExpectedStatusCodes,
		FailureThreshold:    spec.FailureThreshold,
		Status:              model.StatusActive,
		CreatedAtMs:         now,
		UpdatedAtMs:         now,
	}
	if err := s.Nodes.Create(n); err != nil {
		return nil, internal("create node", err)
	}
	s.Scheduler.Schedule(n)
	return n, nil
}

// UpdateNode applies a partial configuration update. A changed check
// interval reinstalls the timer; other probe-config changes take effect
// on the next tick through the scheduler's re-read.
func (s *ControlPlane) UpdateNode(userID, nodeID string, patchJSON json.RawMessage) (*model.Node, error) {
	n, err := s.fetchOwned(userID, nodeID)
	if err != nil {
		return nil, err
	}

	patch, verr := parseMergePatch(patchJSON)
	if verr != nil {
		return nil, verr
	}
	if verr := patch.validateFields(nodePatchAllowedFields); verr != nil {
		return nil, verr
	}

	// Overlay the patch on the node's current configuration, then run the
	// merged result through the same validation as create.
	spec := NodeSpec{
		Name:                n.Name,
		EndpointURL:         n.EndpointURL,
		Method:              string(n.Method),
		Headers:             n.Headers,
		Body:                string(n.Body),
		CheckIntervalMs:     n.CheckIntervalMs,
		ExpectedStatusCodes: n.ExpectedStatusCodes,
		FailureThreshold:    n.FailureThreshold,
	}
	if verr := applyNodePatch(&spec, patch); verr != nil {
		return nil, verr
	}
	if verr := validateSpec(&spec); verr != nil {
		return nil, verr
	}

	oldFingerprint := n.ProbeSpec().Fingerprint()
	intervalChanged := spec.CheckIntervalMs != n.CheckIntervalMs

	n.Name = spec.Name
	n.EndpointURL = spec.EndpointURL
	n.Method = model.Method(spec.Method)
	n.Headers = spec.Headers
	n.Body = []byte(spec.Body)
	n.CheckIntervalMs = spec.CheckIntervalMs
	n.ExpectedStatusCodes = spec.ExpectedStatusCodes
	n.FailureThreshold = spec.FailureThreshold
	n.UpdatedAtMs = time.Now().UnixMilli()

	if err := s.Nodes.Update(n); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("node not found")
		}
		return nil, internal("update node", err)
	}

	if newFingerprint := n.ProbeSpec().Fingerprint(); newFingerprint != oldFingerprint {
		log.Printf("[service] node %s probe config changed (fingerprint %s)", n.ID, newFingerprint.Hex())
	}
	if intervalChanged && s.Scheduler.Scheduled(n.ID) {
		s.Scheduler.Reschedule(n)
	}
	return n, nil
}

func applyNodePatch(spec *NodeSpec, patch mergePatch) *ServiceError {
	if v, ok, verr := patch.optionalString("name"); verr != nil {
		return verr
	} else if ok {
		spec.Name = v
	}
	if v, ok, verr := patch.optionalString("endpoint_url"); verr != nil {
		return verr
	} else if ok {
		spec.EndpointURL = v
	}
	if v, ok, verr := patch.optionalString("method"); verr != nil {
		return verr
	} else if ok {
		spec.Method = v
	}
	if v, ok, verr := patch.optionalStringMap("headers"); verr != nil {
		return verr
	} else if ok {
		spec.Headers = v
	}
	if v, ok, verr := patch.optionalString("body"); verr != nil {
		return verr
	} else if ok {
		spec.Body = v
	}
	if v, ok, verr := patch.optionalInt("check_interval_ms"); verr != nil {
		return verr
	} else if ok {
		spec.CheckIntervalMs = v
	}
	if v, ok, verr := patch.optionalIntSlice("expected_status_codes"); verr != nil {
		return verr
	} else if ok {
		spec.ExpectedStatusCodes = v
	}
	if v, ok, verr := patch.optionalInt("failure_threshold"); verr != nil {
		return verr
	} else if ok {
		spec.FailureThreshold = v
	}
	return nil
}

// PauseNode stops probing. The status write precedes the timer cancel;
// a tick in that window re-reads the node, sees paused, and skips.
func (s *ControlPlane) PauseNode(userID, nodeID string) (*model.Node, error) {
	n, err := s.fetchOwned(userID, nodeID)
	if err != nil {
		return nil, err
	}
	if n.Status == model.StatusPaused {
		return nil, alreadyPaused("node is already paused")
	}

	now := time.Now().UnixMilli()
	if err := s.Nodes.UpdateStatus(n.ID, model.StatusPaused, now); err != nil {
		return nil, internal("pause node", err)
	}
	s.Scheduler.Cancel(n.ID)

	n.Status = model.StatusPaused
	n.UpdatedAtMs = now
	return n, nil
}

// ResumeNode returns a paused node to active with a clean failure
// counter and installs a fresh timer. No check is recorded.
func (s *ControlPlane) ResumeNode(userID, nodeID string) (*model.Node, error) {
	n, err := s.fetchOwned(userID, nodeID)
	if err != nil {
		return nil, err
	}
	if n.Status != model.StatusPaused {
		return nil, alreadyActive("node is not paused")
	}

	now := time.Now().UnixMilli()
	if err := s.Nodes.UpdateStatus(n.ID, model.StatusActive, now); err != nil {
		return nil, internal("resume node", err)
	}
	if err := s.Nodes.SetConsecutiveFailures(n.ID, 0, now); err != nil {
		return nil, internal("resume node", err)
	}

	n.Status = model.StatusActive
	n.ConsecutiveFailures = 0
	n.UpdatedAtMs = now
	s.Scheduler.Schedule(n)
	return n, nil
}

// DeleteNode stops the timer, removes the node's samples, then the node.
// A tick racing the delete re-reads the node, finds nothing, and skips.
func (s *ControlPlane) DeleteNode(userID, nodeID string) error {
	n, err := s.fetchOwned(userID, nodeID)
	if err != nil {
		return err
	}
	s.Scheduler.Cancel(n.ID)
	if err := s.Samples.DeleteByNode(n.ID); err != nil {
		return internal("delete node samples", err)
	}
	if err := s.Nodes.Delete(n.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return internal("delete node", err)
	}
	return nil
}

// TestProbe runs one probe with the node's configuration and returns the
// outcome without persisting a sample or touching node state.
func (s *ControlPlane) TestProbe(ctx context.Context, userID, nodeID string) (*probe.Outcome, error) {
	n, err := s.Nodes.Get(nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("node not found")
	}
	if err != nil {
		return nil, internal("load node", err)
	}
	if n.UserID != userID {
		return nil, unauthorized("node not owned by user")
	}
	outcome := s.Executor.Execute(ctx, n.ProbeSpec())
	return &outcome, nil
}

// TestConnection probes an arbitrary configuration with no node behind
// it. Used for pre-create validation.
func (s *ControlPlane) TestConnection(ctx context.Context, spec NodeSpec) (*probe.Outcome, error) {
	if spec.Name == "" {
		spec.Name = "connection-test"
	}
	if spec.CheckIntervalMs == 0 {
		spec.CheckIntervalMs = model.MinCheckIntervalMs
	}
	if verr := validateSpec(&spec); verr != nil {
		return nil, verr
	}
	outcome := s.Executor.Execute(ctx, spec.probeSpec())
	return &outcome, nil
}

// fetchOwned loads a node and enforces ownership. A foreign node is
// indistinguishable from a missing one.
func (s *ControlPlane) fetchOwned(userID, nodeID string) (*model.Node, error) {
	n, err := s.Nodes.Get(nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("node not found")
	}
	if err != nil {
		return nil, internal("load node", err)
	}
	if n.UserID != userID {
		return nil, notFound("node not found")
	}
	return n, nil
}
