// Package health implements the failure-state machine: a pure transition
// function from (prior state, probe outcome) to the mutations to persist.
package health

import "github.com/upmon/upmon/internal/model"

// Decision is the computed state change for one probe outcome. The caller
// persists it; Apply itself touches nothing.
type Decision struct {
	Failures      int          // consecutive_failures after this probe
	Status        model.Status // status after this probe
	StatusChanged bool         // whether Status differs from the prior status
	Recovered     bool         // success that cleared one or more prior failures
}

// Apply evaluates the transition rules against the latest persisted status
// and failure counter.
//
// On success the counter resets and the node returns to active, whatever the
// prior depth of failure. On failure the counter increments; the node goes
// down when the counter reaches the configured threshold, and warning when
// the counter reaches the fixed warning mark below that threshold. The down
// rule is evaluated first, so a threshold of 1 or 2 never passes through
// warning on the tick that crosses it.
func Apply(prior model.Status, priorFailures, failureThreshold int, success bool) Decision {
	if success {
		return Decision{
			Failures:      0,
			Status:        model.StatusActive,
			StatusChanged: prior != model.StatusActive,
			Recovered:     priorFailures >= 1,
		}
	}

	failures := priorFailures + 1
	switch {
	case failures >= failureThreshold && prior != model.StatusDown:
		return Decision{Failures: failures, Status: model.StatusDown, StatusChanged: true}
	case failures == model.WarningThreshold && failures < failureThreshold && prior != model.StatusWarning:
		return Decision{Failures: failures, Status: model.StatusWarning, StatusChanged: true}
	default:
		return Decision{Failures: failures, Status: prior}
	}
}
