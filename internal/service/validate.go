package service

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/upmon/upmon/internal/model"
	"github.com/upmon/upmon/internal/netutil"
)

// NodeSpec is the user-supplied node configuration for create and
// test-connection requests. Zero values mean "use the default" where a
// default exists.
type NodeSpec struct {
	Name                string            `json:"name"`
	EndpointURL         string            `json:"endpoint_url"`
	Method              string            `json:"method,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	Body                string            `json:"body,omitempty"`
	CheckIntervalMs     int               `json:"check_interval_ms"`
	ExpectedStatusCodes []int             `json:"expected_status_codes,omitempty"`
	FailureThreshold    int               `json:"failure_threshold,omitempty"`
}

// validateSpec normalizes spec in place (trims, defaults, punycodes the
// host) and returns the first violation found.
func validateSpec(spec *NodeSpec) *ServiceError {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return invalidArg("name: must not be empty")
	}
	if len(spec.Name) > model.MaxNodeNameLen {
		return invalidArg(fmt.Sprintf("name: must be at most %d characters", model.MaxNodeNameLen))
	}

	u, verr := parseHTTPAbsoluteURL("endpoint_url", strings.TrimSpace(spec.EndpointURL))
	if verr != nil {
		return verr
	}
	if _, err := netutil.NormalizeHost(u.Hostname()); err != nil {
		return invalidArg("endpoint_url: " + err.Error())
	}
	spec.EndpointURL = u.String()

	if spec.Method == "" {
		spec.Method = string(model.MethodGet)
	}
	spec.Method = strings.ToUpper(spec.Method)
	if !model.Method(spec.Method).IsValid() {
		return invalidArg("method: must be one of GET, POST, PUT, PATCH, DELETE")
	}

	if spec.CheckIntervalMs < model.MinCheckIntervalMs || spec.CheckIntervalMs > model.MaxCheckIntervalMs {
		return invalidArg(fmt.Sprintf("check_interval_ms: must be between %d and %d",
			model.MinCheckIntervalMs, model.MaxCheckIntervalMs))
	}

	// nil means absent (use the default); an explicit empty set is invalid.
	if spec.ExpectedStatusCodes == nil {
		spec.ExpectedStatusCodes = model.DefaultExpectedStatusCodes()
	}
	if len(spec.ExpectedStatusCodes) == 0 {
		return invalidArg("expected_status_codes: must not be empty")
	}
	for _, code := range spec.ExpectedStatusCodes {
		if code < model.MinExpectedStatusCode || code > model.MaxExpectedStatusCode {
			return invalidArg(fmt.Sprintf("expected_status_codes: %d out of range [%d, %d]",
				code, model.MinExpectedStatusCode, model.MaxExpectedStatusCode))
		}
	}

	if spec.FailureThreshold == 0 {
		spec.FailureThreshold = model.DefaultFailureThreshold
	}
	if spec.FailureThreshold < model.MinFailureThreshold || spec.FailureThreshold > model.MaxFailureThreshold {
		return invalidArg(fmt.Sprintf("failure_threshold: must be between %d and %d",
			model.MinFailureThreshold, model.MaxFailureThreshold))
	}
	return nil
}

// probeSpec converts a validated NodeSpec into the executor's input.
func (spec *NodeSpec) probeSpec() model.ProbeSpec {
	return model.ProbeSpec{
		EndpointURL:         spec.EndpointURL,
		Method:              model.Method(spec.Method),
		Headers:             spec.Headers,
		Body:                []byte(spec.Body),
		ExpectedStatusCodes: spec.ExpectedStatusCodes,
	}
}

func parseHTTPAbsoluteURL(field, value string) (*url.URL, *ServiceError) {
	u, err := url.ParseRequestURI(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalidArg(fmt.Sprintf("%s: must be an http/https absolute URL", field))
	}
	return u, nil
}

// --- patch helpers ---

type mergePatch map[string]any

// parseMergePatch parses the constrained PATCH body format: a non-empty
// JSON object with no null field values.
func parseMergePatch(patchJSON json.RawMessage) (mergePatch, *ServiceError) {
	var patch map[string]any
	if err := json.Unmarshal(patchJSON, &patch); err != nil {
		return nil, invalidArg("invalid JSON: " + err.Error())
	}
	if len(patch) == 0 {
		return nil, invalidArg("empty patch")
	}
	return mergePatch(patch), nil
}

func (p mergePatch) validateFields(allowed map[string]bool) *ServiceError {
	for key, val := range p {
		if !allowed[key] {
			return invalidArg(fmt.Sprintf("unknown or read-only field: %q", key))
		}
		if val == nil {
			return invalidArg(fmt.Sprintf("null value not allowed for field: %q", key))
		}
	}
	return nil
}

func (p mergePatch) optionalString(field string) (string, bool, *ServiceError) {
	raw, ok := p[field]
	if !ok {
		return "", false, nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", true, invalidArg(fmt.Sprintf("%s: must be a string", field))
	}
	return value, true, nil
}

func (p mergePatch) optionalInt(field string) (int, bool, *ServiceError) {
	raw, ok := p[field]
	if !ok {
		return 0, false, nil
	}
	value, ok := raw.(float64)
	if !ok || value != float64(int(value)) {
		return 0, true, invalidArg(fmt.Sprintf("%s: must be an integer", field))
	}
	return int(value), true, nil
}

func (p mergePatch) optionalIntSlice(field string) ([]int, bool, *ServiceError) {
	raw, ok := p[field]
	if !ok {
		return nil, false, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, true, invalidArg(fmt.Sprintf("%s: must be an array", field))
	}
	value := make([]int, len(arr))
	for i, item := range arr {
		f, ok := item.(float64)
		if !ok || f != float64(int(f)) {
			return nil, true, invalidArg(fmt.Sprintf("%s[%d]: must be an integer", field, i))
		}
		value[i] = int(f)
	}
	return value, true, nil
}

func (p mergePatch) optionalStringMap(field string) (map[string]string, bool, *ServiceError) {
	raw, ok := p[field]
	if !ok {
		return nil, false, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, true, invalidArg(fmt.Sprintf("%s: must be an object", field))
	}
	value := make(map[string]string, len(obj))
	for k, item := range obj {
		itemStr, ok := item.(string)
		if !ok {
			return nil, true, invalidArg(fmt.Sprintf("%s.%s: must be a string", field, k))
		}
		value[k] = itemStr
	}
	return value, true, nil
}
