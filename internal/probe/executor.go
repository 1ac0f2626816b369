// Package probe executes single outbound HTTP(S) probes against node
// configurations and classifies their outcomes.
package probe

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/upmon/upmon/internal/model"
)

const (
	// Timeout is the hard per-probe deadline covering connection, TLS,
	// request write, and response body drain. Not user-configurable.
	Timeout = 30 * time.Second

	// CaptureLimitBytes caps the response body kept for diagnostics.
	CaptureLimitBytes = 10_000

	// connectionFailedText is the status text recorded for any
	// transport-level failure (DNS, refused, TLS, timeout, read error).
	connectionFailedText = "Connection Failed"

	truncationMarker = "..."

	maxErrorMessageLen = 200
)

// Outcome is the classified result of one probe. Every Execute call returns
// an Outcome; probe failures are data, not errors.
type Outcome struct {
	StatusCode     int    `json:"status_code"`
	StatusText     string `json:"status_text"`
	ResponseTimeMs int    `json:"response_time_ms"`
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"error_message"`

	// Diagnostic capture.
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    []byte            `json:"response_body,omitempty"`
	BodyTruncated   bool              `json:"body_truncated,omitempty"`
}

// Executor performs probes. It writes nothing and mutates nothing; callers
// own persistence of the outcome.
type Executor struct {
	client  *http.Client
	timeout time.Duration
}

// NewExecutor creates an Executor with the fixed probe deadline and a
// dedicated client. TLS verification stays enabled; redirects are followed
// (the stdlib 10-hop cap) and count toward the deadline.
func NewExecutor() *Executor {
	return &Executor{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: Timeout,
	}
}

// Execute runs one probe against spec and classifies the result. It blocks
// until the probe completes or the deadline expires, and never returns an
// error: transport failures become status-code-0 outcomes.
func (e *Executor) Execute(ctx context.Context, spec model.ProbeSpec) Outcome {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()

	var bodyReader io.Reader
	if spec.Method.HasBody() && len(spec.Body) > 0 {
		bodyReader = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, string(spec.Method), spec.EndpointURL, bodyReader)
	if err != nil {
		return failureOutcome(start, err)
	}
	for name, value := range spec.Headers {
		req.Header.Set(name, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return failureOutcome(start, err)
	}
	defer resp.Body.Close()

	captured, truncated, err := drainBody(resp.Body)
	if err != nil {
		return failureOutcome(start, err)
	}
	elapsed := time.Since(start)

	out := Outcome{
		StatusCode:      resp.StatusCode,
		StatusText:      statusText(resp),
		ResponseTimeMs:  roundMs(elapsed),
		Success:         spec.ExpectsStatus(resp.StatusCode),
		ResponseHeaders: flattenHeaders(resp.Header),
		ResponseBody:    captured,
		BodyTruncated:   truncated,
	}
	if !out.Success {
		out.ErrorMessage = "unexpected status " + strconv.Itoa(resp.StatusCode)
	}
	return out
}

// drainBody reads the entire response body (for accurate timing) while
// keeping at most CaptureLimitBytes for diagnostics.
func drainBody(body io.Reader) (captured []byte, truncated bool, err error) {
	captured, err = io.ReadAll(io.LimitReader(body, CaptureLimitBytes))
	if err != nil {
		return nil, false, err
	}
	rest, err := io.Copy(io.Discard, body)
	if err != nil {
		return nil, false, err
	}
	if rest > 0 {
		captured = append(captured, truncationMarker...)
		truncated = true
	}
	return captured, truncated, nil
}

func failureOutcome(start time.Time, err error) Outcome {
	return Outcome{
		StatusCode:     0,
		StatusText:     connectionFailedText,
		ResponseTimeMs: roundMs(time.Since(start)),
		Success:        false,
		ErrorMessage:   shortError(err),
	}
}

// statusText extracts the reason phrase from resp.Status ("200 OK" -> "OK"),
// falling back to the stdlib's text for the code.
func statusText(resp *http.Response) string {
	if _, phrase, found := strings.Cut(resp.Status, " "); found && phrase != "" {
		return phrase
	}
	return http.StatusText(resp.StatusCode)
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func shortError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen] + truncationMarker
	}
	return msg
}

func roundMs(d time.Duration) int {
	ms := (d + 500*time.Microsecond) / time.Millisecond
	if ms < 0 {
		return 0
	}
	return int(ms)
}
