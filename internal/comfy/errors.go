package comfy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UnreachableError means the upstream endpoint could not be contacted.
type UnreachableError struct {
	Endpoint string
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("upstream unreachable at %s: %v", e.Endpoint, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// ValidationError is a 400 rejection of a submitted graph.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("prompt rejected: %s", e.Detail)
}

// ServerError is a 5xx upstream failure.
type ServerError struct {
	StatusCode int
	Detail     string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Detail)
}

// TimeoutError means a prompt never reached a terminal state within
// the poll deadline.
type TimeoutError struct {
	PromptID string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("prompt %s did not finish within %s", e.PromptID, e.After)
}

// RequestError covers remaining non-2xx responses.
type RequestError struct {
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("upstream request failed (%d): %s", e.StatusCode, e.Detail)
}

// detailKeys are the response body fields worth surfacing, in order.
var detailKeys = []string{"error", "message", "details", "node_errors", "exception_message"}

// extractErrorDetail pulls human-readable fragments out of an upstream
// error body. Falls back to the raw body when it is not JSON.
func extractErrorDetail(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}

	var parts []string
	for _, key := range detailKeys {
		value, ok := payload[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			if v != "" {
				parts = append(parts, v)
			}
		default:
			encoded, err := json.Marshal(v)
			if err == nil && len(encoded) > 0 && string(encoded) != "{}" && string(encoded) != "[]" {
				parts = append(parts, string(encoded))
			}
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(string(body))
	}
	return strings.Join(parts, " | ")
}
