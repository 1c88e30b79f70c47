package agents

import (
	"encoding/json"
	"strings"
)

// Output holds the JSON fields an agent may report on stdout. Every field is
// optional; a field whose runtime type does not match is dropped, never
// coerced.
type Output struct {
	Result        string  `json:"result,omitempty"`
	CostUSD       float64 `json:"cost_usd,omitempty"`
	DurationMS    int64   `json:"duration_ms,omitempty"`
	DurationAPIMS int64   `json:"duration_api_ms,omitempty"`
	NumTurns      int     `json:"num_turns,omitempty"`
	IsError       bool    `json:"is_error,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
}

// ParseOutput decodes collected stdout as an agent result object. Anything
// that is not a JSON object comes back as {Result: raw}; it never fails.
func ParseOutput(raw string) Output {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &m); err != nil || m == nil {
		return Output{Result: raw}
	}

	var out Output
	if v, ok := m["result"].(string); ok {
		out.Result = v
	}
	if v, ok := m["cost_usd"].(float64); ok {
		out.CostUSD = v
	}
	if v, ok := m["duration_ms"].(float64); ok {
		out.DurationMS = int64(v)
	}
	if v, ok := m["duration_api_ms"].(float64); ok {
		out.DurationAPIMS = int64(v)
	}
	if v, ok := m["num_turns"].(float64); ok {
		out.NumTurns = int(v)
	}
	if v, ok := m["is_error"].(bool); ok {
		out.IsError = v
	}
	if v, ok := m["session_id"].(string); ok {
		out.SessionID = v
	}
	return out
}
