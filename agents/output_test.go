package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Output
	}{
		{
			name: "full object",
			raw:  `{"result": "done", "cost_usd": 1.25, "duration_ms": 900, "duration_api_ms": 700, "num_turns": 12, "is_error": false, "session_id": "abc"}`,
			want: Output{Result: "done", CostUSD: 1.25, DurationMS: 900, DurationAPIMS: 700, NumTurns: 12, SessionID: "abc"},
		},
		{
			name: "error flag",
			raw:  `{"result": "could not push", "is_error": true}`,
			want: Output{Result: "could not push", IsError: true},
		},
		{
			name: "surrounding whitespace",
			raw:  "\n  {\"result\": \"ok\"}  \n",
			want: Output{Result: "ok"},
		},
		{
			name: "mistyped fields are dropped, not coerced",
			raw:  `{"result": 42, "cost_usd": "1.25", "num_turns": "12", "session_id": 7}`,
			want: Output{},
		},
		{
			name: "plain text becomes the result",
			raw:  "I finished the task.",
			want: Output{Result: "I finished the task."},
		},
		{
			name: "json array is not an object",
			raw:  `[1, 2, 3]`,
			want: Output{Result: `[1, 2, 3]`},
		},
		{
			name: "null is not an object",
			raw:  `null`,
			want: Output{Result: `null`},
		},
		{
			name: "empty",
			raw:  "",
			want: Output{Result: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOutput(tt.raw))
		})
	}
}
