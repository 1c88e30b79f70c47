package conductor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name string
		logs string
		want FailureClass
	}{
		{"compile error", "src/payments.ts(12,5): error TS2322: Type 'string' is not assignable", FailureAgentFixable},
		{"failing test", "FAIL src/api_test.go: expected 200, got 500", FailureAgentFixable},
		{"empty logs", "", FailureAgentFixable},
		{"image pull", "ERROR: failed to pull image node:20-alpine", FailureEnvironment},
		{"missing secret", "Error: missing secret NPM_TOKEN in this environment", FailureEnvironment},
		{"dependency resolution", "Could not resolve dependencies for project", FailureEnvironment},
		{"registry 5xx", "npm ERR! registry returned 503", FailureEnvironment},
		{"timeout", "Error: ETIMEDOUT connecting to 10.0.0.4:5432", FailureFlaky},
		{"connection reset", "read tcp: connection reset by peer", FailureFlaky},
		{"rate limit", "403: API rate limit exceeded", FailureFlaky},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure(tt.logs))
		})
	}
}

// A registry outage usually drags a timeout behind it; the environment match
// must win so nobody burns retries on an unfixable failure.
func TestClassifyFailureEnvironmentBeatsFlaky(t *testing.T) {
	logs := "failed to pull image node:20\nrequest timed out waiting for layer"
	assert.Equal(t, FailureEnvironment, ClassifyFailure(logs))
}
