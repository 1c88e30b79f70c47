package conductor

import "strings"

// FailureClass says who should deal with a CI failure.
type FailureClass string

const (
	// FailureAgentFixable is a code-level problem an agent can be asked to
	// fix: compile errors, failing tests, lint.
	FailureAgentFixable FailureClass = "agent_fixable"
	// FailureEnvironment is an infrastructure or dependency-resolution
	// problem. Re-running an agent cannot help; a human gets notified.
	FailureEnvironment FailureClass = "environment"
	// FailureFlaky is an intermittent failure worth one retry.
	FailureFlaky FailureClass = "flaky"
)

// Environment problems are matched before flaky ones: a registry outage
// often surfaces as a timeout further down the log, and the registry line is
// the one that matters.
var environmentPatterns = []string{
	"no space left on device",
	"out of memory",
	"failed to pull image",
	"image pull backoff",
	"docker: error",
	"could not resolve host",
	"could not resolve dependencies",
	"unable to resolve dependency",
	"dependency resolution failed",
	"missing secret",
	"secret not found",
	"authentication failed",
	"permission denied",
	"npm err! 404",
	"registry returned 5",
}

var flakyPatterns = []string{
	"etimedout",
	"econnreset",
	"econnrefused",
	"connection reset",
	"connection refused",
	"connection timed out",
	"timed out waiting",
	"socket hang up",
	"network error",
	"temporary failure",
	"rate limit",
	"service unavailable",
}

// ClassifyFailure inspects CI log text and decides how to react. Anything
// unrecognised is treated as agent-fixable; the retry cap bounds the damage
// when that guess is wrong.
func ClassifyFailure(logs string) FailureClass {
	lower := strings.ToLower(logs)

	for _, p := range environmentPatterns {
		if strings.Contains(lower, p) {
			return FailureEnvironment
		}
	}
	for _, p := range flakyPatterns {
		if strings.Contains(lower, p) {
			return FailureFlaky
		}
	}
	return FailureAgentFixable
}
