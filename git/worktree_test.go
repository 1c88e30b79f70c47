package git

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeBranchName(t *testing.T) {
	assert.Equal(t, "TOS-40-payments", sanitizeBranchName("feature/TOS-40-payments"))
	assert.Equal(t, "TOS-99-crash-on-empty", sanitizeBranchName("fix/TOS-99-crash-on-empty"))
	assert.Equal(t, "weird-name-", sanitizeBranchName("weird name!"))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "feature/tos-40-payments", BranchName("feature/", "TOS-40", "Payments"))
	assert.Equal(t, "feature/tos-41-rate-limiting-for-api", BranchName("feature/", "TOS-41", "Rate limiting (for API)"))
	assert.Equal(t, "fix/tos-99", BranchName("fix/", "TOS-99", ""))

	long := BranchName("feature/", "TOS-7", "a very long title that keeps going and going and going far past the limit")
	assert.LessOrEqual(t, len(long), len("feature/tos-7-")+40)
}
