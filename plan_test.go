package conductor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const planDoc = "# Payments rework\n\nLots of prose.\n\n```json\n" +
	`{"foundation": [{"title": "Shared payment types", "summary": "Schema and interfaces"}],
  "features": [
    {"title": "Stripe adapter", "summary": "Charge API"},
    {"title": "Refund flow", "summary": "Refund endpoint", "slug": "refunds"}
  ]}` + "\n```\n\nCloses with prose.\n"

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan(planDoc)
	require.NoError(t, err)

	require.Len(t, plan.Foundation, 1)
	require.Len(t, plan.Features, 2)
	assert.Equal(t, "Shared payment types", plan.Foundation[0].Title)
	assert.Equal(t, "shared-payment-types", plan.Foundation[0].Slug, "missing slugs are derived from the title")
	assert.Equal(t, "stripe-adapter", plan.Features[0].Slug)
	assert.Equal(t, "refunds", plan.Features[1].Slug, "explicit slugs are kept")
}

func TestParsePlanPrefersLastFencedBlock(t *testing.T) {
	doc := "```json\n{\"features\": [{\"title\": \"Old\"}]}\n```\n" +
		"Revised plan below.\n" +
		"```json\n{\"features\": [{\"title\": \"New\"}]}\n```\n"

	plan, err := ParsePlan(doc)
	require.NoError(t, err)
	require.Len(t, plan.Features, 1)
	assert.Equal(t, "New", plan.Features[0].Title)
}

func TestParsePlanErrors(t *testing.T) {
	_, err := ParsePlan("just prose, no plan anywhere")
	assert.Error(t, err)

	_, err = ParsePlan("```json\n{\"foundation\": [], \"features\": []}\n```")
	assert.Error(t, err, "a plan with no work items is not a plan")
}

func TestParseVerdict(t *testing.T) {
	v := ParseVerdict("Detailed reasoning...\n```json\n{\"verdict\": \"pass\", \"comments\": []}\n```")
	assert.True(t, v.Passed())

	v = ParseVerdict("```json\n{\"verdict\": \"FAIL\", \"comments\": [\"missing error handling\"]}\n```")
	assert.False(t, v.Passed())
	assert.Equal(t, []string{"missing error handling"}, v.Comments)

	// A bare object without fences still parses.
	v = ParseVerdict(`I think this is fine. {"verdict": "pass"}`)
	assert.True(t, v.Passed())
}

func TestParseVerdictTreatsGarbageAsFail(t *testing.T) {
	v := ParseVerdict("I could not finish the review, sorry")
	assert.False(t, v.Passed())
	require.Len(t, v.Comments, 1)
	assert.Contains(t, v.Comments[0], "no verdict")
}

func TestExtractJSONFallsBackToBalancedObject(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, ExtractJSON(`prefix {"a": 1} suffix`))
	assert.Equal(t, `{"b": {"c": 2}}`, ExtractJSON(`{"a": 1} then {"b": {"c": 2}}`))
	assert.Equal(t, "", ExtractJSON("no json here"))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "rate-limiting-for-api", slugify("Rate limiting (for API)"))
	assert.Equal(t, "a", slugify("--A--"))
	long := slugify("a title that is far too long to be used as a branch name fragment anywhere")
	assert.LessOrEqual(t, len(long), 40)
}
