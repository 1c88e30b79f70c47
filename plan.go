package conductor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// PlanItem is one unit of implementation work from a design document.
type PlanItem struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Slug    string `json:"slug,omitempty"`
}

// Plan is the implementation breakdown the architect embeds at the end of a
// design document. Foundation items must merge before feature items start.
type Plan struct {
	Foundation []PlanItem `json:"foundation"`
	Features   []PlanItem `json:"features"`
}

// ParsePlan pulls the implementation plan out of a design document. Agents
// put the plan in the final fenced json block, but prose can follow it, so
// extraction scans the whole document.
func ParsePlan(text string) (*Plan, error) {
	raw := ExtractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no implementation plan found in design document")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("parsing implementation plan: %w", err)
	}
	if len(plan.Foundation) == 0 && len(plan.Features) == 0 {
		return nil, fmt.Errorf("implementation plan has no work items")
	}

	for i := range plan.Foundation {
		if plan.Foundation[i].Slug == "" {
			plan.Foundation[i].Slug = slugify(plan.Foundation[i].Title)
		}
	}
	for i := range plan.Features {
		if plan.Features[i].Slug == "" {
			plan.Features[i].Slug = slugify(plan.Features[i].Title)
		}
	}
	return &plan, nil
}

// Review verdicts as reviewer agents report them.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// ReviewVerdict is a reviewer agent's judgement plus whatever it wants the
// author to hear.
type ReviewVerdict struct {
	Verdict  string   `json:"verdict"`
	Comments []string `json:"comments"`
}

// Passed reports whether the review passed.
func (v ReviewVerdict) Passed() bool {
	return v.Verdict == VerdictPass
}

// ParseVerdict reads a reviewer's verdict out of its output. Output with no
// parseable verdict counts as a fail, with the raw text surfaced as the
// review comment; an unreadable review must never wave work through.
func ParseVerdict(text string) ReviewVerdict {
	if raw := ExtractJSON(text); raw != "" {
		var v ReviewVerdict
		if err := json.Unmarshal([]byte(raw), &v); err == nil && v.Verdict != "" {
			v.Verdict = strings.ToLower(strings.TrimSpace(v.Verdict))
			return v
		}
	}

	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 500 {
		trimmed = trimmed[:500] + "..."
	}
	return ReviewVerdict{Verdict: VerdictFail, Comments: []string{"review produced no verdict: " + trimmed}}
}

// ExtractJSON finds the JSON payload in agent output. Prefers the last
// fenced ```json block; falls back to the last balanced top-level object.
func ExtractJSON(text string) string {
	var lastJSON string

	searchStart := 0
	for {
		idx := strings.Index(text[searchStart:], "```json")
		if idx == -1 {
			break
		}
		start := searchStart + idx + 7
		if end := strings.Index(text[start:], "```"); end != -1 {
			lastJSON = strings.TrimSpace(text[start : start+end])
			searchStart = start + end + 3
		} else {
			break
		}
	}

	if lastJSON != "" {
		return lastJSON
	}

	for i := len(text) - 1; i >= 0; i-- {
		if text[i] == '}' {
			depth := 0
			for j := i; j >= 0; j-- {
				if text[j] == '}' {
					depth++
				} else if text[j] == '{' {
					depth--
					if depth == 0 {
						return text[j : i+1]
					}
				}
			}
		}
	}

	return ""
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a work item title into a branch-name fragment.
func slugify(title string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	return s
}
