package web

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"

	"github.com/madhatter5501/conductor"
)

// gitHubWebhook verifies and parses GitHub webhook deliveries for one
// repository.
type gitHubWebhook struct {
	secret []byte
	seen   *expirable.LRU[string, struct{}]
}

func newGitHubWebhook(secret string) *gitHubWebhook {
	return &gitHubWebhook{
		secret: []byte(secret),
		seen:   expirable.NewLRU[string, struct{}](dedupSize, nil, dedupTTL),
	}
}

// Verify checks the HMAC-SHA256 signature GitHub computes over the raw body.
// An unconfigured secret rejects everything: an empty HMAC key would let
// anyone sign their own payloads.
func (g *gitHubWebhook) Verify(r *http.Request, body []byte) error {
	if len(g.secret) == 0 {
		return errors.New("github webhook secret not configured")
	}
	sig := r.Header.Get("X-Hub-Signature-256")
	if sig == "" {
		return errors.New("missing X-Hub-Signature-256 header")
	}
	return github.ValidateSignature(sig, body, g.secret)
}

// Parse maps one delivery to zero or more events. Redeliveries, unhandled
// event types and uninteresting actions all produce no events and no error.
func (g *gitHubWebhook) Parse(r *http.Request, body []byte) ([]conductor.Event, error) {
	if id := github.DeliveryID(r); id != "" {
		if g.seen.Contains(id) {
			return nil, nil
		}
		g.seen.Add(id, struct{}{})
	}

	payload, err := github.ParseWebHook(github.WebHookType(r), body)
	if err != nil {
		return nil, fmt.Errorf("parse github payload: %w", err)
	}

	switch ev := payload.(type) {
	case *github.CheckSuiteEvent:
		return parseCheckSuite(ev, body), nil
	case *github.PullRequestReviewEvent:
		return parseReview(ev, body), nil
	case *github.PullRequestEvent:
		return parsePullRequest(ev, body), nil
	case *github.IssueCommentEvent:
		return parseIssueComment(ev, body), nil
	}
	return nil, nil
}

func parseCheckSuite(ev *github.CheckSuiteEvent, raw []byte) []conductor.Event {
	if ev.GetAction() != "completed" {
		return nil
	}
	suite := ev.GetCheckSuite()
	number, branch := suitePR(suite)

	switch suite.GetConclusion() {
	case "failure", "timed_out":
		return []conductor.Event{&conductor.CIFailed{
			Meta:         newMeta("github", raw),
			PRNumber:     number,
			Branch:       branch,
			IssueKey:     ExtractIssueKey(branch),
			CheckSuiteID: suite.GetID(),
		}}
	case "success":
		return []conductor.Event{&conductor.CIPassed{
			Meta:     newMeta("github", raw),
			PRNumber: number,
			Branch:   branch,
			IssueKey: ExtractIssueKey(branch),
		}}
	}
	return nil
}

// suitePR picks the PR a check suite ran for. Suites triggered by pushes to
// branches with no open PR carry an empty list; those come back as number 0
// and the orchestrator falls back to the branch.
func suitePR(suite *github.CheckSuite) (int, string) {
	branch := suite.GetHeadBranch()
	for _, pr := range suite.PullRequests {
		if pr.GetNumber() != 0 {
			if ref := pr.GetHead().GetRef(); ref != "" {
				branch = ref
			}
			return pr.GetNumber(), branch
		}
	}
	return 0, branch
}

func parseReview(ev *github.PullRequestReviewEvent, raw []byte) []conductor.Event {
	if ev.GetAction() != "submitted" {
		return nil
	}
	pr := ev.GetPullRequest()
	var comments []string
	if body := strings.TrimSpace(ev.GetReview().GetBody()); body != "" {
		comments = append(comments, body)
	}

	switch ev.GetReview().GetState() {
	case "approved":
		return []conductor.Event{&conductor.PRApproved{
			Meta:     newMeta("github", raw),
			PRNumber: pr.GetNumber(),
			Branch:   pr.GetHead().GetRef(),
		}}
	case "changes_requested":
		return []conductor.Event{&conductor.PRChangesRequested{
			Meta:     newMeta("github", raw),
			PRNumber: pr.GetNumber(),
			Branch:   pr.GetHead().GetRef(),
			Comments: comments,
		}}
	}
	// "commented" reviews are informational; the comment itself arrives as
	// an issue_comment delivery when it is top-level.
	return nil
}

func parsePullRequest(ev *github.PullRequestEvent, raw []byte) []conductor.Event {
	pr := ev.GetPullRequest()
	if ev.GetAction() != "closed" || !pr.GetMerged() {
		return nil
	}
	return []conductor.Event{&conductor.PRMerged{
		Meta:     newMeta("github", raw),
		PRNumber: pr.GetNumber(),
		Branch:   pr.GetHead().GetRef(),
	}}
}

func parseIssueComment(ev *github.IssueCommentEvent, raw []byte) []conductor.Event {
	if ev.GetAction() != "created" {
		return nil
	}
	issue := ev.GetIssue()
	if issue.PullRequestLinks == nil {
		// Plain issue comment, not a PR conversation.
		return nil
	}
	if ev.GetComment().GetUser().GetType() == "Bot" {
		// CI bots and our own agents comment too; feeding those back in
		// would spin the feedback loop on itself.
		return nil
	}
	body := strings.TrimSpace(ev.GetComment().GetBody())
	if body == "" {
		return nil
	}
	if author := ev.GetComment().GetUser().GetLogin(); author != "" {
		body = author + ": " + body
	}
	return []conductor.Event{&conductor.PRComment{
		Meta:     newMeta("github", raw),
		PRNumber: issue.GetNumber(),
		Comments: []string{body},
	}}
}

var branchKeyRe = regexp.MustCompile(`(?i)^(?:feature|fix|chore)/([a-z][a-z0-9]*-\d+)`)

// ExtractIssueKey pulls the tracker key out of a branch named like
// feature/tos-40-payments. Branches outside the convention return "".
func ExtractIssueKey(branch string) string {
	m := branchKeyRe.FindStringSubmatch(branch)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}
