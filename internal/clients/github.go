package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/pkg/errors"
)

// PullRequest is the slice of a source-control PR the orchestrator cares
// about.
type PullRequest struct {
	Number int
	Branch string
	Title  string
	Merged bool
	URL    string
}

// GitHubClient wraps the GitHub API for a single repository.
type GitHubClient struct {
	gh    *github.Client
	owner string
	repo  string
}

// GitHubOption configures the client.
type GitHubOption func(*GitHubClient)

// WithGitHubBaseURL points the client at a GitHub Enterprise API endpoint
// instead of github.com. Invalid URLs leave the default endpoint in place.
func WithGitHubBaseURL(baseURL string) GitHubOption {
	return func(c *GitHubClient) {
		u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
		if err != nil {
			return
		}
		c.gh.BaseURL = u
	}
}

// NewGitHubClient creates a source-control client for owner/repo.
func NewGitHubClient(token, owner, repo string, opts ...GitHubOption) *GitHubClient {
	c := &GitHubClient{
		gh:    github.NewClient(nil).WithAuthToken(token),
		owner: owner,
		repo:  repo,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func convertPR(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number: pr.GetNumber(),
		Branch: pr.GetHead().GetRef(),
		Title:  pr.GetTitle(),
		Merged: pr.GetMerged(),
		URL:    pr.GetHTMLURL(),
	}
}

// GetPR fetches a PR by number. Returns nil without error when the PR does
// not exist, so callers can treat absence as a normal outcome.
func (c *GitHubClient) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	pr, resp, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "get pr #%d", number)
	}
	return convertPR(pr), nil
}

// FindPR returns the open PR whose head is the given branch, or nil when
// none exists.
func (c *GitHubClient) FindPR(ctx context.Context, branch string) (*PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
		Head:        c.owner + ":" + branch,
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 10},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "find pr for branch %s", branch)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return convertPR(prs[0]), nil
}

// MergePR squash-merges a PR. Already-merged PRs are left alone so a
// replayed approval cannot fail the pipeline.
func (c *GitHubClient) MergePR(ctx context.Context, number int, message string) error {
	pr, err := c.GetPR(ctx, number)
	if err != nil {
		return err
	}
	if pr == nil {
		return errors.Errorf("pr #%d not found", number)
	}
	if pr.Merged {
		return nil
	}

	_, _, err = c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, message, &github.PullRequestOptions{
		MergeMethod: "squash",
	})
	if err != nil {
		return errors.Wrapf(err, "merge pr #%d", number)
	}
	return nil
}

// PRReviewComments returns the review comments on a PR as "author: text"
// lines, ready to hand to an agent prompt.
func (c *GitHubClient) PRReviewComments(ctx context.Context, number int) ([]string, error) {
	comments, _, err := c.gh.PullRequests.ListComments(ctx, c.owner, c.repo, number, &github.PullRequestListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list review comments of pr #%d", number)
	}
	lines := make([]string, 0, len(comments))
	for _, cm := range comments {
		lines = append(lines, fmt.Sprintf("%s: %s", cm.GetUser().GetLogin(), cm.GetBody()))
	}
	return lines, nil
}

// CheckRunLogs returns the recorded output of a single check run.
func (c *GitHubClient) CheckRunLogs(ctx context.Context, checkRunID int64) (string, error) {
	run, _, err := c.gh.Checks.GetCheckRun(ctx, c.owner, c.repo, checkRunID)
	if err != nil {
		return "", errors.Wrapf(err, "get check run %d", checkRunID)
	}
	out := run.GetOutput()
	var parts []string
	for _, s := range []string{run.GetName(), out.GetTitle(), out.GetSummary(), out.GetText()} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// CheckSuiteLogs gathers the outputs of every failed run in a check suite.
// Webhook payloads identify the suite, not the individual runs, so failure
// triage starts here.
func (c *GitHubClient) CheckSuiteLogs(ctx context.Context, suiteID int64) (string, error) {
	runs, _, err := c.gh.Checks.ListCheckRunsCheckSuite(ctx, c.owner, c.repo, suiteID, &github.ListCheckRunsOptions{
		Filter:      github.Ptr("all"),
		ListOptions: github.ListOptions{PerPage: 50},
	})
	if err != nil {
		return "", errors.Wrapf(err, "list runs of check suite %d", suiteID)
	}

	var parts []string
	for _, run := range runs.CheckRuns {
		switch run.GetConclusion() {
		case "failure", "timed_out", "cancelled":
		default:
			continue
		}
		logs, err := c.CheckRunLogs(ctx, run.GetID())
		if err != nil {
			return "", err
		}
		if logs != "" {
			parts = append(parts, logs)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// PRBranch returns the head branch of a PR.
func (c *GitHubClient) PRBranch(ctx context.Context, number int) (string, error) {
	pr, err := c.GetPR(ctx, number)
	if err != nil {
		return "", err
	}
	if pr == nil {
		return "", errors.Errorf("pr #%d not found", number)
	}
	return pr.Branch, nil
}
