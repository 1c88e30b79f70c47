package conductor

import (
	"context"
	"time"

	"github.com/madhatter5501/conductor/internal/clients"
)

// The orchestrator drives four external services. It accepts them as
// interfaces so route tests can substitute fakes; internal/clients carries
// the production implementations.

// ChatClient posts notifications and resolves user names.
type ChatClient interface {
	Send(ctx context.Context, text, threadTS string) error
	PostMessage(ctx context.Context, channel, text, threadTS string) (string, error)
	UserName(ctx context.Context, userID string) string
}

// IssueClient manages tracker issues for implementation work.
type IssueClient interface {
	CreateIssue(ctx context.Context, f clients.IssueFields) (string, error)
	CreateSubTask(ctx context.Context, parentKey string, f clients.IssueFields) (string, error)
	GetSubTasks(ctx context.Context, parentKey string) ([]clients.Issue, error)
	Transition(ctx context.Context, key, name string) error
	AddComment(ctx context.Context, key, text string) error
}

// DocClient publishes design documents and watches their review state.
type DocClient interface {
	CreatePage(ctx context.Context, title, markdown string) (*clients.Page, error)
	UpdatePage(ctx context.Context, pageID, title, markdown string, version int) error
	FindPage(ctx context.Context, title string) (*clients.Page, error)
	GetContentState(ctx context.Context, pageID string) (string, error)
	SetContentState(ctx context.Context, pageID, state string) error
	PagesInReview(ctx context.Context) ([]clients.Page, error)
	NewComments(ctx context.Context, pageID string, since time.Time) ([]clients.PageComment, error)
}

// SourceClient inspects and merges pull requests.
type SourceClient interface {
	GetPR(ctx context.Context, number int) (*clients.PullRequest, error)
	FindPR(ctx context.Context, branch string) (*clients.PullRequest, error)
	MergePR(ctx context.Context, number int, message string) error
	PRReviewComments(ctx context.Context, number int) ([]string, error)
	CheckRunLogs(ctx context.Context, checkRunID int64) (string, error)
	CheckSuiteLogs(ctx context.Context, suiteID int64) (string, error)
	PRBranch(ctx context.Context, number int) (string, error)
}

// Clients bundles the external adapters for orchestrator construction.
type Clients struct {
	Chat   ChatClient
	Issues IssueClient
	Docs   DocClient
	Source SourceClient
}
