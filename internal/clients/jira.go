// Package clients holds thin adapters for the external services the pipeline
// talks to: the issue tracker, the document store, source control and chat.
// Each adapter exposes only the operations the orchestrator needs and hides
// the vendor wire formats behind small structs.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const subTaskType = "Sub-task"

// Issue is the slice of a tracker issue the orchestrator cares about.
type Issue struct {
	Key     string
	Summary string
	Status  string
}

// IssueFields describes a new issue or sub-task.
type IssueFields struct {
	Summary     string
	Description string
	IssueType   string // defaults to "Task"
}

// JiraClient talks to a Jira Cloud instance over its v3 REST API.
type JiraClient struct {
	baseURL    string
	email      string
	token      string
	project    string
	httpClient *http.Client
}

// JiraOption configures the client.
type JiraOption func(*JiraClient)

// WithJiraHTTPClient sets a custom HTTP client.
func WithJiraHTTPClient(client *http.Client) JiraOption {
	return func(c *JiraClient) {
		c.httpClient = client
	}
}

// NewJiraClient creates a tracker client authenticated with an API token.
func NewJiraClient(baseURL, email, token, project string, opts ...JiraOption) *JiraClient {
	c := &JiraClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		email:      email,
		token:      token,
		project:    project,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// adfDoc wraps plain text in the document format the v3 API requires for
// rich-text fields: a single paragraph of text content.
func adfDoc(text string) map[string]any {
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": []any{
			map[string]any{
				"type": "paragraph",
				"content": []any{
					map[string]any{"type": "text", "text": text},
				},
			},
		},
	}
}

// CreateIssue creates a top-level issue in the configured project and
// returns its key.
func (c *JiraClient) CreateIssue(ctx context.Context, f IssueFields) (string, error) {
	issueType := f.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	body := map[string]any{
		"fields": map[string]any{
			"project":     map[string]any{"key": c.project},
			"summary":     f.Summary,
			"description": adfDoc(f.Description),
			"issuetype":   map[string]any{"name": issueType},
		},
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/3/issue", body, &out); err != nil {
		return "", errors.Wrap(err, "create issue")
	}
	return out.Key, nil
}

// CreateSubTask creates a sub-task under parentKey. The issue type is always
// forced to Sub-task regardless of what the fields carry. If a sub-task with
// the same summary already exists under the parent its key is returned
// instead, so replays never produce duplicates.
func (c *JiraClient) CreateSubTask(ctx context.Context, parentKey string, f IssueFields) (string, error) {
	existing, err := c.GetSubTasks(ctx, parentKey)
	if err != nil {
		return "", err
	}
	for _, issue := range existing {
		if issue.Summary == f.Summary {
			return issue.Key, nil
		}
	}

	body := map[string]any{
		"fields": map[string]any{
			"project":     map[string]any{"key": c.project},
			"parent":      map[string]any{"key": parentKey},
			"summary":     f.Summary,
			"description": adfDoc(f.Description),
			"issuetype":   map[string]any{"name": subTaskType},
		},
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/3/issue", body, &out); err != nil {
		return "", errors.Wrapf(err, "create sub-task under %s", parentKey)
	}
	return out.Key, nil
}

// GetSubTasks lists the sub-tasks of an issue.
func (c *JiraClient) GetSubTasks(ctx context.Context, parentKey string) ([]Issue, error) {
	jql := url.QueryEscape("parent = " + parentKey)
	var out struct {
		Issues []struct {
			Key    string `json:"key"`
			Fields struct {
				Summary string `json:"summary"`
				Status  struct {
					Name string `json:"name"`
				} `json:"status"`
			} `json:"fields"`
		} `json:"issues"`
	}
	path := "/rest/api/3/search?jql=" + jql + "&fields=summary,status&maxResults=100"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, errors.Wrapf(err, "list sub-tasks of %s", parentKey)
	}
	issues := make([]Issue, 0, len(out.Issues))
	for _, it := range out.Issues {
		issues = append(issues, Issue{Key: it.Key, Summary: it.Fields.Summary, Status: it.Fields.Status.Name})
	}
	return issues, nil
}

// Transition moves an issue through its workflow by transition name. The
// name is matched case-insensitively against the transitions currently
// available on the issue; an unknown name is an error listing what was
// available.
func (c *JiraClient) Transition(ctx context.Context, key, name string) error {
	var avail struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"transitions"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/3/issue/"+key+"/transitions", nil, &avail); err != nil {
		return errors.Wrapf(err, "list transitions for %s", key)
	}

	var id string
	names := make([]string, 0, len(avail.Transitions))
	for _, t := range avail.Transitions {
		names = append(names, t.Name)
		if strings.EqualFold(t.Name, name) {
			id = t.ID
			break
		}
	}
	if id == "" {
		return errors.Errorf("no transition %q on %s (available: %s)", name, key, strings.Join(names, ", "))
	}

	body := map[string]any{"transition": map[string]any{"id": id}}
	if err := c.do(ctx, http.MethodPost, "/rest/api/3/issue/"+key+"/transitions", body, nil); err != nil {
		return errors.Wrapf(err, "transition %s to %q", key, name)
	}
	return nil
}

// AddComment posts a plain-text comment on an issue.
func (c *JiraClient) AddComment(ctx context.Context, key, text string) error {
	body := map[string]any{"body": adfDoc(text)}
	if err := c.do(ctx, http.MethodPost, "/rest/api/3/issue/"+key+"/comment", body, nil); err != nil {
		return errors.Wrapf(err, "comment on %s", key)
	}
	return nil
}

func (c *JiraClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.SetBasicAuth(c.email, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

// snippet trims an error body down to something loggable.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
