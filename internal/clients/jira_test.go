package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJiraForTest(t *testing.T, api *fakeAPI) *JiraClient {
	t.Helper()
	srv := api.start()
	return NewJiraClient(srv.URL, "bot@example.com", "token123", "TOS")
}

func TestCreateIssueDefaultsToTask(t *testing.T) {
	api := newFakeAPI(t)
	api.respond("POST", "/rest/api/3/issue", map[string]any{"key": "TOS-1"})
	jira := newJiraForTest(t, api)

	key, err := jira.CreateIssue(context.Background(), IssueFields{
		Summary:     "Payments rework",
		Description: "Move charges behind a provider interface.",
	})
	require.NoError(t, err)
	assert.Equal(t, "TOS-1", key)

	posts := api.sent("POST", "/rest/api/3/issue")
	require.Len(t, posts, 1)
	req := posts[0]
	assert.Equal(t, "bot@example.com", req.User)
	assert.Equal(t, "token123", req.Token)
	assert.Equal(t, "TOS", dig(t, req.Body, "fields", "project", "key"))
	assert.Equal(t, "Payments rework", dig(t, req.Body, "fields", "summary"))
	assert.Equal(t, "Task", dig(t, req.Body, "fields", "issuetype", "name"))
	assert.Equal(t, "doc", dig(t, req.Body, "fields", "description", "type"))
}

func TestCreateSubTaskForcesSubTaskType(t *testing.T) {
	api := newFakeAPI(t)
	api.respond("GET", "/rest/api/3/search", map[string]any{"issues": []any{}})
	api.respond("POST", "/rest/api/3/issue", map[string]any{"key": "TOS-2"})
	jira := newJiraForTest(t, api)

	key, err := jira.CreateSubTask(context.Background(), "TOS-1", IssueFields{
		Summary:   "Payment schema",
		IssueType: "Epic",
	})
	require.NoError(t, err)
	assert.Equal(t, "TOS-2", key)

	posts := api.sent("POST", "/rest/api/3/issue")
	require.Len(t, posts, 1)
	assert.Equal(t, "Sub-task", dig(t, posts[0].Body, "fields", "issuetype", "name"))
	assert.Equal(t, "TOS-1", dig(t, posts[0].Body, "fields", "parent", "key"))
}

func TestCreateSubTaskReturnsExistingOnSameSummary(t *testing.T) {
	api := newFakeAPI(t)
	api.respond("GET", "/rest/api/3/search", map[string]any{
		"issues": []any{
			map[string]any{
				"key": "TOS-2",
				"fields": map[string]any{
					"summary": "Payment schema",
					"status":  map[string]any{"name": "In Progress"},
				},
			},
		},
	})
	jira := newJiraForTest(t, api)

	key, err := jira.CreateSubTask(context.Background(), "TOS-1", IssueFields{Summary: "Payment schema"})
	require.NoError(t, err)
	assert.Equal(t, "TOS-2", key)
	assert.Empty(t, api.sent("POST", "/rest/api/3/issue"), "replay must not create a duplicate")
}

func TestGetSubTasks(t *testing.T) {
	api := newFakeAPI(t)
	api.respond("GET", "/rest/api/3/search", map[string]any{
		"issues": []any{
			map[string]any{
				"key": "TOS-2",
				"fields": map[string]any{
					"summary": "Payment schema",
					"status":  map[string]any{"name": "Done"},
				},
			},
			map[string]any{
				"key": "TOS-3",
				"fields": map[string]any{
					"summary": "Stripe adapter",
					"status":  map[string]any{"name": "To Do"},
				},
			},
		},
	})
	jira := newJiraForTest(t, api)

	issues, err := jira.GetSubTasks(context.Background(), "TOS-1")
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, Issue{Key: "TOS-2", Summary: "Payment schema", Status: "Done"}, issues[0])
	assert.Equal(t, Issue{Key: "TOS-3", Summary: "Stripe adapter", Status: "To Do"}, issues[1])

	gets := api.sent("GET", "/rest/api/3/search")
	require.Len(t, gets, 1)
	assert.Contains(t, gets[0].Path, "jql=parent+%3D+TOS-1")
}

func TestTransitionMatchesNameCaseInsensitively(t *testing.T) {
	api := newFakeAPI(t)
	api.respond("GET", "/rest/api/3/issue/TOS-2/transitions", map[string]any{
		"transitions": []any{
			map[string]any{"id": "11", "name": "In Progress"},
			map[string]any{"id": "31", "name": "Done"},
		},
	})
	api.handle("POST", "/rest/api/3/issue/TOS-2/transitions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	jira := newJiraForTest(t, api)

	require.NoError(t, jira.Transition(context.Background(), "TOS-2", "done"))

	posts := api.sent("POST", "/rest/api/3/issue/TOS-2/transitions")
	require.Len(t, posts, 1)
	assert.Equal(t, "31", dig(t, posts[0].Body, "transition", "id"))
}

func TestTransitionUnknownNameListsAvailable(t *testing.T) {
	api := newFakeAPI(t)
	api.respond("GET", "/rest/api/3/issue/TOS-2/transitions", map[string]any{
		"transitions": []any{
			map[string]any{"id": "11", "name": "In Progress"},
			map[string]any{"id": "31", "name": "Done"},
		},
	})
	jira := newJiraForTest(t, api)

	err := jira.Transition(context.Background(), "TOS-2", "Blocked")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no transition "Blocked" on TOS-2`)
	assert.Contains(t, err.Error(), "In Progress, Done")
	assert.Empty(t, api.sent("POST", "/rest/api/3/issue/TOS-2/transitions"))
}

func TestAddCommentWrapsTextInDocument(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("POST", "/rest/api/3/issue/TOS-2/comment", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	jira := newJiraForTest(t, api)

	require.NoError(t, jira.AddComment(context.Background(), "TOS-2", "PR merged, closing out"))

	posts := api.sent("POST", "/rest/api/3/issue/TOS-2/comment")
	require.Len(t, posts, 1)
	assert.Equal(t, "doc", dig(t, posts[0].Body, "body", "type"))
	raw, err := json.Marshal(posts[0].Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"text":"PR merged, closing out"`)
}

func TestJiraErrorsCarryStatusAndBody(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("POST", "/rest/api/3/issue", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errorMessages":["summary is required"]}`))
	})
	jira := newJiraForTest(t, api)

	_, err := jira.CreateIssue(context.Background(), IssueFields{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "summary is required")
}
