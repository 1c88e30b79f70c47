package conductor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/madhatter5501/conductor/agents"
	"github.com/madhatter5501/conductor/internal/clients"
)

// Fakes for the four external services and the agent runner. All of them
// record what they were asked so tests assert on effects, not call counts.

// --- chat ---

type fakeChat struct {
	mu       sync.Mutex
	messages []string
}

func (c *fakeChat) Send(_ context.Context, text, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	return nil
}

func (c *fakeChat) PostMessage(_ context.Context, channel, text, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, channel+": "+text)
	return "1700000000.000100", nil
}

func (c *fakeChat) UserName(context.Context, string) string { return "casey" }

func (c *fakeChat) has(substr string) bool {
	return c.count(substr) > 0
}

func (c *fakeChat) count(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.messages {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

// --- issue tracker ---

type fakeIssues struct {
	mu          sync.Mutex
	nextIssue   int
	parents     map[string]clients.IssueFields
	subtasks    map[string][]clients.Issue
	transitions map[string][]string
}

func newFakeIssues() *fakeIssues {
	return &fakeIssues{
		parents:     map[string]clients.IssueFields{},
		subtasks:    map[string][]clients.Issue{},
		transitions: map[string][]string{},
	}
}

func (f *fakeIssues) CreateIssue(_ context.Context, fields clients.IssueFields) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIssue++
	key := fmt.Sprintf("TOS-%d", f.nextIssue)
	f.parents[key] = fields
	return key, nil
}

// CreateSubTask dedupes by summary, same as the production client.
func (f *fakeIssues) CreateSubTask(_ context.Context, parentKey string, fields clients.IssueFields) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.subtasks[parentKey] {
		if st.Summary == fields.Summary {
			return st.Key, nil
		}
	}
	f.nextIssue++
	key := fmt.Sprintf("TOS-%d", f.nextIssue)
	f.subtasks[parentKey] = append(f.subtasks[parentKey], clients.Issue{Key: key, Summary: fields.Summary})
	return key, nil
}

func (f *fakeIssues) GetSubTasks(_ context.Context, parentKey string) ([]clients.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]clients.Issue(nil), f.subtasks[parentKey]...), nil
}

func (f *fakeIssues) Transition(_ context.Context, key, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions[key] = append(f.transitions[key], name)
	return nil
}

func (f *fakeIssues) AddComment(context.Context, string, string) error { return nil }

func (f *fakeIssues) transitionedTo(key, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.transitions[key] {
		if n == name {
			return true
		}
	}
	return false
}

func (f *fakeIssues) subtaskCount(parentKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subtasks[parentKey])
}

// --- document store ---

type fakeDocs struct {
	mu       sync.Mutex
	nextPage int
	pages    map[string]*clients.Page
	byTitle  map[string]string
	bodies   map[string]string
	states   map[string]string
	comments map[string][]clients.PageComment

	pagesErr    error
	stateErr    map[string]error
	commentsErr map[string]error
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		pages:       map[string]*clients.Page{},
		byTitle:     map[string]string{},
		bodies:      map[string]string{},
		states:      map[string]string{},
		comments:    map[string][]clients.PageComment{},
		stateErr:    map[string]error{},
		commentsErr: map[string]error{},
	}
}

// addPage seeds a page with a content state, as if it had been published
// earlier, and returns its id.
func (d *fakeDocs) addPage(title, state string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextPage++
	id := fmt.Sprintf("page-%d", d.nextPage)
	d.pages[id] = &clients.Page{ID: id, Title: title, Version: 1, URL: "https://docs.example.com/" + id}
	d.byTitle[title] = id
	d.states[id] = state
	return id
}

func (d *fakeDocs) CreatePage(_ context.Context, title, markdown string) (*clients.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.byTitle[title]; ok {
		cp := *d.pages[id]
		return &cp, nil
	}
	d.nextPage++
	id := fmt.Sprintf("page-%d", d.nextPage)
	page := &clients.Page{ID: id, Title: title, Version: 1, URL: "https://docs.example.com/" + id}
	d.pages[id] = page
	d.byTitle[title] = id
	d.bodies[id] = markdown
	cp := *page
	return &cp, nil
}

func (d *fakeDocs) UpdatePage(_ context.Context, pageID, title, markdown string, version int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	page, ok := d.pages[pageID]
	if !ok {
		return fmt.Errorf("page %s not found", pageID)
	}
	if version != page.Version+1 {
		return fmt.Errorf("version conflict on %s: have %d, got %d", pageID, page.Version, version)
	}
	page.Title = title
	page.Version = version
	d.byTitle[title] = pageID
	d.bodies[pageID] = markdown
	return nil
}

func (d *fakeDocs) FindPage(_ context.Context, title string) (*clients.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byTitle[title]
	if !ok {
		return nil, nil
	}
	cp := *d.pages[id]
	return &cp, nil
}

func (d *fakeDocs) GetContentState(_ context.Context, pageID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.stateErr[pageID]; err != nil {
		return "", err
	}
	return d.states[pageID], nil
}

func (d *fakeDocs) SetContentState(_ context.Context, pageID, state string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[pageID] = state
	return nil
}

func (d *fakeDocs) PagesInReview(_ context.Context) ([]clients.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pagesErr != nil {
		return nil, d.pagesErr
	}
	var out []clients.Page
	for i := 1; i <= d.nextPage; i++ {
		id := fmt.Sprintf("page-%d", i)
		if page, ok := d.pages[id]; ok && d.states[id] != "" {
			out = append(out, *page)
		}
	}
	return out, nil
}

func (d *fakeDocs) NewComments(_ context.Context, pageID string, since time.Time) ([]clients.PageComment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.commentsErr[pageID]; err != nil {
		return nil, err
	}
	var out []clients.PageComment
	for _, c := range d.comments[pageID] {
		if c.CreatedAt.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *fakeDocs) state(pageID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.states[pageID]
}

func (d *fakeDocs) pageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pages)
}

// --- source control ---

type fakeSource struct {
	mu             sync.Mutex
	nextPR         int
	prs            map[int]*clients.PullRequest
	byBranch       map[string]int
	mergeMessages  map[int]string
	mergeErr       error
	suiteLogs      map[int64]string
	reviewComments map[int][]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		prs:            map[int]*clients.PullRequest{},
		byBranch:       map[string]int{},
		mergeMessages:  map[int]string{},
		suiteLogs:      map[int64]string{},
		reviewComments: map[int][]string{},
	}
}

// openPR simulates an agent opening a pull request for a branch.
func (s *fakeSource) openPR(branch string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.byBranch[branch]; ok {
		return n
	}
	s.nextPR++
	n := 100 + s.nextPR
	s.prs[n] = &clients.PullRequest{
		Number: n,
		Branch: branch,
		Title:  branch,
		URL:    fmt.Sprintf("https://github.example.com/pull/%d", n),
	}
	s.byBranch[branch] = n
	return n
}

func (s *fakeSource) GetPR(_ context.Context, number int) (*clients.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.prs[number]
	if !ok {
		return nil, nil
	}
	cp := *pr
	return &cp, nil
}

func (s *fakeSource) FindPR(_ context.Context, branch string) (*clients.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byBranch[branch]
	if !ok {
		return nil, nil
	}
	cp := *s.prs[n]
	return &cp, nil
}

func (s *fakeSource) MergePR(_ context.Context, number int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mergeErr != nil {
		return s.mergeErr
	}
	pr, ok := s.prs[number]
	if !ok {
		return fmt.Errorf("pr %d not found", number)
	}
	if pr.Merged {
		return nil
	}
	pr.Merged = true
	s.mergeMessages[number] = message
	return nil
}

func (s *fakeSource) PRReviewComments(_ context.Context, number int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reviewComments[number]...), nil
}

func (s *fakeSource) CheckRunLogs(_ context.Context, id int64) (string, error) {
	return s.CheckSuiteLogs(context.Background(), id)
}

func (s *fakeSource) CheckSuiteLogs(_ context.Context, suiteID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs, ok := s.suiteLogs[suiteID]
	if !ok {
		return "", fmt.Errorf("suite %d has no logs", suiteID)
	}
	return logs, nil
}

func (s *fakeSource) PRBranch(_ context.Context, number int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.prs[number]
	if !ok {
		return "", fmt.Errorf("pr %d not found", number)
	}
	return pr.Branch, nil
}

func (s *fakeSource) isMerged(number int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.prs[number]
	return ok && pr.Merged
}

func (s *fakeSource) mergeMessage(number int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeMessages[number]
}

func (s *fakeSource) setReviewComments(number int, comments []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviewComments[number] = comments
}

// --- agent runner ---

type fakeRunner struct {
	mu    sync.Mutex
	specs []agents.RunSpec
	onRun func(spec agents.RunSpec) (*agents.Result, error)
}

func (r *fakeRunner) Run(_ context.Context, spec agents.RunSpec) (*agents.Result, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	fn := r.onRun
	r.mu.Unlock()
	if fn != nil {
		return fn(spec)
	}
	return okResult(spec.Agent, ""), nil
}

// script installs the behavior the next runs will follow.
func (r *fakeRunner) script(fn func(spec agents.RunSpec) (*agents.Result, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRun = fn
}

func (r *fakeRunner) runsFor(agent string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.specs {
		if s.Agent == agent {
			n++
		}
	}
	return n
}

func (r *fakeRunner) promptContains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.specs {
		if strings.Contains(s.Prompt, substr) {
			return true
		}
	}
	return false
}

func okResult(agent, text string) *agents.Result {
	return &agents.Result{
		Success:  true,
		Agent:    agent,
		Output:   agents.Output{Result: text},
		Raw:      text,
		Duration: 5 * time.Millisecond,
	}
}

func failedResult(agent, text string) *agents.Result {
	res := okResult(agent, text)
	res.Success = false
	res.ExitCode = 1
	return res
}

// writeDesignDoc plays the architect's side of the contract: write the
// document where the run is expected to leave it. The first missing name in
// the revision sequence is the one the current run was asked for.
func writeDesignDoc(spec agents.RunSpec, content string) error {
	dir := filepath.Join(spec.WorkDir, "design")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := "design_doc.md"
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			break
		}
		name = fmt.Sprintf("design_doc.r%d.md", i)
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}

var reportPathPattern = regexp.MustCompile("`([^`\n]+report\\.md)`")

// writeImplReport plays the code-writer's side of the contract: leave a
// summary at the path the prompt names.
func writeImplReport(spec agents.RunSpec, content string) error {
	m := reportPathPattern.FindStringSubmatch(spec.Prompt)
	if m == nil {
		return fmt.Errorf("prompt names no report file")
	}
	if err := os.MkdirAll(filepath.Dir(m[1]), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m[1], []byte(content), 0o644)
}
