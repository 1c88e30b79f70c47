package conductor

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/madhatter5501/conductor/agents"
)

// Kind discriminates the event variants flowing through the dispatch fabric.
type Kind string

const (
	KindTaskRequested      Kind = "task:requested"
	KindPageApproved       Kind = "page:approved"
	KindPageComment        Kind = "page:comment"
	KindPRChangesRequested Kind = "pr:changes_requested"
	KindPRComment          Kind = "pr:comment"
	KindPRApproved         Kind = "pr:approved"
	KindPRMerged           Kind = "pr:merged"
	KindCIFailed           Kind = "ci:failed"
	KindCIPassed           Kind = "ci:passed"
	KindAgentCompleted     Kind = "agent:completed"
	KindStageCompleted     Kind = "stage:completed"
)

// Agent names used in route keys and supervisor invocations.
const (
	AgentArchitect  = "architect"
	AgentCodeWriter = "code_writer"
	AgentReviewer   = "reviewer"
)

// Task types an agent run can perform. Together with the agent name they key
// the route map.
const (
	TaskDesign         = "design"
	TaskFeedback       = "feedback"
	TaskImplementation = "implementation"
	TaskCIFix          = "ci_fix"
	TaskReviewFix      = "review_fix"
	TaskHumanFeedback  = "human_feedback"
	TaskDesignReview   = "design_review"
	TaskCodeReview     = "code_review"
)

// Queue names. Dispatch routes events onto these by handler declaration.
const (
	QueueArchitect    = "architect"
	QueueCodeWriter   = "code-writer"
	QueueReviewer     = "reviewer"
	QueueOrchestrator = "orchestrator"
)

// Event is the closed sum of everything the dispatcher routes. Concrete
// variants embed Meta and are always handled as pointers.
type Event interface {
	Kind() Kind
	EventMeta() *Meta
}

// Meta carries the fields shared by every event variant. Task is an internal
// directive: route actions set it when they re-enqueue an event onto one of
// the agent queues so the queue worker knows which run to perform.
type Meta struct {
	ID     string          `json:"id"`
	Source string          `json:"source"`
	Task   string          `json:"task,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

// EventMeta returns the shared fields; it makes any embedding struct an Event
// once it also declares Kind.
func (m *Meta) EventMeta() *Meta { return m }

// NewMeta stamps a fresh event id for the given source.
func NewMeta(source string) Meta {
	return Meta{ID: uuid.NewString(), Source: source}
}

// TaskRequested is a human asking for work in chat. Channel and ThreadTS are
// the ack callback: replies thread under the originating message. DesignID is
// only set on manual re-triggers of an existing design.
type TaskRequested struct {
	Meta
	Message    string `json:"message"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Channel    string `json:"channel"`
	ThreadTS   string `json:"threadTs,omitempty"`
	DesignID   string `json:"designId,omitempty"`
}

func (*TaskRequested) Kind() Kind { return KindTaskRequested }

// PageApproved fires when a design page's content state reaches approved.
type PageApproved struct {
	Meta
	PageID   string `json:"pageId"`
	DesignID string `json:"designId"`
}

func (*PageApproved) Kind() Kind { return KindPageApproved }

// PageComment carries new reviewer comments on a design page. Comments is
// always a slice, even of length 1.
type PageComment struct {
	Meta
	PageID   string   `json:"pageId"`
	DesignID string   `json:"designId"`
	Comments []string `json:"comments"`
}

func (*PageComment) Kind() Kind { return KindPageComment }

// PRChangesRequested is a human review asking for changes on a PR.
type PRChangesRequested struct {
	Meta
	PRNumber int      `json:"prNumber"`
	Branch   string   `json:"branch,omitempty"`
	Comments []string `json:"comments"`
}

func (*PRChangesRequested) Kind() Kind { return KindPRChangesRequested }

// PRComment is a conversational comment on a PR.
type PRComment struct {
	Meta
	PRNumber int      `json:"prNumber"`
	Branch   string   `json:"branch,omitempty"`
	Comments []string `json:"comments"`
}

func (*PRComment) Kind() Kind { return KindPRComment }

// PRApproved is a human approval of a PR.
type PRApproved struct {
	Meta
	PRNumber int    `json:"prNumber"`
	Branch   string `json:"branch,omitempty"`
}

func (*PRApproved) Kind() Kind { return KindPRApproved }

// PRMerged fires when a PR lands, whether merged by the orchestrator or by hand.
type PRMerged struct {
	Meta
	PRNumber int    `json:"prNumber"`
	Branch   string `json:"branch,omitempty"`
}

func (*PRMerged) Kind() Kind { return KindPRMerged }

// CIFailed reports a failed or timed-out check suite. Logs holds whatever CI
// output could be fetched for classification.
type CIFailed struct {
	Meta
	PRNumber     int    `json:"prNumber"`
	Branch       string `json:"branch,omitempty"`
	IssueKey     string `json:"issueKey,omitempty"` // derived from the branch when no PR number was attached
	CheckSuiteID int64  `json:"checkSuiteId,omitempty"`
	Logs         string `json:"-"`
}

func (*CIFailed) Kind() Kind { return KindCIFailed }

// CIPassed reports a green check suite.
type CIPassed struct {
	Meta
	PRNumber int    `json:"prNumber"`
	Branch   string `json:"branch,omitempty"`
	IssueKey string `json:"issueKey,omitempty"`
}

func (*CIPassed) Kind() Kind { return KindCIPassed }

// AgentCompleted reports a settled agent run back to the orchestrator queue.
// Agent and TaskType key the route map. OutputPath points at a file the agent
// wrote; file content never rides the queue.
type AgentCompleted struct {
	Meta
	Agent      string         `json:"agent"`
	TaskType   string         `json:"taskType"`
	DesignID   string         `json:"designId,omitempty"`
	PRNumber   int            `json:"prNumber,omitempty"`
	IssueKey   string         `json:"issueKey,omitempty"`
	Feature    string         `json:"feature,omitempty"`
	Foundation bool           `json:"foundation,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	OutputKey  string         `json:"outputKey,omitempty"`
	OutputPath string         `json:"outputPath,omitempty"`
	Verdict    string         `json:"verdict,omitempty"`
	Comments   []string       `json:"comments,omitempty"`
	Result     *agents.Result `json:"result,omitempty"`
}

func (*AgentCompleted) Kind() Kind { return KindAgentCompleted }

// StageCompleted marks a design crossing a pipeline stage boundary. Fan-out
// copies pushed onto the code-writer queue additionally carry the subtask
// fields.
type StageCompleted struct {
	Meta
	DesignID   string `json:"designId"`
	From       string `json:"from"`
	To         string `json:"to"`
	IssueKey   string `json:"issueKey,omitempty"`
	Feature    string `json:"feature,omitempty"`
	Foundation bool   `json:"foundation,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

func (*StageCompleted) Kind() Kind { return KindStageCompleted }
