package db

// Stage represents where a design sits in the pipeline.
type Stage string

const (
	StageDesign         Stage = "design"         // Architect drafting, reviewer iterating
	StageImplementation Stage = "implementation" // Issues created, code-writers active
	StageComplete       Stage = "complete"       // Every PR merged
)

// Status represents the health of a design.
type Status string

const (
	StatusRunning  Status = "running"  // Work in progress
	StatusApproved Status = "approved" // Human signed off on the design page
	StatusFailed   Status = "failed"   // Retry cap exhausted or unrecoverable error
)

// PRStage represents where a pull request sits in its lifecycle.
type PRStage string

const (
	PRStageImplementation PRStage = "implementation"
	PRStageInReview       PRStage = "in_review"
	PRStageMerged         PRStage = "merged"
	PRStageFailed         PRStage = "failed"
)

// CheckStatus is the state of a CI or review gate on a pull request.
type CheckStatus string

const (
	CheckPending CheckStatus = "pending"
	CheckPassing CheckStatus = "passing"
	CheckFailing CheckStatus = "failing"
)

// Design is one unit of work from chat request to merged PRs.
type Design struct {
	ID             string
	Description    string
	Stage          Stage
	Status         Status
	PageID         string // document-store page once published
	ParentKey      string // parent issue in the tracker once created
	ReviewAttempts int
	CreatedAt      string
	UpdatedAt      string
}

// DesignOutput records the path of an artifact an agent produced,
// unique per (design, key). Re-recording a key replaces the path.
type DesignOutput struct {
	DesignID  string
	OutputKey string
	Path      string
	CreatedAt string
}

// PRState tracks one pull request through implementation, review and merge.
type PRState struct {
	PRNumber       int
	DesignID       string
	Stage          PRStage
	IssueKey       string
	ParentKey      string
	Feature        string // empty for the foundation PR
	Branch         string
	CIStatus       CheckStatus
	ReviewStatus   CheckStatus
	CIAttempts     int
	ReviewAttempts int
	CreatedAt      string
	UpdatedAt      string
}

// Intake is the chat context a design request arrived with. Notifications
// thread back under the originating message.
type Intake struct {
	DesignID  string
	Channel   string
	ThreadTS  string
	UserID    string
	UserName  string
	CreatedAt string
}

// AgentRun is the audit row for one supervised subprocess.
type AgentRun struct {
	ID         string
	DesignID   string
	Agent      string
	Task       string
	Status     string // running, completed, failed
	Success    bool
	PRNumber   int
	OutputKey  string
	CostUSD    float64
	DurationMS int64
	NumTurns   int
	SessionID  string
	StartedAt  string
	FinishedAt string
}
