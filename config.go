package conductor

import (
	"fmt"
	"os"
	"time"
)

// Config holds orchestrator configuration.
type Config struct {
	// Paths
	DBPath     string `json:"dbPath"`
	DesignsDir string `json:"designsDir"` // design docs and per-issue work dirs live here
	PromptsDir string `json:"promptsDir"` // optional override for the embedded prompts

	// Repository
	RepoRoot    string `json:"repoRoot"`
	WorktreeDir string `json:"worktreeDir"`
	MainBranch  string `json:"mainBranch"`

	// Agents
	AgentBin       string        `json:"agentBin"`
	AgentTimeout   time.Duration `json:"agentTimeout"`
	AgentHeartbeat time.Duration `json:"agentHeartbeat"`
	KeepWorktrees  bool          `json:"keepWorktrees"` // keep worktrees around for post-mortems
	Verbose        bool          `json:"verbose"`

	// Queue concurrency. The orchestrator queue is always 1; every state
	// transition must pass through a single worker.
	ArchitectWorkers  int `json:"architectWorkers"`
	CodeWriterWorkers int `json:"codeWriterWorkers"`
	ReviewerWorkers   int `json:"reviewerWorkers"`

	// Retry caps
	MaxCIRetries     int `json:"maxCiRetries"`
	MaxReviewRetries int `json:"maxReviewRetries"`

	// Document store polling
	PollInterval time.Duration `json:"pollInterval"`

	// HTTP ingress
	Port string `json:"port"`

	// Webhook verification secrets. Unset means the source is rejected.
	GitHubWebhookSecret string `json:"-"`
	SlackSigningSecret  string `json:"-"`

	// Source control
	GitHubToken   string `json:"-"`
	GitHubOwner   string `json:"githubOwner"`
	GitHubRepo    string `json:"githubRepo"`
	GitHubBaseURL string `json:"githubBaseUrl"` // GitHub Enterprise; empty means github.com

	// Chat
	SlackBotToken   string `json:"-"`
	SlackWebhookURL string `json:"-"`
	SlackChannel    string `json:"slackChannel"`

	// Issue tracker
	JiraBaseURL string `json:"jiraBaseUrl"`
	JiraEmail   string `json:"jiraEmail"`
	JiraToken   string `json:"-"`
	JiraProject string `json:"jiraProject"`

	// Document store
	ConfluenceBaseURL    string `json:"confluenceBaseUrl"`
	ConfluenceEmail      string `json:"confluenceEmail"`
	ConfluenceToken      string `json:"-"`
	ConfluenceSpace      string `json:"confluenceSpace"`
	ConfluenceParentPage string `json:"confluenceParentPage"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DBPath:            "conductor.db",
		DesignsDir:        "designs",
		RepoRoot:          ".",
		WorktreeDir:       ".worktrees",
		MainBranch:        "main",
		AgentBin:          "claude",
		AgentTimeout:      time.Hour,
		AgentHeartbeat:    10 * time.Minute,
		Verbose:           true,
		ArchitectWorkers:  2,
		CodeWriterWorkers: 3,
		ReviewerWorkers:   2,
		MaxCIRetries:      10,
		MaxReviewRetries:  10,
		PollInterval:      60 * time.Second,
		Port:              "8080",
	}
}

// LoadConfig builds a Config from the defaults and the environment.
// Credentials only ever come from the environment.
func LoadConfig() Config {
	cfg := DefaultConfig()

	envStr("CONDUCTOR_DB", &cfg.DBPath)
	envStr("CONDUCTOR_DESIGNS_DIR", &cfg.DesignsDir)
	envStr("CONDUCTOR_PROMPTS_DIR", &cfg.PromptsDir)
	envStr("CONDUCTOR_REPO_ROOT", &cfg.RepoRoot)
	envStr("CONDUCTOR_WORKTREE_DIR", &cfg.WorktreeDir)
	envStr("CONDUCTOR_MAIN_BRANCH", &cfg.MainBranch)
	envStr("CONDUCTOR_AGENT_BIN", &cfg.AgentBin)
	envDur("CONDUCTOR_AGENT_TIMEOUT", &cfg.AgentTimeout)
	envDur("CONDUCTOR_AGENT_HEARTBEAT", &cfg.AgentHeartbeat)
	envBool("CONDUCTOR_KEEP_WORKTREES", &cfg.KeepWorktrees)
	envBool("CONDUCTOR_VERBOSE", &cfg.Verbose)
	envInt("CONDUCTOR_ARCHITECT_WORKERS", &cfg.ArchitectWorkers)
	envInt("CONDUCTOR_CODE_WRITER_WORKERS", &cfg.CodeWriterWorkers)
	envInt("CONDUCTOR_REVIEWER_WORKERS", &cfg.ReviewerWorkers)
	envInt("CONDUCTOR_MAX_CI_RETRIES", &cfg.MaxCIRetries)
	envInt("CONDUCTOR_MAX_REVIEW_RETRIES", &cfg.MaxReviewRetries)
	envDur("CONDUCTOR_POLL_INTERVAL", &cfg.PollInterval)
	envStr("CONDUCTOR_PORT", &cfg.Port)

	envStr("GITHUB_WEBHOOK_SECRET", &cfg.GitHubWebhookSecret)
	envStr("SLACK_SIGNING_SECRET", &cfg.SlackSigningSecret)
	envStr("GITHUB_TOKEN", &cfg.GitHubToken)
	envStr("GITHUB_OWNER", &cfg.GitHubOwner)
	envStr("GITHUB_REPO", &cfg.GitHubRepo)
	envStr("GITHUB_BASE_URL", &cfg.GitHubBaseURL)
	envStr("SLACK_BOT_TOKEN", &cfg.SlackBotToken)
	envStr("SLACK_WEBHOOK_URL", &cfg.SlackWebhookURL)
	envStr("SLACK_CHANNEL", &cfg.SlackChannel)
	envStr("JIRA_BASE_URL", &cfg.JiraBaseURL)
	envStr("JIRA_EMAIL", &cfg.JiraEmail)
	envStr("JIRA_TOKEN", &cfg.JiraToken)
	envStr("JIRA_PROJECT", &cfg.JiraProject)
	envStr("CONFLUENCE_BASE_URL", &cfg.ConfluenceBaseURL)
	envStr("CONFLUENCE_EMAIL", &cfg.ConfluenceEmail)
	envStr("CONFLUENCE_TOKEN", &cfg.ConfluenceToken)
	envStr("CONFLUENCE_SPACE", &cfg.ConfluenceSpace)
	envStr("CONFLUENCE_PARENT_PAGE", &cfg.ConfluenceParentPage)

	return cfg
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}
