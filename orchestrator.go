// Package conductor drives a multi-agent delivery pipeline: chat requests
// become reviewed design documents, approved designs fan out into issue
// branches implemented and reviewed by supervised subprocess agents, and
// merged pull requests close the loop back to the requester.
//
// Everything flows through one dispatcher: webhook deliveries and document
// polls become events, a declarative handler table routes each event to one
// of four bounded queues, and the orchestrator queue, always a single
// worker, owns every state transition.
package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/madhatter5501/conductor/agents"
	"github.com/madhatter5501/conductor/git"
	"github.com/madhatter5501/conductor/internal/db"
)

// designDocKey is the output key of the base design document. Feedback
// revisions append .r1, .r2, ...
const designDocKey = "design_doc"

// Orchestrator owns the queues, the handler table, and the route map. It is
// the only writer of design and PR state.
type Orchestrator struct {
	cfg     Config
	store   *db.Store
	runner  agents.Runner
	clients Clients
	prompts *agents.PromptRenderer
	logger  *slog.Logger

	dispatcher *Dispatcher
	queues     map[string]*Queue
}

// New wires the orchestrator: four queues, their workers, and the handler
// table, in routing order.
func New(cfg Config, store *db.Store, runner agents.Runner, cl Clients, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		clients: cl,
		prompts: agents.NewPromptRenderer(cfg.PromptsDir),
		logger:  logger.With("component", "orchestrator"),
	}

	o.dispatcher = NewDispatcher(logger)
	o.queues = map[string]*Queue{
		QueueArchitect:    NewQueue(QueueArchitect, cfg.ArchitectWorkers, o.architectWork, logger),
		QueueCodeWriter:   NewQueue(QueueCodeWriter, cfg.CodeWriterWorkers, o.codeWriterWork, logger),
		QueueReviewer:     NewQueue(QueueReviewer, cfg.ReviewerWorkers, o.reviewerWork, logger),
		QueueOrchestrator: NewQueue(QueueOrchestrator, 1, o.orchestratorWork, logger),
	}
	for _, q := range o.queues {
		o.dispatcher.Bind(q)
	}
	o.registerHandlers()
	return o
}

// registerHandlers declares the event routing table. Dispatch walks it top
// to bottom and the first match wins, so order is part of the contract.
func (o *Orchestrator) registerHandlers() {
	kindTo := func(name string, kind Kind, queue string) {
		o.dispatcher.Register(Handler{
			Name:    name,
			Matches: func(ev Event) bool { return ev.Kind() == kind },
			Queue:   queue,
		})
	}

	// Agent work goes straight to the agent's queue.
	kindTo("design-request", KindTaskRequested, QueueArchitect)
	kindTo("design-feedback", KindPageComment, QueueArchitect)
	kindTo("pr-change-request", KindPRChangesRequested, QueueCodeWriter)
	kindTo("pr-human-comment", KindPRComment, QueueCodeWriter)

	// State transitions all pass through the single orchestrator worker.
	kindTo("design-approval", KindPageApproved, QueueOrchestrator)
	kindTo("pr-approval", KindPRApproved, QueueOrchestrator)
	kindTo("pr-merge", KindPRMerged, QueueOrchestrator)
	kindTo("ci-failure", KindCIFailed, QueueOrchestrator)
	kindTo("ci-success", KindCIPassed, QueueOrchestrator)
	kindTo("agent-completion", KindAgentCompleted, QueueOrchestrator)
	kindTo("stage-transition", KindStageCompleted, QueueOrchestrator)
}

// Start clears audit rows orphaned by a previous process and brings the
// queues online. ctx is handed to every job; cancelling it kills in-flight
// agent runs.
func (o *Orchestrator) Start(ctx context.Context) {
	if n, err := o.store.CleanupOrphanRuns(); err != nil {
		o.logger.Warn("orphan run cleanup failed", "error", err)
	} else if n > 0 {
		o.logger.Info("marked orphaned agent runs failed", "count", n)
	}

	for _, q := range o.queues {
		q.Start(ctx)
	}
	o.logger.Info("orchestrator running",
		"architect_workers", o.cfg.ArchitectWorkers,
		"code_writer_workers", o.cfg.CodeWriterWorkers,
		"reviewer_workers", o.cfg.ReviewerWorkers)
}

// Shutdown stops intake, drops pending jobs, and waits for in-flight jobs
// until ctx expires. Agent subprocesses outliving the deadline are killed by
// cancelling the Start context.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, q := range o.queues {
		q.Destroy()
	}
	for _, q := range o.queues {
		if err := q.Wait(ctx); err != nil {
			o.logger.Warn("queue did not drain before deadline", "queue", q.Name())
		}
	}
}

// Dispatch feeds an event through the handler table.
func (o *Orchestrator) Dispatch(ev Event) { o.dispatcher.Dispatch(ev) }

// Tap registers an observer for every dispatched event. Construction-time
// wiring only.
func (o *Orchestrator) Tap(fn func(Event)) { o.dispatcher.Tap(fn) }

// Docs exposes the document-store client so callers can run the approval
// poller against the same integration. Nil when unconfigured.
func (o *Orchestrator) Docs() DocClient { return o.clients.Docs }

// QueueDepths reports pending plus running jobs per queue.
func (o *Orchestrator) QueueDepths() map[string]int {
	depths := make(map[string]int, len(o.queues))
	for name, q := range o.queues {
		depths[name] = q.Depth()
	}
	return depths
}

// Drain blocks until every queue is simultaneously idle. A job may enqueue
// follow-up work on another queue, so one pass per queue is not enough.
func (o *Orchestrator) Drain(ctx context.Context) error {
	for {
		idle := true
		for _, q := range o.queues {
			if !q.Idle() {
				idle = false
				if err := q.Wait(ctx); err != nil {
					return err
				}
			}
		}
		if idle {
			return nil
		}
	}
}

func (o *Orchestrator) queue(name string) *Queue { return o.queues[name] }

func (o *Orchestrator) designDir(designID string) string {
	return filepath.Join(o.cfg.DesignsDir, designID)
}

// implDir is where implementation-stage artifacts land. Foundation and
// feature work get separate subtrees; the issue key isolates parallel items.
func (o *Orchestrator) implDir(designID string, foundation bool, issueKey string) string {
	sub := "features"
	if foundation {
		sub = "foundation"
	}
	return filepath.Join(o.designDir(designID), "implementation", sub, issueKey)
}

// --- Architect queue ---

func (o *Orchestrator) architectWork(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case *TaskRequested:
		return o.runDesign(ctx, ev)
	case *PageComment:
		return o.runDesignFeedback(ctx, ev)
	default:
		o.logger.Warn("architect queue got an unexpected event", "kind", ev.Kind())
		return nil
	}
}

// runDesign drafts the design document for a request, creating the design
// and its chat intake when the request is new.
func (o *Orchestrator) runDesign(ctx context.Context, ev *TaskRequested) error {
	design, err := o.intake(ctx, ev)
	if err != nil {
		return err
	}
	if active, err := o.store.IsAgentActive(design.ID, AgentArchitect); err != nil {
		return err
	} else if active {
		o.logger.Warn("architect already active, dropping request", "design_id", design.ID)
		return nil
	}

	outPath := filepath.Join(o.designDir(design.ID), "design", designDocKey+".md")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create design dir: %w", err)
	}

	prompt, err := o.prompts.Render(TaskDesign, agents.PromptData{
		Agent:       AgentArchitect,
		DesignID:    design.ID,
		Description: design.Description,
		OutputFile:  outPath,
	})
	if err != nil {
		return err
	}

	res, err := o.runAgent(ctx, design.ID, TaskDesign, 0, designDocKey, agents.RunSpec{
		Agent:   AgentArchitect,
		Prompt:  prompt,
		WorkDir: o.designDir(design.ID),
	})
	if err != nil {
		return err
	}

	o.queue(QueueOrchestrator).Push(&AgentCompleted{
		Meta:       NewMeta(QueueArchitect),
		Agent:      AgentArchitect,
		TaskType:   TaskDesign,
		DesignID:   design.ID,
		OutputKey:  designDocKey,
		OutputPath: outPath,
		Result:     res,
	})
	return nil
}

// intake resolves the design a request refers to. A request without a design
// id is new work: create the design, remember where it came from, and ack in
// the thread. Manual re-triggers of a failed design flip it back to running.
func (o *Orchestrator) intake(ctx context.Context, ev *TaskRequested) (*db.Design, error) {
	if ev.DesignID != "" {
		design, err := o.store.GetDesign(ev.DesignID)
		if err != nil {
			return nil, err
		}
		if design == nil {
			return nil, fmt.Errorf("design %s not found", ev.DesignID)
		}
		if design.Status == db.StatusFailed {
			if err := o.store.UpdateDesignStatus(design.ID, db.StatusRunning); err != nil {
				return nil, err
			}
			if err := o.store.ResetDesignReviewAttempts(design.ID); err != nil {
				return nil, err
			}
			design.Status = db.StatusRunning
			design.ReviewAttempts = 0
		}
		return design, nil
	}

	design := &db.Design{
		ID:          uuid.NewString(),
		Description: ev.Message,
		Stage:       db.StageDesign,
		Status:      db.StatusRunning,
	}
	if err := o.store.CreateDesign(design); err != nil {
		return nil, err
	}

	name := ev.SenderName
	if name == "" && ev.SenderID != "" && o.clients.Chat != nil {
		name = o.clients.Chat.UserName(ctx, ev.SenderID)
	}
	if err := o.store.CreateIntake(&db.Intake{
		DesignID: design.ID,
		Channel:  ev.Channel,
		ThreadTS: ev.ThreadTS,
		UserID:   ev.SenderID,
		UserName: name,
	}); err != nil {
		o.logger.Warn("intake row not recorded", "design_id", design.ID, "error", err)
	}

	o.logger.Info("design intake", "design_id", design.ID, "from", name)
	o.notify(ctx, design.ID, "Got it - drafting a design. I'll post the doc for review when it's ready.")
	return design, nil
}

// runDesignFeedback revises the design document for review or page comments.
func (o *Orchestrator) runDesignFeedback(ctx context.Context, ev *PageComment) error {
	design, err := o.store.GetDesign(ev.DesignID)
	if err != nil {
		return err
	}
	if design == nil {
		o.logger.Warn("feedback for unknown design", "design_id", ev.DesignID)
		return nil
	}
	if design.Stage != db.StageDesign || design.Status == db.StatusFailed {
		// Comments after approval are conversation, not revision requests.
		o.logger.Debug("ignoring comment outside design stage",
			"design_id", design.ID, "stage", design.Stage)
		return nil
	}
	if active, err := o.store.IsAgentActive(design.ID, AgentArchitect); err != nil {
		return err
	} else if active {
		o.logger.Warn("architect already active, dropping feedback", "design_id", design.ID)
		return nil
	}

	outputs, err := o.store.ListOutputs(design.ID)
	if err != nil {
		return err
	}
	_, prevPath := latestDesignDoc(outputs)
	if prevPath == "" {
		o.logger.Warn("feedback for design with no document", "design_id", design.ID)
		return nil
	}
	revKey := nextRevisionKey(outputs)
	outPath := filepath.Join(o.designDir(design.ID), "design", revKey+".md")

	prompt, err := o.prompts.Render(TaskFeedback, agents.PromptData{
		Agent:       AgentArchitect,
		DesignID:    design.ID,
		Description: design.Description,
		DocPath:     prevPath,
		OutputFile:  outPath,
		Comments:    ev.Comments,
	})
	if err != nil {
		return err
	}

	res, err := o.runAgent(ctx, design.ID, TaskFeedback, 0, revKey, agents.RunSpec{
		Agent:   AgentArchitect,
		Prompt:  prompt,
		WorkDir: o.designDir(design.ID),
	})
	if err != nil {
		return err
	}

	o.queue(QueueOrchestrator).Push(&AgentCompleted{
		Meta:       NewMeta(QueueArchitect),
		Agent:      AgentArchitect,
		TaskType:   TaskFeedback,
		DesignID:   design.ID,
		OutputKey:  revKey,
		OutputPath: outPath,
		Result:     res,
	})
	return nil
}

// --- Code-writer queue ---

func (o *Orchestrator) codeWriterWork(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case *StageCompleted:
		return o.runImplementation(ctx, ev)
	case *CIFailed:
		return o.runCIFix(ctx, ev)
	case *AgentCompleted:
		return o.runReviewFix(ctx, ev)
	case *PRChangesRequested:
		return o.runHumanFeedback(ctx, ev.PRNumber, ev.Comments)
	case *PRComment:
		return o.runHumanFeedback(ctx, ev.PRNumber, ev.Comments)
	default:
		o.logger.Warn("code-writer queue got an unexpected event", "kind", ev.Kind())
		return nil
	}
}

// runImplementation implements one plan item on its own branch in a fresh
// worktree. The agent commits, pushes, and opens the PR itself; the route
// map verifies the PR once the run settles.
func (o *Orchestrator) runImplementation(ctx context.Context, ev *StageCompleted) error {
	design, err := o.store.GetDesign(ev.DesignID)
	if err != nil {
		return err
	}
	if design == nil {
		o.logger.Warn("implementation for unknown design", "design_id", ev.DesignID)
		return nil
	}
	if existing, err := o.store.GetPRStateByIssueKey(ev.IssueKey); err != nil {
		return err
	} else if existing != nil {
		o.logger.Debug("work item already has a pr, dropping",
			"issue", ev.IssueKey, "pr", existing.PRNumber)
		return nil
	}

	outputs, err := o.store.ListOutputs(design.ID)
	if err != nil {
		return err
	}
	_, docPath := latestDesignDoc(outputs)
	branch := git.BranchName("feature/", ev.IssueKey, ev.Feature)

	reportPath := filepath.Join(o.implDir(design.ID, ev.Foundation, ev.IssueKey), "report.md")
	if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
		return fmt.Errorf("create implementation dir: %w", err)
	}

	prompt, err := o.prompts.Render(TaskImplementation, agents.PromptData{
		Agent:      AgentCodeWriter,
		DesignID:   design.ID,
		DocPath:    docPath,
		OutputFile: reportPath,
		IssueKey:   ev.IssueKey,
		Feature:    ev.Feature,
		Summary:    ev.Summary,
		Foundation: ev.Foundation,
		Branch:     branch,
	})
	if err != nil {
		return err
	}

	res, err := o.runAgent(ctx, design.ID, TaskImplementation, 0, "", agents.RunSpec{
		Agent:    AgentCodeWriter,
		Prompt:   prompt,
		Worktree: true,
		Branch:   branch,
	})
	if err != nil {
		return err
	}

	o.queue(QueueOrchestrator).Push(&AgentCompleted{
		Meta:       NewMeta(QueueCodeWriter),
		Agent:      AgentCodeWriter,
		TaskType:   TaskImplementation,
		DesignID:   design.ID,
		IssueKey:   ev.IssueKey,
		Feature:    ev.Feature,
		Foundation: ev.Foundation,
		Branch:     branch,
		OutputKey:  "impl_" + ev.IssueKey,
		OutputPath: reportPath,
		Result:     res,
	})
	return nil
}

// runCIFix reruns the code-writer against CI failure logs on the PR's branch.
func (o *Orchestrator) runCIFix(ctx context.Context, ev *CIFailed) error {
	pr, err := o.prForFix(ctx, ev.PRNumber, "ci fix")
	if pr == nil || err != nil {
		return err
	}

	prompt, err := o.prompts.Render(TaskCIFix, agents.PromptData{
		Agent:    AgentCodeWriter,
		DesignID: pr.DesignID,
		IssueKey: pr.IssueKey,
		PRNumber: pr.PRNumber,
		Branch:   pr.Branch,
		CILogs:   tail(ev.Logs, maxPromptLogBytes),
	})
	if err != nil {
		return err
	}

	res, err := o.runAgent(ctx, pr.DesignID, TaskCIFix, pr.PRNumber, "", agents.RunSpec{
		Agent:    AgentCodeWriter,
		Prompt:   prompt,
		Worktree: true,
		Branch:   pr.Branch,
	})
	if err != nil {
		return err
	}

	o.queue(QueueOrchestrator).Push(&AgentCompleted{
		Meta:     NewMeta(QueueCodeWriter),
		Agent:    AgentCodeWriter,
		TaskType: TaskCIFix,
		DesignID: pr.DesignID,
		PRNumber: pr.PRNumber,
		IssueKey: pr.IssueKey,
		Branch:   pr.Branch,
		Result:   res,
	})
	return nil
}

// runReviewFix addresses automated review findings on the PR's branch.
func (o *Orchestrator) runReviewFix(ctx context.Context, ev *AgentCompleted) error {
	if ev.Task != TaskReviewFix {
		o.logger.Warn("code-writer queue got an unexpected task", "task", ev.Task)
		return nil
	}
	pr, err := o.prForFix(ctx, ev.PRNumber, "review fix")
	if pr == nil || err != nil {
		return err
	}

	comments := ev.Comments
	if len(comments) == 0 && o.clients.Source != nil {
		if fetched, err := o.clients.Source.PRReviewComments(ctx, pr.PRNumber); err == nil {
			comments = fetched
		}
	}

	prompt, err := o.prompts.Render(TaskReviewFix, agents.PromptData{
		Agent:    AgentCodeWriter,
		DesignID: pr.DesignID,
		IssueKey: pr.IssueKey,
		PRNumber: pr.PRNumber,
		Branch:   pr.Branch,
		Comments: comments,
	})
	if err != nil {
		return err
	}

	res, err := o.runAgent(ctx, pr.DesignID, TaskReviewFix, pr.PRNumber, "", agents.RunSpec{
		Agent:    AgentCodeWriter,
		Prompt:   prompt,
		Worktree: true,
		Branch:   pr.Branch,
	})
	if err != nil {
		return err
	}

	o.queue(QueueOrchestrator).Push(&AgentCompleted{
		Meta:     NewMeta(QueueCodeWriter),
		Agent:    AgentCodeWriter,
		TaskType: TaskReviewFix,
		DesignID: pr.DesignID,
		PRNumber: pr.PRNumber,
		IssueKey: pr.IssueKey,
		Branch:   pr.Branch,
		Comments: comments,
		Result:   res,
	})
	return nil
}

// runHumanFeedback applies human PR review comments on the PR's branch.
func (o *Orchestrator) runHumanFeedback(ctx context.Context, prNumber int, comments []string) error {
	pr, err := o.prForFix(ctx, prNumber, "human feedback")
	if pr == nil || err != nil {
		return err
	}

	if len(comments) == 0 && o.clients.Source != nil {
		if fetched, err := o.clients.Source.PRReviewComments(ctx, pr.PRNumber); err == nil {
			comments = fetched
		}
	}
	if len(comments) == 0 {
		o.logger.Debug("human feedback with no comment text", "pr", pr.PRNumber)
		return nil
	}

	prompt, err := o.prompts.Render(TaskHumanFeedback, agents.PromptData{
		Agent:    AgentCodeWriter,
		DesignID: pr.DesignID,
		IssueKey: pr.IssueKey,
		PRNumber: pr.PRNumber,
		Branch:   pr.Branch,
		Comments: comments,
	})
	if err != nil {
		return err
	}

	res, err := o.runAgent(ctx, pr.DesignID, TaskHumanFeedback, pr.PRNumber, "", agents.RunSpec{
		Agent:    AgentCodeWriter,
		Prompt:   prompt,
		Worktree: true,
		Branch:   pr.Branch,
	})
	if err != nil {
		return err
	}

	// The comments ride along so the review re-run can check they were
	// actually addressed.
	o.queue(QueueOrchestrator).Push(&AgentCompleted{
		Meta:     NewMeta(QueueCodeWriter),
		Agent:    AgentCodeWriter,
		TaskType: TaskHumanFeedback,
		DesignID: pr.DesignID,
		PRNumber: pr.PRNumber,
		IssueKey: pr.IssueKey,
		Branch:   pr.Branch,
		Comments: comments,
		Result:   res,
	})
	return nil
}

// prForFix loads the PR a fix job targets and rejects work that no longer
// makes sense: unknown PRs, terminal PRs, or a PR another agent is already
// working on.
func (o *Orchestrator) prForFix(_ context.Context, prNumber int, what string) (*db.PRState, error) {
	pr, err := o.store.GetPRState(prNumber)
	if err != nil {
		return nil, err
	}
	if pr == nil {
		o.logger.Warn(what+" for untracked pr, dropping", "pr", prNumber)
		return nil, nil
	}
	if pr.Stage == db.PRStageMerged || pr.Stage == db.PRStageFailed {
		o.logger.Debug(what+" for terminal pr, dropping", "pr", prNumber, "stage", pr.Stage)
		return nil, nil
	}
	if active, err := o.store.IsAgentActiveForPR(prNumber); err != nil {
		return nil, err
	} else if active {
		o.logger.Warn(what+" while another run holds the pr, dropping", "pr", prNumber)
		return nil, nil
	}
	return pr, nil
}

// --- Reviewer queue ---

func (o *Orchestrator) reviewerWork(ctx context.Context, ev Event) error {
	job, ok := ev.(*AgentCompleted)
	if !ok {
		o.logger.Warn("reviewer queue got an unexpected event", "kind", ev.Kind())
		return nil
	}
	switch job.Task {
	case TaskDesignReview:
		return o.runDesignReview(ctx, job)
	case TaskCodeReview:
		return o.runCodeReview(ctx, job)
	default:
		o.logger.Warn("reviewer queue got an unexpected task", "task", job.Task)
		return nil
	}
}

// runDesignReview has the reviewer judge a design document draft.
func (o *Orchestrator) runDesignReview(ctx context.Context, job *AgentCompleted) error {
	prompt, err := o.prompts.Render(TaskDesignReview, agents.PromptData{
		Agent:    AgentReviewer,
		DesignID: job.DesignID,
		DocPath:  job.OutputPath,
	})
	if err != nil {
		return err
	}

	res, err := o.runAgent(ctx, job.DesignID, TaskDesignReview, 0, job.OutputKey, agents.RunSpec{
		Agent:   AgentReviewer,
		Prompt:  prompt,
		WorkDir: o.designDir(job.DesignID),
	})
	if err != nil {
		return err
	}

	verdict, comments := settleVerdict(res)
	o.queue(QueueOrchestrator).Push(&AgentCompleted{
		Meta:       NewMeta(QueueReviewer),
		Agent:      AgentReviewer,
		TaskType:   TaskDesignReview,
		DesignID:   job.DesignID,
		OutputKey:  job.OutputKey,
		OutputPath: job.OutputPath,
		Verdict:    verdict,
		Comments:   comments,
		Result:     res,
	})
	return nil
}

// runCodeReview has the reviewer judge a PR's branch in its own worktree.
func (o *Orchestrator) runCodeReview(ctx context.Context, job *AgentCompleted) error {
	outputs, err := o.store.ListOutputs(job.DesignID)
	if err != nil {
		return err
	}
	_, docPath := latestDesignDoc(outputs)

	prompt, err := o.prompts.Render(TaskCodeReview, agents.PromptData{
		Agent:    AgentReviewer,
		DesignID: job.DesignID,
		DocPath:  docPath,
		IssueKey: job.IssueKey,
		PRNumber: job.PRNumber,
		Branch:   job.Branch,
		Comments: job.Comments,
	})
	if err != nil {
		return err
	}

	res, err := o.runAgent(ctx, job.DesignID, TaskCodeReview, job.PRNumber, "", agents.RunSpec{
		Agent:    AgentReviewer,
		Prompt:   prompt,
		Worktree: true,
		Branch:   job.Branch,
	})
	if err != nil {
		return err
	}

	verdict, comments := settleVerdict(res)
	o.queue(QueueOrchestrator).Push(&AgentCompleted{
		Meta:     NewMeta(QueueReviewer),
		Agent:    AgentReviewer,
		TaskType: TaskCodeReview,
		DesignID: job.DesignID,
		PRNumber: job.PRNumber,
		IssueKey: job.IssueKey,
		Branch:   job.Branch,
		Verdict:  verdict,
		Comments: comments,
		Result:   res,
	})
	return nil
}

// settleVerdict reads a reviewer run's judgement. A run that did not succeed
// can never pass, whatever its partial output says.
func settleVerdict(res *agents.Result) (string, []string) {
	v := ParseVerdict(resultText(res))
	if !res.Success {
		if len(v.Comments) == 0 {
			v.Comments = []string{"review run did not complete"}
		}
		return VerdictFail, v.Comments
	}
	return v.Verdict, v.Comments
}

// resultText is the text a run's verdict or plan is parsed from: the
// structured result field when the agent reported one, raw stdout otherwise.
func resultText(res *agents.Result) string {
	if res == nil {
		return ""
	}
	if res.Output.Result != "" {
		return res.Output.Result
	}
	return res.Raw
}

// --- Supervised runs ---

// maxPromptLogBytes caps how much CI log is pasted into a fix prompt.
const maxPromptLogBytes = 16 * 1024

// runAgent executes one supervised run with the audit row and metrics every
// run gets. Fatal run errors (spawn failure, hard timeout, cancellation) are
// reported to the design's thread before being returned.
func (o *Orchestrator) runAgent(ctx context.Context, designID, task string, prNumber int, outputKey string, spec agents.RunSpec) (*agents.Result, error) {
	if spec.Timeout == 0 {
		spec.Timeout = o.cfg.AgentTimeout
	}
	if spec.Heartbeat == 0 {
		spec.Heartbeat = o.cfg.AgentHeartbeat
	}
	if spec.Worktree && o.cfg.KeepWorktrees {
		spec.KeepWorktree = true
	}

	run := &db.AgentRun{
		ID:        uuid.NewString(),
		DesignID:  designID,
		Agent:     spec.Agent,
		Task:      task,
		PRNumber:  prNumber,
		OutputKey: outputKey,
	}
	if err := o.store.StartAgentRun(run); err != nil {
		return nil, err
	}

	o.logger.Info("agent run starting", "agent", spec.Agent, "task", task,
		"design_id", designID, "run_id", run.ID)

	res, err := o.runner.Run(ctx, spec)
	if err != nil {
		_ = o.store.FinishAgentRun(run.ID, false, 0, 0, 0, "")
		agentRunsTotal.WithLabelValues(spec.Agent, task, "error").Inc()
		o.notify(ctx, designID, fmt.Sprintf("%s %s run failed: %v", spec.Agent, task, err))
		return nil, err
	}

	if err := o.store.FinishAgentRun(run.ID, res.Success, res.Output.CostUSD,
		res.Duration.Milliseconds(), res.Output.NumTurns, res.Output.SessionID); err != nil {
		o.logger.Warn("agent run not closed in audit", "run_id", run.ID, "error", err)
	}

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	agentRunsTotal.WithLabelValues(spec.Agent, task, outcome).Inc()
	agentRunSeconds.WithLabelValues(spec.Agent).Observe(res.Duration.Seconds())
	if res.Output.CostUSD > 0 {
		agentCostUSD.Add(res.Output.CostUSD)
	}
	return res, nil
}

// notify posts to the design's originating chat thread, falling back to the
// default channel. Notification failures never fail the pipeline.
func (o *Orchestrator) notify(ctx context.Context, designID, text string) {
	if o.clients.Chat == nil {
		return
	}
	var channel, threadTS string
	if designID != "" {
		if intake, err := o.store.GetIntake(designID); err == nil && intake != nil {
			channel, threadTS = intake.Channel, intake.ThreadTS
		}
	}

	var err error
	if channel != "" {
		_, err = o.clients.Chat.PostMessage(ctx, channel, text, threadTS)
	} else {
		err = o.clients.Chat.Send(ctx, text, threadTS)
	}
	if err != nil {
		o.logger.Warn("notification failed", "design_id", designID, "error", err)
	}
}

// --- Design document bookkeeping ---

var revisionPattern = regexp.MustCompile(`^design_doc\.r(\d+)$`)

// latestDesignDoc picks the newest design document from a design's outputs:
// the highest feedback revision when any exist, the base document otherwise.
func latestDesignDoc(outputs []db.DesignOutput) (key, path string) {
	best := -1
	for _, out := range outputs {
		rev := -1
		if out.OutputKey == designDocKey {
			rev = 0
		} else if m := revisionPattern.FindStringSubmatch(out.OutputKey); m != nil {
			rev, _ = strconv.Atoi(m[1])
		}
		if rev > best {
			best, key, path = rev, out.OutputKey, out.Path
		}
	}
	return key, path
}

// nextRevisionKey names the next feedback revision of the design document.
func nextRevisionKey(outputs []db.DesignOutput) string {
	maxRev := 0
	for _, out := range outputs {
		if m := revisionPattern.FindStringSubmatch(out.OutputKey); m != nil {
			if n, _ := strconv.Atoi(m[1]); n > maxRev {
				maxRev = n
			}
		}
	}
	return fmt.Sprintf("%s.r%d", designDocKey, maxRev+1)
}

// tail keeps the last n bytes of s. CI logs can run long; prompts must not.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "... (truncated)\n" + s[len(s)-n:]
}

// firstLine trims s to its first line, capped at n runes, for page titles
// and log lines.
func firstLine(s string, n int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	r := []rune(s)
	if len(r) > n {
		return strings.TrimSpace(string(r[:n])) + "..."
	}
	return s
}
