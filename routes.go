package conductor

import (
	"context"
	"fmt"
	"os"

	"github.com/madhatter5501/conductor/internal/clients"
	"github.com/madhatter5501/conductor/internal/db"
)

// inReviewState is the content state published design pages are parked in
// until a human flips them to approved.
const inReviewState = "In Review"

// routeKey addresses one entry of the route map.
type routeKey struct {
	agent string
	task  string
}

// taskMeta stamps metadata for a follow-up job a route action enqueues. The
// task directive tells the receiving queue worker which run to perform.
func taskMeta(task string) Meta {
	m := NewMeta(QueueOrchestrator)
	m.Task = task
	return m
}

// orchestratorWork is the single worker of the orchestrator queue. Every
// state transition in the pipeline happens here, one event at a time.
func (o *Orchestrator) orchestratorWork(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case *AgentCompleted:
		return o.routeAgentRun(ctx, ev)
	case *PageApproved:
		return o.handlePageApproved(ctx, ev)
	case *StageCompleted:
		return o.handleStageCompleted(ctx, ev)
	case *CIFailed:
		return o.handleCIFailed(ctx, ev)
	case *CIPassed:
		return o.handleCIPassed(ctx, ev)
	case *PRApproved:
		return o.handlePRApproved(ctx, ev)
	case *PRMerged:
		return o.handlePRMerged(ctx, ev)
	default:
		o.logger.Warn("orchestrator queue got an unexpected event", "kind", ev.Kind())
		return nil
	}
}

// routeAgentRun decides what a settled agent run means for the pipeline.
// Unknown (agent, task) pairs are logged and dropped.
func (o *Orchestrator) routeAgentRun(ctx context.Context, ev *AgentCompleted) error {
	key := routeKey{ev.Agent, ev.TaskType}
	switch key {
	case routeKey{AgentArchitect, TaskDesign},
		routeKey{AgentArchitect, TaskFeedback}:
		return o.afterArchitect(ctx, ev)
	case routeKey{AgentReviewer, TaskDesignReview}:
		return o.afterDesignReview(ctx, ev)
	case routeKey{AgentCodeWriter, TaskImplementation}:
		return o.afterImplementation(ctx, ev)
	case routeKey{AgentReviewer, TaskCodeReview}:
		return o.afterCodeReview(ctx, ev)
	case routeKey{AgentCodeWriter, TaskCIFix}:
		return o.afterCIFix(ctx, ev)
	case routeKey{AgentCodeWriter, TaskReviewFix},
		routeKey{AgentCodeWriter, TaskHumanFeedback}:
		return o.afterCodeFix(ctx, ev)
	default:
		o.logger.Warn("no route for agent completion", "agent", ev.Agent, "task", ev.TaskType)
		return nil
	}
}

// --- Design stage ---

// afterArchitect handles a settled design draft or revision: record where the
// document landed and put it in front of the reviewer.
func (o *Orchestrator) afterArchitect(ctx context.Context, ev *AgentCompleted) error {
	design, err := o.store.GetDesign(ev.DesignID)
	if err != nil {
		return err
	}
	if design == nil {
		o.logger.Warn("architect run for unknown design", "design_id", ev.DesignID)
		return nil
	}
	if design.Status == db.StatusFailed {
		return nil
	}

	if _, err := os.Stat(ev.OutputPath); err != nil {
		// The run settled without writing the document; a review would have
		// nothing to read. Burn an attempt and redraft from scratch.
		o.logger.Warn("architect run left no document",
			"design_id", design.ID, "path", ev.OutputPath)
		ok, err := o.burnReviewAttempt(ctx, design, "the architect never produced a reviewable document")
		if err != nil || !ok {
			return err
		}
		o.queue(QueueArchitect).Push(&TaskRequested{
			Meta:     taskMeta(TaskDesign),
			Message:  design.Description,
			DesignID: design.ID,
		})
		return nil
	}

	if err := o.store.RecordOutput(design.ID, ev.OutputKey, ev.OutputPath); err != nil {
		return err
	}
	o.queue(QueueReviewer).Push(&AgentCompleted{
		Meta:       taskMeta(TaskDesignReview),
		Agent:      ev.Agent,
		TaskType:   ev.TaskType,
		DesignID:   design.ID,
		OutputKey:  ev.OutputKey,
		OutputPath: ev.OutputPath,
	})
	return nil
}

// afterDesignReview acts on the reviewer gate: a pass publishes the document
// for humans, a fail sends it back to the architect until the attempt cap.
func (o *Orchestrator) afterDesignReview(ctx context.Context, ev *AgentCompleted) error {
	design, err := o.store.GetDesign(ev.DesignID)
	if err != nil {
		return err
	}
	if design == nil {
		o.logger.Warn("design review for unknown design", "design_id", ev.DesignID)
		return nil
	}
	if design.Stage != db.StageDesign || design.Status != db.StatusRunning {
		// Approval or failure raced the review; whatever is on the page stands.
		o.logger.Debug("design review settled after the design moved on",
			"design_id", design.ID, "stage", design.Stage, "status", design.Status)
		return nil
	}

	if ev.Verdict != VerdictPass {
		return o.reviseDesign(ctx, design, ev.Comments)
	}
	return o.publishDesign(ctx, design, ev.OutputPath)
}

// reviseDesign sends review findings back to the architect, spending one
// review attempt.
func (o *Orchestrator) reviseDesign(ctx context.Context, design *db.Design, comments []string) error {
	ok, err := o.burnReviewAttempt(ctx, design, "the design did not pass automated review")
	if err != nil || !ok {
		return err
	}
	if len(comments) == 0 {
		comments = []string{"The review failed without specific findings; tighten the document overall."}
	}
	o.queue(QueueArchitect).Push(&PageComment{
		Meta:     taskMeta(TaskFeedback),
		DesignID: design.ID,
		Comments: comments,
	})
	o.logger.Info("design sent back to the architect",
		"design_id", design.ID, "findings", len(comments))
	return nil
}

// burnReviewAttempt spends one design review attempt. Returns false when the
// cap was already reached and the design has been failed instead.
func (o *Orchestrator) burnReviewAttempt(ctx context.Context, design *db.Design, reason string) (bool, error) {
	if design.ReviewAttempts >= o.cfg.MaxReviewRetries {
		if err := o.store.UpdateDesignStatus(design.ID, db.StatusFailed); err != nil {
			return false, err
		}
		o.notify(ctx, design.ID, fmt.Sprintf("Failed: %s after %d attempts. Use POST /trigger/%s to restart it.",
			reason, design.ReviewAttempts, design.ID))
		o.logger.Warn("design failed, review attempts exhausted", "design_id", design.ID)
		return false, nil
	}
	attempts, err := o.store.IncrementDesignReviewAttempts(design.ID)
	if err != nil {
		return false, err
	}
	o.logger.Info("design review attempt spent",
		"design_id", design.ID, "attempts", attempts, "cap", o.cfg.MaxReviewRetries)
	return true, nil
}

// pageTitle is the stable document-store title for a design. The bracketed id
// prefix is what the poller keys on, so it never changes across revisions.
func pageTitle(design *db.Design) string {
	return fmt.Sprintf("[%s] %s", design.ID, firstLine(design.Description, 60))
}

// publishDesign puts a reviewed document in front of humans: create the page
// on first publication, update it in place on later revisions, and park it
// in the In Review content state the poller watches.
func (o *Orchestrator) publishDesign(ctx context.Context, design *db.Design, docPath string) error {
	if o.clients.Docs == nil {
		return fmt.Errorf("design %s passed review but no document store is configured", design.ID)
	}
	body, err := os.ReadFile(docPath)
	if err != nil {
		return fmt.Errorf("read design document: %w", err)
	}
	title := pageTitle(design)

	pageID := design.PageID
	link := ""
	if pageID == "" {
		page, err := o.clients.Docs.CreatePage(ctx, title, string(body))
		if err != nil {
			return err
		}
		pageID = page.ID
		link = page.URL
		if err := o.store.SetPageID(design.ID, pageID); err != nil {
			return err
		}
		o.logger.Info("design published", "design_id", design.ID, "page_id", pageID)
	} else {
		version := 1
		if current, err := o.clients.Docs.FindPage(ctx, title); err != nil {
			return err
		} else if current != nil {
			version = current.Version
			link = current.URL
		}
		if err := o.clients.Docs.UpdatePage(ctx, pageID, title, string(body), version+1); err != nil {
			return err
		}
		o.logger.Info("design page updated",
			"design_id", design.ID, "page_id", pageID, "version", version+1)
	}

	// Without the content state the poller never watches the page, so this
	// failure has to fail the job rather than limp on.
	if err := o.clients.Docs.SetContentState(ctx, pageID, inReviewState); err != nil {
		return err
	}

	if link == "" {
		link = title
	}
	o.notify(ctx, design.ID, "Design ready for review: "+link)
	return nil
}

// handlePageApproved moves an approved design into implementation. The poller
// reports approval on every tick, so everything after the first one is a
// no-op.
func (o *Orchestrator) handlePageApproved(ctx context.Context, ev *PageApproved) error {
	design, err := o.store.GetDesign(ev.DesignID)
	if err != nil {
		return err
	}
	if design == nil {
		// The title may have been edited; the page id still finds it.
		if design, err = o.store.GetDesignByPageID(ev.PageID); err != nil {
			return err
		}
	}
	if design == nil {
		o.logger.Warn("approval for unknown design", "design_id", ev.DesignID, "page_id", ev.PageID)
		return nil
	}
	if design.Stage != db.StageDesign || design.Status != db.StatusRunning {
		return nil
	}

	if err := o.store.UpdateDesignStatus(design.ID, db.StatusApproved); err != nil {
		return err
	}
	if err := o.store.UpdateDesignStage(design.ID, db.StageImplementation); err != nil {
		return err
	}
	o.logger.Info("design approved", "design_id", design.ID, "page_id", ev.PageID)

	o.queue(QueueOrchestrator).Push(&StageCompleted{
		Meta:     NewMeta(QueueOrchestrator),
		DesignID: design.ID,
		From:     string(db.StageDesign),
		To:       string(db.StageImplementation),
	})
	return nil
}

// --- Implementation stage ---

// handleStageCompleted fans an approved design out into tracker issues and
// implementation jobs. Foundation work ships first; feature work waits for it.
func (o *Orchestrator) handleStageCompleted(ctx context.Context, ev *StageCompleted) error {
	if ev.From != string(db.StageDesign) || ev.To != string(db.StageImplementation) {
		o.logger.Debug("no action for stage transition", "from", ev.From, "to", ev.To)
		return nil
	}
	design, err := o.store.GetDesign(ev.DesignID)
	if err != nil {
		return err
	}
	if design == nil || design.Status == db.StatusFailed {
		return nil
	}

	plan, err := o.planForDesign(design.ID)
	if err != nil {
		o.notify(ctx, design.ID, "Failed: the approved design has no readable implementation plan: "+err.Error())
		return o.store.UpdateDesignStatus(design.ID, db.StatusFailed)
	}

	if _, err := o.ensureParentIssue(ctx, design); err != nil {
		return err
	}

	if len(plan.Foundation) > 0 {
		for _, item := range plan.Foundation {
			if _, err := o.enqueueImplementation(ctx, design, item, true); err != nil {
				return err
			}
		}
		// Features get their tracker sub-tasks now and their implementation
		// once the foundation merges.
		for _, item := range plan.Features {
			if _, err := o.clients.Issues.CreateSubTask(ctx, design.ParentKey, clients.IssueFields{
				Summary:     item.Title,
				Description: item.Summary,
			}); err != nil {
				return err
			}
		}
		o.notify(ctx, design.ID, fmt.Sprintf("Implementation started: %d foundation PR(s) first, %d feature(s) queued behind them.",
			len(plan.Foundation), len(plan.Features)))
		return nil
	}

	for _, item := range plan.Features {
		if _, err := o.enqueueImplementation(ctx, design, item, false); err != nil {
			return err
		}
	}
	o.notify(ctx, design.ID, fmt.Sprintf("Implementation started: fanning out %d feature PR(s).", len(plan.Features)))
	return nil
}

// ensureParentIssue creates the tracker parent for a design once and records
// its key.
func (o *Orchestrator) ensureParentIssue(ctx context.Context, design *db.Design) (string, error) {
	if design.ParentKey != "" {
		return design.ParentKey, nil
	}
	if o.clients.Issues == nil {
		return "", fmt.Errorf("design %s is approved but no issue tracker is configured", design.ID)
	}
	key, err := o.clients.Issues.CreateIssue(ctx, clients.IssueFields{
		Summary:     firstLine(design.Description, 80),
		Description: design.Description,
	})
	if err != nil {
		return "", err
	}
	if err := o.store.SetParentKey(design.ID, key); err != nil {
		return "", err
	}
	design.ParentKey = key
	o.logger.Info("parent issue created", "design_id", design.ID, "issue", key)
	return key, nil
}

// enqueueImplementation creates the tracker sub-task for one plan item and
// hands it to the code-writer queue. Returns how many jobs were enqueued:
// items that already have a pull request are skipped, which is what makes
// fan-out safe to replay.
func (o *Orchestrator) enqueueImplementation(ctx context.Context, design *db.Design, item PlanItem, foundation bool) (int, error) {
	if o.clients.Issues == nil {
		return 0, fmt.Errorf("design %s is approved but no issue tracker is configured", design.ID)
	}
	key, err := o.clients.Issues.CreateSubTask(ctx, design.ParentKey, clients.IssueFields{
		Summary:     item.Title,
		Description: item.Summary,
	})
	if err != nil {
		return 0, err
	}
	existing, err := o.store.GetPRStateByIssueKey(key)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		o.logger.Debug("work item already has a pr", "issue", key, "pr", existing.PRNumber)
		return 0, nil
	}

	o.queue(QueueCodeWriter).Push(&StageCompleted{
		Meta:       taskMeta(TaskImplementation),
		DesignID:   design.ID,
		From:       string(db.StageDesign),
		To:         string(db.StageImplementation),
		IssueKey:   key,
		Feature:    item.Slug,
		Foundation: foundation,
		Summary:    item.Summary,
	})
	o.logger.Info("implementation enqueued",
		"design_id", design.ID, "issue", key, "foundation", foundation)
	return 1, nil
}

// planForDesign re-reads the implementation plan from the newest design
// document on record.
func (o *Orchestrator) planForDesign(designID string) (*Plan, error) {
	outputs, err := o.store.ListOutputs(designID)
	if err != nil {
		return nil, err
	}
	_, docPath := latestDesignDoc(outputs)
	if docPath == "" {
		return nil, fmt.Errorf("design %s has no document on record", designID)
	}
	text, err := os.ReadFile(docPath)
	if err != nil {
		return nil, fmt.Errorf("read design document: %w", err)
	}
	return ParsePlan(string(text))
}

// afterImplementation verifies the code-writer delivered a pull request and
// starts the gates on it. CI starts on its own when the PR opens; the
// automated review is ours to start.
func (o *Orchestrator) afterImplementation(ctx context.Context, ev *AgentCompleted) error {
	if o.clients.Source == nil {
		return fmt.Errorf("implementation for %s settled but no source control is configured", ev.IssueKey)
	}
	pr, err := o.clients.Source.FindPR(ctx, ev.Branch)
	if err != nil {
		return err
	}
	if pr == nil {
		o.logger.Warn("implementation run left no pull request",
			"issue", ev.IssueKey, "branch", ev.Branch)
		o.notify(ctx, ev.DesignID, fmt.Sprintf("The implementation run for %s finished without opening a pull request. It needs a manual look.", ev.IssueKey))
		return nil
	}

	state, err := o.store.GetPRState(pr.Number)
	if err != nil {
		return err
	}
	if state == nil {
		parentKey := ""
		if design, err := o.store.GetDesign(ev.DesignID); err != nil {
			return err
		} else if design != nil {
			parentKey = design.ParentKey
		}
		feature := ev.Feature
		if ev.Foundation {
			feature = ""
		}
		state = &db.PRState{
			PRNumber:  pr.Number,
			DesignID:  ev.DesignID,
			IssueKey:  ev.IssueKey,
			ParentKey: parentKey,
			Feature:   feature,
			Branch:    ev.Branch,
		}
		if err := o.store.CreatePRState(state); err != nil {
			return err
		}
		o.logger.Info("tracking pull request",
			"pr", pr.Number, "issue", ev.IssueKey, "design_id", ev.DesignID)
	}

	// The report is bookkeeping; a missing or unrecordable one must not
	// drop PR tracking.
	if ev.OutputPath != "" {
		if _, statErr := os.Stat(ev.OutputPath); statErr == nil {
			if err := o.store.RecordOutput(ev.DesignID, ev.OutputKey, ev.OutputPath); err != nil {
				o.logger.Warn("implementation report not recorded",
					"issue", ev.IssueKey, "path", ev.OutputPath, "error", err)
			}
		}
	}

	if o.clients.Issues != nil && ev.IssueKey != "" {
		if err := o.clients.Issues.Transition(ctx, ev.IssueKey, "In Progress"); err != nil {
			o.logger.Debug("issue not transitioned", "issue", ev.IssueKey, "error", err)
		}
	}

	o.queue(QueueReviewer).Push(&AgentCompleted{
		Meta:     taskMeta(TaskCodeReview),
		Agent:    ev.Agent,
		TaskType: ev.TaskType,
		DesignID: ev.DesignID,
		PRNumber: pr.Number,
		IssueKey: ev.IssueKey,
		Branch:   ev.Branch,
	})
	o.notify(ctx, ev.DesignID, fmt.Sprintf("%s implemented - PR #%d is up: %s", ev.IssueKey, pr.Number, pr.URL))
	return nil
}

// afterCodeReview acts on the automated review gate of a pull request.
func (o *Orchestrator) afterCodeReview(ctx context.Context, ev *AgentCompleted) error {
	pr, err := o.store.GetPRState(ev.PRNumber)
	if err != nil {
		return err
	}
	if pr == nil {
		o.logger.Warn("code review for untracked pr", "pr", ev.PRNumber)
		return nil
	}
	if pr.Stage == db.PRStageMerged || pr.Stage == db.PRStageFailed {
		return nil
	}

	if ev.Verdict == VerdictPass {
		if err := o.store.UpdateReviewStatus(pr.PRNumber, db.CheckPassing); err != nil {
			return err
		}
		return o.checkReadyForHuman(ctx, pr.PRNumber, pr.DesignID)
	}

	if err := o.store.UpdateReviewStatus(pr.PRNumber, db.CheckFailing); err != nil {
		return err
	}
	if pr.ReviewAttempts >= o.cfg.MaxReviewRetries {
		if err := o.store.UpdatePRStage(pr.PRNumber, db.PRStageFailed); err != nil {
			return err
		}
		o.notify(ctx, pr.DesignID, fmt.Sprintf("Failed: PR #%d (%s) did not pass automated review after %d fix attempts. Use POST /retry/%d/review to try again.",
			pr.PRNumber, pr.IssueKey, pr.ReviewAttempts, pr.PRNumber))
		o.logger.Warn("pr failed, review attempts exhausted", "pr", pr.PRNumber)
		return nil
	}
	attempts, err := o.store.IncrementPRReviewAttempts(pr.PRNumber)
	if err != nil {
		return err
	}
	o.logger.Info("review findings sent to the code-writer",
		"pr", pr.PRNumber, "attempts", attempts, "cap", o.cfg.MaxReviewRetries)

	o.queue(QueueCodeWriter).Push(&AgentCompleted{
		Meta:     taskMeta(TaskReviewFix),
		Agent:    ev.Agent,
		TaskType: ev.TaskType,
		DesignID: pr.DesignID,
		PRNumber: pr.PRNumber,
		IssueKey: pr.IssueKey,
		Branch:   pr.Branch,
		Comments: ev.Comments,
	})
	return nil
}

// afterCIFix closes the loop on a ci_fix run. The attempt was spent at triage
// time; the verdict on the fix arrives with the next ci:* webhook.
func (o *Orchestrator) afterCIFix(ctx context.Context, ev *AgentCompleted) error {
	pr, err := o.store.GetPRState(ev.PRNumber)
	if err != nil {
		return err
	}
	if pr == nil || pr.Stage == db.PRStageMerged || pr.Stage == db.PRStageFailed {
		return nil
	}
	if ev.Result != nil && !ev.Result.Success {
		o.notify(ctx, pr.DesignID, fmt.Sprintf("The CI fix run on PR #%d did not finish cleanly; waiting on CI to judge what it pushed.", pr.PRNumber))
		return nil
	}
	o.notify(ctx, pr.DesignID, fmt.Sprintf("Pushed a CI fix to PR #%d (attempt %d of %d); waiting on CI.",
		pr.PRNumber, pr.CIAttempts, o.cfg.MaxCIRetries))
	return nil
}

// afterCodeFix re-runs the automated review once the code-writer has applied
// review findings or human feedback.
func (o *Orchestrator) afterCodeFix(ctx context.Context, ev *AgentCompleted) error {
	pr, err := o.store.GetPRState(ev.PRNumber)
	if err != nil {
		return err
	}
	if pr == nil {
		o.logger.Warn("code fix for untracked pr", "pr", ev.PRNumber)
		return nil
	}
	if pr.Stage == db.PRStageMerged || pr.Stage == db.PRStageFailed {
		return nil
	}

	o.queue(QueueReviewer).Push(&AgentCompleted{
		Meta:     taskMeta(TaskCodeReview),
		Agent:    ev.Agent,
		TaskType: ev.TaskType,
		DesignID: pr.DesignID,
		PRNumber: pr.PRNumber,
		IssueKey: pr.IssueKey,
		Branch:   pr.Branch,
		Comments: ev.Comments,
	})
	return nil
}

// --- CI gates ---

// resolvePR finds the tracked pull request a CI event refers to. Check suites
// do not always carry the PR number, so fall back to the branch's issue key,
// then to asking source control about the branch.
func (o *Orchestrator) resolvePR(ctx context.Context, number int, issueKey, branch string) (*db.PRState, error) {
	if number != 0 {
		return o.store.GetPRState(number)
	}
	if issueKey != "" {
		if pr, err := o.store.GetPRStateByIssueKey(issueKey); err != nil || pr != nil {
			return pr, err
		}
	}
	if branch != "" && o.clients.Source != nil {
		pr, err := o.clients.Source.FindPR(ctx, branch)
		if err != nil {
			return nil, err
		}
		if pr != nil {
			return o.store.GetPRState(pr.Number)
		}
	}
	return nil, nil
}

// handleCIFailed triages a red check suite. Agent-fixable failures go back to
// the code-writer under the attempt cap; environment failures go straight to
// a human; flaky failures get one retry before escalating.
func (o *Orchestrator) handleCIFailed(ctx context.Context, ev *CIFailed) error {
	pr, err := o.resolvePR(ctx, ev.PRNumber, ev.IssueKey, ev.Branch)
	if err != nil {
		return err
	}
	if pr == nil {
		o.logger.Debug("ci failure for untracked work", "pr", ev.PRNumber, "branch", ev.Branch)
		return nil
	}
	if pr.Stage == db.PRStageMerged || pr.Stage == db.PRStageFailed {
		return nil
	}

	logs := ev.Logs
	if logs == "" && ev.CheckSuiteID != 0 && o.clients.Source != nil {
		if fetched, err := o.clients.Source.CheckSuiteLogs(ctx, ev.CheckSuiteID); err != nil {
			o.logger.Warn("check suite logs unavailable", "suite", ev.CheckSuiteID, "error", err)
		} else {
			logs = fetched
		}
	}

	if err := o.store.UpdateCIStatus(pr.PRNumber, db.CheckFailing); err != nil {
		return err
	}

	class := ClassifyFailure(logs)
	ciFailureClasses.WithLabelValues(string(class)).Inc()
	o.logger.Info("ci failure triaged", "pr", pr.PRNumber, "class", class)

	switch class {
	case FailureEnvironment:
		o.notify(ctx, pr.DesignID, fmt.Sprintf("CI on PR #%d failed for environment reasons (secrets, images, dependency resolution). An agent cannot fix that; it needs a human.", pr.PRNumber))
		return nil
	case FailureFlaky:
		if pr.CIAttempts > 0 {
			o.notify(ctx, pr.DesignID, fmt.Sprintf("CI on PR #%d keeps failing intermittently. Escalating to a human instead of retrying again.", pr.PRNumber))
			return nil
		}
	}

	if pr.CIAttempts >= o.cfg.MaxCIRetries {
		if err := o.store.UpdatePRStage(pr.PRNumber, db.PRStageFailed); err != nil {
			return err
		}
		o.notify(ctx, pr.DesignID, fmt.Sprintf("Failed: CI on PR #%d (%s) is still red after %d fix attempts. Use POST /retry/%d/ci to try again.",
			pr.PRNumber, pr.IssueKey, pr.CIAttempts, pr.PRNumber))
		o.logger.Warn("pr failed, ci attempts exhausted", "pr", pr.PRNumber)
		return nil
	}
	attempts, err := o.store.IncrementCIAttempts(pr.PRNumber)
	if err != nil {
		return err
	}

	o.queue(QueueCodeWriter).Push(&CIFailed{
		Meta:         taskMeta(TaskCIFix),
		PRNumber:     pr.PRNumber,
		Branch:       pr.Branch,
		IssueKey:     pr.IssueKey,
		CheckSuiteID: ev.CheckSuiteID,
		Logs:         logs,
	})
	o.logger.Info("ci fix enqueued", "pr", pr.PRNumber, "attempt", attempts)
	return nil
}

// handleCIPassed turns the CI gate green and promotes the PR when the review
// gate already passed.
func (o *Orchestrator) handleCIPassed(ctx context.Context, ev *CIPassed) error {
	pr, err := o.resolvePR(ctx, ev.PRNumber, ev.IssueKey, ev.Branch)
	if err != nil {
		return err
	}
	if pr == nil {
		o.logger.Debug("ci success for untracked work", "pr", ev.PRNumber, "branch", ev.Branch)
		return nil
	}
	if pr.Stage == db.PRStageMerged || pr.Stage == db.PRStageFailed {
		return nil
	}
	if err := o.store.UpdateCIStatus(pr.PRNumber, db.CheckPassing); err != nil {
		return err
	}
	return o.checkReadyForHuman(ctx, pr.PRNumber, pr.DesignID)
}

// checkReadyForHuman promotes a PR to human review once CI and the automated
// review both pass. The stage guard keeps the notification to one per PR.
func (o *Orchestrator) checkReadyForHuman(ctx context.Context, prNumber int, designID string) error {
	ready, err := o.store.ReadyForHuman(prNumber)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}
	pr, err := o.store.GetPRState(prNumber)
	if err != nil {
		return err
	}
	if pr == nil || pr.Stage != db.PRStageImplementation {
		return nil
	}
	if err := o.store.UpdatePRStage(prNumber, db.PRStageInReview); err != nil {
		return err
	}

	link := ""
	if o.clients.Source != nil {
		if gh, err := o.clients.Source.GetPR(ctx, prNumber); err == nil && gh != nil {
			link = " " + gh.URL
		}
	}
	o.notify(ctx, designID, fmt.Sprintf("PR #%d (%s) ready for human review:%s", prNumber, pr.IssueKey, link))
	o.logger.Info("pr ready for human review", "pr", prNumber)
	return nil
}

// --- Merges ---

// handlePRApproved squash-merges an approved pull request and settles it.
func (o *Orchestrator) handlePRApproved(ctx context.Context, ev *PRApproved) error {
	pr, err := o.store.GetPRState(ev.PRNumber)
	if err != nil {
		return err
	}
	if pr == nil {
		o.logger.Debug("approval for untracked pr", "pr", ev.PRNumber)
		return nil
	}
	if pr.Stage == db.PRStageMerged {
		return nil
	}
	if pr.Stage == db.PRStageFailed {
		o.logger.Warn("approval for a failed pr, not merging", "pr", pr.PRNumber)
		return nil
	}
	if o.clients.Source == nil {
		return fmt.Errorf("pr #%d approved but no source control is configured", pr.PRNumber)
	}

	if err := o.clients.Source.MergePR(ctx, pr.PRNumber, fmt.Sprintf("%s (#%d)", pr.IssueKey, pr.PRNumber)); err != nil {
		o.notify(ctx, pr.DesignID, fmt.Sprintf("PR #%d is approved but the merge failed: %v", pr.PRNumber, err))
		return err
	}
	return o.completeMerge(ctx, pr)
}

// handlePRMerged settles a merge observed from source control. Merges the
// approval path already settled are skipped.
func (o *Orchestrator) handlePRMerged(ctx context.Context, ev *PRMerged) error {
	pr, err := o.store.GetPRState(ev.PRNumber)
	if err != nil {
		return err
	}
	if pr == nil {
		o.logger.Debug("merge of untracked pr", "pr", ev.PRNumber)
		return nil
	}
	if pr.Stage == db.PRStageMerged {
		return nil
	}
	return o.completeMerge(ctx, pr)
}

// completeMerge settles one merged PR: terminal stage, tracker bookkeeping,
// then the gates that depend on siblings. Runs at most once per PR; both
// merge paths check the stage before calling it, and the orchestrator queue
// serialises them.
func (o *Orchestrator) completeMerge(ctx context.Context, pr *db.PRState) error {
	if err := o.store.UpdatePRStage(pr.PRNumber, db.PRStageMerged); err != nil {
		return err
	}
	o.notify(ctx, pr.DesignID, fmt.Sprintf("PR #%d merged (%s).", pr.PRNumber, pr.IssueKey))
	o.logger.Info("pr merged", "pr", pr.PRNumber, "issue", pr.IssueKey)

	if o.clients.Issues != nil && pr.IssueKey != "" {
		if err := o.clients.Issues.Transition(ctx, pr.IssueKey, "Done"); err != nil {
			o.logger.Warn("subtask not transitioned", "issue", pr.IssueKey, "error", err)
		}
	}

	design, err := o.store.GetDesign(pr.DesignID)
	if err != nil {
		return err
	}
	if design == nil || design.Stage == db.StageComplete {
		return nil
	}

	// A merged foundation unblocks the features held back at fan-out.
	if pr.Feature == "" {
		launched, err := o.fanOutFeatures(ctx, design)
		if err != nil {
			return err
		}
		if launched > 0 {
			return nil
		}
	}

	done, err := o.store.AllSiblingsMerged(design.ID)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	// Every tracked PR merged, but plan items whose agents are still running
	// have no PR row yet, and those must hold the design open.
	if pending, err := o.pendingPlanItems(design); err != nil {
		o.logger.Warn("plan not re-readable for the completion check",
			"design_id", design.ID, "error", err)
	} else if pending > 0 {
		o.logger.Info("all tracked prs merged but work items remain",
			"design_id", design.ID, "pending", pending)
		return nil
	}

	if o.clients.Issues != nil && design.ParentKey != "" {
		if err := o.clients.Issues.Transition(ctx, design.ParentKey, "Done"); err != nil {
			o.logger.Warn("parent not transitioned", "issue", design.ParentKey, "error", err)
		}
	}
	if err := o.store.UpdateDesignStage(design.ID, db.StageComplete); err != nil {
		return err
	}
	o.notify(ctx, design.ID, "All PRs merged - design complete.")
	o.logger.Info("design complete", "design_id", design.ID)
	return nil
}

// fanOutFeatures enqueues the plan's feature work once every foundation PR
// has merged. Returns how many new feature jobs were enqueued.
func (o *Orchestrator) fanOutFeatures(ctx context.Context, design *db.Design) (int, error) {
	states, err := o.store.ListPRStatesByDesign(design.ID)
	if err != nil {
		return 0, err
	}
	for _, s := range states {
		if s.Feature == "" && s.Stage != db.PRStageMerged {
			return 0, nil
		}
	}

	plan, err := o.planForDesign(design.ID)
	if err != nil {
		return 0, err
	}
	launched := 0
	for _, item := range plan.Features {
		n, err := o.enqueueImplementation(ctx, design, item, false)
		if err != nil {
			return launched, err
		}
		launched += n
	}
	if launched > 0 {
		o.notify(ctx, design.ID, fmt.Sprintf("Foundation merged - fanning out %d feature PR(s).", launched))
	}
	return launched, nil
}

// pendingPlanItems counts plan work items with no pull request yet.
func (o *Orchestrator) pendingPlanItems(design *db.Design) (int, error) {
	plan, err := o.planForDesign(design.ID)
	if err != nil {
		return 0, err
	}
	states, err := o.store.ListPRStatesByDesign(design.ID)
	if err != nil {
		return 0, err
	}
	pending := len(plan.Foundation) + len(plan.Features) - len(states)
	if pending < 0 {
		pending = 0
	}
	return pending, nil
}
