// Package agents supervises the subprocess agents that produce pipeline
// artifacts. The supervisor is deliberately free of business logic: it spawns
// the agent binary, enforces liveness and deadline, and hands the settled
// result back to the caller.
package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Default supervision windows. A run with no stdout activity for the
// heartbeat window is killed but recoverable; a run over the hard timeout is
// fatal.
const (
	DefaultTimeout   = time.Hour
	DefaultHeartbeat = 10 * time.Minute
)

// ErrTimeout marks a run that exceeded its hard wall-clock deadline.
var ErrTimeout = errors.New("agent run exceeded hard timeout")

// Runner is the seam between the orchestrator and the supervisor. Tests
// supply fakes.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*Result, error)
}

// WorktreeManager provides isolated working directories for runs that ask
// for them.
type WorktreeManager interface {
	Create(branch string) (string, error)
	Remove(path string) error
}

// RunSpec describes a single supervised run.
type RunSpec struct {
	Agent        string        // value for --agent
	Prompt       string        // written to stdin, then closed
	WorkDir      string        // working directory when Worktree is false
	AllowedTools []string      // optional --allowedTools csv
	Timeout      time.Duration // hard deadline, 0 means DefaultTimeout
	Heartbeat    time.Duration // liveness window, 0 means DefaultHeartbeat
	Worktree     bool          // run inside a fresh git worktree
	Branch       string        // branch name for the worktree
	KeepWorktree bool          // skip removal after settle
}

// Result is the settled outcome of a run. Success is true iff the process
// exited zero; a heartbeat kill keeps whatever output was collected.
type Result struct {
	Success         bool          `json:"success"`
	Agent           string        `json:"agent"`
	Output          Output        `json:"output"`
	Raw             string        `json:"-"`
	Stderr          string        `json:"-"`
	ExitCode        int           `json:"exitCode"`
	Duration        time.Duration `json:"duration"`
	HeartbeatKilled bool          `json:"heartbeatKilled,omitempty"`
	WorkDir         string        `json:"-"`
}

// Supervisor runs agent subprocesses. Exactly one of three outcomes settles a
// run: completion, heartbeat expiry, or hard timeout.
type Supervisor struct {
	bin       string
	worktrees WorktreeManager
	verbose   bool
	logger    *slog.Logger
}

// NewSupervisor builds a supervisor around the given agent binary. worktrees
// may be nil when no run will ask for isolation.
func NewSupervisor(bin string, worktrees WorktreeManager, verbose bool, logger *slog.Logger) *Supervisor {
	if bin == "" {
		bin = "claude"
	}
	if path, err := exec.LookPath(bin); err == nil {
		bin = path
	}
	return &Supervisor{
		bin:       bin,
		worktrees: worktrees,
		verbose:   verbose,
		logger:    logger.With("component", "supervisor"),
	}
}

// Run executes one supervised agent run. The returned error is non-nil only
// for fatal conditions: spawn failure, worktree creation failure, hard
// timeout, or context cancellation. Heartbeat kills return a Result with
// Success=false.
func (s *Supervisor) Run(ctx context.Context, spec RunSpec) (*Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	heartbeat := spec.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	workDir := spec.WorkDir
	if spec.Worktree {
		if s.worktrees == nil {
			return nil, fmt.Errorf("run for %s requested a worktree but none is configured", spec.Agent)
		}
		path, err := s.worktrees.Create(spec.Branch)
		if err != nil {
			return nil, fmt.Errorf("create worktree for branch %s: %w", spec.Branch, err)
		}
		workDir = path
		if !spec.KeepWorktree {
			defer func() {
				if err := s.worktrees.Remove(path); err != nil {
					s.logger.Warn("worktree removal failed", "path", path, "error", err)
				}
			}()
		}
	}

	start := time.Now()
	res, err := s.exec(ctx, spec, workDir, timeout, heartbeat)
	if err != nil {
		return nil, err
	}
	res.Agent = spec.Agent
	res.Duration = time.Since(start)
	res.WorkDir = workDir

	s.logger.Info("agent run settled",
		"agent", spec.Agent,
		"success", res.Success,
		"exit_code", res.ExitCode,
		"heartbeat_killed", res.HeartbeatKilled,
		"duration", res.Duration)
	return res, nil
}

func (s *Supervisor) exec(ctx context.Context, spec RunSpec, workDir string, timeout, heartbeat time.Duration) (*Result, error) {
	args := []string{"-p", "--output-format", "json", "--agent", spec.Agent}
	if len(spec.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(spec.AllowedTools, ","))
	}

	// Termination is managed by the select below, not by CommandContext, so
	// that the heartbeat and hard-timeout arms stay distinguishable.
	cmd := exec.Command(s.bin, args...) // #nosec G204 -- bin comes from operator config
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(spec.Prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.bin, err)
	}

	var (
		mu        sync.Mutex
		collected bytes.Buffer
	)
	activity := make(chan struct{}, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 32*1024)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				mu.Lock()
				collected.Write(buf[:n])
				mu.Unlock()
				if s.verbose {
					_, _ = os.Stdout.Write(buf[:n])
				}
				select {
				case activity <- struct{}{}:
				default:
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	// All reads must finish before Wait releases the pipe.
	waitCh := make(chan error, 1)
	go func() {
		<-readDone
		waitCh <- cmd.Wait()
	}()

	kill := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitCh
	}

	hb := time.NewTimer(heartbeat)
	defer hb.Stop()
	hard := time.NewTimer(timeout)
	defer hard.Stop()

	snapshot := func() string {
		mu.Lock()
		defer mu.Unlock()
		return collected.String()
	}

	for {
		select {
		case <-activity:
			if !hb.Stop() {
				select {
				case <-hb.C:
				default:
				}
			}
			hb.Reset(heartbeat)

		case werr := <-waitCh:
			raw := snapshot()
			res := &Result{
				Success:  werr == nil,
				Raw:      raw,
				Stderr:   stderr.String(),
				Output:   ParseOutput(raw),
				ExitCode: exitCode(werr),
			}
			return res, nil

		case <-hb.C:
			s.logger.Warn("agent heartbeat expired, killing",
				"agent", spec.Agent, "heartbeat", heartbeat)
			kill()
			raw := snapshot()
			return &Result{
				Success:         false,
				Raw:             raw,
				Stderr:          stderr.String(),
				Output:          ParseOutput(raw),
				ExitCode:        -1,
				HeartbeatKilled: true,
			}, nil

		case <-hard.C:
			kill()
			return nil, fmt.Errorf("agent %s: %w after %s", spec.Agent, ErrTimeout, timeout)

		case <-ctx.Done():
			kill()
			return nil, ctx.Err()
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
