// Conductor turns chat requests into shipped pull requests. It drafts and
// reviews design documents with subprocess agents, publishes them for human
// approval, fans approved designs out into issue branches, and walks every
// pull request through CI, automated review, and merge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/madhatter5501/conductor"
	"github.com/madhatter5501/conductor/agents"
	"github.com/madhatter5501/conductor/git"
	"github.com/madhatter5501/conductor/internal/clients"
	"github.com/madhatter5501/conductor/internal/db"
	"github.com/madhatter5501/conductor/internal/web"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version")
		port        = flag.String("port", "", "HTTP ingress port (overrides CONDUCTOR_PORT)")
		dbPath      = flag.String("db", "", "SQLite database path (overrides CONDUCTOR_DB)")
		repoRoot    = flag.String("repo", "", "Repository root path (overrides CONDUCTOR_REPO_ROOT)")
		debug       = flag.Bool("debug", false, "Debug logging")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductor %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		os.Exit(0)
	}

	cfg := conductor.LoadConfig()
	if *port != "" {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *repoRoot != "" {
		cfg.RepoRoot = *repoRoot
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("conductor exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg conductor.Config, logger *slog.Logger) error {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	store := db.NewStore(database)

	worktrees := git.NewWorktreeManager(cfg.RepoRoot, cfg.WorktreeDir, cfg.MainBranch)
	if err := worktrees.Prune(); err != nil {
		logger.Warn("worktree prune failed", "error", err)
	}
	runner := agents.NewSupervisor(cfg.AgentBin, worktrees, cfg.Verbose, logger)

	orch := conductor.New(cfg, store, runner, buildClients(cfg, logger), logger)
	server := web.NewServer(cfg, orch.Dispatch, store, orch.QueueDepths, logger)
	orch.Tap(server.Broadcast)

	// Agent runs hang off runCtx, not the signal context: a shutdown first
	// asks the queues to drain, and only kills subprocesses that outlive the
	// grace period.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	orch.Start(runCtx)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ingress server: %w", err)
		}
		return nil
	})
	if docs := orch.Docs(); docs != nil {
		poller := conductor.NewPoller(docs, orch.Dispatch, cfg.PollInterval, logger)
		g.Go(func() error {
			if err := poller.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("document poller: %w", err)
			}
			return nil
		})
	} else {
		logger.Warn("document store not configured, approval polling disabled")
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ingress server shutdown", "error", err)
		}
		orch.Shutdown(shutdownCtx)
		cancelRun()
		logger.Info("shutdown complete", "queues", orch.QueueDepths())
		return nil
	})

	logger.Info("conductor running", "version", version, "port", cfg.Port, "db", cfg.DBPath)
	return g.Wait()
}

// buildClients wires the integrations that have credentials. A missing
// integration disables its feature with a warning; the pipeline degrades
// instead of refusing to start.
func buildClients(cfg conductor.Config, logger *slog.Logger) conductor.Clients {
	var cl conductor.Clients

	if cfg.SlackBotToken != "" || cfg.SlackWebhookURL != "" {
		cl.Chat = clients.NewSlackClient(cfg.SlackBotToken, cfg.SlackWebhookURL, cfg.SlackChannel)
	} else {
		logger.Warn("slack not configured, chat notifications disabled")
	}

	if cfg.JiraBaseURL != "" && cfg.JiraToken != "" {
		cl.Issues = clients.NewJiraClient(cfg.JiraBaseURL, cfg.JiraEmail, cfg.JiraToken, cfg.JiraProject)
	} else {
		logger.Warn("jira not configured, issue tracking disabled")
	}

	if cfg.ConfluenceBaseURL != "" && cfg.ConfluenceToken != "" {
		var opts []clients.ConfluenceOption
		if cfg.ConfluenceParentPage != "" {
			opts = append(opts, clients.WithParentPage(cfg.ConfluenceParentPage))
		}
		cl.Docs = clients.NewConfluenceClient(cfg.ConfluenceBaseURL, cfg.ConfluenceEmail,
			cfg.ConfluenceToken, cfg.ConfluenceSpace, opts...)
	} else {
		logger.Warn("confluence not configured, design publication disabled")
	}

	if cfg.GitHubToken != "" && cfg.GitHubOwner != "" && cfg.GitHubRepo != "" {
		var opts []clients.GitHubOption
		if cfg.GitHubBaseURL != "" {
			opts = append(opts, clients.WithGitHubBaseURL(cfg.GitHubBaseURL))
		}
		cl.Source = clients.NewGitHubClient(cfg.GitHubToken, cfg.GitHubOwner, cfg.GitHubRepo, opts...)
	} else {
		logger.Warn("github not configured, pull request tracking disabled")
	}

	return cl
}
