package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/remoteagent/internal/assistant"
	"github.com/user/remoteagent/internal/command"
	"github.com/user/remoteagent/internal/config"
	"github.com/user/remoteagent/internal/delivery"
	"github.com/user/remoteagent/internal/gateway"
	"github.com/user/remoteagent/internal/git"
	"github.com/user/remoteagent/internal/github"
	"github.com/user/remoteagent/internal/orchestrator"
	"github.com/user/remoteagent/internal/scheduler"
	"github.com/user/remoteagent/internal/state"
	"github.com/user/remoteagent/internal/telegram"
	"github.com/user/remoteagent/internal/types"
	"github.com/user/remoteagent/internal/webhook"
	"github.com/user/remoteagent/internal/workspace"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the remoteagent daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "remoteagent.pid")
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := pidFilePath(dataDir)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	store, err := state.NewSQLiteStore(ctx, dbPath(cfg), cfg.Assistant.Default)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	transcripts := state.NewTranscriptStore(cfg.DataDir)
	taskStore := state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))

	// Git and workspaces
	runner := git.NewExecRunner(cfg.GitTimeout())
	worktrees := workspace.NewManager(runner, cfg.Workspace.WorktreeBase, logger)

	// Message handling
	router := command.NewRouter(store, runner,
		command.WithWorkspaceRoot(cfg.Workspace.Root),
		command.WithGitHubToken(cfg.GitHub.Token),
		command.WithLogger(logger),
	)
	clients := assistant.Factory{Options: assistant.Options{
		ClaudePath: cfg.Assistant.ClaudePath,
		CodexPath:  cfg.Assistant.CodexPath,
		Logger:     logger,
	}}
	orch := orchestrator.New(store, router, clients,
		orchestrator.WithTranscripts(transcripts),
		orchestrator.WithFallbackCwd(cfg.Workspace.Root),
		orchestrator.WithLogger(logger),
	)

	// Gateway
	platforms := delivery.NewRegistry()
	gw := gateway.New(orch, platforms, int64(cfg.MaxConcurrent))
	gw.SetLogger(logger)
	gw.Start(ctx)
	defer gw.Stop()

	// Platform adapters
	ghAdapter, err := registerPlatforms(cfg, platforms, gw, store, worktrees, runner, logger)
	if err != nil {
		return err
	}
	if err := platforms.StartAll(ctx, logger); err != nil {
		return fmt.Errorf("start platforms: %w", err)
	}
	defer platforms.StopAll()

	// Scheduler
	sched := scheduler.New(taskStore, func(msg types.InboundMessage) {
		if err := gw.Dispatch(ctx, msg); err != nil {
			logger.Error("scheduled task dispatch failed", "platform", msg.Platform, "conversation_id", msg.ConversationID, "error", err)
		}
	}, logger)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// HTTP server
	if cfg.HTTP.Enabled {
		shutdown := startHTTP(cfg, taskStore, gw, store, transcripts, ghAdapter, logger)
		defer shutdown()
	}

	logger.Info("remoteagent started",
		"data_dir", cfg.DataDir,
		"workspace", cfg.Workspace.Root,
		"assistant", cfg.Assistant.Default,
		"max_concurrent", cfg.MaxConcurrent,
		"scheduled_tasks", sched.Entries(),
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := sched.Reload(); err != nil {
				logger.Error("reload scheduled tasks failed", "error", err)
				continue
			}
			logger.Info("scheduled tasks reloaded", "entries", sched.Entries())
			continue
		}
		logger.Info("shutting down", "signal", sig)
		break
	}
	return nil
}

// registerPlatforms creates the adapters enabled by cfg. The GitHub adapter is
// returned separately so its webhook receiver can be mounted.
func registerPlatforms(cfg *config.Config, platforms *delivery.Registry, gw *gateway.Gateway, store types.Store,
	worktrees *workspace.Manager, runner git.Runner, logger *slog.Logger) (*github.Adapter, error) {
	if cfg.Telegram.Token != "" {
		mode := types.ParseStreamingMode(cfg.Telegram.StreamingMode, types.StreamingModeStream)
		tg, err := telegram.New(cfg.Telegram.Token, mode, gw, logger)
		if err != nil {
			return nil, fmt.Errorf("create telegram adapter: %w", err)
		}
		platforms.Register(tg)
	} else {
		logger.Warn("telegram adapter disabled (no token)")
	}

	if cfg.GitHub.Token == "" {
		logger.Warn("github adapter disabled (no token)")
		return nil, nil
	}
	if !cfg.HTTP.Enabled {
		logger.Warn("github adapter disabled (http.enabled is false)")
		return nil, nil
	}
	if cfg.GitHub.WebhookSecret == "" {
		logger.Warn("github webhook signatures are not verified (no webhook secret)")
	}
	gh := github.New(github.Config{
		Token:         cfg.GitHub.Token,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		Mention:       cfg.GitHub.BotMention,
		WorkspaceRoot: cfg.Workspace.Root,
	}, store, worktrees, runner, gw, logger)
	platforms.Register(gh)
	return gh, nil
}

func startHTTP(cfg *config.Config, tasks *state.TaskStore, gw *gateway.Gateway, store *state.SQLiteStore,
	transcripts *state.TranscriptStore, gh *github.Adapter, logger *slog.Logger) func() {
	opts := []webhook.Option{
		webhook.WithSessions(store, transcripts),
		webhook.WithLogger(logger),
	}
	if gh != nil {
		opts = append(opts, webhook.WithGitHub(gh))
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           webhook.NewServer(tasks, gw, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http server shutdown", "error", err)
		}
	}
}
