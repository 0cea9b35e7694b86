// internal/command/router.go
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/user/remoteagent/internal/git"
	"github.com/user/remoteagent/internal/types"
	"github.com/user/remoteagent/internal/workspace"
)

// DefaultWorkspaceRoot is where repositories are cloned when none is configured.
const DefaultWorkspaceRoot = "/workspace"

// NoCodebaseMessage is the reply when a conversation has no linked codebase.
const NoCodebaseMessage = "No codebase configured. Use /clone <repo-url> to get started."

// commandFolders are checked in order when a repository is linked.
var commandFolders = []string{".claude/commands", ".agents/commands"}

const helpText = `Available Commands:
/help - Show this help message
/status - Show conversation state
/getcwd - Show current working directory
/setcwd <path> - Set working directory
/clone <repo-url> - Clone GitHub repository
/repos - List cloned repositories
/commands - List registered command templates
/command-set <name> <path> [text] - Register a command template
/load-commands <folder> - Register every .md file in a folder
/reset - Clear active session`

// UsageError reports missing or invalid command arguments.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string { return "Usage: " + e.Usage }

// Router executes deterministic slash commands. It never calls the assistant.
type Router struct {
	store         types.Store
	runner        git.Runner
	workspaceRoot string
	githubToken   string
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithWorkspaceRoot sets the directory repositories are cloned into.
func WithWorkspaceRoot(root string) Option {
	return func(r *Router) {
		if root != "" {
			r.workspaceRoot = root
		}
	}
}

// WithGitHubToken authenticates HTTPS clones from github.com.
func WithGitHubToken(token string) Option {
	return func(r *Router) { r.githubToken = token }
}

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter returns a Router backed by store, shelling out to git through runner.
func NewRouter(store types.Store, runner git.Runner, opts ...Option) *Router {
	r := &Router{
		store:         store,
		runner:        runner,
		workspaceRoot: DefaultWorkspaceRoot,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WorkspaceRoot returns the clone directory.
func (r *Router) WorkspaceRoot() string { return r.workspaceRoot }

type handlerFunc func(ctx context.Context, conv *types.Conversation, args []string) (types.CommandResult, error)

func (r *Router) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"help":          r.help,
		"status":        r.status,
		"getcwd":        r.getcwd,
		"setcwd":        r.setcwd,
		"clone":         r.clone,
		"reset":         r.reset,
		"repos":         r.repos,
		"commands":      r.listCommands,
		"command-set":   r.commandSet,
		"load-commands": r.loadCommands,
	}
}

// Handle runs the slash command in message for conv. Failures are reported
// in the returned result, never as an error.
func (r *Router) Handle(ctx context.Context, conv *types.Conversation, message string) types.CommandResult {
	inv := Parse(message)
	h, ok := r.handlers()[inv.Name]
	if !ok {
		return types.CommandResult{
			Message: fmt.Sprintf("Unknown command: /%s\n\nType /help to see available commands.", inv.Name),
		}
	}

	res, err := h(ctx, conv, inv.Args)
	if err == nil {
		return res
	}

	var usage *UsageError
	if errors.As(err, &usage) {
		return types.CommandResult{Message: usage.Error()}
	}
	r.logger.Error("command failed", "command", inv.Name, "conversation_id", conv.ID, "error", err)
	return types.CommandResult{Message: fmt.Sprintf("Command /%s failed: %v", inv.Name, err), Modified: res.Modified}
}

func (r *Router) help(_ context.Context, _ *types.Conversation, _ []string) (types.CommandResult, error) {
	return types.CommandResult{Success: true, Message: helpText}, nil
}

func (r *Router) status(ctx context.Context, conv *types.Conversation, _ []string) (types.CommandResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Platform: %s\nAI Assistant: %s", conv.PlatformType, conv.AIAssistantType)

	if conv.CodebaseID != "" {
		cb, err := r.store.GetCodebase(ctx, conv.CodebaseID)
		if err != nil {
			return types.CommandResult{}, err
		}
		if cb != nil {
			fmt.Fprintf(&b, "\n\nCodebase: %s", cb.Name)
			if cb.RepositoryURL != "" {
				fmt.Fprintf(&b, "\nRepository: %s", cb.RepositoryURL)
			}
		}
	} else {
		b.WriteString("\n\n" + NoCodebaseMessage)
	}

	fmt.Fprintf(&b, "\n\nCurrent Working Directory: %s", orNotSet(conv.Cwd))

	sess, err := r.store.GetActiveSession(ctx, conv.ID)
	if err != nil {
		return types.CommandResult{}, err
	}
	if sess != nil {
		fmt.Fprintf(&b, "\nActive Session: %s", types.Short(string(sess.ID), 8))
	}
	return types.CommandResult{Success: true, Message: b.String()}, nil
}

func (r *Router) getcwd(_ context.Context, conv *types.Conversation, _ []string) (types.CommandResult, error) {
	return types.CommandResult{Success: true, Message: "Current working directory: " + orNotSet(conv.Cwd)}, nil
}

func (r *Router) setcwd(ctx context.Context, conv *types.Conversation, args []string) (types.CommandResult, error) {
	if len(args) == 0 {
		return types.CommandResult{}, &UsageError{Usage: "/setcwd <path>"}
	}
	cwd := strings.Join(args, " ")
	if err := r.store.UpdateConversation(ctx, conv.ID, types.ConversationUpdate{Cwd: &cwd}); err != nil {
		return types.CommandResult{}, err
	}
	return types.CommandResult{Success: true, Message: "Working directory set to: " + cwd, Modified: true}, nil
}

func (r *Router) reset(ctx context.Context, conv *types.Conversation, _ []string) (types.CommandResult, error) {
	sess, err := r.store.GetActiveSession(ctx, conv.ID)
	if err != nil {
		return types.CommandResult{}, err
	}
	if sess == nil {
		return types.CommandResult{Success: true, Message: "No active session to reset."}, nil
	}
	if err := r.store.DeactivateSession(ctx, sess.ID); err != nil {
		return types.CommandResult{}, err
	}
	r.logger.Info("session reset", "conversation_id", conv.ID, "session_id", sess.ID)
	return types.CommandResult{
		Success: true,
		Message: "Session cleared. Starting fresh on next message.\n\nCodebase configuration preserved.",
	}, nil
}

func (r *Router) clone(ctx context.Context, conv *types.Conversation, args []string) (types.CommandResult, error) {
	if len(args) != 1 {
		return types.CommandResult{}, &UsageError{Usage: "/clone <repo-url>"}
	}

	repoURL := git.NormalizeRepoURL(args[0])
	name := git.RepoName(repoURL)
	target := filepath.Join(r.workspaceRoot, name)

	if dirExists(target) {
		return r.linkExisting(ctx, conv, repoURL, target)
	}

	r.logger.Info("cloning repository", "repo", repoURL, "path", target)
	if err := git.Clone(ctx, r.runner, r.authenticatedURL(repoURL), target); err != nil {
		r.logger.Error("clone failed", "repo", repoURL, "error", err)
		return types.CommandResult{Message: "Failed to clone repository: " + r.redact(toolText(err))}, nil
	}

	cb := &types.Codebase{
		Name:            name,
		RepositoryURL:   repoURL,
		DefaultCwd:      target,
		AIAssistantType: conv.AIAssistantType,
	}
	if err := r.store.CreateCodebase(ctx, cb); err != nil {
		return types.CommandResult{}, err
	}
	if err := r.deactivateActive(ctx, conv); err != nil {
		return types.CommandResult{}, err
	}
	if err := r.link(ctx, conv, cb); err != nil {
		return types.CommandResult{}, err
	}

	msg := fmt.Sprintf("Repository cloned successfully!\n\nCodebase: %s\nPath: %s", name, target)
	msg += commandFolderHint(target)
	msg += "\n\nYou can now start asking questions about the code."
	return types.CommandResult{Success: true, Message: msg, Modified: true}, nil
}

// linkExisting attaches conv to the registered codebase for an already
// cloned directory. An unregistered directory is never reused.
func (r *Router) linkExisting(ctx context.Context, conv *types.Conversation, repoURL, target string) (types.CommandResult, error) {
	cb, err := r.store.FindCodebaseByRepoURL(ctx, repoURL)
	if err != nil {
		return types.CommandResult{}, err
	}
	if cb == nil {
		cb, err = r.store.FindCodebaseByRepoURL(ctx, repoURL+".git")
		if err != nil {
			return types.CommandResult{}, err
		}
	}
	if cb == nil {
		return types.CommandResult{Message: workspace.UnregisteredDirMessage(target)}, nil
	}

	if err := r.deactivateActive(ctx, conv); err != nil {
		return types.CommandResult{}, err
	}
	if err := r.link(ctx, conv, cb); err != nil {
		return types.CommandResult{}, err
	}

	msg := fmt.Sprintf("Repository already cloned.\n\nLinked to existing codebase: %s\nPath: %s\n\nSession reset - starting fresh on next message.",
		cb.Name, cb.DefaultCwd)
	msg += commandFolderHint(cb.DefaultCwd)
	return types.CommandResult{Success: true, Message: msg, Modified: true}, nil
}

func (r *Router) link(ctx context.Context, conv *types.Conversation, cb *types.Codebase) error {
	cwd := cb.DefaultCwd
	return r.store.UpdateConversation(ctx, conv.ID, types.ConversationUpdate{CodebaseID: &cb.ID, Cwd: &cwd})
}

func (r *Router) deactivateActive(ctx context.Context, conv *types.Conversation) error {
	sess, err := r.store.GetActiveSession(ctx, conv.ID)
	if err != nil || sess == nil {
		return err
	}
	r.logger.Info("deactivating session for codebase change", "conversation_id", conv.ID, "session_id", sess.ID)
	return r.store.DeactivateSession(ctx, sess.ID)
}

func (r *Router) authenticatedURL(repoURL string) string {
	return git.AuthenticatedURL(repoURL, r.githubToken)
}

func (r *Router) redact(s string) string {
	return git.Redact(s, r.githubToken)
}

func toolText(err error) string {
	var toolErr *git.ToolError
	if errors.As(err, &toolErr) && toolErr.Output != "" {
		return toolErr.Output
	}
	return err.Error()
}

func commandFolderHint(dir string) string {
	for _, folder := range commandFolders {
		if dirExists(filepath.Join(dir, folder)) {
			return fmt.Sprintf("\n\nFound: %s/\nUse /load-commands %s to register commands.", folder, folder)
		}
	}
	return ""
}

func orNotSet(s string) string {
	if s == "" {
		return "Not set"
	}
	return s
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
