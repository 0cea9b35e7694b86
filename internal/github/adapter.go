// internal/github/adapter.go
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/remoteagent/internal/git"
	"github.com/user/remoteagent/internal/types"
	"github.com/user/remoteagent/internal/workspace"
)

// PlatformType identifies GitHub conversations.
const PlatformType = "github"

// DefaultMention is the handle that triggers the bot.
const DefaultMention = "@remote-agent"

const maxPayloadBytes = 25 << 20

// Dispatcher accepts inbound messages for processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg types.InboundMessage) error
}

// Worktrees finds, creates and removes per-issue checkouts.
type Worktrees interface {
	FindByBranch(ctx context.Context, repoPath, branch string) (string, bool)
	CreateForIssue(ctx context.Context, repoPath string, number int, isPR bool) (string, error)
	Remove(ctx context.Context, repoPath, worktreePath string) error
}

// Commenter posts issue comments.
type Commenter interface {
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error
}

// Config configures the adapter.
type Config struct {
	Token         string
	WebhookSecret string
	Mention       string
	WorkspaceRoot string
	APIURL        string
}

// Adapter turns GitHub issue and pull request webhooks into conversations.
// Each issue or PR is its own conversation, worked on in its own worktree.
type Adapter struct {
	cfg        Config
	store      types.Store
	worktrees  Worktrees
	runner     git.Runner
	comments   Commenter
	dispatcher Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns an adapter posting comments through the REST API.
func New(cfg Config, store types.Store, worktrees Worktrees, runner git.Runner, dispatcher Dispatcher, logger *slog.Logger) *Adapter {
	return newAdapter(cfg, store, worktrees, runner, NewClient(cfg.APIURL, cfg.Token), dispatcher, logger)
}

func newAdapter(cfg Config, store types.Store, worktrees Worktrees, runner git.Runner, comments Commenter, dispatcher Dispatcher, logger *slog.Logger) *Adapter {
	if cfg.Mention == "" {
		cfg.Mention = DefaultMention
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "/workspace"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:        cfg,
		store:      store,
		worktrees:  worktrees,
		runner:     runner,
		comments:   comments,
		dispatcher: dispatcher,
		logger:     logger.With("platform", PlatformType),
	}
}

func (a *Adapter) PlatformType() string { return PlatformType }

// StreamingMode is always batch: one comment per turn.
func (a *Adapter) StreamingMode() types.StreamingMode { return types.StreamingModeBatch }

// Start enables webhook processing. Deliveries are received by ServeHTTP.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baseCtx, a.cancel = context.WithCancel(ctx)
	return nil
}

// Stop cancels in-flight deliveries and waits for them.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// SendMessage posts text as a comment on the issue or PR named by
// conversationID ("owner/repo#number").
func (a *Adapter) SendMessage(ctx context.Context, conversationID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	owner, repo, number, err := ParseConversationID(conversationID)
	if err != nil {
		return err
	}
	if err := a.comments.CreateComment(ctx, owner, repo, number, text); err != nil {
		return fmt.Errorf("comment on %s: %w", conversationID, err)
	}
	return nil
}

// ServeHTTP receives a webhook delivery. Valid deliveries are acknowledged
// with 202 and processed in the background.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, `{"error":"read body"}`, http.StatusBadRequest)
		return
	}
	if err := VerifySignature(a.cfg.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		a.logger.Warn("rejected webhook delivery", "delivery", r.Header.Get("X-GitHub-Delivery"), "error", err)
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	ev, err := ParseEvent(eventType, body, a.cfg.Mention)
	if err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if ev.Action == ActionIgnore {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx, ok := a.beginDelivery()
	if !ok {
		http.Error(w, `{"error":"not started"}`, http.StatusServiceUnavailable)
		return
	}
	go func() {
		defer a.wg.Done()
		if err := a.HandleEvent(ctx, ev); err != nil {
			a.logger.Error("webhook handling failed", "event", eventType, "conversation_id", ev.ConversationID(), "error", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

// beginDelivery registers a background delivery unless the adapter is stopped.
func (a *Adapter) beginDelivery() (context.Context, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.baseCtx == nil || a.baseCtx.Err() != nil {
		return nil, false
	}
	a.wg.Add(1)
	return a.baseCtx, true
}

// HandleEvent acts on a parsed delivery.
func (a *Adapter) HandleEvent(ctx context.Context, ev *Event) error {
	switch ev.Action {
	case ActionMention:
		return a.handleMention(ctx, ev)
	case ActionClose:
		return a.handleClose(ctx, ev)
	}
	return nil
}

func (a *Adapter) handleMention(ctx context.Context, ev *Event) error {
	convID := ev.ConversationID()
	logger := a.logger.With("conversation_id", convID)

	conv, err := a.store.GetOrCreateConversation(ctx, PlatformType, convID)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}

	cb, err := a.ensureCodebase(ctx, ev, conv)
	var conflict *checkoutConflictError
	if errors.As(err, &conflict) {
		logger.Warn("refusing to reuse unregistered checkout", "error", err)
		return a.SendMessage(ctx, convID, workspace.UnregisteredDirMessage(conflict.path))
	}
	if err != nil {
		_ = a.SendMessage(ctx, convID, "Failed to set up the repository: "+git.Redact(err.Error(), a.cfg.Token))
		return err
	}

	if err := a.ensureWorktree(ctx, logger, ev, conv, cb); err != nil {
		return err
	}

	return a.dispatcher.Dispatch(ctx, types.InboundMessage{
		Platform:       PlatformType,
		ConversationID: convID,
		UserID:         ev.Sender,
		Text:           ev.Prompt(a.cfg.Mention),
	})
}

// ensureCodebase returns the conversation's codebase, linking a registered one
// for the repository or cloning it into the workspace root first.
func (a *Adapter) ensureCodebase(ctx context.Context, ev *Event, conv *types.Conversation) (*types.Codebase, error) {
	if conv.CodebaseID != "" {
		cb, err := a.store.GetCodebase(ctx, conv.CodebaseID)
		if err != nil || cb != nil {
			return cb, err
		}
	}

	repoURL := ev.RepoURL()
	cb, err := a.store.FindCodebaseByRepoURL(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	if cb == nil {
		if cb, err = a.store.FindCodebaseByRepoURL(ctx, repoURL+".git"); err != nil {
			return nil, err
		}
	}

	if cb == nil {
		target := filepath.Join(a.cfg.WorkspaceRoot, ev.Repo)
		if _, statErr := os.Stat(target); os.IsNotExist(statErr) {
			a.logger.Info("cloning repository", "repo", repoURL, "path", target)
			if err := git.Clone(ctx, a.runner, git.AuthenticatedURL(repoURL, a.cfg.Token), target); err != nil {
				return nil, fmt.Errorf("clone %s: %w", repoURL, err)
			}
		} else if err := a.verifyCheckout(ctx, target, repoURL); err != nil {
			return nil, err
		}
		cb = &types.Codebase{
			Name:            ev.Repo,
			RepositoryURL:   repoURL,
			DefaultCwd:      target,
			AIAssistantType: conv.AIAssistantType,
		}
		if err := a.store.CreateCodebase(ctx, cb); err != nil {
			return nil, err
		}
	}

	if err := a.store.UpdateConversation(ctx, conv.ID, types.ConversationUpdate{CodebaseID: &cb.ID}); err != nil {
		return nil, err
	}
	conv.CodebaseID = cb.ID
	return cb, nil
}

// checkoutConflictError reports a directory at the clone target that is not
// a checkout of the repository the delivery came from.
type checkoutConflictError struct {
	path, origin, want string
}

func (e *checkoutConflictError) Error() string {
	if e.origin == "" {
		return fmt.Sprintf("%s exists but has no origin remote; expected %s", e.path, e.want)
	}
	return fmt.Sprintf("%s is a checkout of %s, not %s", e.path, e.origin, e.want)
}

// verifyCheckout accepts an existing, unregistered directory only when its
// origin remote is repoURL.
func (a *Adapter) verifyCheckout(ctx context.Context, dir, repoURL string) error {
	origin, err := git.OriginURL(ctx, a.runner, dir)
	if err == nil && git.SameRepo(origin, repoURL) {
		a.logger.Info("registering existing checkout", "repo", repoURL, "path", dir)
		return nil
	}
	if err != nil {
		origin = ""
	}
	return &checkoutConflictError{path: dir, origin: git.Redact(origin, a.cfg.Token), want: repoURL}
}

// ensureWorktree points the conversation at its issue worktree, creating it
// when the conversation has none or its recorded worktree has disappeared.
// Failures fall back to the main checkout.
func (a *Adapter) ensureWorktree(ctx context.Context, logger *slog.Logger, ev *Event, conv *types.Conversation, cb *types.Codebase) error {
	if conv.Cwd != "" {
		stale := strings.Contains(conv.Cwd, "/worktrees/") && !workspace.Exists(conv.Cwd)
		if !stale {
			return nil
		}
		logger.Info("worktree missing, recreating", "cwd", conv.Cwd)
	}

	cwd, err := a.issueWorktree(ctx, cb.DefaultCwd, ev)
	if err != nil {
		logger.Warn("worktree creation failed, using main checkout", "repo", cb.DefaultCwd, "error", err)
		cwd = cb.DefaultCwd
	} else {
		logger.Info("worktree ready", "path", cwd, "branch", workspace.BranchName(ev.Number, ev.IsPR))
	}

	if err := a.store.UpdateConversation(ctx, conv.ID, types.ConversationUpdate{Cwd: &cwd}); err != nil {
		return err
	}
	conv.Cwd = cwd
	return nil
}

// issueWorktree returns the worktree checked out on the issue's branch,
// creating it when there is none. A creation failure is retried as a lookup
// since a concurrent delivery for the same issue may have won the race.
func (a *Adapter) issueWorktree(ctx context.Context, repo string, ev *Event) (string, error) {
	branch := workspace.BranchName(ev.Number, ev.IsPR)
	if path, ok := a.existingWorktree(ctx, repo, branch); ok {
		return path, nil
	}
	path, err := a.worktrees.CreateForIssue(ctx, repo, ev.Number, ev.IsPR)
	if err == nil {
		return path, nil
	}
	if path, ok := a.existingWorktree(ctx, repo, branch); ok {
		return path, nil
	}
	return "", err
}

// existingWorktree looks up a live linked worktree on branch. The main
// checkout never qualifies.
func (a *Adapter) existingWorktree(ctx context.Context, repo, branch string) (string, bool) {
	path, ok := a.worktrees.FindByBranch(ctx, repo, branch)
	if !ok || !workspace.Exists(path) || !workspace.IsWorktreePath(path) {
		return "", false
	}
	return path, true
}

func (a *Adapter) handleClose(ctx context.Context, ev *Event) error {
	convID := ev.ConversationID()
	logger := a.logger.With("conversation_id", convID)

	conv, err := a.store.GetOrCreateConversation(ctx, PlatformType, convID)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}

	if sess, err := a.store.GetActiveSession(ctx, conv.ID); err != nil {
		return err
	} else if sess != nil {
		if err := a.store.DeactivateSession(ctx, sess.ID); err != nil {
			return err
		}
		logger.Info("session ended", "session_id", sess.ID)
	}

	if conv.Cwd == "" || !workspace.IsWorktreePath(conv.Cwd) {
		return nil
	}

	repoPath := workspace.CanonicalRepoPath(conv.Cwd)
	if conv.CodebaseID != "" {
		if cb, err := a.store.GetCodebase(ctx, conv.CodebaseID); err == nil && cb != nil {
			repoPath = cb.DefaultCwd
		}
	}

	if err := a.worktrees.Remove(ctx, repoPath, conv.Cwd); err != nil {
		if errors.Is(err, workspace.ErrDirty) {
			logger.Warn("worktree has uncommitted changes, leaving it in place", "path", conv.Cwd)
			return a.SendMessage(ctx, convID, fmt.Sprintf(
				"Worktree `%s` has uncommitted changes and was left in place. Commit or discard them, then remove it manually.", conv.Cwd))
		}
		return fmt.Errorf("remove worktree: %w", err)
	}
	logger.Info("worktree removed", "path", conv.Cwd)

	return a.store.UpdateConversation(ctx, conv.ID, types.ConversationUpdate{Cwd: &repoPath})
}
