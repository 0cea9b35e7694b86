// internal/command/router_test.go
package command

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/remoteagent/internal/git"
	"github.com/user/remoteagent/internal/state"
	"github.com/user/remoteagent/internal/types"
)

// cloneRunner fakes `git clone` by creating the target directory.
type cloneRunner struct {
	mu    sync.Mutex
	calls [][]string
	fail  string
}

func (c *cloneRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, args)
	c.mu.Unlock()
	if c.fail != "" {
		return "", &git.ToolError{Args: args, Output: c.fail, Err: errors.New("exit status 128")}
	}
	if len(args) == 3 && args[0] == "clone" {
		if err := os.MkdirAll(filepath.Join(args[2], ".git"), 0o755); err != nil {
			return "", err
		}
	}
	return "", nil
}

type fixture struct {
	store  *state.SQLiteStore
	runner *cloneRunner
	router *Router
	root   string
	conv   *types.Conversation
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := state.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "test.db"), "claude")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	root := t.TempDir()
	runner := &cloneRunner{}
	router := NewRouter(store, runner, append([]Option{WithWorkspaceRoot(root)}, opts...)...)

	conv, err := store.GetOrCreateConversation(ctx, "test", "test-conv-123")
	require.NoError(t, err)
	return &fixture{store: store, runner: runner, router: router, root: root, conv: conv}
}

func (f *fixture) handle(t *testing.T, msg string) types.CommandResult {
	t.Helper()
	return f.router.Handle(context.Background(), f.conv, msg)
}

func (f *fixture) reload(t *testing.T) {
	t.Helper()
	conv, err := f.store.GetConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	f.conv = conv
}

func (f *fixture) startSession(t *testing.T) *types.Session {
	t.Helper()
	sess := &types.Session{ConversationID: f.conv.ID, AIAssistantType: "claude"}
	require.NoError(t, f.store.CreateSession(context.Background(), sess))
	return sess
}

func TestHelp(t *testing.T) {
	f := newFixture(t)
	res := f.handle(t, "/help")
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "Available Commands")
	assert.Contains(t, res.Message, "/clone")
	assert.Contains(t, res.Message, "/status")
	assert.False(t, res.Modified)
}

func TestStatusWithoutCodebase(t *testing.T) {
	f := newFixture(t)
	res := f.handle(t, "/status")
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "Platform: test")
	assert.Contains(t, res.Message, "AI Assistant: claude")
	assert.Contains(t, res.Message, "No codebase configured")
	assert.Contains(t, res.Message, "Current Working Directory: Not set")
	assert.NotContains(t, res.Message, "Active Session")
}

func TestStatusWithCodebaseAndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cb := &types.Codebase{Name: "test-repo", RepositoryURL: "https://github.com/user/test-repo", DefaultCwd: "/workspace/test-repo"}
	require.NoError(t, f.store.CreateCodebase(ctx, cb))
	cwd := "/workspace/test-repo"
	require.NoError(t, f.store.UpdateConversation(ctx, f.conv.ID, types.ConversationUpdate{CodebaseID: &cb.ID, Cwd: &cwd}))
	f.reload(t)
	sess := f.startSession(t)

	res := f.handle(t, "/status")
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "Codebase: test-repo")
	assert.Contains(t, res.Message, "Repository: https://github.com/user/test-repo")
	assert.Contains(t, res.Message, "Current Working Directory: /workspace/test-repo")
	assert.Contains(t, res.Message, "Active Session: "+string(sess.ID)[:8]+"...")
}

func TestGetcwd(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "Current working directory: Not set", f.handle(t, "/getcwd").Message)

	f.conv.Cwd = "/tmp/x"
	assert.Equal(t, "Current working directory: /tmp/x", f.handle(t, "/getcwd").Message)
}

func TestSetcwd(t *testing.T) {
	f := newFixture(t)

	res := f.handle(t, "/setcwd /tmp/work")
	assert.True(t, res.Success)
	assert.True(t, res.Modified)
	assert.Equal(t, "Working directory set to: /tmp/work", res.Message)

	f.reload(t)
	assert.Equal(t, "/tmp/work", f.conv.Cwd)

	res = f.handle(t, "/setcwd /workspace/my repo")
	assert.True(t, res.Success)
	f.reload(t)
	assert.Equal(t, "/workspace/my repo", f.conv.Cwd)
}

func TestSetcwdUsage(t *testing.T) {
	f := newFixture(t)
	res := f.handle(t, "/setcwd")
	assert.False(t, res.Success)
	assert.False(t, res.Modified)
	assert.Equal(t, "Usage: /setcwd <path>", res.Message)
}

func TestResetWithAndWithoutSession(t *testing.T) {
	f := newFixture(t)

	res := f.handle(t, "/reset")
	assert.True(t, res.Success)
	assert.Equal(t, "No active session to reset.", res.Message)

	f.startSession(t)
	res = f.handle(t, "/reset")
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "Session cleared")
	assert.Contains(t, res.Message, "Codebase configuration preserved")

	active, err := f.store.GetActiveSession(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	res := f.handle(t, "/frobnicate now")
	assert.False(t, res.Success)
	assert.Equal(t, "Unknown command: /frobnicate\n\nType /help to see available commands.", res.Message)
}

func TestCloneUsage(t *testing.T) {
	f := newFixture(t)
	res := f.handle(t, "/clone")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Usage: /clone <repo-url>")
	assert.Empty(t, f.runner.calls)
}

func TestCloneFresh(t *testing.T) {
	f := newFixture(t)
	active := f.startSession(t)

	res := f.handle(t, "/clone https://github.com/user/test-repo.git/")
	require.True(t, res.Success, res.Message)
	assert.True(t, res.Modified)
	assert.Contains(t, res.Message, "Repository cloned successfully")
	assert.Contains(t, res.Message, "Codebase: test-repo")

	target := filepath.Join(f.root, "test-repo")
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, []string{"clone", "https://github.com/user/test-repo", target}, f.runner.calls[0])

	f.reload(t)
	assert.Equal(t, target, f.conv.Cwd)
	cb, err := f.store.GetCodebase(context.Background(), f.conv.CodebaseID)
	require.NoError(t, err)
	require.NotNil(t, cb)
	assert.Equal(t, "https://github.com/user/test-repo", cb.RepositoryURL)
	assert.Equal(t, "claude", cb.AIAssistantType)

	sess, err := f.store.GetSession(context.Background(), active.ID)
	require.NoError(t, err)
	assert.False(t, sess.Active)
}

func TestCloneSSHNormalised(t *testing.T) {
	f := newFixture(t)
	res := f.handle(t, "/clone git@github.com:user/test-repo.git")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "https://github.com/user/test-repo", f.runner.calls[0][1])
}

func TestCloneUsesGitHubToken(t *testing.T) {
	f := newFixture(t, WithGitHubToken("ghp_secret"))
	res := f.handle(t, "/clone https://github.com/user/private")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "https://ghp_secret@github.com/user/private", f.runner.calls[0][1])

	f.reload(t)
	cb, err := f.store.GetCodebase(context.Background(), f.conv.CodebaseID)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/user/private", cb.RepositoryURL)
}

func TestCloneFailureSurfacesToolOutput(t *testing.T) {
	f := newFixture(t, WithGitHubToken("ghp_secret"))
	f.runner.fail = "fatal: could not read from https://ghp_secret@github.com/user/missing"

	res := f.handle(t, "/clone https://github.com/user/missing")
	assert.False(t, res.Success)
	assert.False(t, res.Modified)
	assert.Contains(t, res.Message, "Failed to clone repository: fatal: could not read")
	assert.NotContains(t, res.Message, "ghp_secret")
}

func TestCloneExistingDirectoryLinksRegisteredCodebase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := filepath.Join(f.root, "test-repo")
	require.NoError(t, os.MkdirAll(target, 0o755))
	cb := &types.Codebase{Name: "test-repo", RepositoryURL: "https://github.com/user/test-repo", DefaultCwd: target}
	require.NoError(t, f.store.CreateCodebase(ctx, cb))
	active := f.startSession(t)

	res := f.handle(t, "/clone https://github.com/user/test-repo")
	require.True(t, res.Success, res.Message)
	assert.True(t, res.Modified)
	assert.Contains(t, res.Message, "Repository already cloned")
	assert.Contains(t, res.Message, "Linked to existing codebase: test-repo")
	assert.Contains(t, res.Message, "Session reset")
	assert.Empty(t, f.runner.calls)

	sess, err := f.store.GetSession(ctx, active.ID)
	require.NoError(t, err)
	assert.False(t, sess.Active)

	f.reload(t)
	assert.Equal(t, cb.ID, f.conv.CodebaseID)
	assert.Equal(t, target, f.conv.Cwd)
}

func TestCloneExistingDirectoryMatchesGitSuffix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := filepath.Join(f.root, "test-repo")
	require.NoError(t, os.MkdirAll(target, 0o755))
	require.NoError(t, f.store.CreateCodebase(ctx, &types.Codebase{
		Name: "test-repo", RepositoryURL: "https://github.com/user/test-repo.git", DefaultCwd: target,
	}))

	res := f.handle(t, "/clone git@github.com:user/test-repo.git")
	require.True(t, res.Success, res.Message)
	assert.Contains(t, res.Message, "Linked to existing codebase")
}

func TestCloneExistingDirectoryReportsCommandFolder(t *testing.T) {
	for _, folder := range []string{".claude/commands", ".agents/commands"} {
		t.Run(folder, func(t *testing.T) {
			f := newFixture(t)
			target := filepath.Join(f.root, "test-repo")
			require.NoError(t, os.MkdirAll(filepath.Join(target, folder), 0o755))
			require.NoError(t, f.store.CreateCodebase(context.Background(), &types.Codebase{
				Name: "test-repo", RepositoryURL: "https://github.com/user/test-repo", DefaultCwd: target,
			}))

			res := f.handle(t, "/clone https://github.com/user/test-repo")
			require.True(t, res.Success, res.Message)
			assert.Contains(t, res.Message, "Found: "+folder+"/")
			assert.Contains(t, res.Message, "Use /load-commands "+folder)
		})
	}
}

func TestCloneExistingDirectoryPrefersClaudeFolder(t *testing.T) {
	f := newFixture(t)
	target := filepath.Join(f.root, "test-repo")
	require.NoError(t, os.MkdirAll(filepath.Join(target, ".claude/commands"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(target, ".agents/commands"), 0o755))
	require.NoError(t, f.store.CreateCodebase(context.Background(), &types.Codebase{
		Name: "test-repo", RepositoryURL: "https://github.com/user/test-repo", DefaultCwd: target,
	}))

	res := f.handle(t, "/clone https://github.com/user/test-repo")
	assert.Contains(t, res.Message, "Found: .claude/commands/")
	assert.NotContains(t, res.Message, ".agents/commands")
}

func TestCloneExistingDirectoryWithoutCodebase(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "test-repo"), 0o755))

	res := f.handle(t, "/clone https://github.com/user/test-repo")
	assert.False(t, res.Success)
	assert.False(t, res.Modified)
	assert.Contains(t, res.Message, "Directory already exists")
	assert.Contains(t, res.Message, "No matching codebase found in database")
	assert.Contains(t, res.Message, "Remove the directory and re-clone")
	assert.Contains(t, res.Message, "Use /setcwd")

	f.reload(t)
	assert.Empty(t, f.conv.CodebaseID)
}

func linkCodebase(t *testing.T, f *fixture) *types.Codebase {
	t.Helper()
	ctx := context.Background()
	dir := filepath.Join(f.root, "app")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	cb := &types.Codebase{Name: "app", DefaultCwd: dir}
	require.NoError(t, f.store.CreateCodebase(ctx, cb))
	require.NoError(t, f.store.UpdateConversation(ctx, f.conv.ID, types.ConversationUpdate{CodebaseID: &cb.ID, Cwd: &dir}))
	f.reload(t)
	return cb
}

func TestTemplateCommandsRequireCodebase(t *testing.T) {
	f := newFixture(t)
	for _, msg := range []string{"/commands", "/command-set a b.md", "/load-commands .claude/commands"} {
		res := f.handle(t, msg)
		assert.False(t, res.Success, msg)
		assert.Equal(t, NoCodebaseMessage, res.Message, msg)
	}
}

func TestCommandSetWritesAndRegisters(t *testing.T) {
	f := newFixture(t)
	cb := linkCodebase(t, f)

	res := f.handle(t, `/command-set test .test.md "Task: $1"`)
	require.True(t, res.Success, res.Message)
	assert.False(t, res.Modified)
	assert.Contains(t, res.Message, "Command 'test' registered")

	data, err := os.ReadFile(filepath.Join(cb.DefaultCwd, ".test.md"))
	require.NoError(t, err)
	assert.Equal(t, "Task: $1", string(data))

	got, err := f.store.GetCodebase(context.Background(), cb.ID)
	require.NoError(t, err)
	assert.Equal(t, ".test.md", got.Commands["test"].Path)

	res = f.handle(t, "/commands")
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "/test - .test.md")
}

func TestCommandSetRejectsTraversal(t *testing.T) {
	f := newFixture(t)
	linkCodebase(t, f)
	res := f.handle(t, "/command-set evil ../../etc/passwd pwned")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Invalid path")
}

func TestLoadCommands(t *testing.T) {
	f := newFixture(t)
	cb := linkCodebase(t, f)
	dir := filepath.Join(cb.DefaultCwd, ".claude", "commands")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.md"), []byte("---\ndescription: Plan a feature\n---\nPlan $ARGUMENTS"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "execute.md"), []byte("Execute $1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	res := f.handle(t, "/load-commands .claude/commands")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Loaded 2 commands: execute, plan", res.Message)

	got, err := f.store.GetCodebase(context.Background(), cb.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CommandTemplate{Path: ".claude/commands/plan.md", Description: "Plan a feature"}, got.Commands["plan"])
	assert.Equal(t, "", got.Commands["execute"].Description)
}

func TestCommandsEmpty(t *testing.T) {
	f := newFixture(t)
	linkCodebase(t, f)
	res := f.handle(t, "/commands")
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "No commands registered")
}

func TestRepos(t *testing.T) {
	f := newFixture(t)
	res := f.handle(t, "/repos")
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "No repositories found")

	linkCodebase(t, f)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "other"), 0o755))
	res = f.handle(t, "/repos")
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "- app (current)")
	assert.Contains(t, res.Message, "- other")
	assert.NotContains(t, res.Message, "- other (current)")
}
