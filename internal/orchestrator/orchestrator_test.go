// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/user/remoteagent/internal/command"
	"github.com/user/remoteagent/internal/state"
	"github.com/user/remoteagent/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection opener alive until Close.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

type fakePlatform struct {
	mode    types.StreamingMode
	mu      sync.Mutex
	sent    []string
	sendErr error
}

func (p *fakePlatform) SendMessage(_ context.Context, _ string, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, text)
	return nil
}

func (p *fakePlatform) StreamingMode() types.StreamingMode { return p.mode }
func (p *fakePlatform) PlatformType() string               { return "test" }
func (p *fakePlatform) Start(context.Context) error        { return nil }
func (p *fakePlatform) Stop()                              {}

func (p *fakePlatform) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

type call struct {
	prompt, cwd, resume string
}

type fakeClient struct {
	events []types.StreamEvent
	err    error
	panics bool

	mu    sync.Mutex
	calls []call
}

func (c *fakeClient) Type() string { return "claude" }

func (c *fakeClient) SendQuery(_ context.Context, prompt, cwd, resume string) iter.Seq2[types.StreamEvent, error] {
	return func(yield func(types.StreamEvent, error) bool) {
		c.mu.Lock()
		c.calls = append(c.calls, call{prompt, cwd, resume})
		c.mu.Unlock()
		if c.panics {
			panic("assistant exploded")
		}
		for _, ev := range c.events {
			if !yield(ev, nil) {
				return
			}
		}
		if c.err != nil {
			yield(types.StreamEvent{}, c.err)
		}
	}
}

type fakeFactory struct{ client *fakeClient }

func (f fakeFactory) Client(kind string) (types.AssistantClient, error) {
	if kind != "claude" {
		return nil, errors.New("unknown assistant type")
	}
	return f.client, nil
}

type fixture struct {
	store  *state.SQLiteStore
	client *fakeClient
	orch   *Orchestrator
	events *state.TranscriptStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := state.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"), "claude")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := &fakeClient{}
	events := state.NewTranscriptStore(t.TempDir())
	router := command.NewRouter(store, nil, command.WithWorkspaceRoot(t.TempDir()))
	orch := New(store, router, fakeFactory{client: client}, WithTranscripts(events))
	return &fixture{store: store, client: client, orch: orch, events: events}
}

// linkCodebase attaches a codebase to the conversation behind convID.
func (f *fixture) linkCodebase(t *testing.T, convID, cwd string) *types.Conversation {
	t.Helper()
	ctx := context.Background()
	cb := &types.Codebase{Name: "demo", RepositoryURL: "https://github.com/acme/demo", DefaultCwd: "/srv/demo"}
	require.NoError(t, f.store.CreateCodebase(ctx, cb))
	conv, err := f.store.GetOrCreateConversation(ctx, "test", convID)
	require.NoError(t, err)
	update := types.ConversationUpdate{CodebaseID: &cb.ID}
	if cwd != "" {
		update.Cwd = &cwd
	}
	require.NoError(t, f.store.UpdateConversation(ctx, conv.ID, update))
	return conv
}

func TestStreamModeSendsEachEvent(t *testing.T) {
	f := newFixture(t)
	conv := f.linkCodebase(t, "chat-1", "/srv/demo/sub")
	f.client.events = []types.StreamEvent{
		{Type: types.StreamEventAssistant, Content: "Looking at it."},
		{Type: types.StreamEventTool, ToolName: "Bash", ToolInput: map[string]any{"command": "ls"}},
		{Type: types.StreamEventAssistant, Content: "Done."},
		{Type: types.StreamEventResult, SessionID: "resume-1"},
	}
	p := &fakePlatform{mode: types.StreamingModeStream}

	require.NoError(t, f.orch.HandleMessage(context.Background(), p, "chat-1", "list files"))

	assert.Equal(t, []string{"Looking at it.", "🔧 BASH\nls", "Done."}, p.messages())
	require.Len(t, f.client.calls, 1)
	assert.Equal(t, call{prompt: "list files", cwd: "/srv/demo/sub", resume: ""}, f.client.calls[0])

	sess, err := f.store.GetActiveSession(context.Background(), conv.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "resume-1", sess.AssistantSessionID)
}

func TestBatchModeJoinsOutput(t *testing.T) {
	f := newFixture(t)
	f.linkCodebase(t, "issue-1", "")
	f.client.events = []types.StreamEvent{
		{Type: types.StreamEventAssistant, Content: "first"},
		{Type: types.StreamEventTool, ToolName: "Read", ToolInput: map[string]any{"file_path": "main.go"}},
		{Type: types.StreamEventAssistant, Content: "second"},
		{Type: types.StreamEventResult, SessionID: "resume-2"},
	}
	p := &fakePlatform{mode: types.StreamingModeBatch}

	require.NoError(t, f.orch.HandleMessage(context.Background(), p, "issue-1", "explain"))

	assert.Equal(t, []string{"first\n\n🔧 READ\nmain.go\n\nsecond"}, p.messages())
	assert.Equal(t, "/srv/demo", f.client.calls[0].cwd)
}

func TestResumeTokenReusedOnNextMessage(t *testing.T) {
	f := newFixture(t)
	conv := f.linkCodebase(t, "chat-1", "")
	f.client.events = []types.StreamEvent{{Type: types.StreamEventResult, SessionID: "resume-7"}}
	p := &fakePlatform{mode: types.StreamingModeStream}
	ctx := context.Background()

	require.NoError(t, f.orch.HandleMessage(ctx, p, "chat-1", "one"))
	require.NoError(t, f.orch.HandleMessage(ctx, p, "chat-1", "two"))

	require.Len(t, f.client.calls, 2)
	assert.Equal(t, "resume-7", f.client.calls[1].resume)

	n, err := f.store.CountActiveSessions(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNoCodebasePrompt(t *testing.T) {
	f := newFixture(t)
	p := &fakePlatform{mode: types.StreamingModeStream}

	require.NoError(t, f.orch.HandleMessage(context.Background(), p, "chat-9", "hello"))

	assert.Equal(t, []string{command.NoCodebaseMessage}, p.messages())
	assert.Empty(t, f.client.calls)
}

func TestCommandsBypassAssistant(t *testing.T) {
	f := newFixture(t)
	f.linkCodebase(t, "chat-1", "")
	p := &fakePlatform{mode: types.StreamingModeStream}

	require.NoError(t, f.orch.HandleMessage(context.Background(), p, "chat-1", "/setcwd /tmp/elsewhere"))
	require.NoError(t, f.orch.HandleMessage(context.Background(), p, "chat-1", "/getcwd"))

	msgs := p.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1], "/tmp/elsewhere")
	assert.Empty(t, f.client.calls)
}

// noReloadStore fails any direct conversation lookup by id.
type noReloadStore struct{ types.Store }

func (noReloadStore) GetConversation(context.Context, types.ConversationID) (*types.Conversation, error) {
	return nil, errors.New("conversation lookup unavailable")
}

func TestModifyingCommandEndsTurnWithSingleReply(t *testing.T) {
	f := newFixture(t)
	f.linkCodebase(t, "chat-1", "")
	store := noReloadStore{f.store}
	orch := New(store, command.NewRouter(store, nil, command.WithWorkspaceRoot(t.TempDir())), fakeFactory{client: f.client})
	p := &fakePlatform{mode: types.StreamingModeStream}

	require.NoError(t, orch.HandleMessage(context.Background(), p, "chat-1", "/setcwd /tmp/elsewhere"))

	msgs := p.messages()
	require.Len(t, msgs, 1)
	assert.NotEqual(t, ErrorMessage, msgs[0])
	assert.Empty(t, f.client.calls)
}

func TestResetStartsFreshSession(t *testing.T) {
	f := newFixture(t)
	f.linkCodebase(t, "chat-1", "")
	f.client.events = []types.StreamEvent{{Type: types.StreamEventResult, SessionID: "resume-1"}}
	p := &fakePlatform{mode: types.StreamingModeStream}
	ctx := context.Background()

	require.NoError(t, f.orch.HandleMessage(ctx, p, "chat-1", "one"))
	require.NoError(t, f.orch.HandleMessage(ctx, p, "chat-1", "/reset"))
	require.NoError(t, f.orch.HandleMessage(ctx, p, "chat-1", "two"))

	require.Len(t, f.client.calls, 2)
	assert.Empty(t, f.client.calls[1].resume)
}

func TestStreamErrorSendsOneApology(t *testing.T) {
	f := newFixture(t)
	f.linkCodebase(t, "chat-1", "")
	f.client.events = []types.StreamEvent{{Type: types.StreamEventAssistant, Content: "partial"}}
	f.client.err = errors.New("cli crashed")
	p := &fakePlatform{mode: types.StreamingModeBatch}

	require.NoError(t, f.orch.HandleMessage(context.Background(), p, "chat-1", "go"))

	assert.Equal(t, []string{ErrorMessage}, p.messages())
}

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.linkCodebase(t, "chat-1", "")
	f.client.panics = true
	p := &fakePlatform{mode: types.StreamingModeStream}

	require.NotPanics(t, func() {
		require.NoError(t, f.orch.HandleMessage(context.Background(), p, "chat-1", "go"))
	})
	assert.Equal(t, []string{ErrorMessage}, p.messages())
}

func TestUndeliverableErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	p := &fakePlatform{mode: types.StreamingModeStream, sendErr: errors.New("network down")}

	err := f.orch.HandleMessage(context.Background(), p, "chat-1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network down")
}

func TestTranscriptRecordsTurn(t *testing.T) {
	f := newFixture(t)
	conv := f.linkCodebase(t, "chat-1", "")
	f.client.events = []types.StreamEvent{
		{Type: types.StreamEventAssistant, Content: "hi"},
		{Type: types.StreamEventTool, ToolName: "Grep", ToolInput: map[string]any{"pattern": "TODO"}},
		{Type: types.StreamEventResult, SessionID: "r"},
	}
	p := &fakePlatform{mode: types.StreamingModeStream}
	ctx := context.Background()
	require.NoError(t, f.orch.HandleMessage(ctx, p, "chat-1", "search"))

	sess, err := f.store.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	events, err := f.events.Tail(ctx, sess.ID, 0)
	require.NoError(t, err)

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}
	assert.Equal(t, []string{"user_message", "assistant_text", "tool_call", "result"}, kinds)
}

func TestConcurrentMessagesShareOneSession(t *testing.T) {
	f := newFixture(t)
	conv := f.linkCodebase(t, "chat-1", "")
	f.client.events = []types.StreamEvent{{Type: types.StreamEventResult, SessionID: "r"}}
	p := &fakePlatform{mode: types.StreamingModeBatch}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.orch.HandleMessage(ctx, p, "chat-1", "hi"))
		}()
	}
	wg.Wait()

	n, err := f.store.CountActiveSessions(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, p.messages(), ErrorMessage)
	assert.Zero(t, f.orch.locks.Len(), "conversation locks must be released")
}

func TestFormatToolCall(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{"bash", "Bash", map[string]any{"command": "go test ./..."}, "🔧 BASH\ngo test ./..."},
		{"edit", "Edit", map[string]any{"file_path": "a.go", "old_string": "x"}, "🔧 EDIT\na.go"},
		{"grep", "Grep", map[string]any{"pattern": "func main"}, "🔧 GREP\nfunc main"},
		{"no input", "TodoWrite", nil, "🔧 TODOWRITE"},
		{"other", "Task", map[string]any{"n": 1}, "🔧 TASK\n{\"n\":1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatToolCall(tt.tool, tt.input))
		})
	}
}

func TestFormatToolCallTruncatesLongInput(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	got := FormatToolCall("Task", map[string]any{"prompt": string(long)})
	// header + newline + 100 chars + ellipsis
	assert.Equal(t, len("🔧 TASK\n")+maxToolInputChars+3, len(got))
}
