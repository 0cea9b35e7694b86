// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/user/remoteagent/internal/command"
	"github.com/user/remoteagent/internal/keylock"
	"github.com/user/remoteagent/internal/state"
	"github.com/user/remoteagent/internal/types"
)

// ErrorMessage is sent once whenever handling a message fails.
const ErrorMessage = "⚠️ An error occurred. Try /reset to start a fresh session."

// DefaultCwd is used when neither the conversation nor its codebase names a directory.
const DefaultCwd = "/workspace"

// CommandHandler executes slash commands.
type CommandHandler interface {
	Handle(ctx context.Context, conv *types.Conversation, message string) types.CommandResult
}

// ClientFactory returns the assistant client for a backend selector.
type ClientFactory interface {
	Client(kind string) (types.AssistantClient, error)
}

// StreamError wraps a failure raised by the assistant while streaming.
type StreamError struct {
	Assistant string
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("assistant %s stream: %v", e.Assistant, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Orchestrator routes inbound messages to the command router or the
// assistant and manages session lifecycle per conversation.
type Orchestrator struct {
	store       types.Store
	commands    CommandHandler
	clients     ClientFactory
	transcripts types.TranscriptStore
	fallbackCwd string
	logger      *slog.Logger

	locks keylock.Map[types.ConversationID]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTranscripts records every handled message to ts.
func WithTranscripts(ts types.TranscriptStore) Option {
	return func(o *Orchestrator) { o.transcripts = ts }
}

// WithFallbackCwd overrides DefaultCwd.
func WithFallbackCwd(dir string) Option {
	return func(o *Orchestrator) {
		if dir != "" {
			o.fallbackCwd = dir
		}
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New returns an Orchestrator.
func New(store types.Store, commands CommandHandler, clients ClientFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		commands:    commands,
		clients:     clients,
		fallbackCwd: DefaultCwd,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleMessage processes one inbound message for the platform conversation.
// Failures and panics are logged and reported to the user as a single
// ErrorMessage; the returned error is non-nil only when that reply could not
// be delivered either.
func (o *Orchestrator) HandleMessage(ctx context.Context, platform types.Platform, conversationID, message string) (err error) {
	logger := o.logger.With("platform", platform.PlatformType(), "conversation_id", conversationID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling message", "panic", r, "stack", string(debug.Stack()))
			err = o.apologise(ctx, logger, platform, conversationID)
		}
	}()

	if herr := o.handle(ctx, logger, platform, conversationID, message); herr != nil {
		logger.Error("message handling failed", "error", herr)
		return o.apologise(ctx, logger, platform, conversationID)
	}
	return nil
}

func (o *Orchestrator) apologise(ctx context.Context, logger *slog.Logger, platform types.Platform, conversationID string) error {
	if err := platform.SendMessage(context.WithoutCancel(ctx), conversationID, ErrorMessage); err != nil {
		logger.Error("failed to deliver error reply", "error", err)
		return fmt.Errorf("deliver error reply: %w", err)
	}
	return nil
}

func (o *Orchestrator) handle(ctx context.Context, logger *slog.Logger, platform types.Platform, conversationID, message string) error {
	conv, err := o.store.GetOrCreateConversation(ctx, platform.PlatformType(), conversationID)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}

	if command.IsCommand(message) {
		logger.Info("routing to command handler", "command", command.Parse(message).Name)
		res := o.commands.Handle(ctx, conv, message)
		if err := platform.SendMessage(ctx, conversationID, res.Message); err != nil {
			return fmt.Errorf("send command reply: %w", err)
		}
		// A command ends the turn. Changes it made are picked up when the
		// next message loads the conversation.
		if res.Modified {
			logger.Debug("conversation modified by command")
		}
		return nil
	}

	if conv.CodebaseID == "" {
		return platform.SendMessage(ctx, conversationID, command.NoCodebaseMessage)
	}

	defer o.locks.Lock(conv.ID)()

	return o.runAssistant(ctx, logger, platform, conv, message)
}

// runAssistant drives one assistant turn. The caller holds the conversation lock.
func (o *Orchestrator) runAssistant(ctx context.Context, logger *slog.Logger, platform types.Platform, conv *types.Conversation, message string) error {
	codebase, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		return fmt.Errorf("load codebase: %w", err)
	}
	if codebase == nil {
		return platform.SendMessage(ctx, conv.PlatformConversationID, command.NoCodebaseMessage)
	}

	sess, err := o.activeSession(ctx, logger, conv)
	if err != nil {
		return err
	}
	logger = logger.With("session_id", sess.ID)

	cwd := conv.Cwd
	if cwd == "" {
		cwd = codebase.DefaultCwd
	}
	if cwd == "" {
		cwd = o.fallbackCwd
	}

	client, err := o.clients.Client(conv.AIAssistantType)
	if err != nil {
		return err
	}

	mode := platform.StreamingMode()
	logger.Info("routing to assistant", "assistant", client.Type(), "mode", mode, "cwd", cwd)
	o.record(ctx, logger, sess.ID, platform.PlatformType(), "user_message", map[string]any{"text": message, "cwd": cwd})

	send := func(text string) error {
		if err := platform.SendMessage(ctx, conv.PlatformConversationID, text); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
		return nil
	}

	var buffer []string
	for ev, err := range client.SendQuery(ctx, message, cwd, sess.AssistantSessionID) {
		if err != nil {
			o.record(ctx, logger, sess.ID, client.Type(), "error", map[string]any{"error": err.Error()})
			return &StreamError{Assistant: client.Type(), Err: err}
		}

		var text string
		switch ev.Type {
		case types.StreamEventAssistant:
			if ev.Content == "" {
				continue
			}
			text = ev.Content
			o.record(ctx, logger, sess.ID, client.Type(), "assistant_text", map[string]any{"text": text})
		case types.StreamEventTool:
			if ev.ToolName == "" {
				continue
			}
			text = FormatToolCall(ev.ToolName, ev.ToolInput)
			o.record(ctx, logger, sess.ID, client.Type(), "tool_call", map[string]any{"name": ev.ToolName, "input": ev.ToolInput})
		case types.StreamEventResult:
			if ev.SessionID != "" {
				if err := o.store.UpdateSession(ctx, sess.ID, ev.SessionID); err != nil {
					return fmt.Errorf("store resume token: %w", err)
				}
				logger.Debug("resume token stored", "assistant_session_id", ev.SessionID)
			}
			o.record(ctx, logger, sess.ID, client.Type(), "result", map[string]any{"assistant_session_id": ev.SessionID})
			continue
		default:
			continue
		}

		if mode == types.StreamingModeStream {
			if err := send(text); err != nil {
				return err
			}
		} else {
			buffer = append(buffer, text)
		}
	}

	if mode != types.StreamingModeStream && len(buffer) > 0 {
		if err := send(strings.Join(buffer, "\n\n")); err != nil {
			return err
		}
	}
	logger.Info("message handled")
	return nil
}

// activeSession returns the conversation's active session, creating one if
// none exists.
func (o *Orchestrator) activeSession(ctx context.Context, logger *slog.Logger, conv *types.Conversation) (*types.Session, error) {
	sess, err := o.store.GetActiveSession(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	if sess != nil {
		logger.Debug("resuming session", "session_id", sess.ID)
		return sess, nil
	}

	sess = &types.Session{
		ConversationID:  conv.ID,
		CodebaseID:      conv.CodebaseID,
		AIAssistantType: conv.AIAssistantType,
	}
	err = o.store.CreateSession(ctx, sess)
	if errors.Is(err, state.ErrSessionState) {
		// Another process won the race; use its session.
		existing, gerr := o.store.GetActiveSession(ctx, conv.ID)
		if gerr != nil {
			return nil, fmt.Errorf("get active session: %w", gerr)
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	logger.Info("session created", "session_id", sess.ID)
	return sess, nil
}

func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, sessionID types.SessionID, source, kind string, payload map[string]any) {
	if o.transcripts == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("transcript payload", "type", kind, "error", err)
		return
	}
	ev := &types.Event{
		SessionID: sessionID,
		Type:      kind,
		Source:    source,
		At:        time.Now().UTC(),
		Payload:   data,
	}
	if err := o.transcripts.Append(ctx, ev); err != nil {
		logger.Warn("transcript append failed", "type", kind, "error", err)
	}
}
