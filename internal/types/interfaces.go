// internal/types/interfaces.go
package types

import (
	"context"
	"iter"
)

// Platform is a chat surface the orchestrator replies through.
type Platform interface {
	SendMessage(ctx context.Context, conversationID, text string) error
	StreamingMode() StreamingMode
	PlatformType() string
	Start(ctx context.Context) error
	Stop()
}

// AssistantClient streams a response for one prompt. The sequence is lazy:
// nothing runs until it is ranged over, and each range starts a new query.
// A non-nil error ends the sequence.
type AssistantClient interface {
	SendQuery(ctx context.Context, prompt, cwd, resumeSessionID string) iter.Seq2[StreamEvent, error]
	Type() string
}

// Getters return (nil, nil) when no row matches.

type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, platformType, platformConversationID string) (*Conversation, error)
	GetConversation(ctx context.Context, id ConversationID) (*Conversation, error)
	UpdateConversation(ctx context.Context, id ConversationID, update ConversationUpdate) error
}

type CodebaseStore interface {
	GetCodebase(ctx context.Context, id CodebaseID) (*Codebase, error)
	CreateCodebase(ctx context.Context, codebase *Codebase) error
	FindCodebaseByRepoURL(ctx context.Context, repoURL string) (*Codebase, error)
	ListCodebases(ctx context.Context) ([]*Codebase, error)
	UpdateCodebaseCommands(ctx context.Context, id CodebaseID, commands map[string]CommandTemplate) error
}

type SessionStore interface {
	GetActiveSession(ctx context.Context, conversationID ConversationID) (*Session, error)
	CreateSession(ctx context.Context, session *Session) error
	UpdateSession(ctx context.Context, id SessionID, assistantSessionID string) error
	DeactivateSession(ctx context.Context, id SessionID) error
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
}

// TranscriptStore records per-session events.
type TranscriptStore interface {
	Append(ctx context.Context, event *Event) error
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*Event, error)
}

// Store bundles the persistence collaborators the router and orchestrator share.
type Store interface {
	ConversationStore
	CodebaseStore
	SessionStore
}
