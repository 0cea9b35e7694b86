// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// StreamingMode is a platform's delivery policy for assistant output.
type StreamingMode string

const (
	StreamingModeStream StreamingMode = "stream"
	StreamingModeBatch  StreamingMode = "batch"
)

// ParseStreamingMode returns the mode named by s, or def when s is empty or unknown.
func ParseStreamingMode(s string, def StreamingMode) StreamingMode {
	switch StreamingMode(s) {
	case StreamingModeStream, StreamingModeBatch:
		return StreamingMode(s)
	default:
		return def
	}
}

// Conversation binds a chat-platform thread to assistant state.
type Conversation struct {
	ID                     ConversationID `json:"id"`
	PlatformType           string         `json:"platform_type"`
	PlatformConversationID string         `json:"platform_conversation_id"`
	CodebaseID             CodebaseID     `json:"codebase_id,omitempty"`
	Cwd                    string         `json:"cwd,omitempty"`
	AIAssistantType        string         `json:"ai_assistant_type"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// ConversationUpdate lists the conversation fields to change. Nil fields are left as-is.
type ConversationUpdate struct {
	CodebaseID *CodebaseID
	Cwd        *string
}

// CommandTemplate is a per-codebase prompt template registered by path.
type CommandTemplate struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Codebase is a registered source location.
type Codebase struct {
	ID              CodebaseID                 `json:"id"`
	Name            string                     `json:"name"`
	RepositoryURL   string                     `json:"repository_url,omitempty"`
	DefaultCwd      string                     `json:"default_cwd"`
	AIAssistantType string                     `json:"ai_assistant_type"`
	Commands        map[string]CommandTemplate `json:"commands"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Session is the resumable unit of assistant state for one conversation.
type Session struct {
	ID                 SessionID      `json:"id"`
	ConversationID     ConversationID `json:"conversation_id"`
	CodebaseID         CodebaseID     `json:"codebase_id,omitempty"`
	AIAssistantType    string         `json:"ai_assistant_type"`
	AssistantSessionID string         `json:"assistant_session_id,omitempty"`
	Active             bool           `json:"active"`
	StartedAt          time.Time      `json:"started_at"`
	EndedAt            *time.Time     `json:"ended_at,omitempty"`
}

// StreamEventType discriminates StreamEvent payloads.
type StreamEventType string

const (
	StreamEventAssistant StreamEventType = "assistant"
	StreamEventTool      StreamEventType = "tool"
	StreamEventResult    StreamEventType = "result"
)

// StreamEvent is one item of an assistant response stream.
type StreamEvent struct {
	Type      StreamEventType
	Content   string
	ToolName  string
	ToolInput map[string]any
	// SessionID is the backend resume token; only set on result events.
	SessionID string
}

// CommandResult is the outcome of a deterministic slash command.
type CommandResult struct {
	Success bool
	Message string
	// Modified reports that the conversation row changed and must be reloaded.
	Modified bool
}

// InboundMessage is a message received from a platform adapter.
type InboundMessage struct {
	Platform       string `json:"platform"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	Text           string `json:"text"`
}

// Event is one transcript entry recorded while handling a message.
type Event struct {
	ID        EventID         `json:"id"`
	SessionID SessionID       `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}
