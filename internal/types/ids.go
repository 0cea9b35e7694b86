// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type ConversationID string
type CodebaseID string
type SessionID string
type JobID string
type EventID string

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewCodebaseID() CodebaseID {
	return CodebaseID(uuid.New().String())
}

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

// LaneKey joins a platform kind and its native conversation id into the key
// used to serialise work for one conversation, e.g. "telegram:12345".
func LaneKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// Short returns the first n characters of id, suffixed with "..." when cut.
func Short(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n] + "..."
}
