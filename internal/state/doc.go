// Package state persists conversations, codebases and sessions in SQLite,
// session transcripts as JSONL and scheduled tasks as a JSON file.
package state

import "github.com/user/remoteagent/internal/types"

// Compile-time interface compliance checks.
var _ types.ConversationStore = (*SQLiteStore)(nil)
var _ types.CodebaseStore = (*SQLiteStore)(nil)
var _ types.SessionStore = (*SQLiteStore)(nil)
var _ types.TranscriptStore = (*TranscriptStore)(nil)
var _ types.Store = (*SQLiteStore)(nil)
