// internal/state/transcript.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/remoteagent/internal/types"
)

// maxTranscriptLine bounds a single JSONL record; tool output can be large.
const maxTranscriptLine = 4 * 1024 * 1024

// TranscriptStore is a JSONL-backed append-only log of what happened in each
// session, stored at sessions/<sessionID>/events.jsonl.
type TranscriptStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewTranscriptStore creates a TranscriptStore rooted at the given directory.
func NewTranscriptStore(root string) *TranscriptStore {
	return &TranscriptStore{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

func (t *TranscriptStore) getLock(sessionID types.SessionID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	if lock, ok := t.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	t.locks[sessionID] = lock
	return lock
}

func (t *TranscriptStore) path(sessionID types.SessionID) string {
	return filepath.Join(t.root, "sessions", string(sessionID), "events.jsonl")
}

func newScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)
	return scanner
}

// count returns the number of events on disk. Caller must hold the session lock.
func (t *TranscriptStore) count(sessionID types.SessionID) (int64, error) {
	f, err := os.Open(t.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := newScanner(f)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan transcript: %w", err)
	}
	return count, nil
}

// Append writes event to its session's log, assigning ID and Seq.
func (t *TranscriptStore) Append(_ context.Context, event *types.Event) error {
	if event.SessionID == "" {
		return fmt.Errorf("append event: missing session id")
	}
	lock := t.getLock(event.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(t.path(event.SessionID)), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	existing, err := t.count(event.SessionID)
	if err != nil {
		return err
	}
	event.Seq = existing + 1
	if event.ID == "" {
		event.ID = types.NewEventID()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(t.path(event.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Tail returns the last limit events for the session, oldest first. A limit
// of zero or less returns every event.
func (t *TranscriptStore) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]*types.Event, error) {
	lock := t.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(t.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var events []*types.Event
	scanner := newScanner(f)
	for scanner.Scan() {
		var event types.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Count returns the number of events recorded for the session.
func (t *TranscriptStore) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := t.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return t.count(sessionID)
}
