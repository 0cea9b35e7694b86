// internal/state/transcript_test.go
package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/user/remoteagent/internal/types"
)

func TestTranscriptStore(t *testing.T) {
	dir := t.TempDir()
	store := NewTranscriptStore(dir)
	ctx := context.Background()

	sessionID := types.SessionID("01HZX4Q8K9ABCDEFGHJKMNPQRS")

	event1 := &types.Event{
		SessionID: sessionID,
		Type:      "user_message",
		Source:    "telegram",
		At:        time.Now(),
		Payload:   json.RawMessage(`{"text":"hello"}`),
	}
	if err := store.Append(ctx, event1); err != nil {
		t.Fatal(err)
	}
	if event1.ID == "" {
		t.Error("expected event id to be assigned")
	}

	events, err := store.Tail(ctx, sessionID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Seq != 1 {
		t.Errorf("expected seq 1, got %d", events[0].Seq)
	}

	count, err := store.Count(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
}

func TestTranscriptStore_TailLimit(t *testing.T) {
	store := NewTranscriptStore(t.TempDir())
	ctx := context.Background()
	sessionID := types.SessionID("s1")

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, &types.Event{SessionID: sessionID, Type: "assistant_text", At: time.Now(), Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.Tail(ctx, sessionID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq != 4 || events[1].Seq != 5 {
		t.Errorf("expected seqs 4,5 got %d,%d", events[0].Seq, events[1].Seq)
	}

	all, err := store.Tail(ctx, sessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("expected all 5 events, got %d", len(all))
	}
}

func TestTranscriptStore_MissingSession(t *testing.T) {
	store := NewTranscriptStore(t.TempDir())
	events, err := store.Tail(context.Background(), "nope", 10)
	if err != nil {
		t.Fatal(err)
	}
	if events != nil {
		t.Errorf("expected nil events, got %d", len(events))
	}
}

func TestTranscriptStore_RequiresSession(t *testing.T) {
	store := NewTranscriptStore(t.TempDir())
	if err := store.Append(context.Background(), &types.Event{Type: "x"}); err == nil {
		t.Fatal("expected error without session id")
	}
}
