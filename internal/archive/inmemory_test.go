package archive

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreSessions(t *testing.T) {
	s := NewInMemoryStore()
	rec := SessionRecord{
		ID:         "sess-1",
		UserID:     "u1",
		RoomName:   "oratio-sess-1",
		FinalState: "ended",
		StartedAt:  time.Now().UTC().Add(-time.Minute),
	}
	if err := s.SaveSession(context.Background(), rec); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	// Re-archiving the same session must be harmless.
	if err := s.SaveSession(context.Background(), rec); err != nil {
		t.Fatalf("second SaveSession() error = %v", err)
	}
}

func TestInMemoryStoreTurnOrder(t *testing.T) {
	s := NewInMemoryStore()
	for _, text := range []string{"un", "deux", "trois"} {
		err := s.SaveTurn(context.Background(), TurnRecord{
			SessionID: "sess-1",
			UserText:  text,
			CoachText: "ok",
		})
		if err != nil {
			t.Fatalf("SaveTurn(%q) error = %v", text, err)
		}
	}

	turns, err := s.RecentTurns(context.Background(), "sess-1", 2)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].UserText != "deux" || turns[1].UserText != "trois" {
		t.Fatalf("turns out of chronological order: %q, %q", turns[0].UserText, turns[1].UserText)
	}
	for _, turn := range turns {
		if turn.ID == "" || turn.CreatedAt.IsZero() {
			t.Fatalf("turn missing generated fields: %+v", turn)
		}
	}
}

func TestInMemoryStoreUnknownSession(t *testing.T) {
	s := NewInMemoryStore()
	turns, err := s.RecentTurns(context.Background(), "ghost", 5)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if turns != nil {
		t.Fatalf("turns = %v, want nil", turns)
	}
}
