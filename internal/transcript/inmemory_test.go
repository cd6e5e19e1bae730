package transcript

import (
	"context"
	"testing"
)

func TestInMemoryStoreAppendAndHistory(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	msgs := []Record{
		{SessionID: "s1", LearnerID: "u1", Role: "user", Content: "what is gravity?"},
		{SessionID: "s1", LearnerID: "u1", Role: "assistant", Content: "Gravity is a force."},
		{SessionID: "s2", LearnerID: "u2", Role: "user", Content: "unrelated"},
	}
	for _, m := range msgs {
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("History() returned %d records, want 2", len(got))
	}
	if got[0].Role != "user" || got[1].Role != "assistant" {
		t.Fatalf("History() order = [%s %s], want [user assistant]", got[0].Role, got[1].Role)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("Append() did not assign id/created_at: %+v", got[0])
	}
}

func TestInMemoryStoreHistoryLimit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, Record{SessionID: "s1", Role: "user", Content: "m"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	got, err := s.History(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("History(limit=2) returned %d records, want 2", len(got))
	}
}

func TestInMemoryStoreUnknownSession(t *testing.T) {
	s := NewInMemoryStore()
	got, err := s.History(context.Background(), "nope", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("History() for unknown session returned %d records, want 0", len(got))
	}
}
