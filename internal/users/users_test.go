package users

import (
	"context"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// TestNormalizeEmail covers testable property 8.
func TestNormalizeEmail(t *testing.T) {
	a := Normalize(envelope.Identifier{Type: envelope.IdentifierEmail, Value: "Alice+foo@Example.COM"})
	b := Normalize(envelope.Identifier{Type: envelope.IdentifierEmail, Value: "alice@example.com"})
	if a != b {
		t.Fatalf("expected normalized equality, got %v vs %v", a, b)
	}
	if a.Value != "alice@example.com" {
		t.Fatalf("unexpected normalized value: %s", a.Value)
	}
}

// TestGetOrCreateStableUnderConcurrency covers testable property 7:
// concurrent callers with the same identifier resolve to one user_id.
func TestGetOrCreateStableUnderConcurrency(t *testing.T) {
	store := NewMemoryStore()
	id := envelope.Identifier{Type: envelope.IdentifierEmail, Value: "Bob@Example.com"}

	const n = 50
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			uid, err := store.GetOrCreate(context.Background(), id)
			if err != nil {
				t.Error(err)
				return
			}
			ids[idx] = uid.String()
		}(i)
	}
	wg.Wait()

	first := ids[0]
	for _, got := range ids {
		if got != first {
			t.Fatalf("expected all goroutines to resolve to %s, got %s", first, got)
		}
	}
}

func TestGetOrCreateSameUserAcrossFormatting(t *testing.T) {
	store := NewMemoryStore()
	u1, err := store.GetOrCreate(context.Background(), envelope.Identifier{Type: envelope.IdentifierEmail, Value: "carol+work@Example.com"})
	if err != nil {
		t.Fatal(err)
	}
	u2, err := store.GetOrCreate(context.Background(), envelope.Identifier{Type: envelope.IdentifierEmail, Value: "CAROL@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if u1 != u2 {
		t.Fatalf("expected same user_id for equivalent normalized identifiers")
	}
}
