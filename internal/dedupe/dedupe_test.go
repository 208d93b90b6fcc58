package dedupe

import (
	"context"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

func TestKeyIsStableAndChannelScoped(t *testing.T) {
	k1 := Key(envelope.ChannelEmail, "tenant-a", "msg-1")
	k2 := Key(envelope.ChannelEmail, "tenant-a", "msg-1")
	if k1 != k2 {
		t.Fatalf("Key not stable: %s != %s", k1, k2)
	}
	k3 := Key(envelope.ChannelSlack, "tenant-a", "msg-1")
	if k1 == k3 {
		t.Fatalf("Key collided across channels")
	}
}

// TestCheckAndInsertIdempotence covers testable property 1 ("Dedupe
// idempotence"): submitting the same dedupe_key k times yields Fresh once
// and Duplicate thereafter.
func TestCheckAndInsertIdempotence(t *testing.T) {
	store := NewMemoryStore()
	key := Key(envelope.ChannelEmail, "tenant-a", "msg-1")

	results := make([]Result, 0, 5)
	for i := 0; i < 5; i++ {
		r, err := store.CheckAndInsert(context.Background(), key)
		if err != nil {
			t.Fatalf("CheckAndInsert: %v", err)
		}
		results = append(results, r)
	}

	freshCount := 0
	for _, r := range results {
		if r == Fresh {
			freshCount++
		}
	}
	if freshCount != 1 {
		t.Fatalf("expected exactly one Fresh result, got %d in %v", freshCount, results)
	}
}

func TestCheckAndInsertConcurrentAtomic(t *testing.T) {
	store := NewMemoryStore()
	key := Key(envelope.ChannelEmail, "tenant-a", "msg-concurrent")

	const n = 50
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r, _ := store.CheckAndInsert(context.Background(), key)
			results[idx] = r
		}(i)
	}
	wg.Wait()

	freshCount := 0
	for _, r := range results {
		if r == Fresh {
			freshCount++
		}
	}
	if freshCount != 1 {
		t.Fatalf("expected exactly one Fresh under concurrency, got %d", freshCount)
	}
}
