package users

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

// MemoryStore is an in-process Store for tests and standalone mode. Safe
// for concurrent use; GetOrCreate serializes under a mutex so concurrent
// first-calls for the same identifier still resolve to one user_id.
type MemoryStore struct {
	mu          sync.Mutex
	byIdent     map[envelope.Identifier]uuid.UUID
	lastSeenAt  map[uuid.UUID]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byIdent:    make(map[envelope.Identifier]uuid.UUID),
		lastSeenAt: make(map[uuid.UUID]time.Time),
	}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, id envelope.Identifier) (uuid.UUID, error) {
	if err := validate(id); err != nil {
		return uuid.UUID{}, err
	}
	norm := Normalize(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if userID, ok := s.byIdent[norm]; ok {
		s.lastSeenAt[userID] = time.Now().UTC()
		return userID, nil
	}
	userID := uuid.New()
	s.byIdent[norm] = userID
	s.lastSeenAt[userID] = time.Now().UTC()
	return userID, nil
}
