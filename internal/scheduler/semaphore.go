package scheduler

import (
	"sync"

	"github.com/google/uuid"
)

// userSemaphores gives each user_id its own bounded concurrency slot.
type userSemaphores struct {
	mu    sync.Mutex
	size  int
	slots map[uuid.UUID]chan struct{}
}

func newUserSemaphores(size int) *userSemaphores {
	return &userSemaphores{size: size, slots: make(map[uuid.UUID]chan struct{})}
}

func (u *userSemaphores) tryAcquire(userID uuid.UUID) bool {
	u.mu.Lock()
	ch, ok := u.slots[userID]
	if !ok {
		ch = make(chan struct{}, u.size)
		u.slots[userID] = ch
	}
	u.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (u *userSemaphores) release(userID uuid.UUID) {
	u.mu.Lock()
	ch := u.slots[userID]
	u.mu.Unlock()
	if ch != nil {
		<-ch
	}
}
