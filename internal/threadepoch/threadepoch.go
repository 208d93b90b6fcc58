// Package threadepoch implements the Thread-Epoch Canceller:
// "latest message wins" per conversation thread. On each new inbound for a
// thread the epoch is bumped before the RunTask is created; the scheduler
// checks a task's carried epoch against the latest at dispatch time and
// cancels anything stale.
package threadepoch

import "sync"

// Key identifies one thread across tenant, channel, and conversation.
type Key struct {
	TenantID  string
	Channel   string
	ThreadKey string
}

// Store is a monotonic per-thread epoch counter, safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	epochs map[Key]int64
}

func NewStore() *Store {
	return &Store{epochs: make(map[Key]int64)}
}

// Bump increments and returns the new epoch for a thread. Called by the
// ingestion handler on every accepted inbound, before the RunTask row is
// created, so the new task always carries the latest value.
func (s *Store) Bump(tenantID, channel, threadKey string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := Key{TenantID: tenantID, Channel: channel, ThreadKey: threadKey}
	s.epochs[k]++
	return s.epochs[k]
}

// Latest returns the current epoch for a thread without bumping it (0 if
// the thread has never been seen). Called by the scheduler at dispatch
// time to decide whether a RunTask is stale.
func (s *Store) Latest(tenantID, channel, threadKey string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[Key{TenantID: tenantID, Channel: channel, ThreadKey: threadKey}]
}
