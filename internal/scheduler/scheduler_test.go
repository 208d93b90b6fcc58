package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type memoryUserStoreFactory struct {
	mu     sync.Mutex
	stores map[uuid.UUID]UserStore
}

func newMemoryUserStoreFactory() *memoryUserStoreFactory {
	return &memoryUserStoreFactory{stores: make(map[uuid.UUID]UserStore)}
}

func (f *memoryUserStoreFactory) For(_ context.Context, userID uuid.UUID) (UserStore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stores[userID]; ok {
		return s, nil
	}
	s := newMemoryUserStore()
	f.stores[userID] = s
	return s, nil
}

// memoryUserStore is a minimal in-memory UserStore for scheduler tests.
type memoryUserStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	execs []TaskExecution
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{tasks: make(map[string]Task)}
}

func (s *memoryUserStore) CreateTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.TaskID] = t
	return nil
}

func (s *memoryUserStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID], nil
}

func (s *memoryUserStore) UpdateAfterRun(_ context.Context, taskID string, lastRun, nextRun time.Time, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.LastRun = &lastRun
	t.NextRun = nextRun
	t.Enabled = enabled
	s.tasks[taskID] = t
	return nil
}

func (s *memoryUserStore) SetEnabled(_ context.Context, taskID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.Enabled = enabled
	s.tasks[taskID] = t
	return nil
}

func (s *memoryUserStore) Reschedule(_ context.Context, taskID string, sched Schedule, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.Schedule = sched
	t.NextRun = nextRun
	t.Enabled = true
	s.tasks[taskID] = t
	return nil
}

func (s *memoryUserStore) RecordExecution(_ context.Context, exec TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, exec)
	return nil
}

func (s *memoryUserStore) ListEnabled(_ context.Context) ([]IndexRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []IndexRow
	for _, t := range s.tasks {
		if t.Enabled {
			out = append(out, IndexRow{TaskID: t.TaskID, UserID: t.UserID, NextRun: t.NextRun, Enabled: true})
		}
	}
	return out, nil
}

type countingExecutor struct {
	inFlight  atomic.Int32
	maxInFlight atomic.Int32
	delay     time.Duration
}

func (e *countingExecutor) Execute(_ context.Context, _ Task) (Outcome, error) {
	n := e.inFlight.Add(1)
	for {
		max := e.maxInFlight.Load()
		if n <= max || e.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	time.Sleep(e.delay)
	e.inFlight.Add(-1)
	return Outcome{}, nil
}

func TestOneShotDisableInvariant(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndexStore()
	users := newMemoryUserStoreFactory()
	exec := &countingExecutor{}
	sched := New(Config{PollInterval: time.Hour}, index, users, map[Kind]Executor{KindNoop: exec}, nil, nil)

	userID := uuid.New()
	task := Task{
		TaskID:  "one-shot-1",
		UserID:  userID,
		Kind:    KindNoop,
		Enabled: true,
		Schedule: Schedule{Type: ScheduleOneShot, OneShotAt: time.Now().UTC().Add(-time.Minute)},
		NextRun: time.Now().UTC().Add(-time.Minute),
	}
	if err := sched.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	sched.tick(ctx)
	time.Sleep(50 * time.Millisecond) // dispatch runs in a goroutine

	store, _ := users.For(ctx, userID)
	got, err := store.GetTask(ctx, "one-shot-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Fatalf("expected one-shot task to be disabled after running")
	}
	if got.LastRun == nil {
		t.Fatalf("expected last_run to be set")
	}

	due, _ := index.DueBefore(ctx, time.Now().UTC().Add(time.Hour), 10)
	if len(due) != 0 {
		t.Fatalf("expected disabled task removed from index, got %d due rows", len(due))
	}
}

func TestConcurrencyCapsRespected(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndexStore()
	users := newMemoryUserStoreFactory()
	exec := &countingExecutor{delay: 30 * time.Millisecond}
	cfg := Config{MaxGlobalConcurrency: 2, MaxUserConcurrency: 1, PollInterval: time.Hour}
	sched := New(cfg, index, users, map[Kind]Executor{KindNoop: exec}, nil, nil)

	// Two tasks for the same user: per-user cap of 1 should prevent both
	// from running concurrently even though the global cap is 2.
	userID := uuid.New()
	for i := 0; i < 2; i++ {
		task := Task{
			TaskID:   uuid.NewString(),
			UserID:   userID,
			Kind:     KindNoop,
			Enabled:  true,
			Schedule: Schedule{Type: ScheduleOneShot, OneShotAt: time.Now().UTC()},
			NextRun:  time.Now().UTC(),
		}
		if err := sched.Create(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	sched.tick(ctx)
	time.Sleep(100 * time.Millisecond)

	if max := exec.maxInFlight.Load(); max > 1 {
		t.Fatalf("expected at most 1 concurrent execution for one user (cap=1), observed %d", max)
	}
}

func TestCronTieBreakByTaskIDAscending(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndexStore()
	same := time.Now().UTC().Add(-time.Minute)

	_ = index.Upsert(ctx, IndexRow{TaskID: "zzz", UserID: uuid.New(), NextRun: same, Enabled: true})
	_ = index.Upsert(ctx, IndexRow{TaskID: "aaa", UserID: uuid.New(), NextRun: same, Enabled: true})
	_ = index.Upsert(ctx, IndexRow{TaskID: "mmm", UserID: uuid.New(), NextRun: same, Enabled: true})

	due, err := index.DueBefore(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 3 || due[0].TaskID != "aaa" || due[1].TaskID != "mmm" || due[2].TaskID != "zzz" {
		t.Fatalf("expected task_id-ascending tie-break, got %+v", due)
	}
}

// TestAdvanceCronSameSecondDoesNotRepeat covers testable property #3's
// round trip through advance(), not just Reschedule: a cron task whose
// last_run lands exactly on a matching second must advance to the next
// occurrence, not be handed the same instant back.
func TestAdvanceCronSameSecondDoesNotRepeat(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndexStore()
	users := newMemoryUserStoreFactory()
	sched := New(Config{PollInterval: time.Hour}, index, users, map[Kind]Executor{}, nil, nil)

	lastRun := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	userID := uuid.New()
	task := Task{
		TaskID:   "cron-1",
		UserID:   userID,
		Kind:     KindNoop,
		Enabled:  true,
		Schedule: Schedule{Type: ScheduleCron, CronExpr: "0 0 9 * * *"},
		NextRun:  lastRun,
	}
	store, _ := users.For(ctx, userID)
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	sched.advance(ctx, store, task, lastRun)

	got, err := store.GetTask(ctx, "cron-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.NextRun.Equal(lastRun) {
		t.Fatalf("expected next_run to advance past %s, got the same instant back", lastRun)
	}
	want := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	if !got.NextRun.Equal(want) {
		t.Fatalf("expected next_run %s, got %s", want, got.NextRun)
	}
}

type fakeEpochChecker struct {
	latest int64
}

func (f fakeEpochChecker) Latest(_, _, _ string) int64 { return f.latest }

// TestStaleRunTaskCancelledAtDispatch covers the thread-epoch cancellation
// path: a RunTask carrying an epoch older than the thread's latest must be
// cancelled, not executed.
func TestStaleRunTaskCancelledAtDispatch(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndexStore()
	users := newMemoryUserStoreFactory()
	exec := &countingExecutor{}
	sched := New(Config{PollInterval: time.Hour}, index, users, map[Kind]Executor{KindRunTask: exec}, fakeEpochChecker{latest: 2}, nil)

	userID := uuid.New()
	task := Task{
		TaskID:   "run-1",
		UserID:   userID,
		Kind:     KindRunTask,
		Enabled:  true,
		Schedule: Schedule{Type: ScheduleOneShot, OneShotAt: time.Now().UTC()},
		NextRun:  time.Now().UTC(),
		RunTask:  &RunTaskPayload{TenantID: "t1", Channel: "email", ThreadKey: "thread-1", Epoch: 1},
	}
	if err := sched.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	sched.tick(ctx)
	time.Sleep(50 * time.Millisecond)

	if exec.inFlight.Load() != 0 {
		t.Fatalf("expected stale RunTask never to reach the executor")
	}
	store, _ := users.For(ctx, userID)
	got, err := store.GetTask(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Fatalf("expected cancelled one-shot RunTask to be disabled")
	}
}

// TestStaleSendReplyCancelledAtDispatch covers the mid-flight supersession
// case: a SendReply successor built while its RunTask was still current
// can itself go stale by the time it dispatches, and must be re-checked.
func TestStaleSendReplyCancelledAtDispatch(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndexStore()
	users := newMemoryUserStoreFactory()
	exec := &countingExecutor{}
	sched := New(Config{PollInterval: time.Hour}, index, users, map[Kind]Executor{KindSendReply: exec}, fakeEpochChecker{latest: 2}, nil)

	userID := uuid.New()
	task := Task{
		TaskID:   "reply-1",
		UserID:   userID,
		Kind:     KindSendReply,
		Enabled:  true,
		Schedule: Schedule{Type: ScheduleOneShot, OneShotAt: time.Now().UTC()},
		NextRun:  time.Now().UTC(),
		SendReply: &SendReplyPayload{TenantID: "t1", Channel: "email", ThreadKey: "thread-1", Epoch: 1},
	}
	if err := sched.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	sched.tick(ctx)
	time.Sleep(50 * time.Millisecond)

	if exec.inFlight.Load() != 0 {
		t.Fatalf("expected stale SendReply never to reach the executor")
	}
}

func TestValidateCronExprRejectsWrongFieldCount(t *testing.T) {
	if err := ValidateCronExpr("* * * * *"); err == nil {
		t.Fatalf("expected 5-field cron expression to be rejected")
	}
	if err := ValidateCronExpr("0 * * * * *"); err != nil {
		t.Fatalf("expected valid 6-field cron expression to pass: %v", err)
	}
}
