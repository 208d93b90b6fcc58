package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Executor runs one task kind to completion. Implementations live outside
// this package (agentinvoker for RunTask, reply for SendReply) and are
// registered by Kind.
type Executor interface {
	Execute(ctx context.Context, t Task) (Outcome, error)
}

// EpochChecker answers the thread-epoch question at dispatch time: a task
// whose carried Epoch is strictly less than the latest epoch for its
// thread must be cancelled, not dispatched.
type EpochChecker interface {
	Latest(tenantID, channel, threadKey string) int64
}

// Config holds the scheduler's tunable concurrency and polling knobs.
type Config struct {
	MaxGlobalConcurrency int           // default 10
	MaxUserConcurrency   int           // default 3
	PollInterval         time.Duration // default 1s
	BatchSize            int           // rows read per poll tick
}

func (c Config) withDefaults() Config {
	if c.MaxGlobalConcurrency <= 0 {
		c.MaxGlobalConcurrency = 10
	}
	if c.MaxUserConcurrency <= 0 {
		c.MaxUserConcurrency = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Scheduler runs the due-polling loop: it scans
// the global task_index, acquires global and per-user concurrency slots,
// loads the full task payload from the owning user's store, checks the
// thread-epoch for RunTasks, dispatches to the registered Executor, and
// reschedules or disables the task based on the outcome.
type Scheduler struct {
	cfg       Config
	index     IndexStore
	users     UserStoreFactory
	executors map[Kind]Executor
	epochs    EpochChecker
	log       *slog.Logger

	globalSlots *semaphore.Weighted
	userSlots   *userSemaphores
}

func New(cfg Config, index IndexStore, users UserStoreFactory, executors map[Kind]Executor, epochs EpochChecker, log *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:         cfg,
		index:       index,
		users:       users,
		executors:   executors,
		epochs:      epochs,
		log:         log,
		globalSlots: semaphore.NewWeighted(int64(cfg.MaxGlobalConcurrency)),
		userSlots:   newUserSemaphores(cfg.MaxUserConcurrency),
	}
}

// Run blocks, polling task_index every PollInterval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.index.DueBefore(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		s.log.Error("scheduler: due query failed", "error", err)
		return
	}
	for _, row := range due {
		row := row
		if !s.globalSlots.TryAcquire(1) {
			continue // no global slot this tick
		}
		if !s.userSlots.tryAcquire(row.UserID) {
			s.globalSlots.Release(1)
			continue // no per-user slot this tick
		}
		go s.dispatch(ctx, row)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, row IndexRow) {
	defer s.globalSlots.Release(1)
	defer s.userSlots.release(row.UserID)

	store, err := s.users.For(ctx, row.UserID)
	if err != nil {
		s.log.Error("scheduler: user store open failed", "user_id", row.UserID, "error", err)
		return
	}

	t, err := store.GetTask(ctx, row.TaskID)
	if err != nil {
		s.log.Error("scheduler: load task failed", "task_id", row.TaskID, "error", err)
		return
	}
	if !t.Enabled {
		// Became disabled between index read and load.
		return
	}

	if s.epochs != nil {
		switch {
		case t.Kind == KindRunTask && t.RunTask != nil:
			latest := s.epochs.Latest(t.RunTask.TenantID, t.RunTask.Channel, t.RunTask.ThreadKey)
			if t.RunTask.Epoch < latest {
				s.recordCancelled(ctx, store, t)
				return
			}
		case t.Kind == KindSendReply && t.SendReply != nil && t.SendReply.ThreadKey != "":
			// A RunTask can be superseded mid-flight, while the agent
			// subprocess is still running; re-check here so a stale
			// reply never goes out just because it passed its RunTask's
			// own epoch check earlier.
			latest := s.epochs.Latest(t.SendReply.TenantID, t.SendReply.Channel, t.SendReply.ThreadKey)
			if t.SendReply.Epoch < latest {
				s.recordCancelled(ctx, store, t)
				return
			}
		}
	}

	s.execute(ctx, store, t)
}

func (s *Scheduler) execute(ctx context.Context, store UserStore, t Task) {
	exec, ok := s.executors[t.Kind]
	if !ok {
		s.log.Error("scheduler: no executor registered", "kind", t.Kind, "task_id", t.TaskID)
		return
	}

	started := time.Now().UTC()
	outcome, err := exec.Execute(ctx, t)
	finished := time.Now().UTC()

	status := ExecutionSuccess
	errMsg := ""
	if err != nil {
		status = ExecutionFailed
		errMsg = err.Error()
	}
	if rerr := store.RecordExecution(ctx, TaskExecution{
		TaskID: t.TaskID, StartedAt: started, FinishedAt: &finished,
		Status: status, ErrorMessage: errMsg, Attempts: t.Attempts + 1,
	}); rerr != nil {
		s.log.Error("scheduler: record execution failed", "task_id", t.TaskID, "error", rerr)
	}

	// Successor tasks are created whether or not this attempt succeeded:
	// an Executor facing a transient failure reports it via
	// a non-nil err for the execution history above, but still hands
	// back a retry successor (same task_id lineage, attempts+1, delayed
	// next_run) through Outcome.NewTasks rather than the scheduler
	// retrying internally.
	{
		for _, nt := range outcome.NewTasks {
			if cerr := store.CreateTask(ctx, nt); cerr != nil {
				s.log.Error("scheduler: create successor task failed", "task_id", nt.TaskID, "error", cerr)
				continue
			}
			if uerr := s.index.Upsert(ctx, IndexRow{TaskID: nt.TaskID, UserID: nt.UserID, NextRun: nt.NextRun, Enabled: nt.Enabled}); uerr != nil {
				s.log.Error("scheduler: index successor task failed", "task_id", nt.TaskID, "error", uerr)
			}
		}
	}

	s.advance(ctx, store, t, started)
}

// advance recomputes next_run / enabled: cron
// tasks get their next occurrence; one-shot tasks are disabled
// ("one-shot disable invariant", last_run set, row kept for history).
func (s *Scheduler) advance(ctx context.Context, store UserStore, t Task, lastRun time.Time) {
	enabled := t.Enabled
	nextRun := t.NextRun

	switch t.Schedule.Type {
	case ScheduleCron:
		nr, err := NextCronRunAfter(t.Schedule.CronExpr, lastRun)
		if err != nil {
			s.log.Error("scheduler: recompute next_run failed", "task_id", t.TaskID, "error", err)
			enabled = false
		} else {
			nextRun = nr
		}
	case ScheduleOneShot:
		enabled = false
	}

	if err := store.UpdateAfterRun(ctx, t.TaskID, lastRun, nextRun, enabled); err != nil {
		s.log.Error("scheduler: update after run failed", "task_id", t.TaskID, "error", err)
		return
	}
	if enabled {
		if err := s.index.Upsert(ctx, IndexRow{TaskID: t.TaskID, UserID: t.UserID, NextRun: nextRun, Enabled: true}); err != nil {
			s.log.Error("scheduler: index upsert after run failed", "task_id", t.TaskID, "error", err)
		}
	} else if err := s.index.Remove(ctx, t.TaskID); err != nil {
		s.log.Error("scheduler: index remove after run failed", "task_id", t.TaskID, "error", err)
	}
}

func (s *Scheduler) recordCancelled(ctx context.Context, store UserStore, t Task) {
	now := time.Now().UTC()
	if err := store.RecordExecution(ctx, TaskExecution{
		TaskID: t.TaskID, StartedAt: now, FinishedAt: &now,
		Status: ExecutionCancelled, Attempts: t.Attempts,
	}); err != nil {
		s.log.Error("scheduler: record cancelled failed", "task_id", t.TaskID, "error", err)
	}
	s.advance(ctx, store, t, now)
}

// Create registers a new task in its owning user's store and the global
// index in one call, so the two never observe the task in only one place.
func (s *Scheduler) Create(ctx context.Context, t Task) error {
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	store, err := s.users.For(ctx, t.UserID)
	if err != nil {
		return fmt.Errorf("scheduler: create task: %w", err)
	}
	if err := store.CreateTask(ctx, t); err != nil {
		return err
	}
	if !t.Enabled {
		return nil
	}
	return s.index.Upsert(ctx, IndexRow{TaskID: t.TaskID, UserID: t.UserID, NextRun: t.NextRun, Enabled: true})
}

// Cancel disables a task.
func (s *Scheduler) Cancel(ctx context.Context, userID uuid.UUID, taskID string) error {
	store, err := s.users.For(ctx, userID)
	if err != nil {
		return err
	}
	if err := store.SetEnabled(ctx, taskID, false); err != nil {
		return err
	}
	return s.index.Remove(ctx, taskID)
}

// Reschedule replaces a task's schedule.
func (s *Scheduler) Reschedule(ctx context.Context, userID uuid.UUID, taskID string, sched Schedule) error {
	var nextRun time.Time
	switch sched.Type {
	case ScheduleCron:
		nr, err := NextCronRun(sched.CronExpr, time.Now().UTC())
		if err != nil {
			return err
		}
		nextRun = nr
	case ScheduleOneShot:
		nextRun = sched.OneShotAt.UTC()
	default:
		return fmt.Errorf("scheduler: unknown schedule type %q", sched.Type)
	}

	store, err := s.users.For(ctx, userID)
	if err != nil {
		return err
	}
	if err := store.Reschedule(ctx, taskID, sched, nextRun); err != nil {
		return err
	}
	return s.index.Upsert(ctx, IndexRow{TaskID: taskID, UserID: userID, NextRun: nextRun, Enabled: true})
}
