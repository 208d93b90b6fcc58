package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id      TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	enabled      INTEGER NOT NULL,
	schedule_type TEXT NOT NULL,
	cron_expr    TEXT,
	one_shot_at  TEXT,
	next_run     TEXT NOT NULL,
	last_run     TEXT,
	created_at   TEXT NOT NULL,
	max_attempts INTEGER NOT NULL DEFAULT 2
);

CREATE TABLE IF NOT EXISTS run_task_tasks (
	task_id        TEXT PRIMARY KEY REFERENCES tasks(task_id),
	tenant_id      TEXT NOT NULL,
	channel        TEXT NOT NULL,
	workspace_dir  TEXT NOT NULL,
	model_name     TEXT NOT NULL,
	runner         TEXT NOT NULL,
	agent_disabled INTEGER NOT NULL,
	reply_to       TEXT NOT NULL, -- JSON array
	reply_from     TEXT NOT NULL,
	thread_key     TEXT NOT NULL,
	epoch          INTEGER NOT NULL,
	archive_root   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS send_reply_tasks (
	task_id           TEXT PRIMARY KEY REFERENCES tasks(task_id),
	channel           TEXT NOT NULL,
	subject           TEXT,
	html_path         TEXT NOT NULL,
	attachments_dir   TEXT,
	in_reply_to       TEXT,
	references_header TEXT
);

CREATE TABLE IF NOT EXISTS send_reply_recipients (
	task_id TEXT NOT NULL REFERENCES send_reply_tasks(task_id),
	kind    TEXT NOT NULL, -- "to" | "cc" | "bcc" | "hint"
	key     TEXT,          -- hint key (e.g. "chat_id"); empty for to/cc/bcc
	value   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_executions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id       TEXT NOT NULL REFERENCES tasks(task_id),
	started_at    TEXT NOT NULL,
	finished_at   TEXT,
	status        TEXT NOT NULL,
	error_message TEXT,
	attempts      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_executions_task ON task_executions(task_id);
`

// SQLiteUserStore is a UserStore backed by one SQLite file per user
//. WAL mode is
// enabled per the concurrency model's recommendation.
type SQLiteUserStore struct {
	db *sql.DB
}

// OpenSQLiteUserStore opens (creating and migrating if absent) the
// per-user database at path.
func OpenSQLiteUserStore(path string) (*SQLiteUserStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("scheduler: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // serialize writes per user
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("scheduler: migrate %s: %w", path, err)
	}
	return &SQLiteUserStore{db: db}, nil
}

func (s *SQLiteUserStore) Close() error { return s.db.Close() }

func (s *SQLiteUserStore) CreateTask(ctx context.Context, t Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cronExpr, oneShotAt sql.NullString
	switch t.Schedule.Type {
	case ScheduleCron:
		cronExpr = sql.NullString{String: t.Schedule.CronExpr, Valid: true}
	case ScheduleOneShot:
		oneShotAt = sql.NullString{String: t.Schedule.OneShotAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (task_id, user_id, kind, enabled, schedule_type, cron_expr, one_shot_at, next_run, last_run, created_at, max_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
	`, t.TaskID, t.UserID.String(), string(t.Kind), boolToInt(t.Enabled), string(t.Schedule.Type),
		cronExpr, oneShotAt, t.NextRun.UTC().Format(time.RFC3339), t.CreatedAt.UTC().Format(time.RFC3339), maxAttemptsOrDefault(t.MaxAttempts))
	if err != nil {
		return fmt.Errorf("scheduler: insert task: %w", err)
	}

	switch t.Kind {
	case KindRunTask:
		if t.RunTask == nil {
			return fmt.Errorf("scheduler: run_task kind requires RunTask payload")
		}
		replyTo, _ := json.Marshal(t.RunTask.ReplyTo)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_task_tasks (task_id, tenant_id, channel, workspace_dir, model_name, runner, agent_disabled, reply_to, reply_from, thread_key, epoch, archive_root)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.TaskID, t.RunTask.TenantID, t.RunTask.Channel, t.RunTask.WorkspaceDir, t.RunTask.ModelName, t.RunTask.Runner, boolToInt(t.RunTask.AgentDisabled),
			string(replyTo), t.RunTask.ReplyFrom, t.RunTask.ThreadKey, t.RunTask.Epoch, t.RunTask.ArchiveRoot)
		if err != nil {
			return fmt.Errorf("scheduler: insert run_task_tasks: %w", err)
		}
	case KindSendReply:
		if t.SendReply == nil {
			return fmt.Errorf("scheduler: send_reply kind requires SendReply payload")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO send_reply_tasks (task_id, channel, subject, html_path, attachments_dir, in_reply_to, references_header)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, t.TaskID, t.SendReply.Channel, t.SendReply.Subject, t.SendReply.HTMLPath, t.SendReply.AttachmentsDir,
			t.SendReply.InReplyTo, t.SendReply.ReferencesHeader)
		if err != nil {
			return fmt.Errorf("scheduler: insert send_reply_tasks: %w", err)
		}
		if err := insertRecipients(ctx, tx, t.TaskID, "to", t.SendReply.To); err != nil {
			return err
		}
		if err := insertRecipients(ctx, tx, t.TaskID, "cc", t.SendReply.Cc); err != nil {
			return err
		}
		if err := insertRecipients(ctx, tx, t.TaskID, "bcc", t.SendReply.Bcc); err != nil {
			return err
		}
		for k, v := range t.SendReply.ReplyHints {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO send_reply_recipients (task_id, kind, key, value) VALUES (?, 'hint', ?, ?)
			`, t.TaskID, k, v); err != nil {
				return fmt.Errorf("scheduler: insert reply hint: %w", err)
			}
		}
	}

	return tx.Commit()
}

func insertRecipients(ctx context.Context, tx *sql.Tx, taskID, kind string, values []string) error {
	for _, v := range values {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO send_reply_recipients (task_id, kind, key, value) VALUES (?, ?, '', ?)
		`, taskID, kind, v); err != nil {
			return fmt.Errorf("scheduler: insert recipient: %w", err)
		}
	}
	return nil
}

func (s *SQLiteUserStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	var userIDStr, kind, schedType string
	var cronExpr, oneShotAt, lastRun sql.NullString
	var nextRun, createdAt string
	var enabledInt, maxAttempts int

	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, kind, enabled, schedule_type, cron_expr, one_shot_at, next_run, last_run, created_at, max_attempts
		FROM tasks WHERE task_id = ?
	`, taskID)
	if err := row.Scan(&userIDStr, &kind, &enabledInt, &schedType, &cronExpr, &oneShotAt, &nextRun, &lastRun, &createdAt, &maxAttempts); err != nil {
		return Task{}, fmt.Errorf("scheduler: get task %s: %w", taskID, err)
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return Task{}, fmt.Errorf("scheduler: bad user_id for task %s: %w", taskID, err)
	}

	t.TaskID = taskID
	t.UserID = userID
	t.Kind = Kind(kind)
	t.Enabled = enabledInt != 0
	t.Schedule.Type = ScheduleType(schedType)
	t.Schedule.CronExpr = cronExpr.String
	if oneShotAt.Valid {
		t.Schedule.OneShotAt, _ = time.Parse(time.RFC3339, oneShotAt.String)
	}
	t.NextRun, _ = time.Parse(time.RFC3339, nextRun)
	if lastRun.Valid {
		lr, _ := time.Parse(time.RFC3339, lastRun.String)
		t.LastRun = &lr
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.MaxAttempts = maxAttempts

	switch t.Kind {
	case KindRunTask:
		p, err := s.loadRunTaskPayload(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		t.RunTask = p
	case KindSendReply:
		p, err := s.loadSendReplyPayload(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		t.SendReply = p
	}
	return t, nil
}

func (s *SQLiteUserStore) loadRunTaskPayload(ctx context.Context, taskID string) (*RunTaskPayload, error) {
	var p RunTaskPayload
	var replyToJSON string
	var agentDisabled int
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, channel, workspace_dir, model_name, runner, agent_disabled, reply_to, reply_from, thread_key, epoch, archive_root
		FROM run_task_tasks WHERE task_id = ?
	`, taskID)
	if err := row.Scan(&p.TenantID, &p.Channel, &p.WorkspaceDir, &p.ModelName, &p.Runner, &agentDisabled, &replyToJSON, &p.ReplyFrom, &p.ThreadKey, &p.Epoch, &p.ArchiveRoot); err != nil {
		return nil, fmt.Errorf("scheduler: load run_task_tasks %s: %w", taskID, err)
	}
	p.AgentDisabled = agentDisabled != 0
	_ = json.Unmarshal([]byte(replyToJSON), &p.ReplyTo)
	return &p, nil
}

func (s *SQLiteUserStore) loadSendReplyPayload(ctx context.Context, taskID string) (*SendReplyPayload, error) {
	var p SendReplyPayload
	var subject, attachmentsDir, inReplyTo, refs sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT channel, subject, html_path, attachments_dir, in_reply_to, references_header
		FROM send_reply_tasks WHERE task_id = ?
	`, taskID)
	if err := row.Scan(&p.Channel, &subject, &p.HTMLPath, &attachmentsDir, &inReplyTo, &refs); err != nil {
		return nil, fmt.Errorf("scheduler: load send_reply_tasks %s: %w", taskID, err)
	}
	p.Subject = subject.String
	p.AttachmentsDir = attachmentsDir.String
	p.InReplyTo = inReplyTo.String
	p.ReferencesHeader = refs.String
	p.ReplyHints = map[string]string{}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, key, value FROM send_reply_recipients WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load recipients %s: %w", taskID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, key, value string
		if err := rows.Scan(&kind, &key, &value); err != nil {
			return nil, err
		}
		switch kind {
		case "to":
			p.To = append(p.To, value)
		case "cc":
			p.Cc = append(p.Cc, value)
		case "bcc":
			p.Bcc = append(p.Bcc, value)
		case "hint":
			p.ReplyHints[key] = value
		}
	}
	return &p, rows.Err()
}

func (s *SQLiteUserStore) UpdateAfterRun(ctx context.Context, taskID string, lastRun, nextRun time.Time, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_run = ?, next_run = ?, enabled = ? WHERE task_id = ?
	`, lastRun.UTC().Format(time.RFC3339), nextRun.UTC().Format(time.RFC3339), boolToInt(enabled), taskID)
	if err != nil {
		return fmt.Errorf("scheduler: update after run %s: %w", taskID, err)
	}
	return nil
}

func (s *SQLiteUserStore) SetEnabled(ctx context.Context, taskID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET enabled = ? WHERE task_id = ?`, boolToInt(enabled), taskID)
	if err != nil {
		return fmt.Errorf("scheduler: set enabled %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("scheduler: task %s not found", taskID)
	}
	return nil
}

func (s *SQLiteUserStore) Reschedule(ctx context.Context, taskID string, sched Schedule, nextRun time.Time) error {
	var cronExpr, oneShotAt sql.NullString
	switch sched.Type {
	case ScheduleCron:
		cronExpr = sql.NullString{String: sched.CronExpr, Valid: true}
	case ScheduleOneShot:
		oneShotAt = sql.NullString{String: sched.OneShotAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET schedule_type = ?, cron_expr = ?, one_shot_at = ?, next_run = ?, enabled = 1 WHERE task_id = ?
	`, string(sched.Type), cronExpr, oneShotAt, nextRun.UTC().Format(time.RFC3339), taskID)
	if err != nil {
		return fmt.Errorf("scheduler: reschedule %s: %w", taskID, err)
	}
	return nil
}

func (s *SQLiteUserStore) RecordExecution(ctx context.Context, exec TaskExecution) error {
	var finishedAt sql.NullString
	if exec.FinishedAt != nil {
		finishedAt = sql.NullString{String: exec.FinishedAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_executions (task_id, started_at, finished_at, status, error_message, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, exec.TaskID, exec.StartedAt.UTC().Format(time.RFC3339), finishedAt, string(exec.Status), exec.ErrorMessage, exec.Attempts)
	if err != nil {
		return fmt.Errorf("scheduler: record execution: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) ListEnabled(ctx context.Context) ([]IndexRow, error) {
	userIDStr := ""
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, user_id, next_run FROM tasks WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list enabled: %w", err)
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var taskID, nextRun string
		if err := rows.Scan(&taskID, &userIDStr, &nextRun); err != nil {
			return nil, err
		}
		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			return nil, err
		}
		nr, err := time.Parse(time.RFC3339, nextRun)
		if err != nil {
			return nil, err
		}
		out = append(out, IndexRow{TaskID: taskID, UserID: userID, NextRun: nr, Enabled: true})
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func maxAttemptsOrDefault(n int) int {
	if n <= 0 {
		return 2 // 1 retry, total 2 attempts
	}
	return n
}

// FileUserStoreFactory opens one SQLite file per user under
// <root>/users/<user_id>/state/tasks.db, caching open handles.
type FileUserStoreFactory struct {
	root string

	mu    sync.Mutex
	cache map[uuid.UUID]*SQLiteUserStore
}

func NewFileUserStoreFactory(root string) *FileUserStoreFactory {
	return &FileUserStoreFactory{root: root, cache: make(map[uuid.UUID]*SQLiteUserStore)}
}

func (f *FileUserStoreFactory) For(ctx context.Context, userID uuid.UUID) (UserStore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.cache[userID]; ok {
		return s, nil
	}
	dir := filepath.Join(f.root, "users", userID.String(), "state")
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	s, err := OpenSQLiteUserStore(filepath.Join(dir, "tasks.db"))
	if err != nil {
		return nil, err
	}
	f.cache[userID] = s
	return s, nil
}
