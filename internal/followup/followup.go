// Package followup implements the Follow-up Parser: it reads
// the two sentinel block formats an agent may emit on stdout and turns
// them into scheduler-facing structs. Parsing is best-effort and
// non-fatal — a malformed block must never prevent the reply from being
// sent.
package followup

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

const (
	scheduledTasksBegin   = "SCHEDULED_TASKS_JSON_BEGIN"
	scheduledTasksEnd     = "SCHEDULED_TASKS_JSON_END"
	schedulerActionsBegin = "SCHEDULER_ACTIONS_JSON_BEGIN"
	schedulerActionsEnd   = "SCHEDULER_ACTIONS_JSON_END"
)

var (
	scheduledTasksBlock   = regexp.MustCompile(`(?s)` + scheduledTasksBegin + `\s*(.*?)\s*` + scheduledTasksEnd)
	schedulerActionsBlock = regexp.MustCompile(`(?s)` + schedulerActionsBegin + `\s*(.*?)\s*` + schedulerActionsEnd)
)

// ScheduledTaskSpec is one entry of a SCHEDULED_TASKS block:
// either a SendReply (delay_minutes or run_at, plus channel payload) or a
// RunTask (same workspace pointer).
type ScheduledTaskSpec struct {
	Kind         string          `json:"kind"` // "send_reply" | "run_task"
	DelayMinutes *int            `json:"delay_minutes,omitempty"`
	RunAt        string          `json:"run_at,omitempty"` // RFC3339 UTC
	Channel      string          `json:"channel,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// SchedulerActionSpec is one entry of a SCHEDULER_ACTIONS block.
type SchedulerActionSpec struct {
	Action        string          `json:"action"` // "cancel" | "reschedule" | "create_run_task"
	TaskIDs       []string        `json:"task_ids,omitempty"`
	TaskID        string          `json:"task_id,omitempty"`
	Schedule      *ScheduleSpec   `json:"schedule,omitempty"`
	ModelName     string          `json:"model_name,omitempty"`
	AgentDisabled bool            `json:"agent_disabled,omitempty"`
	ReplyTo       []string        `json:"reply_to,omitempty"`
}

// ScheduleSpec mirrors the {type, expression|run_at} shape of a schedule action.
type ScheduleSpec struct {
	Type       string `json:"type"` // "cron" | "one_shot"
	Expression string `json:"expression,omitempty"`
	RunAt      string `json:"run_at,omitempty"` // RFC3339 UTC
}

// ParseError is returned as InvalidSchedulerActions/InvalidScheduledTasks
// equivalents: non-fatal, logged, surfaced in task_executions.error_message.
type ParseError struct {
	Block  string
	Detail string
}

func (e *ParseError) Error() string { return fmt.Sprintf("followup: invalid %s block: %s", e.Block, e.Detail) }

// Result is what ParseStdout returns: the two block contents (each empty
// if the block was absent) and any parse error encountered (non-fatal).
type Result struct {
	ScheduledTasks   []ScheduledTaskSpec
	SchedulerActions []SchedulerActionSpec
	Err              error
}

// ParseStdout extracts the last occurrence of each sentinel block from
// agent stdout.
// A missing block yields an empty list, not an error.
func ParseStdout(stdout string) Result {
	var res Result

	if raw, ok := lastMatch(scheduledTasksBlock, stdout); ok {
		var tasks []ScheduledTaskSpec
		if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
			res.Err = &ParseError{Block: "SCHEDULED_TASKS", Detail: err.Error()}
		} else {
			res.ScheduledTasks = tasks
		}
	}

	if raw, ok := lastMatch(schedulerActionsBlock, stdout); ok {
		var actions []SchedulerActionSpec
		if err := json.Unmarshal([]byte(raw), &actions); err != nil {
			if res.Err == nil {
				res.Err = &ParseError{Block: "SCHEDULER_ACTIONS", Detail: err.Error()}
			}
		} else {
			res.SchedulerActions = actions
		}
	}

	return res
}

func lastMatch(re *regexp.Regexp, s string) (string, bool) {
	matches := re.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1][1], true
}

// ParseRunAt parses the RFC3339 UTC run_at field used by both block
// formats.
func ParseRunAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("followup: invalid run_at %q: %w", s, err)
	}
	return t.UTC(), nil
}
