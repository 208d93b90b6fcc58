package followup

import "testing"

func TestParseStdoutMissingBlocksAreEmpty(t *testing.T) {
	res := ParseStdout("no sentinel blocks here")
	if len(res.ScheduledTasks) != 0 || len(res.SchedulerActions) != 0 || res.Err != nil {
		t.Fatalf("expected empty result for stdout with no blocks, got %+v", res)
	}
}

func TestParseStdoutTakesLastOccurrence(t *testing.T) {
	stdout := `
SCHEDULED_TASKS_JSON_BEGIN
[{"kind":"send_reply","delay_minutes":5}]
SCHEDULED_TASKS_JSON_END
some agent chatter in between
SCHEDULED_TASKS_JSON_BEGIN
[{"kind":"run_task","run_at":"2026-08-01T00:00:00Z"}]
SCHEDULED_TASKS_JSON_END
`
	res := ParseStdout(stdout)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.ScheduledTasks) != 1 || res.ScheduledTasks[0].Kind != "run_task" {
		t.Fatalf("expected last block to win, got %+v", res.ScheduledTasks)
	}
}

func TestParseStdoutInvalidJSONIsNonFatal(t *testing.T) {
	stdout := "SCHEDULER_ACTIONS_JSON_BEGIN\n{not valid json\nSCHEDULER_ACTIONS_JSON_END"
	res := ParseStdout(stdout)
	if res.Err == nil {
		t.Fatalf("expected a parse error to be returned")
	}
	if len(res.SchedulerActions) != 0 {
		t.Fatalf("expected no actions parsed from invalid block")
	}
}

func TestParseStdoutBothBlocksTogether(t *testing.T) {
	stdout := `
SCHEDULED_TASKS_JSON_BEGIN
[{"kind":"send_reply","delay_minutes":10}]
SCHEDULED_TASKS_JSON_END
SCHEDULER_ACTIONS_JSON_BEGIN
[{"action":"cancel","task_ids":["abc"]}]
SCHEDULER_ACTIONS_JSON_END
`
	res := ParseStdout(stdout)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.ScheduledTasks) != 1 || len(res.SchedulerActions) != 1 {
		t.Fatalf("expected both blocks parsed, got %+v", res)
	}
	if res.SchedulerActions[0].Action != "cancel" || res.SchedulerActions[0].TaskIDs[0] != "abc" {
		t.Fatalf("unexpected action content: %+v", res.SchedulerActions[0])
	}
}
