package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ValidateCronExpr enforces the 6-field UTC-only cron dialect.
func ValidateCronExpr(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 6 {
		return fmt.Errorf("scheduler: cron expression %q must have exactly 6 fields, got %d", expr, len(fields))
	}
	if !gronx.IsValid(expr) {
		return fmt.Errorf("scheduler: cron expression %q is invalid", expr)
	}
	return nil
}

// NextCronRun computes the next UTC time >= now matching expr. Used by
// Reschedule, where "now" is a fresh reference point and a match on now
// itself is the desired behavior.
func NextCronRun(expr string, now time.Time) (time.Time, error) {
	return nextCronRun(expr, now, true)
}

// NextCronRunAfter computes the next UTC time strictly > lastRun matching
// expr. Used by advance(), where lastRun is the task's own just-executed
// fire time: matching cron is second-granular, so an inclusive search run
// in the same second as lastRun would return that same instant again
// instead of advancing the schedule.
func NextCronRunAfter(expr string, lastRun time.Time) (time.Time, error) {
	return nextCronRun(expr, lastRun, false)
}

func nextCronRun(expr string, ref time.Time, inclusive bool) (time.Time, error) {
	if err := ValidateCronExpr(expr); err != nil {
		return time.Time{}, err
	}
	next, err := gronx.NextTickAfter(expr, ref.UTC(), inclusive)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: next tick for %q: %w", expr, err)
	}
	return next.UTC(), nil
}
