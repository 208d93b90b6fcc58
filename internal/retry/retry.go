// Package retry implements bounded retry and post-exhaustion notification: bounded
// attempts with exponential backoff and jitter, plus the failure/admin
// notification dispatch run after a task's final attempt is exhausted.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy configures backoff between task attempts: exponential with
// jitter, capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy is the default: one retry (two attempts
// total).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 2,
		MinDelay:    500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 2
	}
	if p.MinDelay <= 0 {
		p.MinDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// ShouldRetry reports whether attempt (1-based, the attempt that just
// failed) is eligible for another try under this policy.
func (p Policy) ShouldRetry(attempt int) bool {
	p = p.withDefaults()
	return attempt < p.MaxAttempts
}

// NextDelay computes the exponential-backoff-with-jitter wait before the
// next attempt, capped at MaxDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	p = p.withDefaults()
	delay := float64(p.MinDelay) * math.Pow(2, float64(attempt-1))
	if time.Duration(delay) > p.MaxDelay {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = float64(p.MinDelay)
	}
	return time.Duration(delay)
}

// Notifier dispatches the two post-exhaustion notification kinds.
type Notifier interface {
	// FailureNotify sends a one-sentence-plus-task-id message to the
	// user on the task's originating channel.
	FailureNotify(ctx context.Context, taskID, channel, target, summary string) error
	// AdminNotify sends to a configured admin channel.
	AdminNotify(ctx context.Context, taskID, summary string) error
}

// FinalFailure describes a task that has exhausted its retries.
type FinalFailure struct {
	TaskID        string
	Channel       string // originating channel, empty if not user-initiated
	ReplyTarget   string // address/chat id to notify, empty if not user-initiated
	ErrorSummary  string
}

// Dispatcher runs the post-exhaustion notification steps,
// deduplicating by task_id so a task whose final-failure handling itself
// gets retried never double-sends either notification.
type Dispatcher struct {
	notifier Notifier

	mu   sync.Mutex
	sent map[string]struct{}
}

func NewDispatcher(notifier Notifier) *Dispatcher {
	return &Dispatcher{notifier: notifier, sent: make(map[string]struct{})}
}

// Notify dispatches FailureNotify (if the task originated from a user
// message) and always dispatches AdminNotify.
func (d *Dispatcher) Notify(ctx context.Context, f FinalFailure) error {
	d.mu.Lock()
	if _, already := d.sent[f.TaskID]; already {
		d.mu.Unlock()
		return nil
	}
	d.sent[f.TaskID] = struct{}{}
	d.mu.Unlock()

	if f.ReplyTarget != "" {
		if err := d.notifier.FailureNotify(ctx, f.TaskID, f.Channel, f.ReplyTarget, f.ErrorSummary); err != nil {
			return err
		}
	}
	return d.notifier.AdminNotify(ctx, f.TaskID, f.ErrorSummary)
}
