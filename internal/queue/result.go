package queue

import (
	"fmt"
	"time"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFatal     Outcome = "fatal"
	// OutcomeExhausted is recorded when a retry is refused.
	OutcomeExhausted Outcome = "exhausted"
)

// Result is what a handler returns. Only the runner decides what it means
// for the broker.
type Result struct {
	Outcome Outcome
	// After is the requested redelivery delay. Zero means exponential backoff.
	After  time.Duration
	Reason string
	// Detail is an optional summary stored with the task result.
	Detail map[string]any
}

func Completed() Result {
	return Result{Outcome: OutcomeCompleted}
}

// CompletedWith records a summary alongside the completion.
func CompletedWith(detail map[string]any) Result {
	return Result{Outcome: OutcomeCompleted, Detail: detail}
}

func Retry(after time.Duration, reason string) Result {
	return Result{Outcome: OutcomeRetry, After: after, Reason: reason}
}

// RetryErr retries with backoff, using err as the reason.
func RetryErr(err error) Result {
	return Result{Outcome: OutcomeRetry, Reason: err.Error()}
}

func Fatal(reason string) Result {
	return Result{Outcome: OutcomeFatal, Reason: reason}
}

func Fatalf(format string, args ...any) Result {
	return Fatal(fmt.Sprintf(format, args...))
}

func (r Result) String() string {
	if r.Reason == "" {
		return string(r.Outcome)
	}
	return fmt.Sprintf("%s: %s", r.Outcome, r.Reason)
}
