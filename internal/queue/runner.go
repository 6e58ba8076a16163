package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Handler executes one task attempt.
type Handler func(ctx context.Context, t Task) Result

// Limits bound a single execution. Soft becomes the handler's context
// deadline; Hard is when the runner stops waiting.
type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

// Backoff is base * 2^(attempt-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

type Runner struct {
	broker   Broker
	results  ResultStore
	handlers map[string]Handler
	limits   Limits
	backoff  Backoff
	log      *slog.Logger
}

func NewRunner(broker Broker, results ResultStore, limits Limits, backoff Backoff, log *slog.Logger) *Runner {
	return &Runner{
		broker:   broker,
		results:  results,
		handlers: make(map[string]Handler),
		limits:   limits,
		backoff:  backoff,
		log:      log,
	}
}

func (r *Runner) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Run consumes the given lanes until ctx is cancelled or a consumer fails.
func (r *Runner) Run(ctx context.Context, lanes []Lane) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, lane := range lanes {
		g.Go(func() error {
			r.log.Info("consuming lane", "lane", lane)
			if err := r.broker.Consume(ctx, lane, r.Process); err != nil {
				return fmt.Errorf("consume %s: %w", lane, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Process executes one delivery and applies the outcome: record it, then
// redeliver, dead-letter or drop. A returned error means the outcome could
// not be applied and the broker should redeliver the original message.
func (r *Runner) Process(ctx context.Context, t Task) error {
	log := r.log.With("task_id", t.ID, "task", t.Name, "lane", t.Lane, "attempt", t.Attempt)

	timer := prometheus.NewTimer(taskDurationHist.WithLabelValues(string(t.Lane), t.Name))
	res := r.execute(ctx, t)
	timer.ObserveDuration()

	// Outcome bookkeeping must survive worker shutdown.
	ctx = context.WithoutCancel(ctx)
	record := TaskResult{
		TaskID:      t.ID,
		Name:        t.Name,
		Lane:        t.Lane,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		Outcome:     res.Outcome,
		Reason:      res.Reason,
		Detail:      res.Detail,
		FinishedAt:  time.Now().UTC(),
	}

	switch res.Outcome {
	case OutcomeCompleted:
		log.Info("task completed")

	case OutcomeFatal:
		log.Warn("task failed permanently", "reason", res.Reason)

	case OutcomeRetry:
		if t.FinalAttempt() {
			record.Outcome = OutcomeExhausted
			log.Error("task retries exhausted", "reason", res.Reason, "max_attempts", t.MaxAttempts)
			tasksExhaustedCounter.WithLabelValues(string(t.Lane), t.Name).Inc()
			if err := r.broker.DeadLetter(ctx, t, res.Reason); err != nil {
				log.Error("dead-letter failed", "error", err)
				return err
			}
			break
		}

		delay := res.After
		if delay <= 0 {
			delay = r.backoff.Delay(t.Attempt)
		}
		record.RetryIn = delay.String()
		log.Warn("task will retry", "reason", res.Reason, "retry_in", delay)
		if err := r.broker.Publish(ctx, t.Next(), delay); err != nil {
			log.Error("republish failed", "error", err)
			return err
		}
	}

	tasksProcessedCounter.WithLabelValues(string(t.Lane), t.Name, string(record.Outcome)).Inc()
	if r.results != nil {
		if err := r.results.Save(ctx, record); err != nil {
			log.Warn("could not store task result", "error", err)
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, t Task) Result {
	h, ok := r.handlers[t.Name]
	if !ok {
		return Fatalf("no handler registered for %q", t.Name)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.limits.Soft)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Retry(0, fmt.Sprintf("panic: %v", p))
			}
		}()
		done <- h(runCtx, t)
	}()

	hard := time.NewTimer(r.limits.Hard)
	defer hard.Stop()

	select {
	case res := <-done:
		return res
	case <-hard.C:
		// The handler goroutine is abandoned; its context is already done.
		return Fatal("hard time limit exceeded")
	}
}
