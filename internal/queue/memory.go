package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryQueue is a single-process broker backed by channels and timers.
// It is used by tests and by the worker's -inmemory mode.
type InMemoryQueue struct {
	mu    sync.Mutex
	lanes map[Lane]chan Task
	dead  []DeadTask
	size  int
}

type DeadTask struct {
	Task   Task
	Reason string
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		lanes: make(map[Lane]chan Task),
		size:  1024,
	}
}

func (q *InMemoryQueue) lane(l Lane) chan Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.lanes[l]
	if !ok {
		ch = make(chan Task, q.size)
		q.lanes[l] = ch
	}
	return ch
}

func (q *InMemoryQueue) Publish(ctx context.Context, t Task, delay time.Duration) error {
	ch := q.lane(t.Lane)
	if delay > 0 {
		time.AfterFunc(delay, func() { ch <- t })
		return nil
	}

	select {
	case ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("lane %s is full", t.Lane)
	}
}

func (q *InMemoryQueue) Consume(ctx context.Context, lane Lane, deliver Deliver) error {
	ch := q.lane(lane)
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ch:
			if err := deliver(ctx, t); err != nil {
				// Redeliver after a short pause, like a broker nack with requeue.
				time.AfterFunc(500*time.Millisecond, func() { ch <- t })
			}
		}
	}
}

func (q *InMemoryQueue) DeadLetter(_ context.Context, t Task, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadTask{Task: t, Reason: reason})
	return nil
}

// DeadLetters returns a copy of the parked tasks.
func (q *InMemoryQueue) DeadLetters() []DeadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadTask(nil), q.dead...)
}

// Pending reports how many tasks are waiting on a lane.
func (q *InMemoryQueue) Pending(l Lane) int {
	return len(q.lane(l))
}

var _ Broker = (*InMemoryQueue)(nil)
