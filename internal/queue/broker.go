package queue

import (
	"context"
	"time"
)

// Publisher submits tasks. A positive delay postpones delivery.
type Publisher interface {
	Publish(ctx context.Context, t Task, delay time.Duration) error
}

// Deliver processes one task. A non-nil error asks the broker to redeliver
// the same message.
type Deliver func(ctx context.Context, t Task) error

// Broker moves tasks between publishers and lane consumers.
type Broker interface {
	Publisher
	// Consume blocks, feeding tasks of one lane to deliver until ctx ends.
	Consume(ctx context.Context, lane Lane, deliver Deliver) error
	// DeadLetter parks a task that will not be retried.
	DeadLetter(ctx context.Context, t Task, reason string) error
}
