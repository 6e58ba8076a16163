package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Lane is a named queue a worker process can consume.
type Lane string

const (
	LaneScheduled Lane = "scheduled"
	LaneCampaigns Lane = "campaigns"
	LaneBatches   Lane = "email_batches"
)

var Lanes = []Lane{LaneScheduled, LaneCampaigns, LaneBatches}

func (l Lane) RoutingKey() string {
	switch l {
	case LaneScheduled:
		return "scheduler.enqueue"
	case LaneCampaigns:
		return "campaign.send"
	case LaneBatches:
		return "email.batch"
	}
	return string(l)
}

// Priority orders lanes scheduler > dispatch > batch.
func (l Lane) Priority() uint8 {
	switch l {
	case LaneScheduled:
		return 10
	case LaneCampaigns:
		return 9
	case LaneBatches:
		return 8
	}
	return 0
}

func ParseLane(s string) (Lane, error) {
	for _, l := range Lanes {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown lane %q", s)
}

// Definition describes one task kind.
type Definition struct {
	Name        string
	Lane        Lane
	MaxAttempts int
}

// Task is the envelope carried by every broker.
type Task struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Lane        Lane            `json:"lane"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    uint8           `json:"priority"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewTask builds the first attempt of a task.
func NewTask(def Definition, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", def.Name, err)
	}
	maxAttempts := def.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Task{
		ID:          uuid.NewString(),
		Name:        def.Name,
		Lane:        def.Lane,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		Priority:    def.Lane.Priority(),
		PublishedAt: time.Now().UTC(),
	}, nil
}

// FinalAttempt reports whether a retry of this task would be refused.
func (t Task) FinalAttempt() bool {
	return t.Attempt >= t.MaxAttempts
}

// Next is the task as it will be redelivered for another attempt.
func (t Task) Next() Task {
	next := t
	next.Attempt++
	next.PublishedAt = time.Now().UTC()
	return next
}

var validate = validator.New()

// Decode unmarshals the payload into v and validates its struct tags.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Name, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", t.Name, err)
	}
	return nil
}
