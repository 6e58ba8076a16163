package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"
)

const retryHeader = "x-retry-count"

// AMQPQueue is the RabbitMQ broker. Every lane gets a durable priority
// queue bound to a direct exchange, a dead-letter queue and, on demand,
// per-delay TTL queues that expire back into the lane.
type AMQPQueue struct {
	conn     *amqp.Connection
	exchange string
	prefetch int
	log      *slog.Logger

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

func DialAMQP(url, exchange string, prefetch int, log *slog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q := &AMQPQueue{
		conn:     conn,
		exchange: exchange,
		prefetch: prefetch,
		log:      log,
		pub:      ch,
		declared: make(map[string]bool),
	}
	if err := q.declareTopology(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_ = q.pub.Close()
	return q.conn.Close()
}

func (q *AMQPQueue) declareTopology() error {
	if err := q.pub.ExchangeDeclare(q.exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	for _, lane := range Lanes {
		name := string(lane)
		_, err := q.pub.QueueDeclare(name, true, false, false, false, amqp.Table{
			"x-max-priority": int32(10),
		})
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		if err := q.pub.QueueBind(name, lane.RoutingKey(), q.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", name, err)
		}
		if _, err := q.pub.QueueDeclare(deadQueue(lane), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter queue %s: %w", deadQueue(lane), err)
		}
	}
	return nil
}

func deadQueue(l Lane) string { return string(l) + ".dead" }

func delayQueue(l Lane, delay time.Duration) string {
	return string(l) + ".delay." + strconv.FormatInt(delay.Milliseconds(), 10)
}

// ensureDelayQueue declares a queue whose messages expire after delay and
// are dead-lettered onto the lane's routing key. Idle delay queues are
// removed by the broker.
func (q *AMQPQueue) ensureDelayQueue(lane Lane, delay time.Duration) (string, error) {
	name := delayQueue(lane, delay)
	if q.declared[name] {
		return name, nil
	}
	ttl := delay.Milliseconds()
	_, err := q.pub.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             int32(ttl),
		"x-dead-letter-exchange":    q.exchange,
		"x-dead-letter-routing-key": lane.RoutingKey(),
		"x-expires":                 int32(ttl + time.Minute.Milliseconds()),
	})
	if err != nil {
		return "", fmt.Errorf("declare delay queue %s: %w", name, err)
	}
	q.declared[name] = true
	return name, nil
}

func (q *AMQPQueue) publishing(t Task) (amqp.Publishing, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode task: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     t.Priority,
		MessageId:    t.ID,
		Type:         t.Name,
		Timestamp:    t.PublishedAt,
		Headers:      amqp.Table{retryHeader: int32(t.Attempt - 1)},
		Body:         body,
	}, nil
}

func (q *AMQPQueue) Publish(_ context.Context, t Task, delay time.Duration) error {
	msg, err := q.publishing(t)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if delay <= 0 {
		return q.pub.Publish(q.exchange, t.Lane.RoutingKey(), false, false, msg)
	}
	name, err := q.ensureDelayQueue(t.Lane, delay)
	if err != nil {
		return err
	}
	return q.pub.Publish("", name, false, false, msg)
}

func (q *AMQPQueue) DeadLetter(_ context.Context, t Task, reason string) error {
	msg, err := q.publishing(t)
	if err != nil {
		return err
	}
	msg.Headers["x-death-reason"] = reason

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pub.Publish("", deadQueue(t.Lane), false, false, msg)
}

func (q *AMQPQueue) Consume(ctx context.Context, lane Lane, deliver Deliver) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(string(lane), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(q.prefetch)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			g.Go(func() error {
				q.handle(ctx, d, deliver)
				return nil
			})
		}
	}
}

func (q *AMQPQueue) handle(ctx context.Context, d amqp.Delivery, deliver Deliver) {
	var t Task
	if err := json.Unmarshal(d.Body, &t); err != nil {
		q.log.Error("invalid task message, dropping", "message_id", d.MessageId, "error", err)
		_ = d.Ack(false)
		return
	}
	if n, ok := retryCount(d.Headers); ok {
		t.Attempt = n + 1
	}

	if err := deliver(ctx, t); err != nil {
		q.log.Warn("task outcome not applied, requeueing", "task_id", t.ID, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// retryCount accepts every integer width a producer may have used.
func retryCount(h amqp.Table) (int, bool) {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case int16:
		return int(v), true
	case int8:
		return int(v), true
	case uint8:
		return int(v), true
	}
	return 0, false
}

var _ Broker = (*AMQPQueue)(nil)
