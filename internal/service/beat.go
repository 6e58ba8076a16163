package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/unclebandit/skymail-dispatch/internal/queue"
)

// RunBeat publishes one enqueue_due_campaigns task right away and then once
// per interval until ctx ends. A failed publish is logged; the next tick
// tries again.
func RunBeat(ctx context.Context, publisher queue.Publisher, def queue.Definition, interval time.Duration, log *slog.Logger) error {
	log = log.With("component", "beat", "interval", interval.String())
	log.Info("beat started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := queue.NewTask(def, struct{}{})
		if err != nil {
			return err
		}
		if err := publisher.Publish(ctx, task, 0); err != nil {
			log.Error("failed to publish scheduler tick", "error", err)
		} else {
			log.Debug("scheduler tick published", "task_id", task.ID)
		}

		select {
		case <-ctx.Done():
			log.Info("beat stopped")
			return nil
		case <-ticker.C:
		}
	}
}
