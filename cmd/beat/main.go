// cmd/beat/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/skymail-dispatch/internal/config"
	"github.com/unclebandit/skymail-dispatch/internal/logger"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
	"github.com/unclebandit/skymail-dispatch/internal/service"
)

// beat is the only process that publishes scheduler ticks. Run exactly one.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logg := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error("beat stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	broker, err := queue.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPPrefetch, log)
	if err != nil {
		return err
	}
	defer broker.Close()

	tasks := service.TaskDefinitionsFromConfig(cfg)
	return service.RunBeat(ctx, broker, tasks.EnqueueDue, cfg.SchedulerInterval, log)
}
