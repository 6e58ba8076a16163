// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/unclebandit/skymail-dispatch/internal/config"
	"github.com/unclebandit/skymail-dispatch/internal/db"
	"github.com/unclebandit/skymail-dispatch/internal/logger"
	"github.com/unclebandit/skymail-dispatch/internal/provider"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
	"github.com/unclebandit/skymail-dispatch/internal/service"
)

type options struct {
	lanes       []queue.Lane
	inMemory    bool
	metricsAddr string
}

func main() {
	lanesFlag := flag.String("lanes", "scheduled,campaigns,email_batches", "comma-separated lanes to consume")
	inMemory := flag.Bool("inmemory", false, "use the in-process queue and run the beat too (single process, development only)")
	metricsAddr := flag.String("metrics-addr", ":9091", "Prometheus listener address, empty to disable")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logg := logger.New(cfg.LogLevel)
	slog.SetDefault(logg)

	lanes, err := parseLanes(*lanesFlag)
	if err != nil {
		log.Fatalf("invalid -lanes: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, options{lanes: lanes, inMemory: *inMemory, metricsAddr: *metricsAddr}, logg); err != nil {
		logg.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, log *slog.Logger) error {
	pool, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer pool.Close()
	sessions := db.NewSessions(pool)

	var (
		broker  queue.Broker
		results queue.ResultStore
	)
	if opts.inMemory {
		log.Warn("running with the in-memory queue, tasks do not survive a restart")
		broker = queue.NewInMemoryQueue()
		results = queue.NewMemoryResultStore()
	} else {
		amqpQueue, err := queue.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPPrefetch, log)
		if err != nil {
			return err
		}
		defer amqpQueue.Close()
		broker = amqpQueue

		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		results = queue.NewRedisResultStore(rdb, cfg.TaskResultTTL)
	}

	sender, err := provider.New(provider.Settings{
		Provider:         cfg.EmailProvider,
		SESRegion:        cfg.SESRegion,
		AccessKeyID:      cfg.AWSAccessKeyID,
		SecretAccessKey:  cfg.AWSSecretAccessKey,
		ConfigurationSet: cfg.SESConfigurationSet,
		ResendAPIKey:     cfg.ResendAPIKey,
	})
	if err != nil {
		return err
	}
	if cfg.MailFrom == "" {
		log.Warn("MAIL_FROM is empty, every batch will fail until it is set")
	}

	tasks := service.TaskDefinitionsFromConfig(cfg)
	settings := service.SettingsFromConfig(cfg)
	limiter := rate.NewLimiter(rate.Limit(cfg.SendRatePerSecond), cfg.SendRateBurst)

	worker := service.NewWorker(
		service.NewScheduler(sessions, broker, tasks, settings, log),
		service.NewOrchestrator(sessions, broker, tasks, settings, log),
		service.NewBatchSender(sessions, sender, limiter, settings, log),
	)

	runner := queue.NewRunner(broker, results,
		queue.Limits{Soft: cfg.TaskSoftTimeLimit, Hard: cfg.TaskHardTimeLimit},
		queue.Backoff{Base: cfg.BatchRetryBaseDelay, Max: 10 * time.Minute},
		log,
	)
	worker.Register(runner)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("worker running", "lanes", opts.lanes, "provider", sender.Name())
		return runner.Run(gctx, opts.lanes)
	})
	if opts.inMemory {
		g.Go(func() error {
			return service.RunBeat(gctx, broker, tasks.EnqueueDue, cfg.SchedulerInterval, log)
		})
	}
	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// parseLanes turns "campaigns, email_batches" into lanes, rejecting
// unknown names and duplicates.
func parseLanes(s string) ([]queue.Lane, error) {
	var lanes []queue.Lane
	seen := make(map[queue.Lane]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lane, err := queue.ParseLane(part)
		if err != nil {
			return nil, err
		}
		if seen[lane] {
			return nil, fmt.Errorf("lane %q listed twice", lane)
		}
		seen[lane] = true
		lanes = append(lanes, lane)
	}
	if len(lanes) == 0 {
		return nil, errors.New("no lanes given")
	}
	return lanes, nil
}
