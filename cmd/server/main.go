// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/skymail-dispatch/internal/config"
	"github.com/unclebandit/skymail-dispatch/internal/controller"
	"github.com/unclebandit/skymail-dispatch/internal/db"
	"github.com/unclebandit/skymail-dispatch/internal/handler"
	"github.com/unclebandit/skymail-dispatch/internal/logger"
	"github.com/unclebandit/skymail-dispatch/internal/queue"
	"github.com/unclebandit/skymail-dispatch/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logg := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	pool, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer pool.Close()
	sessions := db.NewSessions(pool)

	// Resend publishes batches, so the server needs the broker too.
	broker, err := queue.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPPrefetch, log)
	if err != nil {
		return err
	}
	defer broker.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	tasks := service.TaskDefinitionsFromConfig(cfg)
	settings := service.SettingsFromConfig(cfg)

	campaignService := &service.CampaignService{
		Sessions: sessions,
		Resender: service.NewOrchestrator(sessions, broker, tasks, settings, log),
		Results:  queue.NewRedisResultStore(rdb, cfg.TaskResultTTL),
	}
	campaignController := &controller.CampaignController{CampaignService: campaignService, Log: log}
	campaignHandler := handler.NewCampaignHandler(campaignService, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", handler.Health(map[string]handler.Pinger{
		"postgres": pool,
		"redis":    handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}))
	r.Handle("/metrics", promhttp.Handler())

	// Campaign routes
	r.Get("/campaigns/{id}/stats", campaignHandler.GetCampaignHandlerWithStats)
	r.Get("/campaigns/{id}/send-logs", campaignController.ListSendLogs)
	r.Post("/campaigns/{id}/resend", campaignController.Resend)
	r.Get("/tasks/{id}", campaignController.GetTaskResult)

	srv := &http.Server{Addr: cfg.HTTPAddress, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server running", "addr", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
