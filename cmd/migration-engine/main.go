// The migration engine runs the whole service in one process: the HTTP API,
// the control-queue consumer and the scheduler cycle. Replicas coordinate
// through the shared queue and the Redis scheduler lease.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/admin"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/common"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/config"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/db"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/db/repository"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/lock"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/orchestrator"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/queue"
	queueredis "github.com/owenmpls/ma-toolkit-sandbox-sub002/queue/redis"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/scheduler"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/source"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/web"
)

const schedulerLeaseKey = "migration-engine:scheduler-lease"

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*cfgFile); err != nil {
		common.Logger.WithError(err).Error("engine exited with error")
		os.Exit(1)
	}
}

func run(cfgFile string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	common.ConfigureLogger(common.LoggerConfig{
		Level:  common.LogLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})
	common.Logger.WithFields(map[string]interface{}{
		"service":     cfg.Service.Name,
		"environment": cfg.Service.Environment,
	}).Info("starting migration engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.Migrate {
		if err := db.Migrate(cfg.Database.URL); err != nil {
			return fmt.Errorf("schema migration: %w", err)
		}
	}

	pool, err := db.OpenPool(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	store := repository.NewPostgresStore(pool)

	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	redisClient := goredis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	dedup := queueredis.NewDeduperWithClient(redisClient, queueredis.Config{
		Window: cfg.Redis.DedupWindow,
	})

	bus := queue.NewBus(&queue.RealAMQPDialer{}, cfg.Queue.URL, dedup)
	if err := bus.Connect(); err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	defer bus.Close()

	sources := source.NewRegistry()
	sources.Register(runbook.SourceSQL, source.NewSQLQuerier(pool))

	orch := orchestrator.New(store, bus)
	sched := scheduler.New(scheduler.Config{
		Store:        store,
		Publisher:    bus,
		Sources:      sources,
		Lease:        lock.New(redisClient, schedulerLeaseKey, cfg.Redis.LockTTL),
		TickInterval: cfg.Scheduler.TickInterval,
		QueryTimeout: cfg.Scheduler.QueryTimeout,
	})

	adminSvc := admin.New(store, bus)
	server := web.New(adminSvc, map[string]web.ReadinessCheck{
		"database": func(ctx context.Context) bool { return pool.Ping(ctx) == nil },
		"queue":    func(ctx context.Context) bool { return bus.Ready() },
		"redis":    func(ctx context.Context) bool { return dedup.Ready(ctx) },
	})

	errCh := make(chan error, 3)
	go func() {
		if err := bus.Consume(ctx, orch.HandleDelivery); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consumer: %w", err)
		}
	}()
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		common.Logger.WithField("addr", addr).Info("http server listening")
		if err := server.Start(addr); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		common.Logger.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		common.Logger.WithError(err).Error("component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		common.Logger.WithError(err).Warn("http shutdown")
	}
	common.Logger.Info("migration engine stopped")
	return nil
}
