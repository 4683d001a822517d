package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mossy-p/campus-signaling/config"
	"github.com/mossy-p/campus-signaling/internal/database"
	"github.com/mossy-p/campus-signaling/internal/handlers"
	"github.com/mossy-p/campus-signaling/internal/ice"
	"github.com/mossy-p/campus-signaling/internal/maintenance"
	"github.com/mossy-p/campus-signaling/internal/pubsub"
	"github.com/mossy-p/campus-signaling/internal/redis"
	"github.com/mossy-p/campus-signaling/internal/services"
	"github.com/mossy-p/campus-signaling/internal/signaling"
	"github.com/mossy-p/campus-signaling/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("signaling", flag.ContinueOnError)
	configDir := fs.String("config", "", "Extra directory to search for config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Server.LogLevel, cfg.Server.Environment); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync()
	log := logger.WithModule("bootstrap")

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
		if cfg.Auth.DevLogin {
			log.Warn("development login is enabled in production")
		}
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	log.Info("database connected", zap.String("driver", cfg.Database.Driver))

	var (
		redisClient *goredis.Client
		broker      pubsub.Broker
	)
	if cfg.Redis.Enabled {
		redisClient, err = redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		broker = pubsub.NewRedisBroker(redisClient)
		log.Info("redis connected", zap.String("addr", cfg.Redis.Addr()))
	} else {
		broker = pubsub.NewMemoryBroker()
		log.Info("redis disabled, running single-node in-memory fan-out")
	}

	defer func() {
		closeErr := broker.Close()
		if redisClient != nil {
			closeErr = multierr.Append(closeErr, redisClient.Close())
		}
		closeErr = multierr.Append(closeErr, sqlDB.Close())
		if closeErr != nil {
			log.Warn("shutdown cleanup failed", zap.Error(closeErr))
		}
	}()

	chats, err := services.NewChatService(db, redisClient)
	if err != nil {
		return err
	}
	calls, err := services.NewCallHistoryService(db)
	if err != nil {
		return err
	}
	notifications, err := services.NewNotificationService(db, broker)
	if err != nil {
		return err
	}
	if err := notifications.Load(ctx); err != nil {
		return err
	}

	scheduler := maintenance.NewScheduler(cfg.Maintenance, notifications, chats)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() { <-scheduler.Stop().Done() }()

	resolver := ice.NewResolver(cfg.ICE)
	if !resolver.Configured() {
		log.Warn("ICE provider not configured, clients get STUN only")
	}

	router, err := handlers.NewRouter(handlers.Dependencies{
		Config:        cfg,
		Resolver:      resolver,
		Channel:       signaling.NewChannel(broker),
		Chats:         chats,
		Calls:         calls,
		Notifications: notifications,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; closing the broker below
	// ends their subscriptions.
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}
