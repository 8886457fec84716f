package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/api"
	"github.com/dcastella/matcha/internal/app"
	iauth "github.com/dcastella/matcha/internal/auth"
	"github.com/dcastella/matcha/internal/database"
	"github.com/dcastella/matcha/internal/handlers"
	"github.com/dcastella/matcha/internal/jobs"
	"github.com/dcastella/matcha/internal/middleware"
	"github.com/dcastella/matcha/internal/notifications"
	"github.com/dcastella/matcha/internal/presence"
	"github.com/dcastella/matcha/internal/services"
	"github.com/dcastella/matcha/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
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
	fs := flag.NewFlagSet("matcha-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")
	for key := range generated {
		log.Info("generated runtime secret", zap.String("key", key))
	}

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	var redisClient *redis.Client
	if cfg.Cache.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Cache.Redis.Address,
			Username:    cfg.Cache.Redis.Username,
			Password:    cfg.Cache.Redis.Password,
			DB:          cfg.Cache.Redis.DB,
			DialTimeout: cfg.Cache.Redis.Timeout,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable; falling back to database-backed presence", zap.Error(err))
			_ = client.Close()
		} else {
			redisClient = client
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		AccessTokenTTL: cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	// Core services. The dispatcher comes first; match and chat depend on it.
	notificationSvc, err := services.NewNotificationService(db)
	if err != nil {
		return fmt.Errorf("initialise notification service: %w", err)
	}

	hub := notifications.NewHub(notificationSvc)
	notificationSvc.AttachLivePusher(notifications.NewPusher(hub))

	registry := presence.NewRegistry()
	var lastSeen presence.LastSeenStore
	if redisClient != nil {
		lastSeen, err = presence.NewRedisLastSeenStore(redisClient)
	} else {
		lastSeen, err = presence.NewGormLastSeenStore(db)
	}
	if err != nil {
		return fmt.Errorf("initialise presence store: %w", err)
	}

	chatSvc, err := services.NewChatService(db, nil, notificationSvc)
	if err != nil {
		return fmt.Errorf("initialise chat service: %w", err)
	}

	gateway := handlers.NewChatGateway(jwtService, chatSvc, registry, lastSeen,
		cfg.Realtime.SendBufferSize, cfg.Realtime.ConversationPageLimit)
	chatSvc.AttachBroadcaster(gateway.Hub())

	var digester *jobs.Digester
	if cfg.Jobs.Digest.Enabled {
		digester = jobs.NewDigester(notificationSvc, jobs.WithSchedule(cfg.Jobs.Digest.Schedule))
		if err := digester.Start(); err != nil {
			return fmt.Errorf("start digest job: %w", err)
		}
		defer digester.Stop()
	}

	var rateStore middleware.RateStore
	if redisClient != nil {
		rateStore = middleware.NewRedisRateStore(redisClient)
	}

	router, err := api.NewRouter(api.Deps{
		DB:            db,
		JWT:           jwtService,
		Config:        cfg,
		Chat:          chatSvc,
		Notifications: notificationSvc,
		ChatGateway:   gateway,
		Hub:           hub,
		Registry:      registry,
		LastSeen:      lastSeen,
		RateStore:     rateStore,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
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

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	driver, path, dsn, host, port, user, password, name := cfg.DatabaseSettings()
	dbCfg := database.Config{
		Driver:   driver,
		Path:     path,
		DSN:      dsn,
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Name:     name,
	}

	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected",
		zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
