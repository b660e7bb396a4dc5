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

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shopchat/livechat/internal/api"
	"github.com/shopchat/livechat/internal/app"
	"github.com/shopchat/livechat/internal/auth"
	"github.com/shopchat/livechat/internal/chat"
	"github.com/shopchat/livechat/internal/database"
	"github.com/shopchat/livechat/internal/services"
	"github.com/shopchat/livechat/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "livechat:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "additional directory to search for config.yaml")
	flag.Parse()

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}

	cfg, err := app.LoadConfig(paths...)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(database.Config{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Postgres.Host,
		Port:     cfg.Database.Postgres.Port,
		Name:     cfg.Database.Postgres.Database,
		User:     cfg.Database.Postgres.Username,
		Password: cfg.Database.Postgres.Password,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := database.AutoMigrateAll(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var transcripts *services.TranscriptService
	if cfg.Chat.Transcripts {
		transcripts, err = services.NewTranscriptService(db)
		if err != nil {
			return fmt.Errorf("init transcripts: %w", err)
		}
	}

	var jwtService *auth.JWTService
	if cfg.Auth.JWT.Secret != "" {
		jwtService, err = auth.NewJWTService(auth.JWTConfig{
			Secret:         cfg.Auth.JWT.Secret,
			Issuer:         cfg.Auth.JWT.Issuer,
			AccessTokenTTL: cfg.Auth.JWT.TTL,
		})
		if err != nil {
			return fmt.Errorf("init jwt: %w", err)
		}
	}

	registry := chat.NewRegistry()
	store := chat.NewStore()

	brokerOpts := []chat.Option{chat.WithMaxMessageLength(cfg.Chat.MaxMessageLength)}
	if transcripts != nil {
		brokerOpts = append(brokerOpts, chat.WithTranscripts(transcripts))
	}
	broker := chat.NewBroker(registry, store, cfg.Chat.TypingTTL, brokerOpts...)

	reaper := chat.NewReaper(broker, cfg.Chat.IdleSessionTTL, cfg.Chat.ReapSchedule)
	if err := reaper.Start(); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}

	router := api.NewRouter(api.Deps{
		Config:      cfg,
		DB:          db,
		Broker:      broker,
		Transcripts: transcripts,
		JWT:         jwtService,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var shutdownErr error
	if err := server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("http shutdown: %w", err))
	}

	<-reaper.Stop().Done()
	broker.Shutdown()
	if transcripts != nil {
		transcripts.Close()
	}

	logger.Info("shutdown complete")
	return shutdownErr
}
