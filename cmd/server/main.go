package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/conversation"
	"github.com/MegaGrindStone/chat-core/internal/handlers"
	"github.com/MegaGrindStone/chat-core/internal/notify"
	"github.com/MegaGrindStone/chat-core/internal/services"
	"github.com/MegaGrindStone/chat-core/internal/stream"
	"github.com/MegaGrindStone/chat-core/internal/usagegate"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "chatcore")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := filepath.Join(cfgPath, "config.yaml")
	if p := os.Getenv("CHAT_CONFIG"); p != "" {
		cfgFilePath = p
	}
	cfgFile, err := os.Open(cfgFilePath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		log.Fatal(fmt.Errorf("error decoding config file: %w", err))
	}
	if err := cfg.applyDefaults(); err != nil {
		log.Fatal(fmt.Errorf("invalid config: %w", err))
	}

	logger := setupLogging(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := cfg.Persistence.open(ctx, cfgPath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening persistence: %w", err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close persistence", slog.String("err", err.Error()))
		}
	}()

	updates := notify.New[conversation.Update]()
	errs := notify.New[chaterr.StructuredError]()

	if cfg.NATS.URL != "" {
		relay, err := services.NewNATSRelay(cfg.NATS.URL, cfg.NATS.Subject, errs, logger)
		if err != nil {
			log.Fatal(fmt.Errorf("error connecting to nats: %w", err))
		}
		defer func() {
			if err := relay.Close(); err != nil {
				logger.Error("Failed to close NATS relay", slog.String("err", err.Error()))
			}
		}()
	}

	auth := services.NewStaticAuth(cfg.APIKey)
	usage := services.NewUsageService(cfg.UsageURL, auth, cfg.Tiers, nil, logger)
	go usage.Run(ctx, cfg.UsageRefreshInterval)

	client := stream.NewClient(cfg.CompletionURL, auth, stream.Parameters{
		MaxTokens:    cfg.MaxTokens,
		Temperature:  cfg.Temperature,
		MaxFrameSize: cfg.MaxFrameSize,
	}, logger)

	convs := conversation.New(conversation.Options{
		Streamer:    client,
		Auth:        auth,
		Tiers:       usage,
		Gate:        usagegate.New(cfg.Tiers),
		Classifier:  chaterr.NewClassifier(errs, logger),
		Persistence: store,
		Updates:     updates,
		ModelID:     cfg.Model,
		Logger:      logger,
	})
	defer convs.Close()

	restored, err := store.Conversations(ctx)
	if err != nil {
		log.Fatal(fmt.Errorf("error restoring conversations: %w", err))
	}
	convs.Restore(restored)
	logger.Info("Restored conversations", slog.Int("count", len(restored)))

	m := handlers.NewMain(convs, auth, updates, errs, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}

func setupLogging(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
