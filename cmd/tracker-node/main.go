package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/iter8/tracker-node/internal/api"
	"github.com/iter8/tracker-node/internal/config"
	"github.com/iter8/tracker-node/internal/manifest"
	"github.com/iter8/tracker-node/internal/orchestrator"
	"github.com/iter8/tracker-node/internal/storage"
	"github.com/iter8/tracker-node/internal/summarize"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewMinIOStorage(storage.Config{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
		PublicURL: cfg.MinIO.PublicURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure bucket: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithBlobStore(store),
		orchestrator.WithSessionTimeout(cfg.SessionTimeout),
		orchestrator.WithLogger(logger),
	}
	if cfg.Docker.Enabled {
		docker, err := orchestrator.NewDockerClient()
		if err != nil {
			return err
		}
		defer docker.Close()
		opts = append(opts, orchestrator.WithDocker(docker, cfg.Docker.Network, cfg.Docker.Image))
	}
	orch := orchestrator.New(opts...)
	orch.Start(ctx)

	var summarizer api.Summarizer
	if cfg.OpenAI.APIKey != "" {
		summarizer = summarize.New(summarize.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Logger:  logger,
		})
	} else {
		logger.Warn("OPENAI_API_KEY not set, /summarize is disabled")
	}

	server := api.NewServer(api.ServerConfig{
		Store:        store,
		Orchestrator: orch,
		Manifest:     manifest.NewBuilder(),
		Summarizer:   summarizer,
		PublicHost:   cfg.PublicHost,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting tracker-node server", "addr", cfg.ListenAddr, "remote_browsers", cfg.Docker.Enabled)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	orch.Shutdown(shutdownCtx)
	return nil
}
