// Command server exposes the cluegraph engine over HTTP: POST /search runs
// the retrieval pipeline, POST /index/event, /index/chunk and
// /index/document feed the store, GET /healthz reports liveness.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cluegraph/cluegraph"
)

type serverConfig struct {
	Listen string           `yaml:"listen"`
	APIKey string           `yaml:"api_key"`
	Engine cluegraph.Config `yaml:"engine"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Listen: ":8080",
		Engine: cluegraph.DefaultConfig(),
	}
}

func loadConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}

	// Environment overrides for secrets and deployment knobs.
	if v := os.Getenv("CLUEGRAPH_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CLUEGRAPH_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("CLUEGRAPH_DB_PATH"); v != "" {
		cfg.Engine.DBPath = v
	}
	if v := os.Getenv("CLUEGRAPH_CHAT_API_KEY"); v != "" {
		cfg.Engine.Chat.APIKey = v
	}
	if v := os.Getenv("CLUEGRAPH_EMBEDDING_API_KEY"); v != "" {
		cfg.Engine.Embedding.APIKey = v
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("configuration failed", "error", err)
		os.Exit(1)
	}

	engine, err := cluegraph.New(cfg.Engine)
	if err != nil {
		slog.Error("engine startup failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      newRouter(engine, cfg.APIKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}
