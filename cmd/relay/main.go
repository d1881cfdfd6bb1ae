package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	relay "github.com/ferro-labs/openai-relay"
	"github.com/ferro-labs/openai-relay/internal/logging"
	"github.com/ferro-labs/openai-relay/internal/version"
)

func main() {
	logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	log := logging.Logger

	cfgPath := os.Getenv("RELAY_CONFIG")
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := relay.ValidateConfig(*cfg); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	rl, err := relay.New(*cfg)
	if err != nil {
		log.Error("failed to create relay", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rl.Close() }()

	keys := keyringFromConfig(*cfg)
	if keys.Len() == 0 {
		log.Warn("no users configured; every authenticated route will answer 401")
	}

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(rl, keys),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// SIGHUP reloads backends and feature flags from the config file.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			next, err := loadConfig(cfgPath)
			if err == nil {
				err = relay.ValidateConfig(*next)
			}
			if err != nil {
				log.Error("config reload rejected", "error", err)
				continue
			}
			rl.Reload(*next)
		}
	}()

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	log.Info("relay listening", "version", version.Short(), "addr", addr, "backends", rl.Registry.Len())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		stop()
		os.Exit(1) //nolint:gocritic
	}
	log.Info("server stopped")
}

// loadConfig reads path when set, otherwise builds the config from the
// environment alone.
func loadConfig(path string) (*relay.Config, error) {
	if path == "" {
		return relay.LoadConfigFromEnv()
	}
	return relay.LoadConfig(path)
}
