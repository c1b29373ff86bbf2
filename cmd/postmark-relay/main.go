// Package main is the entry point for the SMTP-to-Postmark relay.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/postmark-relay/internal/bootstrap"
	"github.com/shineum/postmark-relay/internal/config"
	"github.com/shineum/postmark-relay/internal/dispatch"
	"github.com/shineum/postmark-relay/internal/smtp"
	smtptls "github.com/shineum/postmark-relay/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := bootstrap.SetupLogger(os.Stdout, cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		logger.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	factory, err := bootstrap.Factory(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create transport", "error", err)
		os.Exit(1)
	}

	dispatcher, err := dispatch.NewDispatcher(factory, logger)
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		os.Exit(1)
	}

	server, err := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Sender:         dispatcher,
		Dispatch:       cfg.Dispatch(),
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: int(cfg.SMTP.MaxMessageSize),
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create SMTP server", "error", err)
		os.Exit(1)
	}

	logger.Info("starting postmark-relay",
		"listen", cfg.SMTP.Listen,
		"transport", cfg.Transport,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	// Blocks until a signal cancels ctx.
	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("postmark-relay stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
