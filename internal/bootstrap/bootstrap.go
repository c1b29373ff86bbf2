// Package bootstrap holds the wiring shared by the relay and sender binaries:
// logger setup and transport selection.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shineum/postmark-relay/internal/config"
	"github.com/shineum/postmark-relay/internal/provider"
	"github.com/shineum/postmark-relay/internal/provider/postmark"
	"github.com/shineum/postmark-relay/internal/provider/ses"
	"github.com/shineum/postmark-relay/internal/provider/stdout"
)

// ParseLevel maps a configured level name to a slog.Level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger installs a JSON slog handler writing to w as the default
// logger and returns it.
func SetupLogger(w io.Writer, level string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
	slog.SetDefault(logger)
	return logger
}

// Factory returns the provider factory for the configured transport.
// cfg must already be validated.
func Factory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Factory, error) {
	switch cfg.Transport {
	case config.TransportPostmark:
		opts := []postmark.Option{postmark.WithLogger(logger)}
		if cfg.Postmark.BaseURL != "" {
			opts = append(opts, postmark.WithBaseURL(cfg.Postmark.BaseURL))
		}
		timeout, err := cfg.PostmarkTimeout()
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, postmark.WithTimeout(timeout))
		}
		logger.Info("using Postmark transport", "base_url", baseURL(cfg.Postmark.BaseURL))
		return postmark.NewFactory(opts...), nil

	case config.TransportSES:
		logger.Info("using AWS SES transport",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		f, err := ses.NewFactory(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		return f, nil

	case config.TransportStdout:
		logger.Info("using stdout transport")
		return stdout.NewFactory(stdout.New()), nil

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, cfg.Transport)
	}
}

func baseURL(configured string) string {
	if configured == "" {
		return postmark.DefaultBaseURL
	}
	return configured
}
