// Package main is a one-shot CLI that sends messages described in YAML files.
//
// Usage:
//
//	postmark-send [-config relay.yaml] [-template 1234|alias] [-concurrency 4] message.yaml...
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/postmark-relay/internal/bootstrap"
	"github.com/shineum/postmark-relay/internal/config"
	"github.com/shineum/postmark-relay/internal/dispatch"
	"github.com/shineum/postmark-relay/internal/email"
	"github.com/shineum/postmark-relay/internal/msgfile"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	templateRef := flag.String("template", "", "template id or alias applied to every message")
	concurrency := flag.Int("concurrency", 4, "maximum number of messages sent at once")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] message.yaml...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, *configPath, *templateRef, *concurrency, flag.Args()); err != nil {
		slog.Error("send failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, templateRef string, concurrency int, paths []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := bootstrap.SetupLogger(os.Stderr, cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	loader, err := msgfile.NewLoader()
	if err != nil {
		return err
	}

	msgs := make([]*email.MailMessage, 0, len(paths))
	for _, p := range paths {
		msg, err := loader.Load(p, templateRef)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	factory, err := bootstrap.Factory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.NewDispatcher(factory, logger)
	if err != nil {
		return err
	}

	outcomes := dispatcher.SendBatch(ctx, msgs, cfg.Dispatch(), concurrency)

	failed := 0
	for i, o := range outcomes {
		if o.Err != nil {
			failed++
			fmt.Fprintf(os.Stdout, "FAIL %s: %v\n", paths[i], o.Err)
			continue
		}
		fmt.Fprintf(os.Stdout, "OK   %s: %s\n", paths[i], o.Result.MessageID)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d messages failed", failed, len(outcomes))
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
