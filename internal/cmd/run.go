package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/threadline-ai/threadline/internal/broker"
	"github.com/threadline-ai/threadline/internal/config"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the broker (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "threadline.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := buildLogger(cmd, cfg.Logging)

	b, err := broker.New(cfg, broker.Options{
		Version:    version,
		ConfigPath: configPath,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize broker", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("threadline starting", "version", version, "config", configPath)

	if err := b.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("broker error", "error", err)
		os.Exit(1)
	}

	logger.Info("broker stopped")
	return nil
}

// buildLogger sets up structured logging from the config, with the
// persistent flags taking precedence when set.
func buildLogger(cmd *cobra.Command, cfg config.LoggingConfig) *slog.Logger {
	level := cfg.Level
	if f := cmd.Root().PersistentFlags().Lookup("log-level"); f != nil && f.Changed {
		level = f.Value.String()
	}
	format := cfg.Format
	if f := cmd.Root().PersistentFlags().Lookup("log-format"); f != nil && f.Changed {
		format = f.Value.String()
	}

	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
