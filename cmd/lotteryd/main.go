// Command lotteryd is the lottery client daemon. It reconciles the contract
// and its subgraph into one view, owns the wallet session, and serves both to
// pages over HTTP and WebSocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marko911/lottery-pulse/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "lotteryd",
		Short:         "Turn-based on-chain lottery client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(true)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("LOTTERY_CONFIG"), "Path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCommand(opts),
		newWatchCommand(opts),
		newStartRoundCommand(opts),
		newJoinCommand(opts),
		newStatusCommand(opts),
		newFollowCommand(opts),
	)
	return cmd
}

// load builds the logger and configuration. validate is false for commands
// that never touch the wallet or the contract.
func (o *rootOptions) load(validate bool) error {
	level, err := parseLevel(o.logLevel)
	if err != nil {
		return err
	}
	o.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		o.logger.Error("failed to load config", "error", err)
		return err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			o.logger.Error("invalid config", "error", err)
			return err
		}
	}
	o.cfg = cfg
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
