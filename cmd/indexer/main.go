package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/84hero/token-indexer/pkg/config"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"
)

func main() {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		log.Crit("Application failed", "err", err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	load := func() (*config.Config, error) {
		var (
			cfg *config.Config
			err error
		)
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return nil, err
		}
		setupLogger(cfg.Log)
		return cfg, nil
	}

	root := &cobra.Command{
		Use:           "indexer",
		Short:         "Sync issued token events into the issuer database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $CONFIG_FILE or ./config.yaml)")

	root.AddCommand(newRunCmd(load), newMigrateCmd(load), newStreamsCmd(load))
	return root
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return log.LevelTrace
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

func setupLogger(cfg config.LogConfig) {
	level := parseLevel(cfg.Level)
	if cfg.Format == "json" {
		log.SetDefault(log.NewLogger(log.JSONHandlerWithLevel(os.Stderr, level)))
		return
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))
}
