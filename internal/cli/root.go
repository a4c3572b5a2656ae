// Package cli implements the agent-runtime CLI commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-runtime/internal/config"
	"github.com/rcliao/agent-runtime/internal/logging"
	"github.com/rcliao/agent-runtime/internal/store"
	"github.com/rcliao/agent-runtime/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

var (
	dbPath     string
	configPath string
	formatFlag string

	cfg      config.Config
	logger   *slog.Logger
	logClose io.Closer
	shutdown telemetry.Shutdown
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "agent-runtime",
	Short: "Run model-driven agents with persistent working memory",
	Long: "Drives a language model through steps of prompt, streamed response and " +
		"action dispatch. Contexts, working memory and episodes are SQLite-backed.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		switch formatFlag {
		case "json", "yaml", "text":
		default:
			return fmt.Errorf("unknown format %q (want json, yaml or text)", formatFlag)
		}
		if logger, logClose, err = logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
			return err
		}
		slog.SetDefault(logger)
		shutdown, err = telemetry.Init(cmd.Context(), cfg.OTELEndpoint, "agent-runtime", Version, cfg.OTELInsecure)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if shutdown != nil {
			if err := shutdown(context.WithoutCancel(cmd.Context())); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}
		if logClose != nil {
			logClose.Close()
		}
	},
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $AGENT_RUNTIME_DB or ~/.agent-runtime/runtime.db)")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: agent-runtime.yaml in . or ~/.agent-runtime)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json, yaml or text")
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.DBPath)
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
