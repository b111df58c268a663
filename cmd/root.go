// Package cmd defines the CLI commands for the chotatsu-sync executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/config"
	"github.com/harunari/chotatsu-sync/internal/logging"
)

var cfgFile string

// appKeyType is the context key for the shared application services.
type appKeyType string

const appKey appKeyType = "app"

// app bundles the services every subcommand needs.
type app struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates and configures the root command. Configuration and the
// logger are built in PersistentPreRunE so every subcommand gets them from
// the context.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chotatsu-sync",
		Short: "Unattended sync of procurement announcements and their attachments",
		Long: `chotatsu-sync walks a frame-based procurement portal, downloads the
attachments of announcements it has not seen before, records everything in a
durable run ledger, and optionally mirrors the files into Drive with a
Sheets index. Every run ends with exactly one summary notification.`,

		SilenceUsage: true,

		// Bare invocation runs a sync pass; that is the cron entry point.
		RunE: runSyncCommand,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A .env is optional; missing is the normal case in production.
			_ = godotenv.Load()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), appKey, &app{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app); ok && a != nil {
				_ = a.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./chotatsu.toml)")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newMirrorCmd())
	cmd.AddCommand(newRelayCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app, error) {
	a, ok := ctx.Value(appKey).(*app)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
