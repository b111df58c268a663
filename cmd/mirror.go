package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/harunari/chotatsu-sync/internal/clock/system"
	"github.com/harunari/chotatsu-sync/internal/ledger"
	"github.com/harunari/chotatsu-sync/internal/runner"
)

// newMirrorCmd creates the 'mirror' subcommand: retry outstanding uploads
// from the ledger without touching the portal.
func newMirrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mirror",
		Short: "Retries pending mirror uploads from the ledger",
		Long: `Walks the ledger for rows with missing or failed uploads and pushes
only those files into the Drive mirror, then updates the Sheets index. The
portal is never contacted.`,

		RunE: runMirrorCommand,
	}
}

func runMirrorCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger

	if !cfg.Mirror.Enabled {
		return fmt.Errorf("mirror is disabled in the configuration")
	}

	led, err := ledger.Load(afero.NewOsFs(), cfg.Ledger.Path, system.New(), logger)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	remote, err := buildMirror(cmd, cfg, logger)
	if err != nil {
		return err
	}

	r := runner.New(cfg, nil, led, nil, remote, buildNotifier(cfg, logger), logger)
	if err := r.MirrorPass(cmd.Context()); err != nil {
		return fmt.Errorf("mirror pass: %w", err)
	}
	logger.Info("mirror pass finished")
	return nil
}
