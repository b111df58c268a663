package cmd

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/browser"
	"github.com/harunari/chotatsu-sync/internal/clock/system"
	"github.com/harunari/chotatsu-sync/internal/config"
	"github.com/harunari/chotatsu-sync/internal/download"
	"github.com/harunari/chotatsu-sync/internal/ledger"
	"github.com/harunari/chotatsu-sync/internal/mirror"
	"github.com/harunari/chotatsu-sync/internal/notify"
	"github.com/harunari/chotatsu-sync/internal/portal"
	"github.com/harunari/chotatsu-sync/internal/runner"
	"github.com/harunari/chotatsu-sync/internal/walker"
)

// newSyncCmd creates the 'sync' subcommand, the default unattended run:
// navigate, download what is new, record, mirror, notify.
func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Runs one full sync pass against the portal",
		Long: `Connects to the portal, searches for announcements, downloads the
keyword-matching attachments of every announcement the ledger has not seen,
and sends one summary notification. A maintenance banner is a clean no-op;
connectivity failures exit non-zero after an error notification.`,

		RunE: runSyncCommand,
	}
}

func runSyncCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg, logger := a.cfg, a.logger

	tempDir := filepath.Join(cfg.Download.Dir, ".staging")
	session, err := browser.NewSession(browser.Config{
		UserAgent:   cfg.Portal.UserAgent,
		WaitTimeout: 30 * time.Second,
		TempDir:     tempDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer session.Close()

	page, err := session.NewPage()
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}

	nav := walker.New(walker.FromBrowser(page), walker.Config{
		URL:        cfg.Portal.URL,
		NameFilter: cfg.Search.NameFilter,
		NewOnly:    cfg.Search.NewOnly,
		PageSize:   cfg.Search.PageSize,
		Keywords:   cfg.Download.Keywords,
	}, logger)

	led, err := ledger.Load(afero.NewOsFs(), cfg.Ledger.Path, system.New(), logger)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	// One watcher per page; each batch scopes it to its own detail frame.
	watcher := browser.NewDownloadWatcher(page, tempDir, logger)
	factory := func(detail walker.Frame) runner.Downloader {
		return download.New(watcher.ForFrame(detail), download.Config{
			BatchTimeout: cfg.Download.BatchTimeout(),
			ClickDelay:   cfg.Download.ClickDelay(),
		}, logger)
	}

	remote, err := buildMirror(cmd, cfg, logger)
	if err != nil {
		return err
	}

	r := runner.New(cfg, nav, led, factory, remote, buildNotifier(cfg, logger), logger)
	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("sync run: %w", err)
	}
	logger.Info("sync run finished")
	return nil
}

// buildMirror returns nil when mirroring is disabled.
func buildMirror(cmd *cobra.Command, cfg config.Config, logger *zap.Logger) (portal.Mirror, error) {
	if !cfg.Mirror.Enabled {
		return nil, nil
	}
	g, err := mirror.NewGoogle(cmd.Context(), cfg.Mirror.CredentialsFile, logger)
	if err != nil {
		return nil, fmt.Errorf("init mirror: %w", err)
	}
	return g, nil
}

// buildNotifier assembles every enabled transport into one fan-out notifier.
// With nothing enabled the summary still lands in the log.
func buildNotifier(cfg config.Config, logger *zap.Logger) portal.Notifier {
	var transports []portal.Notifier
	if cfg.Notify.Mail.Enabled {
		transports = append(transports, notify.NewMail(notify.MailConfig{
			Host:     cfg.Notify.Mail.Host,
			Port:     cfg.Notify.Mail.Port,
			From:     cfg.Notify.Mail.From,
			To:       cfg.Notify.Mail.To,
			Username: cfg.Notify.Mail.Username,
			Password: cfg.Notify.Mail.Password,
		}))
	}
	if cfg.Notify.Webhook.Enabled {
		transports = append(transports, notify.NewWebhook(cfg.Notify.Webhook.URL, http.DefaultClient))
	}
	if cfg.Notify.Relay.Enabled {
		transports = append(transports, notify.NewRelayClient(cfg.Notify.Relay.URL, cfg.Notify.Relay.Secret, http.DefaultClient))
	}
	return notify.NewMulti(logger, transports...)
}
