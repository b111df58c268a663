package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/notify"
	"github.com/harunari/chotatsu-sync/internal/relay"
)

// newRelayCmd creates the 'relay' subcommand: a small HTTP server that
// accepts authenticated notification posts and forwards them to a webhook.
// It lets sync hosts without outbound chat access deliver summaries through
// one egress point.
func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Serves the notification relay",

		RunE: runRelayCommand,
	}
}

func runRelayCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger

	if cfg.Relay.Secret == "" {
		return fmt.Errorf("relay.secret must be set to serve the relay")
	}
	if cfg.Relay.ForwardWebhookURL == "" {
		return fmt.Errorf("relay.forward_webhook_url must be set to serve the relay")
	}

	downstream := notify.NewWebhook(cfg.Relay.ForwardWebhookURL, http.DefaultClient)
	srv := relay.New(cfg.Relay.Secret, downstream, logger)

	logger.Info("relay listening", zap.String("addr", cfg.Relay.ListenAddr))
	if err := http.ListenAndServe(cfg.Relay.ListenAddr, srv.Router()); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}
