// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Floors applied to timing knobs. The portal session destabilizes below these.
const (
	MinBatchTimeout   = 10 * time.Second
	MinClickDelay     = 1 * time.Second
	defaultConfigName = "chotatsu"
)

// Config captures every knob loaded from the TOML file and environment.
type Config struct {
	Portal   PortalConfig   `mapstructure:"portal"`
	Search   SearchConfig   `mapstructure:"search"`
	Download DownloadConfig `mapstructure:"download"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PortalConfig identifies the target portal and the browsing identity.
type PortalConfig struct {
	URL       string `mapstructure:"url"`
	UserAgent string `mapstructure:"user_agent"`
}

// SearchConfig narrows the announcement search.
type SearchConfig struct {
	NameFilter string `mapstructure:"name_filter"`
	NewOnly    bool   `mapstructure:"new_only"`
	PageSize   int    `mapstructure:"page_size"`
}

// DownloadConfig governs the attachment download batch.
type DownloadConfig struct {
	Keywords            []string `mapstructure:"keywords"`
	Dir                 string   `mapstructure:"dir"`
	BatchTimeoutSeconds int      `mapstructure:"batch_timeout_seconds"`
	ClickDelaySeconds   int      `mapstructure:"click_delay_seconds"`
}

// LedgerConfig controls run-ledger persistence and hygiene.
type LedgerConfig struct {
	Path          string `mapstructure:"path"`
	VerifyFiles   bool   `mapstructure:"verify_files"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// MirrorConfig points at the remote Drive/Sheets mirror.
type MirrorConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	CredentialsFile string `mapstructure:"credentials_file"`
	RootFolderID    string `mapstructure:"root_folder_id"`
	SheetID         string `mapstructure:"sheet_id"`
	SheetName       string `mapstructure:"sheet_name"`
}

// NotifyConfig selects and configures notification transports.
type NotifyConfig struct {
	Mail    MailConfig    `mapstructure:"mail"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Relay   RelayClient   `mapstructure:"relay"`
}

// MailConfig configures the SMTP transport.
type MailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// WebhookConfig configures the chat-webhook transport.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// RelayClient configures posting through the notification relay.
type RelayClient struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// RelayConfig configures the relay server itself.
type RelayConfig struct {
	ListenAddr        string `mapstructure:"listen_addr"`
	Secret            string `mapstructure:"secret"`
	ForwardWebhookURL string `mapstructure:"forward_webhook_url"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from a TOML file and CHOTATSU_-prefixed environment
// overrides. An empty path falls back to ./chotatsu.toml.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHOTATSU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.user_agent", "chotatsu-sync/1.0")
	v.SetDefault("search.new_only", true)
	v.SetDefault("search.page_size", 100)
	v.SetDefault("download.dir", "data")
	v.SetDefault("download.batch_timeout_seconds", 60)
	v.SetDefault("download.click_delay_seconds", 2)
	v.SetDefault("ledger.path", "data/ledger.json")
	v.SetDefault("ledger.verify_files", true)
	v.SetDefault("ledger.retention_days", 0)
	v.SetDefault("mirror.sheet_name", "downloads")
	v.SetDefault("notify.mail.port", 587)
	v.SetDefault("relay.listen_addr", ":8787")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Portal.URL == "" {
		return fmt.Errorf("portal.url must be set")
	}
	switch c.Search.PageSize {
	case 10, 25, 50, 100:
	default:
		return fmt.Errorf("search.page_size must be one of 10, 25, 50, 100 (got %d)", c.Search.PageSize)
	}
	if len(c.Download.Keywords) == 0 {
		return fmt.Errorf("download.keywords must list at least one keyword")
	}
	if c.Ledger.RetentionDays < 0 {
		return fmt.Errorf("ledger.retention_days must be >= 0")
	}
	if c.Mirror.Enabled {
		if c.Mirror.RootFolderID == "" {
			return fmt.Errorf("mirror.root_folder_id must be set when mirror is enabled")
		}
		if c.Mirror.SheetID == "" {
			return fmt.Errorf("mirror.sheet_id must be set when mirror is enabled")
		}
	}
	if c.Notify.Relay.Enabled && c.Notify.Relay.Secret == "" {
		return fmt.Errorf("notify.relay.secret must be set when the relay transport is enabled")
	}
	return nil
}

// BatchTimeout returns the shared download deadline with the floor applied.
func (c DownloadConfig) BatchTimeout() time.Duration {
	d := time.Duration(c.BatchTimeoutSeconds) * time.Second
	if d < MinBatchTimeout {
		return MinBatchTimeout
	}
	return d
}

// ClickDelay returns the inter-click spacing with the floor applied.
func (c DownloadConfig) ClickDelay() time.Duration {
	d := time.Duration(c.ClickDelaySeconds) * time.Second
	if d <= 0 {
		return MinClickDelay
	}
	return d
}

// Retention converts retention_days into a duration; zero disables pruning.
func (c LedgerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Snapshot renders the configuration for inclusion in an error notification.
// Credentials are elided.
func (c Config) Snapshot() string {
	var b strings.Builder
	fmt.Fprintf(&b, "portal.url=%s\n", c.Portal.URL)
	fmt.Fprintf(&b, "search.name_filter=%q new_only=%t page_size=%d\n",
		c.Search.NameFilter, c.Search.NewOnly, c.Search.PageSize)
	fmt.Fprintf(&b, "download.keywords=%s dir=%s batch_timeout=%s click_delay=%s\n",
		strings.Join(c.Download.Keywords, ","), c.Download.Dir,
		c.Download.BatchTimeout(), c.Download.ClickDelay())
	fmt.Fprintf(&b, "ledger.path=%s verify_files=%t retention_days=%d\n",
		c.Ledger.Path, c.Ledger.VerifyFiles, c.Ledger.RetentionDays)
	fmt.Fprintf(&b, "mirror.enabled=%t sheet=%s/%s\n",
		c.Mirror.Enabled, c.Mirror.SheetID, c.Mirror.SheetName)
	return b.String()
}
