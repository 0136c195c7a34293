package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	// M-Team site credentials
	MTeamUsername string `env:"MTEAM_USERNAME,required"`
	MTeamPassword string `env:"MTEAM_PASSWORD,required"`

	// Mailbox receiving the verification codes
	MailboxEmail    string `env:"MAILBOX_EMAIL,required"`
	MailboxPassword string `env:"MAILBOX_PASSWORD,required"`
	IMAPServer      string `env:"IMAP_SERVER" envDefault:"imap.gmail.com:993"`
	MailboxName     string `env:"MAILBOX_NAME" envDefault:"INBOX"`

	// Browser
	Headless       bool          `env:"HEADLESS" envDefault:"true"`
	Proxy          string        `env:"PROXY"`
	UserAgent      string        `env:"USER_AGENT"`
	BrowserBinary  string        `env:"BROWSER_BINARY"`
	BrowserDataDir string        `env:"BROWSER_DATA_DIR" envDefault:"./chrome_user_data"`
	NavRetries     int           `env:"NAV_RETRIES" envDefault:"3"`
	NavRetryDelay  time.Duration `env:"NAV_RETRY_DELAY" envDefault:"3s"`

	// Overall budget for one login attempt, verification included
	RunTimeout time.Duration `env:"RUN_TIMEOUT" envDefault:"15m"`

	// Mailbox polling. Mail arrival latency varies a lot between providers,
	// so every threshold here is tunable.
	Guard             time.Duration `env:"SEND_WINDOW_GUARD" envDefault:"120s"`
	PollTimeout       time.Duration `env:"POLL_TIMEOUT" envDefault:"60s"`
	MaxPollRounds     int           `env:"MAX_POLL_ROUNDS" envDefault:"5"`
	SubPassDelay      time.Duration `env:"SUBPASS_DELAY" envDefault:"1s"`
	RoundWaitCap      time.Duration `env:"ROUND_WAIT_CAP" envDefault:"5s"`
	OuterRetries      int           `env:"OUTER_RETRIES" envDefault:"5"`
	OuterRetryDelay   time.Duration `env:"OUTER_RETRY_DELAY" envDefault:"5s"`
	ConnectRetries    int           `env:"CONNECT_RETRIES" envDefault:"3"`
	ConnectRetryDelay time.Duration `env:"CONNECT_RETRY_DELAY" envDefault:"2s"`
	DialTimeout       time.Duration `env:"DIAL_TIMEOUT" envDefault:"30s"`

	// Verification-code email deletion after use
	DeleteAfterUse bool          `env:"DELETE_AFTER_USE" envDefault:"false"`
	DeleteWait     time.Duration `env:"DELETE_WAIT" envDefault:"5s"`

	// Operator alerts (optional; disabled when the key is empty)
	ResendAPIKey   string `env:"RESEND_API_KEY"`
	AlertRecipient string `env:"ALERT_RECIPIENT"`

	// Scheduling marker
	MarkerPath     string        `env:"MARKER_PATH" envDefault:"./data/last_run.json"`
	MinRunInterval time.Duration `env:"MIN_RUN_INTERVAL" envDefault:"24h"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
	LogDir    string `env:"LOG_DIR" envDefault:"./logs"`
}

// AlertsEnabled returns true if operator alerting is configured
func (c *Config) AlertsEnabled() bool {
	return c.ResendAPIKey != "" && c.AlertRecipient != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MaxPollRounds < 1 {
		return nil, fmt.Errorf("MAX_POLL_ROUNDS must be at least 1, got %d", cfg.MaxPollRounds)
	}
	if cfg.OuterRetries < 1 {
		return nil, fmt.Errorf("OUTER_RETRIES must be at least 1, got %d", cfg.OuterRetries)
	}

	return cfg, nil
}

// Mask redacts a credential for logging. The first few characters and the
// mail domain stay visible so operators can tell accounts apart.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if at := strings.LastIndex(s, "@"); at > 0 {
		return head(s[:at]) + "***@" + s[at+1:]
	}
	return head(s) + "***"
}

func head(s string) string {
	if len(s) <= 3 {
		return s[:1]
	}
	return s[:3]
}
