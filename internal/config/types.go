package config

type Config struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Mailing  MailingConfig  `json:"mailing" yaml:"mailing"`

	// SiteURL is the web app opened by the "Играть" button.
	SiteURL string    `json:"site_url,omitempty" yaml:"site_url"`
	Ops     OpsConfig `json:"ops,omitempty" yaml:"ops"`
}

type TelegramConfig struct {
	Token    string  `json:"token" yaml:"token"`
	AdminIDs []int64 `json:"admin_ids" yaml:"admin_ids"`
	// LogChatID receives warn/error log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty" yaml:"log_chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty" yaml:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level" yaml:"level"`
	Console  bool            `json:"console" yaml:"console"`
	File     LoggingFile     `json:"file" yaml:"file"`
	Telegram LoggingTelegram `json:"telegram" yaml:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	MinLevel   string `json:"min_level" yaml:"min_level"`
	RatePerSec int    `json:"rate_per_sec" yaml:"rate_per_sec"`
}

// StorageConfig selects the SQL backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/bot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/bot" }
type StorageConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	Path        string `json:"path,omitempty" yaml:"path"`
	DSN         string `json:"dsn,omitempty" yaml:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty" yaml:"busy_timeout"` // Go duration string (sqlite)
}

// MailingConfig tunes delivery and the scheduled-mailing poller.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Asia/Dushanbe"
//   - batch_size: 30
//   - batch_pause: "2s"
//   - rate_per_sec: 25
//   - poll_interval: "30s"
//   - max_attempts: 2
type MailingConfig struct {
	Timezone     string `json:"timezone,omitempty" yaml:"timezone"`
	BatchSize    int    `json:"batch_size,omitempty" yaml:"batch_size"`
	BatchPause   string `json:"batch_pause,omitempty" yaml:"batch_pause"`
	RatePerSec   int    `json:"rate_per_sec,omitempty" yaml:"rate_per_sec"`
	PollInterval string `json:"poll_interval,omitempty" yaml:"poll_interval"`
	MaxAttempts  int    `json:"max_attempts,omitempty" yaml:"max_attempts"`
}

// OpsConfig controls the optional read-only HTTP endpoint.
//
// Prefer binding to localhost (e.g. "127.0.0.1:8081").
type OpsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr"`
	// Token, when set, is required as "Authorization: Bearer <token>" or ?token=.
	Token string `json:"token,omitempty" yaml:"token"`
	// Profiling mounts net/http/pprof under /debug.
	Profiling bool `json:"profiling,omitempty" yaml:"profiling"`
}
