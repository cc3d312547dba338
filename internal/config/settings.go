package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	DefaultTimezone     = "Asia/Dushanbe"
	DefaultBatchSize    = 30
	DefaultBatchPause   = 2 * time.Second
	DefaultRatePerSec   = 25
	DefaultPollInterval = 30 * time.Second
	DefaultMaxAttempts  = 2
	DefaultPollTimeout  = 10 * time.Second
	DefaultOpsAddr      = "127.0.0.1:8081"
)

// Duration parses a config duration field such as "30s". Blank or zero
// yields def; negative values are rejected. key names the field in errors.
func Duration(key, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative", key)
	case d == 0:
		return def, nil
	}
	return d, nil
}

// MailingSettings is MailingConfig with defaults applied and strings parsed.
type MailingSettings struct {
	Location     *time.Location
	BatchSize    int
	BatchPause   time.Duration
	RatePerSec   int
	PollInterval time.Duration
	MaxAttempts  int
}

// Resolve parses the mailing section.
func (c MailingConfig) Resolve() (MailingSettings, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return MailingSettings{}, fmt.Errorf("mailing.timezone: %w", err)
	}
	pause, err := Duration("mailing.batch_pause", c.BatchPause, DefaultBatchPause)
	if err != nil {
		return MailingSettings{}, err
	}
	poll, err := Duration("mailing.poll_interval", c.PollInterval, DefaultPollInterval)
	if err != nil {
		return MailingSettings{}, err
	}
	if poll < time.Second {
		return MailingSettings{}, fmt.Errorf("mailing.poll_interval: must be >= 1s")
	}

	s := MailingSettings{
		Location:     loc,
		BatchSize:    c.BatchSize,
		BatchPause:   pause,
		RatePerSec:   c.RatePerSec,
		PollInterval: poll,
		MaxAttempts:  c.MaxAttempts,
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.RatePerSec <= 0 {
		s.RatePerSec = DefaultRatePerSec
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	return s, nil
}

// Validate checks everything the app needs before it can start or accept a
// reloaded config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token: required (or set %s)", EnvBotToken))
	}
	if _, err := Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvDatabaseURL))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	if _, err := Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Mailing.Resolve(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
