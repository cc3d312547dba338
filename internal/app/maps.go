package app

import (
	"fmt"
	"strings"
	"time"

	"mailbot/internal/admin"
	"mailbot/internal/config"
	"mailbot/internal/mailing"
	"mailbot/internal/ops"
	"mailbot/internal/scheduler"
	"mailbot/internal/storage"
	logx "mailbot/pkg/logx"
)

const defaultDBPath = "./data/bot.db"

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultDBPath
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapExecutorConfig(ms config.MailingSettings) mailing.ExecutorConfig {
	return mailing.ExecutorConfig{
		BatchSize:   ms.BatchSize,
		BatchPause:  ms.BatchPause,
		RatePerSec:  ms.RatePerSec,
		MaxAttempts: ms.MaxAttempts,
	}
}

func mapSchedulerConfig(ms config.MailingSettings) scheduler.Config {
	return scheduler.Config{PollInterval: ms.PollInterval, Location: ms.Location}
}

func mapAdminSettings(cfg *config.Config, ms config.MailingSettings) admin.Settings {
	return admin.Settings{
		AdminIDs: append([]int64(nil), cfg.Telegram.AdminIDs...),
		SiteURL:  strings.TrimSpace(cfg.SiteURL),
		Location: ms.Location,
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:   cfg.Ops.Enabled,
		Addr:      strings.TrimSpace(cfg.Ops.Addr),
		Token:     strings.TrimSpace(cfg.Ops.Token),
		Profiling: cfg.Ops.Profiling,
	}
}

func pollTimeout(cfg *config.Config) (time.Duration, error) {
	return config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout)
}
