package config

import (
	"errors"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvBotToken    = "BOT_TOKEN"
	EnvAdminIDs    = "ADMIN_IDS"
	EnvDBPath      = "DB_PATH"
	EnvDatabaseURL = "DATABASE_URL"
	EnvSiteURL     = "SITE_URL"
	EnvLogFile     = "LOG_FILE"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables that are already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ParseAdminIDs splits a comma or semicolon separated id list. Entries that are
// not integers are returned in bad so the caller can log them.
func ParseAdminIDs(raw string) (ids []int64, bad []string) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	seen := map[int64]bool{}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			bad = append(bad, f)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, bad
}

// applyEnv overlays environment values on cfg and returns unparsable
// ADMIN_IDS entries.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) []string {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvBotToken); ok {
		cfg.Telegram.Token = v
	}
	var bad []string
	if v, ok := get(EnvAdminIDs); ok {
		cfg.Telegram.AdminIDs, bad = ParseAdminIDs(v)
	}
	if v, ok := get(EnvDatabaseURL); ok {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v, ok := get(EnvDBPath); ok {
		cfg.Storage.Path = v
	}
	if v, ok := get(EnvSiteURL); ok {
		cfg.SiteURL = v
	}
	if v, ok := get(EnvLogFile); ok {
		cfg.Logging.File.Enabled = true
		cfg.Logging.File.Path = v
	}
	return bad
}
