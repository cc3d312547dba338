package storage

import (
	"context"
	"embed"
	"io/fs"
	"path"
	"sort"
	"time"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrate applies every not-yet-recorded migration file of the dialect in
// name order, one transaction per file. It returns the number applied.
func (s *SQLStore) migrate(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return 0, err
	}

	entries, err := fs.ReadDir(migrationsFS, s.d.migrations)
	if err != nil {
		return 0, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	applied := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version := e.Name()

		var n int
		if err := s.queryRow(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&n); err != nil {
			return applied, err
		}
		if n > 0 {
			continue
		}

		body, err := fs.ReadFile(migrationsFS, path.Join(s.d.migrations, version))
		if err != nil {
			return applied, err
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return applied, err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return applied, err
		}
		if _, err := tx.ExecContext(ctx, s.d.rebind(`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`),
			version, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return applied, err
		}
		if err := tx.Commit(); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
