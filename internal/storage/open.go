package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	logx "mailbot/pkg/logx"
)

// SQLStore implements every persistence operation on top of database/sql.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

// Open initializes the configured store and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*SQLStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		d = dialectSQLite
		db, err = openSQLite(ctx, cfg)
	case "postgres", "postgresql", "pgx":
		d = dialectPostgres
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	st := &SQLStore{db: db, d: d, log: log}
	applied, err := st.migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	if applied > 0 {
		log.Info("migrations applied", logx.String("dialect", d.name), logx.Int("count", applied))
	}
	return st, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect names the SQL engine in use.
func (s *SQLStore) Dialect() string { return s.d.name }

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
