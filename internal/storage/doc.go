// Package storage is the durable store of the bot: users, mailing records,
// the scheduled-mailing queue, captured channel posts and web-view events.
//
// One implementation (SQLStore) serves both supported engines:
//   - "sqlite": modernc.org/sqlite, single file, WAL
//   - "postgres": pgx through database/sql
//
// Queries are written with '?' placeholders and rebound per dialect.
// Timestamps are stored as Unix seconds.
package storage
