package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateMailing inserts a mailing record with zero counters and returns its id.
func (s *SQLStore) CreateMailing(ctx context.Context, m Mailing) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO mailings (type, created_at, post_link, from_chat, message_id, recipients_count)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		m.Type, m.CreatedAt.Unix(), m.PostLink, m.FromChat, m.MessageID, m.RecipientsCount,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create mailing: %w", err)
	}
	return id, nil
}

// ApplyMailingDelta adds to the delivered and error counters.
func (s *SQLStore) ApplyMailingDelta(ctx context.Context, id int64, delivered, errs int) error {
	if delivered < 0 || errs < 0 {
		return fmt.Errorf("apply mailing delta: negative delta (%d, %d)", delivered, errs)
	}
	res, err := s.exec(ctx, `
		UPDATE mailings
		SET delivered_count = delivered_count + ?,
		    error_count = error_count + ?
		WHERE id = ?`,
		delivered, errs, id,
	)
	if err != nil {
		return fmt.Errorf("apply mailing delta: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const mailingCols = `id, type, created_at, post_link, from_chat, message_id, recipients_count, delivered_count, error_count`

type scanner interface {
	Scan(dest ...any) error
}

func scanMailing(r scanner) (Mailing, error) {
	var (
		m       Mailing
		created int64
	)
	if err := r.Scan(&m.ID, &m.Type, &created, &m.PostLink, &m.FromChat, &m.MessageID,
		&m.RecipientsCount, &m.DeliveredCount, &m.ErrorCount); err != nil {
		return Mailing{}, err
	}
	m.CreatedAt = time.Unix(created, 0).UTC()
	return m, nil
}

// GetMailing loads one mailing record.
func (s *SQLStore) GetMailing(ctx context.Context, id int64) (Mailing, error) {
	m, err := scanMailing(s.queryRow(ctx, `SELECT `+mailingCols+` FROM mailings WHERE id = ?`, id))
	if err != nil {
		return Mailing{}, notFound(err)
	}
	return m, nil
}

// RecentMailings returns the latest limit mailings, newest id first.
func (s *SQLStore) RecentMailings(ctx context.Context, limit int) ([]Mailing, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.query(ctx, `SELECT `+mailingCols+` FROM mailings ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mailing
	for rows.Next() {
		m, err := scanMailing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
