package storage

import (
	"context"
	"fmt"
	"time"
)

// CreateScheduled enqueues a pending scheduled mailing and returns its id.
func (s *SQLStore) CreateScheduled(ctx context.Context, m ScheduledMailing) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO scheduled_mailings
			(mailing_type, post_link, from_chat, message_id, admin_chat_id, scheduled_at, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		m.MailingType, m.PostLink, m.FromChat, m.MessageID, m.AdminChatID,
		m.ScheduledAt.Unix(), m.CreatedAt.Unix(), string(StatusPending),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create scheduled mailing: %w", err)
	}
	return id, nil
}

const scheduledCols = `id, mailing_type, post_link, from_chat, message_id, admin_chat_id, scheduled_at, created_at, status`

func scanScheduled(r scanner) (ScheduledMailing, error) {
	var (
		m           ScheduledMailing
		at, created int64
		status      string
	)
	if err := r.Scan(&m.ID, &m.MailingType, &m.PostLink, &m.FromChat, &m.MessageID,
		&m.AdminChatID, &at, &created, &status); err != nil {
		return ScheduledMailing{}, err
	}
	m.ScheduledAt = time.Unix(at, 0).UTC()
	m.CreatedAt = time.Unix(created, 0).UTC()
	m.Status = Status(status)
	return m, nil
}

func (s *SQLStore) listScheduled(ctx context.Context, q string, args ...any) ([]ScheduledMailing, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledMailing
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DueScheduled returns pending rows whose time has come, earliest first,
// ties broken by id.
func (s *SQLStore) DueScheduled(ctx context.Context, now time.Time) ([]ScheduledMailing, error) {
	return s.listScheduled(ctx, `
		SELECT `+scheduledCols+`
		FROM scheduled_mailings
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, id ASC`,
		string(StatusPending), now.Unix(),
	)
}

// ListScheduled returns the latest limit rows of any status for display.
func (s *SQLStore) ListScheduled(ctx context.Context, limit int) ([]ScheduledMailing, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.listScheduled(ctx, `
		SELECT `+scheduledCols+`
		FROM scheduled_mailings
		ORDER BY scheduled_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
}

// GetScheduled loads one scheduled mailing.
func (s *SQLStore) GetScheduled(ctx context.Context, id int64) (ScheduledMailing, error) {
	m, err := scanScheduled(s.queryRow(ctx, `SELECT `+scheduledCols+` FROM scheduled_mailings WHERE id = ?`, id))
	if err != nil {
		return ScheduledMailing{}, notFound(err)
	}
	return m, nil
}

// TransitionScheduled moves a row from one status to another as a single
// conditional update. It fails with ErrInvalidTransition for changes outside
// the lifecycle, ErrNotFound for unknown ids and ErrStatusConflict when the
// row is no longer in the expected status.
func (s *SQLStore) TransitionScheduled(ctx context.Context, id int64, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	res, err := s.exec(ctx,
		`UPDATE scheduled_mailings SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition scheduled %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition scheduled %d: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	cur, err := s.GetScheduled(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: scheduled %d is %s, want %s", ErrStatusConflict, id, cur.Status, from)
}
