package storage

import (
	"context"
	"database/sql"
	"time"
)

// SaveChannelPost stores a captured channel post. An empty preview is
// stored as NULL.
func (s *SQLStore) SaveChannelPost(ctx context.Context, p ChannelPost) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO channel_posts (chat_id, message_id, created_at, text_preview)
		VALUES (?, ?, ?, ?)
		RETURNING id`,
		p.ChatID, p.MessageID, p.CreatedAt.Unix(), nullStr(p.TextPreview),
	).Scan(&id)
	return id, err
}

func scanPost(r scanner) (ChannelPost, error) {
	var (
		p       ChannelPost
		created int64
		preview sql.NullString
	)
	if err := r.Scan(&p.ID, &p.ChatID, &p.MessageID, &created, &preview); err != nil {
		return ChannelPost{}, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.TextPreview = preview.String
	return p, nil
}

// RecentChannelPosts returns the latest limit posts, newest id first.
func (s *SQLStore) RecentChannelPosts(ctx context.Context, limit int) ([]ChannelPost, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.query(ctx, `
		SELECT id, chat_id, message_id, created_at, text_preview
		FROM channel_posts
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetChannelPost loads one captured post.
func (s *SQLStore) GetChannelPost(ctx context.Context, id int64) (ChannelPost, error) {
	p, err := scanPost(s.queryRow(ctx,
		`SELECT id, chat_id, message_id, created_at, text_preview FROM channel_posts WHERE id = ?`, id))
	if err != nil {
		return ChannelPost{}, notFound(err)
	}
	return p, nil
}
