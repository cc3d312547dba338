package storage

import (
	"context"
	"time"
)

// UpsertUser records an interaction: the first call creates the user, later
// calls bump last_seen. The admin flag is only ever raised, never cleared.
func (s *SQLStore) UpsertUser(ctx context.Context, userID int64, isAdmin bool, now time.Time) error {
	ts := now.Unix()
	_, err := s.exec(ctx, `
		INSERT INTO users (user_id, is_admin, first_seen, last_seen, is_blocked)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT (user_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			is_admin  = CASE WHEN users.is_admin = 1 OR excluded.is_admin = 1 THEN 1 ELSE 0 END`,
		userID, boolToInt(isAdmin), ts, ts,
	)
	return err
}

// GetUser loads one user.
func (s *SQLStore) GetUser(ctx context.Context, userID int64) (User, error) {
	var (
		u               User
		admin, blocked  int
		first, lastSeen int64
	)
	err := s.queryRow(ctx,
		`SELECT user_id, is_admin, first_seen, last_seen, is_blocked FROM users WHERE user_id = ?`, userID,
	).Scan(&u.ID, &admin, &first, &lastSeen, &blocked)
	if err != nil {
		return User{}, notFound(err)
	}
	u.IsAdmin = admin != 0
	u.IsBlocked = blocked != 0
	u.FirstSeen = time.Unix(first, 0).UTC()
	u.LastSeen = time.Unix(lastSeen, 0).UTC()
	return u, nil
}

// MarkUserBlocked flags a user the transport reported as unreachable.
func (s *SQLStore) MarkUserBlocked(ctx context.Context, userID int64) error {
	_, err := s.exec(ctx, `UPDATE users SET is_blocked = 1 WHERE user_id = ?`, userID)
	return err
}

// ActiveUserIDs returns every non-blocked user, admins included, ordered by id.
func (s *SQLStore) ActiveUserIDs(ctx context.Context) ([]int64, error) {
	return s.userIDs(ctx, `SELECT user_id FROM users WHERE is_blocked = 0 ORDER BY user_id`)
}

// AdminUserIDs returns every non-blocked admin, ordered by id.
func (s *SQLStore) AdminUserIDs(ctx context.Context) ([]int64, error) {
	return s.userIDs(ctx, `SELECT user_id FROM users WHERE is_blocked = 0 AND is_admin = 1 ORDER BY user_id`)
}

func (s *SQLStore) userIDs(ctx context.Context, q string) ([]int64, error) {
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserStats computes the audience summary relative to now.
func (s *SQLStore) UserStats(ctx context.Context, now time.Time) (UserStats, error) {
	day := now.Add(-24 * time.Hour).Unix()
	week := now.Add(-7 * 24 * time.Hour).Unix()
	month := now.Add(-30 * 24 * time.Hour).Unix()

	var st UserStats
	err := s.queryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN first_seen >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN last_seen >= ? AND is_blocked = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN last_seen >= ? AND is_blocked = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN last_seen >= ? AND is_blocked = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_blocked = 1 THEN 1 ELSE 0 END), 0)
		FROM users`,
		day, day, week, month,
	).Scan(&st.Total, &st.New24h, &st.Active24h, &st.Active7d, &st.Active30d, &st.Blocked)
	return st, err
}

// AddWebviewEvent records that a user opened the web app entry point.
func (s *SQLStore) AddWebviewEvent(ctx context.Context, userID int64, now time.Time) error {
	_, err := s.exec(ctx, `INSERT INTO webview_events (user_id, created_at) VALUES (?, ?)`, userID, now.Unix())
	return err
}

// CountWebviewEvents counts web app opens since the given time.
func (s *SQLStore) CountWebviewEvents(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM webview_events WHERE created_at >= ?`, since.Unix()).Scan(&n)
	return n, err
}
