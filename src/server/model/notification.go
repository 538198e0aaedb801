package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Notification is one durably persisted notification record. The id is
// assigned by the store on insert and is monotonically increasing, so it
// doubles as the tie-breaker when records share a created_at timestamp.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Subject   string    `json:"subject"`
	Content   string    `json:"content"`
	URL       string    `json:"url,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationModel handles notification database operations
type NotificationModel struct {
	DB *sql.DB
}

// InitSchema creates the tables this service owns. Safe to call on every
// startup.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			subject TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			read INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_user
			ON notifications (user_id, read);

		CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			allow_push INTEGER NOT NULL DEFAULT 1,
			allow_email INTEGER NOT NULL DEFAULT 0,
			allow_sms INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Insert persists a new notification and returns the assigned id. The
// record's Read flag is forced to false and CreatedAt is set here, at
// persistence time.
func (m *NotificationModel) Insert(ctx context.Context, n *Notification) (int64, error) {
	n.Read = false
	n.CreatedAt = time.Now().UTC()

	result, err := m.DB.ExecContext(ctx, `
		INSERT INTO notifications (user_id, subject, content, url, image_url, read, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, n.UserID, n.Subject, n.Content, n.URL, n.ImageURL, n.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert notification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted notification id: %w", err)
	}
	n.ID = id
	return id, nil
}

// GetByID retrieves a single notification
func (m *NotificationModel) GetByID(ctx context.Context, id int64) (*Notification, error) {
	n := &Notification{}
	err := m.DB.QueryRowContext(ctx, `
		SELECT id, user_id, subject, content, url, image_url, read, created_at
		FROM notifications WHERE id = ?
	`, id).Scan(&n.ID, &n.UserID, &n.Subject, &n.Content, &n.URL, &n.ImageURL, &n.Read, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("notification not found")
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ListForUser returns one page of a user's notifications, newest first
// (created_at descending, id descending on ties), plus the user's total
// unread count independent of the pagination window.
func (m *NotificationModel) ListForUser(ctx context.Context, userID string, offset, limit int) ([]*Notification, int, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, user_id, subject, content, url, image_url, read, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n := &Notification{}
		if err := rows.Scan(&n.ID, &n.UserID, &n.Subject, &n.Content, &n.URL,
			&n.ImageURL, &n.Read, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	unread, err := m.UnreadCount(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return notifications, unread, nil
}

// UnreadCount returns the count of unread notifications for a user
func (m *NotificationModel) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := m.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0
	`, userID).Scan(&count)
	return count, err
}

// MarkRead marks a notification as read. The owner check keeps one user
// from touching another user's records.
func (m *NotificationModel) MarkRead(ctx context.Context, id int64, userID string) error {
	result, err := m.DB.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("notification not found or not owned by user")
	}
	return nil
}

// PurgeOlderThan deletes read notifications created before the cutoff and
// returns how many were removed. Unread records are kept regardless of age.
func (m *NotificationModel) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	result, err := m.DB.ExecContext(ctx,
		"DELETE FROM notifications WHERE read = 1 AND created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge notifications: %w", err)
	}
	return result.RowsAffected()
}

// MarkAllRead marks every unread notification for a user as read
func (m *NotificationModel) MarkAllRead(ctx context.Context, userID string) error {
	_, err := m.DB.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE user_id = ? AND read = 0", userID)
	return err
}
