package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const notificationColumns = `id, recipient_id, sender_id, type, title, message, data, is_read, read_at, is_email_sent, created_at`

func scanNotification(row rowScanner) (Notification, error) {
	var item Notification
	var data []byte
	var readAt sql.NullTime
	err := row.Scan(&item.ID, &item.RecipientID, &item.SenderID, &item.Type, &item.Title, &item.Message,
		&data, &item.IsRead, &readAt, &item.IsEmailSent, &item.CreatedAt)
	if err != nil {
		return Notification{}, err
	}
	item.Data = data
	item.ReadAt = timePtr(readAt)
	return item, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) (Notification, error) {
	created, err := scanNotification(s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, recipient_id, sender_id, type, title, message, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+notificationColumns,
		item.ID, item.RecipientID, item.SenderID, item.Type, item.Title, item.Message, jsonOrEmpty(item.Data)))
	if err != nil {
		return Notification{}, translate("insert notification", err)
	}
	return created, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE recipient_id = $1 AND (NOT $2 OR NOT is_read)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := []Notification{}
	for rows.Next() {
		item, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UnreadNotificationCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient_id=$1 AND NOT is_read`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationsRead marks the given notifications read, or all of the user's when ids is empty.
func (s *PostgresStore) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	var result sql.Result
	var err error
	if len(ids) == 0 {
		result, err = s.db.ExecContext(ctx, `
			UPDATE notifications SET is_read=TRUE, read_at=NOW() WHERE recipient_id=$1 AND NOT is_read
		`, userID)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE notifications SET is_read=TRUE, read_at=NOW() WHERE recipient_id=$1 AND NOT is_read AND id = ANY($2)
		`, userID, ids)
	}
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, userID, notificationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id=$1 AND recipient_id=$2`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) MarkNotificationEmailSent(ctx context.Context, notificationID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_email_sent=TRUE WHERE id=$1`, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification email sent: %w", err)
	}
	return nil
}

// PurgeNotifications deletes notifications created before cutoff.
func (s *PostgresStore) PurgeNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
