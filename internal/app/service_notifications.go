package app

import (
	"context"
	"encoding/json"

	"folio/api/internal/store"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 100
)

type NotificationList struct {
	Notifications []notificationView `json:"notifications"`
	UnreadCount   int                `json:"unreadCount"`
}

func (s *Service) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) (NotificationList, error) {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}
	items, err := s.store.ListNotifications(ctx, userID, unreadOnly, limit)
	if err != nil {
		return NotificationList{}, err
	}
	unread, err := s.store.UnreadNotificationCount(ctx, userID)
	if err != nil {
		return NotificationList{}, err
	}
	list := NotificationList{Notifications: make([]notificationView, 0, len(items)), UnreadCount: unread}
	for _, n := range items {
		list.Notifications = append(list.Notifications, toNotificationView(n))
	}
	return list, nil
}

func (s *Service) UnreadNotificationCount(ctx context.Context, userID string) (int, error) {
	return s.store.UnreadNotificationCount(ctx, userID)
}

// MarkNotificationsRead marks the given ids, or every notification when ids is empty.
func (s *Service) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	return s.store.MarkNotificationsRead(ctx, userID, ids)
}

func (s *Service) DeleteNotification(ctx context.Context, userID, notificationID string) error {
	return s.store.DeleteNotification(ctx, userID, notificationID)
}

func (s *Service) NotificationSettings(ctx context.Context, userID string) (store.NotificationSettings, error) {
	return s.store.NotificationSettings(ctx, userID)
}

// UpdateNotificationSettings merges a partial settings document over the
// current one; channels and kinds left out keep their value.
func (s *Service) UpdateNotificationSettings(ctx context.Context, userID string, patch json.RawMessage) (store.NotificationSettings, error) {
	if len(patch) == 0 || string(patch) == "null" {
		return store.NotificationSettings{}, invalidInput("settings is required")
	}
	settings, err := s.store.NotificationSettings(ctx, userID)
	if err != nil {
		return store.NotificationSettings{}, err
	}
	if err := json.Unmarshal(patch, &settings); err != nil {
		return store.NotificationSettings{}, invalidInput("settings must map email and push to per-kind booleans")
	}
	if err := s.store.UpdateNotificationSettings(ctx, userID, settings); err != nil {
		return store.NotificationSettings{}, err
	}
	return settings, nil
}
