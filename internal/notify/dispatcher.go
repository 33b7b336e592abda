// Package notify persists notifications, pushes them to connected sessions
// and queues their emails.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"folio/api/internal/collab"
	"folio/api/internal/email"
	"folio/api/internal/store"
	"folio/api/internal/util"

	"go.uber.org/zap"
)

// Store is the persistence the notification pipeline needs.
type Store interface {
	InsertNotification(ctx context.Context, item store.Notification) (store.Notification, error)
	MarkNotificationEmailSent(ctx context.Context, notificationID string) error
	PurgeNotifications(ctx context.Context, before time.Time) (int64, error)
	NotificationSettings(ctx context.Context, userID string) (store.NotificationSettings, error)
}

// Emitter pushes an event to every session of one user.
type Emitter interface {
	EmitToUser(userID, event string, data any) error
}

// Notice describes one notification before it is stored.
type Notice struct {
	Kind      email.Kind
	Recipient store.User
	Sender    store.User
	Title     string
	Message   string
	PageTitle string
	Excerpt   string
	Role      string
	// Link is appended to the app URL in the email button.
	Link string
	Data map[string]any
}

// Payload is the realtime shape of a notification.
type Payload struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Sender    collab.Identity `json:"sender"`
	CreatedAt string          `json:"createdAt"`
}

type Dispatcher struct {
	store   Store
	emitter Emitter
	queue   Queue
	appURL  string
	logger  *zap.Logger
}

func NewDispatcher(st Store, emitter Emitter, queue Queue, appURL string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   st,
		emitter: emitter,
		queue:   queue,
		appURL:  strings.TrimRight(appURL, "/"),
		logger:  logger.Named("notify"),
	}
}

// Dispatch stores the notice and then pushes and mails it, each channel only
// when the recipient has not opted out of the kind. Only the store write can
// fail the call.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notice) (store.Notification, error) {
	var data json.RawMessage
	if len(n.Data) > 0 {
		raw, err := json.Marshal(n.Data)
		if err != nil {
			return store.Notification{}, fmt.Errorf("encode notification data: %w", err)
		}
		data = raw
	}

	item, err := d.store.InsertNotification(ctx, store.Notification{
		ID:          util.NewID("ntf"),
		RecipientID: n.Recipient.ID,
		SenderID:    n.Sender.ID,
		Type:        string(n.Kind),
		Title:       n.Title,
		Message:     n.Message,
		Data:        data,
	})
	if err != nil {
		return store.Notification{}, fmt.Errorf("store notification: %w", err)
	}

	log := d.logger.With(zap.String("notification_id", item.ID), zap.String("recipient", item.RecipientID))
	settings := d.settings(ctx, item.RecipientID, log)
	kind := string(n.Kind)
	if d.emitter != nil && settings.Push.Allows(kind) {
		if err := d.emitter.EmitToUser(item.RecipientID, collab.EventNotification, d.payload(item, n.Sender)); err != nil {
			log.Warn("realtime push failed", zap.Error(err))
		}
	}

	if d.queue != nil && n.Recipient.Email != "" && settings.Email.Allows(kind) {
		job := EmailJob{
			NotificationID: item.ID,
			RecipientID:    item.RecipientID,
			Kind:           n.Kind,
			To:             n.Recipient.Email,
			Data: email.NotificationData{
				RecipientName: displayName(n.Recipient),
				SenderName:    displayName(n.Sender),
				PageTitle:     n.PageTitle,
				Excerpt:       n.Excerpt,
				Role:          n.Role,
				ActionURL:     d.appURL + n.Link,
			},
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			log.Warn("email job not queued", zap.Error(err))
		}
	}
	return item, nil
}

// settings falls back to the defaults when the lookup fails so a settings
// outage never silences notifications.
func (d *Dispatcher) settings(ctx context.Context, userID string, log *zap.Logger) store.NotificationSettings {
	settings, err := d.store.NotificationSettings(ctx, userID)
	if err != nil {
		log.Warn("notification settings lookup failed", zap.Error(err))
		return store.DefaultNotificationSettings()
	}
	return settings
}

func (d *Dispatcher) payload(item store.Notification, sender store.User) Payload {
	return Payload{
		ID:        item.ID,
		Type:      item.Type,
		Title:     item.Title,
		Message:   item.Message,
		Data:      item.Data,
		Sender:    collab.Identity{ID: sender.ID, Username: sender.Username, Avatar: sender.Avatar},
		CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func displayName(u store.User) string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}
