package notify

import (
	"context"
	"time"

	"folio/api/internal/email"

	"go.uber.org/zap"
)

// Retention is how long notifications are kept.
const Retention = 30 * 24 * time.Hour

type Mailer interface {
	IsConfigured() bool
	SendNotification(kind email.Kind, to string, data email.NotificationData) error
}

// Worker sends queued notification emails.
type Worker struct {
	store  Store
	mailer Mailer
	logger *zap.Logger
}

func NewWorker(st Store, mailer Mailer, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{store: st, mailer: mailer, logger: logger.Named("email-worker")}
}

// Handle sends one job and flags the notification as mailed. Without SMTP the
// job is skipped, and so is a job whose recipient turned the kind off after
// it was queued.
func (w *Worker) Handle(ctx context.Context, job EmailJob) error {
	log := w.logger.With(zap.String("notification_id", job.NotificationID), zap.String("kind", string(job.Kind)))
	if w.mailer == nil || !w.mailer.IsConfigured() {
		log.Debug("smtp not configured, skipping email")
		return nil
	}
	if job.RecipientID != "" {
		settings, err := w.store.NotificationSettings(ctx, job.RecipientID)
		if err != nil {
			log.Warn("notification settings lookup failed, sending anyway", zap.Error(err))
		} else if !settings.Email.Allows(string(job.Kind)) {
			log.Debug("recipient opted out of this email")
			return nil
		}
	}
	if err := w.mailer.SendNotification(job.Kind, job.To, job.Data); err != nil {
		log.Warn("send email failed", zap.Error(err))
		return err
	}
	if err := w.store.MarkNotificationEmailSent(ctx, job.NotificationID); err != nil {
		log.Warn("mark email sent failed", zap.Error(err))
		return err
	}
	log.Info("email sent")
	return nil
}

// RunRetention deletes notifications older than Retention once at start and
// then on every tick until ctx ends.
func RunRetention(ctx context.Context, st Store, every time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	purge := func() {
		n, err := st.PurgeNotifications(ctx, time.Now().Add(-Retention))
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("purge notifications failed", zap.Error(err))
			}
			return
		}
		if n > 0 {
			logger.Info("purged notifications", zap.Int64("count", n))
		}
	}

	purge()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}
