package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"folio/api/internal/email"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EmailQueueGroup spreads email jobs across API nodes.
const EmailQueueGroup = "folio-email"

// EmailJob is one notification email waiting to be sent.
type EmailJob struct {
	NotificationID string                 `json:"notificationId"`
	RecipientID    string                 `json:"recipientId,omitempty"`
	Kind           email.Kind             `json:"kind"`
	To             string                 `json:"to"`
	Data           email.NotificationData `json:"data"`
}

type Queue interface {
	Enqueue(ctx context.Context, job EmailJob) error
	Close() error
}

// InlineQueue runs each job on its own goroutine. It is used when no broker
// is configured.
type InlineQueue struct {
	worker *Worker
}

func NewInlineQueue(worker *Worker) *InlineQueue {
	return &InlineQueue{worker: worker}
}

func (q *InlineQueue) Enqueue(_ context.Context, job EmailJob) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = q.worker.Handle(ctx, job)
	}()
	return nil
}

func (q *InlineQueue) Close() error { return nil }

// NATSConfig configures the broker connection.
type NATSConfig struct {
	URL           string
	Subject       string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSQueue publishes email jobs to a subject and, once Consume is called,
// works them off as a member of EmailQueueGroup.
type NATSQueue struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
	logger  *zap.Logger
}

func NewNATSQueue(cfg NATSConfig, logger *zap.Logger) (*NATSQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.Subject == "" {
		return nil, errors.New("nats subject missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("nats")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSQueue{nc: nc, subject: cfg.Subject, logger: log}, nil
}

func (q *NATSQueue) Enqueue(_ context.Context, job EmailJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode email job: %w", err)
	}
	msg := nats.NewMsg(q.subject)
	msg.Data = data
	msg.Header.Set("Notification-Id", job.NotificationID)
	if err := q.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish email job: %w", err)
	}
	return nil
}

// Consume subscribes worker to the job subject. Undecodable jobs are logged
// and dropped.
func (q *NATSQueue) Consume(worker *Worker) error {
	sub, err := q.nc.QueueSubscribe(q.subject, EmailQueueGroup, func(m *nats.Msg) {
		job, err := decodeJob(m.Data)
		if err != nil {
			q.logger.Warn("dropping email job", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = worker.Handle(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.subject, err)
	}
	q.sub = sub
	return nil
}

func (q *NATSQueue) Close() error {
	if q.sub != nil {
		_ = q.sub.Drain()
	}
	return q.nc.Drain()
}

func decodeJob(data []byte) (EmailJob, error) {
	var job EmailJob
	if err := json.Unmarshal(data, &job); err != nil {
		return EmailJob{}, fmt.Errorf("decode email job: %w", err)
	}
	if job.NotificationID == "" || job.To == "" || job.Kind == "" {
		return EmailJob{}, errors.New("email job missing fields")
	}
	return job, nil
}
