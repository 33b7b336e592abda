package collab

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultBridgeChannel = "folio:rooms"

// RedisBridge mirrors room broadcasts between nodes over Redis pub/sub.
// Delivery is best effort, matching local fan-out.
type RedisBridge struct {
	client  *redis.Client
	channel string
	node    string
	out     chan RemoteMessage
	ready   chan struct{}
	logger  *zap.Logger
}

func NewRedisBridge(client *redis.Client, node string, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:  client,
		channel: DefaultBridgeChannel,
		node:    node,
		out:     make(chan RemoteMessage, 1024),
		ready:   make(chan struct{}),
		logger:  logger.Named("bridge"),
	}
}

// Publish queues msg for the publisher goroutine and drops it when the
// queue is full, so the hub loop never waits on Redis.
func (b *RedisBridge) Publish(msg RemoteMessage) {
	select {
	case b.out <- msg:
	default:
		b.logger.Warn("bridge queue full, dropping broadcast", zap.String("room", msg.Room))
	}
}

// Ready is closed once the subscription is confirmed.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Run subscribes and pumps messages both ways until ctx is done.
func (b *RedisBridge) Run(ctx context.Context, hub *Hub) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	close(b.ready)
	b.logger.Info("bridge subscribed", zap.String("channel", b.channel), zap.String("node", b.node))

	go b.publishLoop(ctx)

	incoming := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-incoming:
			if !ok {
				return nil
			}
			var msg RemoteMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warn("bad bridge payload", zap.Error(err))
				continue
			}
			if msg.Node == b.node {
				continue
			}
			hub.DeliverRemote(msg)
		}
	}
}

func (b *RedisBridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.out:
			msg.Node = b.node
			payload, err := json.Marshal(msg)
			if err != nil {
				b.logger.Error("encode bridge message", zap.Error(err))
				continue
			}
			if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
				b.logger.Warn("bridge publish failed", zap.String("room", msg.Room), zap.Error(err))
			}
		}
	}
}
