package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/parley/internal/channel"
)

// ChannelName is the channel ID of messages arriving over MQTT.
const ChannelName = "mqtt"

// ErrInboxDisabled is returned by Send when the bridge has no inbox.
var ErrInboxDisabled = errors.New("mqtt inbox disabled")

func (b *Bridge) inboxTopic() string {
	return b.baseTopic() + "/inbox"
}

// OutboxTopic returns the topic replies for userID are published to.
func (b *Bridge) OutboxTopic(userID string) string {
	return b.baseTopic() + "/outbox/" + topicSegment(userID)
}

// Name implements [channel.Adapter].
func (b *Bridge) Name() string { return ChannelName }

// Messages implements [channel.Adapter]. It returns nil when the inbox
// is disabled.
func (b *Bridge) Messages() <-chan channel.Inbound { return b.inbox }

// Send implements [channel.Adapter] by publishing the reply to the
// user's outbox topic.
func (b *Bridge) Send(ctx context.Context, msg channel.Outbound) error {
	if b.inbox == nil {
		return ErrInboxDisabled
	}
	pub := b.publisher()
	if pub == nil {
		return errors.New("mqtt bridge not connected")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.OutboxTopic(msg.UserID),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	return nil
}

func (b *Bridge) subscribeInbox(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := b.inboxTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		b.logger.Warn("mqtt inbox subscribe failed", "topic", topic, "error", err)
		return
	}
	b.logger.Info("mqtt inbox subscribed", "topic", topic)
}

// handleInbound decodes an inbox message and queues it for the
// dispatcher. Malformed, rate-limited or overflowing messages are
// dropped with a log line.
func (b *Bridge) handleInbound(topic string, payload []byte) {
	if b.inbox == nil || topic != b.inboxTopic() {
		b.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	if !b.limiter.allow() {
		return
	}

	var in channel.Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		b.logger.Warn("mqtt inbox message is not an envelope", "error", err, "payload_size", len(payload))
		return
	}
	if in.ChannelID == "" {
		in.ChannelID = ChannelName
	}
	if in.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			in.ID = id.String()
		}
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	if err := in.Validate(); err != nil {
		b.logger.Warn("mqtt inbox message rejected", "error", err)
		return
	}

	select {
	case b.inbox <- in:
		b.logger.Debug("mqtt inbox message queued", "message_id", in.ID, "user", in.UserID)
	default:
		b.logger.Warn("mqtt inbox full, message dropped", "message_id", in.ID, "user", in.UserID)
	}
}

// messageRateLimiter admits at most limit messages per interval using
// atomic counters on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the counters every interval until ctx is cancelled,
// warning when messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt inbox messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
