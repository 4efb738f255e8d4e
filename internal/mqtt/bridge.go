package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/channel"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
)

// StatsSource provides runtime data for the sensor states. The concrete
// adapter is wired in main.
type StatsSource interface {
	// Model returns the configured model name.
	Model() string
	// CachedUsers returns how many users have history in memory.
	CachedUsers() int
}

// publisher is the subset of [autopaho.ConnectionManager] the bridge
// publishes through.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Bridge forwards bus events to an MQTT broker, publishes sensor states,
// and optionally serves as a chat channel.
type Bridge struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	bus        *events.Bus
	stats      StatsSource
	usage      *DailyUsage
	logger     *slog.Logger

	mu  sync.RWMutex
	pub publisher
	cm  *autopaho.ConnectionManager

	lastRequest atomic.Int64 // unix nanoseconds
	forwarded   atomic.Uint64

	inbox   chan channel.Inbound
	limiter *messageRateLimiter
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// connect and begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats StatsSource, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		bus:        bus,
		stats:      stats,
		usage:      NewDailyUsage(nil),
		logger:     logger,
	}
	if cfg.Inbox {
		limit := cfg.InboxRateLimit
		if limit <= 0 {
			limit = 60
		}
		b.inbox = make(chan channel.Inbound, 32)
		b.limiter = newMessageRateLimiter(int64(limit), time.Minute, logger)
	}
	return b
}

// Start connects to the broker and forwards events until ctx is
// cancelled. On every (re-)connect it publishes availability and
// discovery and re-subscribes the inbox.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			if b.cfg.DiscoveryPrefix != "" {
				b.publishDiscovery(ctx, cm)
			}
			b.publishAvailability(ctx, cm, "online")
			if b.inbox != nil {
				b.subscribeInbox(ctx, cm)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleInbound(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.pub = cm
	b.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	if b.limiter != nil {
		go b.limiter.start(ctx)
	}

	sub := b.bus.Subscribe(256, b.cfg.EventKinds...)
	defer b.bus.Unsubscribe(sub)
	b.run(ctx, sub)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.RLock()
	cm := b.cm
	b.mu.RUnlock()
	if cm == nil {
		return nil
	}
	b.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx ends.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	b.mu.RLock()
	cm := b.cm
	b.mu.RUnlock()
	if cm == nil {
		return errors.New("mqtt bridge not started")
	}
	return cm.AwaitConnection(ctx)
}

// Forwarded returns how many events have been published.
func (b *Bridge) Forwarded() uint64 { return b.forwarded.Load() }

func (b *Bridge) publisher() publisher {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pub
}

func (b *Bridge) setPublisher(p publisher) {
	b.mu.Lock()
	b.pub = p
	b.mu.Unlock()
}

func (b *Bridge) clientID() string {
	id := b.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "parley-" + b.cfg.DeviceName + "-" + id
}

// --- Topics ---

func (b *Bridge) baseTopic() string {
	return strings.TrimSuffix(b.cfg.BaseTopic, "/")
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/availability"
}

func (b *Bridge) stateTopic(entity string) string {
	return b.baseTopic() + "/" + entity + "/state"
}

func (b *Bridge) discoveryTopic(component, entity string) string {
	return b.cfg.DiscoveryPrefix + "/" + component + "/" + b.cfg.DeviceName + "/" + entity + "/config"
}

// EventTopic returns the topic an event is forwarded to.
func (b *Bridge) EventTopic(evt events.Event) string {
	return b.baseTopic() + "/events/" + topicSegment(evt.Source) + "/" + topicSegment(evt.Kind)
}

// topicSegment makes s safe as a single topic level.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// --- Event forwarding ---

func (b *Bridge) run(ctx context.Context, sub <-chan events.Event) {
	interval := b.cfg.PublishInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			b.observe(evt)
			b.forward(ctx, evt)
		case <-ticker.C:
			b.publishStates(ctx)
		}
	}
}

// observe feeds the sensor accumulators from loop events.
func (b *Bridge) observe(evt events.Event) {
	switch evt.Kind {
	case events.KindLLMResponse:
		b.usage.AddTokens(intField(evt.Data, "tokens_in"), intField(evt.Data, "tokens_out"))
	case events.KindRequestComplete:
		b.usage.AddTurn()
		b.lastRequest.Store(evt.Timestamp.UnixNano())
	}
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (b *Bridge) forward(ctx context.Context, evt events.Event) {
	pub := b.publisher()
	if pub == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Debug("mqtt event marshal failed", "kind", evt.Kind, "error", err)
		return
	}
	topic := b.EventTopic(evt)
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		b.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
		return
	}
	b.forwarded.Add(1)
}

// --- Discovery, availability and states ---

func (b *Bridge) publishDiscovery(ctx context.Context, pub publisher) {
	for _, s := range b.sensorDefinitions() {
		topic := b.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			b.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			b.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	b.logger.Info("mqtt availability published", "status", status)
}

// states returns the current sensor values keyed by entity.
func (b *Bridge) states() map[string]string {
	input, output, turns := b.usage.Snapshot()
	states := map[string]string{
		"uptime":       buildinfo.Uptime().String(),
		"version":      buildinfo.Version,
		"turns_today":  strconv.FormatInt(turns, 10),
		"tokens_today": strconv.FormatInt(input+output, 10),
		"last_request": "never",
	}
	if b.stats != nil {
		states["model"] = b.stats.Model()
		states["cached_users"] = strconv.Itoa(b.stats.CachedUsers())
	}
	if ns := b.lastRequest.Load(); ns != 0 {
		states["last_request"] = time.Unix(0, ns).Format(time.RFC3339)
	}
	return states
}

func (b *Bridge) publishStates(ctx context.Context) {
	pub := b.publisher()
	if pub == nil {
		return
	}
	states := b.states()
	for entity, value := range states {
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   b.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			b.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	b.logger.Debug("mqtt sensor states published", "entities", len(states))
}
