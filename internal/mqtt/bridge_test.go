package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
)

// fakePublisher records every publish.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakePublisher) topic(topic string) *paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Topic == topic {
			return f.msgs[i]
		}
	}
	return nil
}

func (f *fakePublisher) waitFor(t *testing.T, topic string) *paho.Publish {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := f.topic(topic); p != nil {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no publish on %s", topic)
	return nil
}

type fakeStats struct{}

func (fakeStats) Model() string    { return "qwen3:4b" }
func (fakeStats) CachedUsers() int { return 3 }

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:            true,
		Broker:             "mqtt://localhost:1883",
		BaseTopic:          "home/parley",
		DeviceName:         "parley",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
}

func newTestBridge(t *testing.T, cfg config.MQTTConfig, bus *events.Bus) (*Bridge, *fakePublisher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(cfg, "0192f0c4-aaaa-7bbb-8ccc-1234deadbeef", bus, fakeStats{}, logger)
	pub := &fakePublisher{}
	b.setPublisher(pub)
	return b, pub
}

func TestBridgeTopics(t *testing.T) {
	b, _ := newTestBridge(t, testMQTTConfig(), nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", b.availabilityTopic(), "home/parley/availability"},
		{"state", b.stateTopic("uptime"), "home/parley/uptime/state"},
		{"discovery", b.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/parley/uptime/config"},
		{"event", b.EventTopic(events.Event{Source: "agent", Kind: "tool_call"}), "home/parley/events/agent/tool_call"},
		{"event without source", b.EventTopic(events.Event{Kind: "tool_call"}), "home/parley/events/unknown/tool_call"},
		{"inbox", b.inboxTopic(), "home/parley/inbox"},
		{"outbox", b.OutboxTopic("alice"), "home/parley/outbox/alice"},
		{"outbox wildcards", b.OutboxTopic("a/b+c#"), "home/parley/outbox/a_b_c_"},
		{"client id", b.clientID(), "parley-parley-deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBridgeForwardsAndObservesEvents(t *testing.T) {
	bus := events.New()
	b, pub := newTestBridge(t, testMQTTConfig(), bus)

	ctx, cancel := context.WithCancel(t.Context())
	sub := bus.Subscribe(16)
	done := make(chan struct{})
	go func() {
		b.run(ctx, sub)
		close(done)
	}()

	bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{"tokens_in": 100, "tokens_out": 20})
	bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{"user_id": "alice"})

	p := pub.waitFor(t, "home/parley/events/agent/request_complete")
	var evt events.Event
	if err := json.Unmarshal(p.Payload, &evt); err != nil {
		t.Fatalf("unmarshal forwarded event: %v", err)
	}
	if evt.Kind != events.KindRequestComplete || evt.Data["user_id"] != "alice" {
		t.Errorf("forwarded event = %+v", evt)
	}
	if p.Retain {
		t.Error("forwarded events should not be retained")
	}

	cancel()
	<-done
	bus.Unsubscribe(sub)

	if got := b.Forwarded(); got != 2 {
		t.Errorf("Forwarded() = %d, want 2", got)
	}
	in, out, turns := b.usage.Snapshot()
	if in != 100 || out != 20 || turns != 1 {
		t.Errorf("usage = %d/%d/%d, want 100/20/1", in, out, turns)
	}

	states := b.states()
	if states["tokens_today"] != "120" {
		t.Errorf("tokens_today = %q, want 120", states["tokens_today"])
	}
	if states["turns_today"] != "1" {
		t.Errorf("turns_today = %q, want 1", states["turns_today"])
	}
	if states["last_request"] == "never" {
		t.Error("last_request should be set after a completed turn")
	}
}

func TestBridgeEventKindFilter(t *testing.T) {
	bus := events.New()
	cfg := testMQTTConfig()
	cfg.EventKinds = []string{events.KindToolCall}
	b, pub := newTestBridge(t, cfg, bus)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	sub := bus.Subscribe(16, cfg.EventKinds...)
	defer bus.Unsubscribe(sub)
	go b.run(ctx, sub)

	bus.Emit(events.SourceAgent, events.KindLLMCall, nil)
	bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{"tool": "read_file"})

	pub.waitFor(t, "home/parley/events/agent/tool_call")
	if p := pub.topic("home/parley/events/agent/llm_call"); p != nil {
		t.Error("llm_call should have been filtered out")
	}
}

func TestBridgePublishStates(t *testing.T) {
	b, pub := newTestBridge(t, testMQTTConfig(), nil)
	b.publishStates(t.Context())

	tests := map[string]string{
		"home/parley/model/state":        "qwen3:4b",
		"home/parley/cached_users/state": "3",
		"home/parley/turns_today/state":  "0",
		"home/parley/last_request/state": "never",
	}
	for topic, want := range tests {
		p := pub.topic(topic)
		if p == nil {
			t.Errorf("no state published on %s", topic)
			continue
		}
		if string(p.Payload) != want {
			t.Errorf("%s = %q, want %q", topic, p.Payload, want)
		}
		if !p.Retain {
			t.Errorf("%s should be retained", topic)
		}
	}
}

func TestBridgePublishDiscovery(t *testing.T) {
	b, pub := newTestBridge(t, testMQTTConfig(), nil)
	b.publishDiscovery(t.Context(), pub)

	defs := b.sensorDefinitions()
	if len(pub.msgs) != len(defs) {
		t.Fatalf("published %d discovery configs, want %d", len(pub.msgs), len(defs))
	}

	p := pub.topic("homeassistant/sensor/parley/tokens_today/config")
	if p == nil {
		t.Fatal("no discovery config for tokens_today")
	}
	var cfg SensorConfig
	if err := json.Unmarshal(p.Payload, &cfg); err != nil {
		t.Fatalf("unmarshal discovery payload: %v", err)
	}
	if cfg.StateTopic != "home/parley/tokens_today/state" {
		t.Errorf("state_topic = %q", cfg.StateTopic)
	}
	if cfg.AvailabilityTopic != "home/parley/availability" {
		t.Errorf("availability_topic = %q", cfg.AvailabilityTopic)
	}
	if cfg.UniqueID != "0192f0c4-aaaa-7bbb-8ccc-1234deadbeef_tokens_today" {
		t.Errorf("unique_id = %q", cfg.UniqueID)
	}
	if cfg.Device.Manufacturer != "parley" || len(cfg.Device.Identifiers) != 1 {
		t.Errorf("device = %+v", cfg.Device)
	}
	if !p.Retain || p.QoS != 1 {
		t.Errorf("discovery retain=%v qos=%d, want retained qos 1", p.Retain, p.QoS)
	}
}

func TestBridgeNotStarted(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(testMQTTConfig(), "id", nil, nil, logger)

	if err := b.Stop(t.Context()); err != nil {
		t.Errorf("Stop() before Start = %v, want nil", err)
	}
	if err := b.AwaitConnection(t.Context()); err == nil {
		t.Error("AwaitConnection() before Start should fail")
	}
	// No publisher yet: forwarding and states are silently skipped.
	b.forward(t.Context(), events.Event{Kind: "x"})
	b.publishStates(t.Context())
	if b.Forwarded() != 0 {
		t.Error("nothing should be forwarded without a connection")
	}
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("instance ID %q is not a UUID: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("UUID version = %d, want 7", parsed.Version())
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestLoadOrCreateInstanceID_EmptyFileRegenerates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "instance_id"), []byte("\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated ID")
	}
}
