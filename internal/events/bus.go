// Package events provides a publish/subscribe bus for operational events.
// The agent loop, the channel dispatcher, and the API publish; the MQTT
// bridge and WebSocket observers subscribe. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the orchestration loop.
	SourceAgent = "agent"
	// SourceChannel identifies events from the channel dispatcher.
	SourceChannel = "channel"
	// SourceAPI identifies events from the HTTP API.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a turn.
	// Data: request_id, user_id.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of a model call.
	// Data: request_id, round, forced.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model call.
	// Data: request_id, round, tokens_in, tokens_out, tool_calls, elapsed_ms.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, round, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, round, tool, outcome, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of a turn.
	// Data: request_id, user_id, rounds, tool_calls, forced, elapsed_ms, error.
	KindRequestComplete = "request_complete"

	// KindMessageReceived signals an inbound channel message.
	// Data: message_id, channel_id, user_id, content_len.
	KindMessageReceived = "message_received"
	// KindReplySent signals an outbound channel reply.
	// Data: channel_id, user_id, reply_to, content_len.
	KindReplySent = "reply_sent"

	// KindHistoryCleared signals a user's history was deleted.
	// Data: user_id.
	KindHistoryCleared = "history_cleared"
	// KindPreferenceSet signals a preference was written through the API.
	// Data: user_id, key.
	KindPreferenceSet = "preference_set"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

type subscription struct {
	ch    chan Event
	kinds map[string]bool // nil = all kinds
}

func (s *subscription) wants(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]*subscription
	dropped atomic.Uint64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish sends an event to all interested subscribers. Non-blocking: if
// a subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. If kinds
// are given, only events of those kinds are delivered. The caller must
// eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int, kinds ...string) <-chan Event {
	s := &subscription{ch: make(chan Event, bufSize)}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.ch] = s
	return s.ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
