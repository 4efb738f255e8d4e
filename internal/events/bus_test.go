package events

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertEmpty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %+v", evt)
	default:
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindRequestStart})
	b.Emit(SourceAgent, KindLLMCall, nil)
	if b.SubscriberCount() != 0 || b.Dropped() != 0 {
		t.Error("nil bus reported state")
	}
}

func TestPublishFanOut(t *testing.T) {
	b := New()
	subs := make([]<-chan Event, 3)
	for i := range subs {
		subs[i] = b.Subscribe(4)
		defer b.Unsubscribe(subs[i])
	}

	b.Publish(Event{
		Source: SourceChannel,
		Kind:   KindMessageReceived,
		Data:   map[string]any{"user_id": "alice"},
	})

	for i, ch := range subs {
		got := receive(t, ch)
		if got.Kind != KindMessageReceived || got.Data["user_id"] != "alice" {
			t.Errorf("subscriber %d got %+v", i, got)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Emit(SourceAgent, KindLLMCall, nil)
	b.Emit(SourceAgent, KindLLMResponse, nil)

	if got := receive(t, ch); got.Kind != KindLLMCall {
		t.Errorf("kept %q, want the first event", got.Kind)
	}
	assertEmpty(t, ch)
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	first := b.Subscribe(4)
	second := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", got)
	}

	b.Unsubscribe(first)
	b.Unsubscribe(first)
	if _, ok := <-first; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	b.Unsubscribe(second)
	b.Publish(Event{Source: SourceAPI, Kind: KindHistoryCleared})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestSubscribeKindFilter(t *testing.T) {
	b := New()
	ch := b.Subscribe(8, KindToolCall, KindToolDone)
	defer b.Unsubscribe(ch)

	b.Emit(SourceAgent, KindRequestStart, nil)
	b.Emit(SourceAgent, KindToolCall, map[string]any{"tool": "read_file"})
	b.Emit(SourceAgent, KindLLMCall, nil)
	b.Emit(SourceAgent, KindToolDone, map[string]any{"tool": "read_file"})

	for _, want := range []string{KindToolCall, KindToolDone} {
		got := receive(t, ch)
		if got.Kind != want {
			t.Errorf("got kind %q, want %q", got.Kind, want)
		}
		if got.Timestamp.IsZero() {
			t.Error("Emit did not stamp the event")
		}
	}
	assertEmpty(t, ch)
	if b.Dropped() != 0 {
		t.Errorf("filtered events counted as dropped: %d", b.Dropped())
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	var drained sync.WaitGroup
	drained.Add(1)
	received := 0
	go func() {
		defer drained.Done()
		for range ch {
			received++
		}
	}()

	var wg sync.WaitGroup
	for p := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := range 100 {
				b.Emit(SourceAgent, KindToolCall, map[string]any{"publisher": p, "seq": seq})
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)
	drained.Wait()

	if uint64(received)+b.Dropped() != 1000 {
		t.Errorf("received %d + dropped %d != 1000", received, b.Dropped())
	}
}
