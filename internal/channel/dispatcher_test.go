package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeRunner struct {
	mu    sync.Mutex
	reqs  []agent.Request
	err   error
	delay func(*agent.Request) time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, req *agent.Request, _ agent.StreamCallback) (*agent.Response, error) {
	if f.delay != nil {
		time.Sleep(f.delay(req))
	}
	f.mu.Lock()
	f.reqs = append(f.reqs, *req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Response{Content: "re: " + req.Content}, nil
}

func (f *fakeRunner) requests() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Request(nil), f.reqs...)
}

type fakeAdapter struct {
	msgs chan Inbound

	mu   sync.Mutex
	sent []Outbound
	all  chan struct{}
	want int
}

func newFakeAdapter(want int) *fakeAdapter {
	return &fakeAdapter{msgs: make(chan Inbound, want), all: make(chan struct{}), want: want}
}

func (f *fakeAdapter) Name() string             { return "fake" }
func (f *fakeAdapter) Messages() <-chan Inbound { return f.msgs }

func (f *fakeAdapter) Send(_ context.Context, msg Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if len(f.sent) == f.want {
		close(f.all)
	}
	return nil
}

func TestInboundValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  Inbound
		want error
	}{
		{"valid", Inbound{UserID: "u", ChannelID: "c", Content: "hi"}, nil},
		{"no user", Inbound{ChannelID: "c", Content: "hi"}, ErrMissingUser},
		{"no channel", Inbound{UserID: "u", Content: "hi"}, ErrMissingChannel},
		{"blank content", Inbound{UserID: "u", ChannelID: "c", Content: "  \n"}, ErrEmptyContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDispatcher_Handle(t *testing.T) {
	runner := &fakeRunner{}
	bus := events.New()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)
	m := metrics.New()

	d := NewDispatcher(runner, nil)
	d.SetEventBus(bus)
	d.SetMetrics(m)

	out, err := d.Handle(context.Background(), Inbound{
		ID: "m1", ChannelID: "web", UserID: "alice", Content: "hello",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := Outbound{ChannelID: "web", UserID: "alice", Content: "re: hello", ReplyTo: "m1"}
	if out != want {
		t.Errorf("Handle() = %+v, want %+v", out, want)
	}

	reqs := runner.requests()
	if len(reqs) != 1 || reqs[0].UserID != "alice" || reqs[0].ChannelID != "web" {
		t.Errorf("runner saw %+v", reqs)
	}

	for _, kind := range []string{events.KindMessageReceived, events.KindReplySent} {
		select {
		case evt := <-sub:
			if evt.Kind != kind || evt.Source != events.SourceChannel {
				t.Errorf("event = %s/%s, want channel/%s", evt.Source, evt.Kind, kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}

	for _, dir := range []string{"inbound", "outbound"} {
		if got := testutil.ToFloat64(m.ChannelMessages.WithLabelValues("web", dir)); got != 1 {
			t.Errorf("channel messages %s = %v, want 1", dir, got)
		}
	}
}

func TestDispatcher_HandleErrors(t *testing.T) {
	boom := errors.New("model offline")
	d := NewDispatcher(&fakeRunner{err: boom}, nil)

	if _, err := d.Handle(context.Background(), Inbound{ChannelID: "web", Content: "hi"}); !errors.Is(err, ErrMissingUser) {
		t.Errorf("invalid inbound: err = %v, want ErrMissingUser", err)
	}
	if _, err := d.Handle(context.Background(), Inbound{ID: "m", ChannelID: "web", UserID: "u", Content: "hi"}); !errors.Is(err, boom) {
		t.Errorf("runner failure: err = %v, want wrapped %v", err, boom)
	}
}

func TestDispatcher_ServePerUserOrder(t *testing.T) {
	// Early messages are slower so any reordering within a user would show.
	runner := &fakeRunner{delay: func(r *agent.Request) time.Duration {
		if strings.HasSuffix(r.Content, "-0") {
			return 30 * time.Millisecond
		}
		return 0
	}}
	d := NewDispatcher(runner, nil)

	const perUser = 4
	users := []string{"alice", "bob"}
	a := newFakeAdapter(perUser * len(users))
	for i := range perUser {
		for _, u := range users {
			a.msgs <- Inbound{ID: fmt.Sprintf("%s-%d", u, i), UserID: u, Content: fmt.Sprintf("%s-%d", u, i)}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, a) }()

	select {
	case <-a.all:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replies")
	}
	close(a.msgs)
	if err := <-done; err != nil {
		t.Errorf("Serve() = %v, want nil after input closed", err)
	}

	next := map[string]int{}
	for _, out := range a.sent {
		if out.ChannelID != "fake" {
			t.Errorf("reply channel = %q, want adapter name", out.ChannelID)
		}
		want := fmt.Sprintf("re: %s-%d", out.UserID, next[out.UserID])
		if out.Content != want {
			t.Errorf("reply for %s = %q, want %q", out.UserID, out.Content, want)
		}
		next[out.UserID]++
	}
}

func TestDispatcher_ServeErrorReply(t *testing.T) {
	d := NewDispatcher(&fakeRunner{err: errors.New("nope")}, nil)
	a := newFakeAdapter(1)
	a.msgs <- Inbound{ID: "m1", UserID: "u", Content: "hi"}
	close(a.msgs)

	if err := d.Serve(context.Background(), a); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(a.sent) != 1 || a.sent[0].Content != ErrorReply || a.sent[0].ReplyTo != "m1" {
		t.Errorf("sent = %+v, want one ErrorReply", a.sent)
	}
}

func TestDispatcher_ServeCancelled(t *testing.T) {
	d := NewDispatcher(&fakeRunner{}, nil)
	a := newFakeAdapter(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Serve(ctx, a); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_IdleWorkersExit(t *testing.T) {
	d := NewDispatcher(&fakeRunner{}, nil)
	d.idle = 20 * time.Millisecond

	a := newFakeAdapter(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, a) }()

	for _, u := range []string{"alice", "bob", "carol"} {
		a.msgs <- Inbound{ID: u + "-1", UserID: u, Content: "hi"}
	}
	waitFor(t, "first replies", func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.sent) == 3
	})
	waitFor(t, "idle workers to exit", func() bool { return d.workers.Load() == 0 })

	// A returning user gets a fresh worker.
	a.msgs <- Inbound{ID: "alice-2", UserID: "alice", Content: "again"}
	select {
	case <-a.all:
	case <-time.After(2 * time.Second):
		t.Fatal("returning user was not answered")
	}
	waitFor(t, "worker to exit again", func() bool { return d.workers.Load() == 0 })

	close(a.msgs)
	if err := <-done; err != nil {
		t.Errorf("Serve() = %v", err)
	}
	if last := a.sent[len(a.sent)-1]; last.ReplyTo != "alice-2" || last.Content != "re: again" {
		t.Errorf("last reply = %+v", last)
	}
}
