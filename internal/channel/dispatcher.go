package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/metrics"
)

// ErrorReply is sent to the user when a turn fails.
const ErrorReply = "Sorry, something went wrong while answering. Please try again."

// defaultWorkerIdle is how long a user's queue worker waits for another
// message before exiting.
const defaultWorkerIdle = 5 * time.Minute

// Runner runs one turn. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request, stream agent.StreamCallback) (*agent.Response, error)
}

// Dispatcher turns inbound envelopes into outbound replies.
type Dispatcher struct {
	runner  Runner
	logger  *slog.Logger
	bus     *events.Bus
	metrics *metrics.Metrics

	idle    time.Duration
	workers atomic.Int64
}

// NewDispatcher creates a dispatcher that answers through runner.
func NewDispatcher(runner Runner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{runner: runner, logger: logger, idle: defaultWorkerIdle}
}

// SetEventBus configures where channel events are published.
func (d *Dispatcher) SetEventBus(bus *events.Bus) { d.bus = bus }

// SetMetrics configures Prometheus instrumentation.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// Handle answers a single inbound message.
func (d *Dispatcher) Handle(ctx context.Context, in Inbound) (Outbound, error) {
	if err := in.Validate(); err != nil {
		return Outbound{}, err
	}

	d.metrics.ChannelMessage(in.ChannelID, "inbound")
	d.bus.Emit(events.SourceChannel, events.KindMessageReceived, map[string]any{
		"message_id":  in.ID,
		"channel_id":  in.ChannelID,
		"user_id":     in.UserID,
		"content_len": len(in.Content),
	})

	resp, err := d.runner.Run(ctx, &agent.Request{
		UserID:    in.UserID,
		Content:   in.Content,
		ChannelID: in.ChannelID,
	}, nil)
	if err != nil {
		return Outbound{}, fmt.Errorf("answer %s/%s: %w", in.ChannelID, in.ID, err)
	}

	out := Outbound{
		ChannelID: in.ChannelID,
		UserID:    in.UserID,
		Content:   resp.Content,
		ReplyTo:   in.ID,
	}
	d.metrics.ChannelMessage(in.ChannelID, "outbound")
	d.bus.Emit(events.SourceChannel, events.KindReplySent, map[string]any{
		"channel_id":  out.ChannelID,
		"user_id":     out.UserID,
		"reply_to":    out.ReplyTo,
		"content_len": len(out.Content),
	})
	return out, nil
}

// Serve consumes an adapter's messages until its channel closes or ctx is
// cancelled. Messages from one user are answered in arrival order; different
// users proceed concurrently. A failed turn is answered with ErrorReply.
// Each user's worker exits after sitting idle and is recreated on demand.
func (d *Dispatcher) Serve(ctx context.Context, a Adapter) error {
	logger := d.logger.With("channel", a.Name())
	logger.Info("channel dispatcher started")

	qs := &userQueues{queues: make(map[string]*userQueue)}
	defer func() {
		qs.closeAll()
		qs.wg.Wait()
		logger.Info("channel dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-a.Messages():
			if !ok {
				return nil
			}
			if in.ChannelID == "" {
				in.ChannelID = a.Name()
			}
			q, created := qs.claim(in.UserID)
			if created {
				qs.wg.Add(1)
				d.workers.Add(1)
				go func() {
					defer qs.wg.Done()
					defer d.workers.Add(-1)
					d.work(ctx, a, qs, in.UserID, q, logger)
				}()
			}
			select {
			case q.msgs <- in:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// userQueue is one user's ordered backlog. pending counts messages
// claimed by Serve that the worker has not yet taken.
type userQueue struct {
	msgs    chan Inbound
	pending int
}

type userQueues struct {
	mu     sync.Mutex
	queues map[string]*userQueue
	wg     sync.WaitGroup
}

// claim returns the user's queue, creating it if needed, and reserves a
// slot so the worker cannot retire before the message arrives.
func (qs *userQueues) claim(userID string) (*userQueue, bool) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q, ok := qs.queues[userID]
	if !ok {
		q = &userQueue{msgs: make(chan Inbound, 16)}
		qs.queues[userID] = q
	}
	q.pending++
	return q, !ok
}

func (qs *userQueues) taken(q *userQueue) {
	qs.mu.Lock()
	q.pending--
	qs.mu.Unlock()
}

// retire removes the user's queue if nothing is pending for it.
func (qs *userQueues) retire(userID string, q *userQueue) bool {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if q.pending > 0 {
		return false
	}
	delete(qs.queues, userID)
	return true
}

func (qs *userQueues) closeAll() {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	for id, q := range qs.queues {
		close(q.msgs)
		delete(qs.queues, id)
	}
}

func (d *Dispatcher) work(ctx context.Context, a Adapter, qs *userQueues, userID string, q *userQueue, logger *slog.Logger) {
	timer := time.NewTimer(d.idle)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-q.msgs:
			if !ok {
				return
			}
			qs.taken(q)
			d.deliver(ctx, a, msg, logger)
			timer.Reset(d.idle)
		case <-timer.C:
			if qs.retire(userID, q) {
				logger.Debug("channel worker idle, exiting", "user", userID)
				return
			}
			timer.Reset(d.idle)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a Adapter, in Inbound, logger *slog.Logger) {
	out, err := d.Handle(ctx, in)
	if err != nil {
		logger.Error("message handling failed", "message_id", in.ID, "user", in.UserID, "error", err)
		out = Outbound{ChannelID: in.ChannelID, UserID: in.UserID, Content: ErrorReply, ReplyTo: in.ID}
	}
	if err := a.Send(ctx, out); err != nil {
		logger.Error("reply delivery failed", "message_id", in.ID, "user", in.UserID, "error", err)
	}
}
