// Package agent implements the tool-calling orchestration loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/toolcall"
	"github.com/nugget/parley/internal/tools"
)

// DefaultMaxToolCalls bounds the tool rounds of one turn.
const DefaultMaxToolCalls = 10

// DefaultUserID is used for requests that carry no user.
const DefaultUserID = "default"

// ErrEmptyMessage is returned for a request with no content.
var ErrEmptyMessage = errors.New("message is empty")

// Request is one user message to answer.
type Request struct {
	UserID    string `json:"user_id"`
	Content   string `json:"message"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Response is the outcome of a turn.
type Response struct {
	Content   string   `json:"response"`
	RequestID string   `json:"request_id"`
	Rounds    int      `json:"rounds"`
	ToolCalls []string `json:"tool_calls"`
	Forced    bool     `json:"forced,omitempty"`
}

// HistoryStore is the per-user history the loop reads and appends to.
// memory.HistoryCache implements it.
type HistoryStore interface {
	Get(ctx context.Context, userID string) ([]memory.Entry, error)
	Append(ctx context.Context, userID string, entries ...memory.Entry) error
}

// PreferenceSource supplies per-user preferences for the system prompt.
type PreferenceSource interface {
	GetPreferences(ctx context.Context, userID string) (memory.Preferences, error)
}

// Loop is the orchestration loop: it drafts a reply, runs any tool calls
// the model asks for, feeds the results back, and repeats until the model
// answers or the tool call budget is spent.
type Loop struct {
	logger       *slog.Logger
	llm          llm.Client
	executor     *tools.Executor
	history      HistoryStore
	maxToolCalls int

	prefs   PreferenceSource
	context ContextProvider
	bus     *events.Bus
	metrics *metrics.Metrics
	persona string
	model   string
}

// NewLoop creates a loop. A non-positive maxToolCalls selects
// DefaultMaxToolCalls.
func NewLoop(logger *slog.Logger, client llm.Client, executor *tools.Executor, history HistoryStore, maxToolCalls int) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if maxToolCalls <= 0 {
		maxToolCalls = DefaultMaxToolCalls
	}
	return &Loop{
		logger:       logger,
		llm:          client,
		executor:     executor,
		history:      history,
		maxToolCalls: maxToolCalls,
		model:        "default",
	}
}

// SetEventBus configures where operational events are published.
func (l *Loop) SetEventBus(bus *events.Bus) { l.bus = bus }

// SetMetrics configures Prometheus instrumentation.
func (l *Loop) SetMetrics(m *metrics.Metrics) { l.metrics = m }

// SetPreferences configures the preference source for system prompts.
func (l *Loop) SetPreferences(p PreferenceSource) { l.prefs = p }

// SetContextProvider configures extra system prompt context.
func (l *Loop) SetContextProvider(p ContextProvider) { l.context = p }

// SetPersona replaces the default persona text.
func (l *Loop) SetPersona(persona string) { l.persona = persona }

// SetModelName sets the model label used in logs, events and metrics.
func (l *Loop) SetModelName(name string) {
	if name != "" {
		l.model = name
	}
}

// MaxToolCalls returns the tool round budget.
func (l *Loop) MaxToolCalls() int { return l.maxToolCalls }

// turn carries the state of one Run.
type turn struct {
	req       *Request
	requestID string
	logger    *slog.Logger
	stream    StreamCallback
	started   time.Time
	rounds    int
	toolCalls []string
}

// Run answers one request. If stream is non-nil, forwardable text and tool
// progress are reported as they happen.
func (l *Loop) Run(ctx context.Context, req *Request, stream StreamCallback) (*Response, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyMessage
	}
	// Defaults apply to a copy; the caller's request is left untouched.
	r := *req
	req = &r
	if req.UserID == "" {
		req.UserID = DefaultUserID
	}

	t := &turn{
		req:       req,
		requestID: newRequestID(),
		stream:    stream,
		started:   time.Now(),
	}
	t.logger = l.logger.With("request_id", t.requestID, "user", req.UserID)
	ctx = tools.WithRequestID(tools.WithUserID(ctx, req.UserID), t.requestID)

	t.logger.Info("turn started", "message_len", len(req.Content), "channel", req.ChannelID)
	l.publish(events.KindRequestStart, map[string]any{
		"request_id": t.requestID,
		"user_id":    req.UserID,
	})

	resp, err := l.run(ctx, t)
	l.complete(t, resp, err)
	return resp, err
}

func (l *Loop) run(ctx context.Context, t *turn) (*Response, error) {
	history, err := l.history.Get(ctx, t.req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	prefs := l.loadPreferences(ctx, t)
	extra := l.extraContext(ctx, t)
	system := l.systemPrompt(prefs, extra, true)

	messages := make([]llm.Message, 0, len(history)+2*l.maxToolCalls+2)
	for _, e := range history {
		messages = append(messages, llm.Message{Role: e.Role, Content: e.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: t.req.Content})

	for round := 1; round <= l.maxToolCalls; round++ {
		text, err := l.callModel(ctx, t, system, messages, false)
		if err != nil {
			return nil, err
		}

		calls := toolcall.Parse(text)
		if len(calls) == 0 {
			return l.finish(ctx, t, text, false)
		}

		t.logger.Debug("tool calls requested", "round", round, "count", len(calls))
		results := make([]prompts.ToolResult, 0, len(calls))
		for _, call := range calls {
			results = append(results, l.executeTool(ctx, t, call))
		}
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: text},
			llm.Message{Role: llm.RoleUser, Content: prompts.ToolFeedback(results)},
		)
	}

	t.logger.Warn("tool call limit reached, forcing final answer", "max_tool_calls", l.maxToolCalls)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompts.ForcedFinalInstruction})
	text, err := l.callModel(ctx, t, l.systemPrompt(prefs, extra, false), messages, true)
	if err != nil {
		return nil, err
	}
	return l.finish(ctx, t, text, true)
}

// callModel performs one model call, streaming through a fresh boundary
// detector when the turn has a stream observer.
func (l *Loop) callModel(ctx context.Context, t *turn, system string, messages []llm.Message, forced bool) (string, error) {
	t.rounds++
	round := t.rounds
	l.publish(events.KindLLMCall, map[string]any{
		"request_id": t.requestID,
		"round":      round,
		"forced":     forced,
	})
	t.logger.Debug("calling model", "round", round, "messages", len(messages), "forced", forced)

	start := time.Now()
	var resp *llm.ChatResponse
	var err error
	if t.stream == nil {
		resp, err = l.llm.Chat(ctx, system, messages)
	} else {
		det := toolcall.NewDetector()
		resp, err = l.llm.ChatStream(ctx, system, messages, func(chunk string) {
			if out := det.Feed(chunk); out != "" {
				t.stream(StreamEvent{Kind: KindToken, Token: out})
			}
		})
		if err == nil {
			if rest := det.Flush(); rest != "" {
				t.stream(StreamEvent{Kind: KindToken, Token: rest})
			}
		}
	}
	elapsed := time.Since(start)

	if err != nil {
		l.metrics.LLMCall(l.model, err, 0, 0, elapsed)
		t.logger.Error("model call failed", "round", round, "error", err)
		return "", fmt.Errorf("model call (round %d): %w", round, err)
	}

	l.metrics.LLMCall(l.model, nil, resp.InputTokens, resp.OutputTokens, elapsed)
	l.publish(events.KindLLMResponse, map[string]any{
		"request_id": t.requestID,
		"round":      round,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	t.logger.Debug("model responded", "round", round, "content_len", len(resp.Content), "elapsed", elapsed)
	return resp.Content, nil
}

func (l *Loop) executeTool(ctx context.Context, t *turn, call toolcall.Call) prompts.ToolResult {
	t.toolCalls = append(t.toolCalls, call.Name)

	out := l.executor.Execute(ctx, call, func(name string) {
		l.publish(events.KindToolCall, map[string]any{
			"request_id": t.requestID,
			"round":      t.rounds,
			"tool":       name,
		})
		if t.stream != nil {
			t.stream(StreamEvent{Kind: KindToolCallStart, ToolName: name})
		}
	})

	l.publish(events.KindToolDone, map[string]any{
		"request_id":  t.requestID,
		"round":       t.rounds,
		"tool":        call.Name,
		"outcome":     out.Kind(),
		"duration_ms": out.Duration.Milliseconds(),
	})
	if t.stream != nil {
		ev := StreamEvent{Kind: KindToolCallDone, ToolName: call.Name, Outcome: out.Kind()}
		if out.Failure != nil {
			ev.Error = out.Failure.Message
		}
		t.stream(ev)
	}

	res := prompts.ToolResult{Tool: call.Name, Kind: out.Kind(), Output: out.Output}
	if out.Failure != nil {
		res.Message = out.Failure.Message
		res.Details = out.Failure.Details
	}
	return res
}

// finish cleans the final text and records the turn in history.
func (l *Loop) finish(ctx context.Context, t *turn, text string, forced bool) (*Response, error) {
	content := toolcall.Clean(text)
	if strings.TrimSpace(content) == "" {
		t.logger.Warn("model produced no answer text", "raw_len", len(text))
		content = prompts.EmptyResponseFallback
	}

	now := time.Now()
	err := l.history.Append(ctx, t.req.UserID,
		memory.Entry{Role: memory.RoleUser, Content: t.req.Content, Timestamp: now},
		memory.Entry{Role: memory.RoleAssistant, Content: content, Timestamp: now},
	)
	if err != nil {
		return nil, fmt.Errorf("save history: %w", err)
	}

	calls := t.toolCalls
	if calls == nil {
		calls = []string{}
	}
	return &Response{
		Content:   content,
		RequestID: t.requestID,
		Rounds:    t.rounds,
		ToolCalls: calls,
		Forced:    forced,
	}, nil
}

func (l *Loop) complete(t *turn, resp *Response, err error) {
	elapsed := time.Since(t.started)
	outcome := "answered"
	data := map[string]any{
		"request_id": t.requestID,
		"user_id":    t.req.UserID,
		"rounds":     t.rounds,
		"tool_calls": len(t.toolCalls),
		"elapsed_ms": elapsed.Milliseconds(),
	}
	switch {
	case err != nil:
		outcome = "error"
		data["error"] = err.Error()
		t.logger.Error("turn failed", "rounds", t.rounds, "elapsed", elapsed, "error", err)
	case resp.Forced:
		outcome = "forced"
		data["forced"] = true
		t.logger.Info("turn completed", "rounds", t.rounds, "tool_calls", len(t.toolCalls), "forced", true, "elapsed", elapsed)
	default:
		t.logger.Info("turn completed", "rounds", t.rounds, "tool_calls", len(t.toolCalls), "elapsed", elapsed)
	}
	l.metrics.TurnCompleted(outcome, t.rounds, elapsed)
	l.publish(events.KindRequestComplete, data)
}

func (l *Loop) loadPreferences(ctx context.Context, t *turn) memory.Preferences {
	if l.prefs == nil {
		return nil
	}
	prefs, err := l.prefs.GetPreferences(ctx, t.req.UserID)
	if err != nil {
		t.logger.Warn("preferences unavailable", "error", err)
		return nil
	}
	return prefs
}

func (l *Loop) extraContext(ctx context.Context, t *turn) string {
	if l.context == nil {
		return ""
	}
	extra, err := l.context.GetContext(ctx, t.req)
	if err != nil {
		t.logger.Warn("context provider failed", "error", err)
		return ""
	}
	return extra
}

// systemPrompt assembles the system prompt. The tool catalog and protocol
// are included only when withTools is set and a tool is registered.
func (l *Loop) systemPrompt(prefs memory.Preferences, extra string, withTools bool) string {
	params := prompts.SystemParams{Persona: l.persona, Preferences: prefs}
	if withTools {
		params.Tools = l.ToolSpecs()
	}
	system := prompts.SystemPrompt(params)
	if extra != "" {
		system += "\n\n" + extra
	}
	return system
}

// ToolSpecs describes the registered tools for the prompt catalog.
func (l *Loop) ToolSpecs() []prompts.ToolSpec {
	list := l.executor.Registry().List()
	specs := make([]prompts.ToolSpec, len(list))
	for i, tool := range list {
		specs[i] = prompts.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		}
	}
	return specs
}

func (l *Loop) publish(kind string, data map[string]any) {
	l.bus.Emit(events.SourceAgent, kind, data)
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
