package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/parley/internal/toolcall"
)

// DefaultTimeout bounds a single tool invocation when no timeout is
// configured.
const DefaultTimeout = 30 * time.Second

// Recorder receives one observation per completed tool call. It is
// satisfied by the metrics package; the executor works without one.
type Recorder interface {
	ToolExecuted(tool, kind string, d time.Duration)
}

// Executor resolves model-requested calls against a Registry, validates
// their arguments, runs them under a deadline, and classifies the result.
// Execute never returns an error: every failure becomes an Outcome.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	recorder Recorder
}

// NewExecutor creates an executor over registry. A non-positive timeout
// selects DefaultTimeout.
func NewExecutor(registry *Registry, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
	}
}

// SetRecorder attaches a metrics recorder.
func (e *Executor) SetRecorder(r Recorder) {
	e.recorder = r
}

// Timeout returns the per-invocation deadline.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Registry returns the registry calls are resolved against.
func (e *Executor) Registry() *Registry {
	return e.registry
}

type runResult struct {
	res Result
	err error
}

// Execute runs one call. onStart, when non-nil, is invoked with the tool
// name once the tool has been resolved and before it runs, whether or not
// it goes on to fail.
func (e *Executor) Execute(ctx context.Context, call toolcall.Call, onStart func(name string)) Outcome {
	start := time.Now()
	out := e.execute(ctx, call, onStart)
	out.Tool = call.Name
	out.Duration = time.Since(start)

	if e.recorder != nil {
		e.recorder.ToolExecuted(call.Name, out.Kind(), out.Duration)
	}
	if out.OK() {
		e.logger.Debug("tool succeeded", "tool", call.Name, "duration", out.Duration, "output_len", len(out.Output))
	} else {
		e.logger.Warn("tool failed",
			"tool", call.Name,
			"kind", out.Failure.Kind,
			"error", out.Failure.Message,
			"duration", out.Duration,
		)
	}
	return out
}

func (e *Executor) execute(ctx context.Context, call toolcall.Call, onStart func(name string)) Outcome {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		unavailable := &ErrToolUnavailable{ToolName: call.Name}
		return Outcome{Failure: &Failure{
			Kind:    UnknownTool,
			Message: unavailable.Error(),
			Details: e.registry.Names(),
		}}
	}

	if onStart != nil {
		onStart(call.Name)
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	problems, err := ValidateArguments(tool, args)
	if err != nil {
		// A schema that does not compile is the tool author's bug, not
		// the model's; report it as an execution failure.
		return Outcome{Failure: &Failure{
			Kind:    ExecutionFailed,
			Message: err.Error(),
		}}
	}
	if len(problems) > 0 {
		return Outcome{Failure: &Failure{
			Kind:    InvalidArguments,
			Message: fmt.Sprintf("arguments for %s do not match its input schema", call.Name),
			Details: problems,
		}}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := tool.Execute(runCtx, args)
		done <- runResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		return e.classify(runCtx, call.Name, r)
	case <-runCtx.Done():
		// The tool ignored cancellation; abandon it so the loop can go on.
		return e.timeoutOutcome(ctx, call.Name)
	}
}

func (e *Executor) classify(runCtx context.Context, name string, r runResult) Outcome {
	if r.err != nil {
		if errors.Is(r.err, ErrTimeout) || errors.Is(r.err, context.DeadlineExceeded) || runCtx.Err() != nil {
			return e.timeoutOutcome(runCtx, name)
		}
		return Outcome{Failure: &Failure{
			Kind:    ExecutionFailed,
			Message: r.err.Error(),
		}}
	}
	if r.res.Failed {
		msg := strings.TrimSpace(r.res.Error)
		if msg == "" {
			msg = "tool reported a failure without a message"
		}
		return Outcome{Failure: &Failure{
			Kind:    ExecutionFailed,
			Message: msg,
		}}
	}
	return Outcome{Output: r.res.Output}
}

func (e *Executor) timeoutOutcome(ctx context.Context, name string) Outcome {
	msg := fmt.Sprintf("%s did not finish within %s", name, e.timeout)
	if errors.Is(ctx.Err(), context.Canceled) {
		msg = fmt.Sprintf("%s was cancelled before it finished", name)
	}
	return Outcome{Failure: &Failure{
		Kind:    Timeout,
		Message: msg,
		Details: []string{e.timeout.String()},
		Timeout: e.timeout,
	}}
}
