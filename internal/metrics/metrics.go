// Package metrics defines parley's Prometheus instrumentation. All
// recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Metrics holds every collector parley exports.
type Metrics struct {
	registry *prometheus.Registry

	// Turns counts completed turns.
	// Labels: outcome (answered|forced|error)
	Turns *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds.
	TurnDuration prometheus.Histogram

	// Rounds measures model calls per turn, including a forced final call.
	Rounds prometheus.Histogram

	// LLMRequests counts model calls.
	// Labels: model, status (success|error)
	LLMRequests *prometheus.CounterVec

	// LLMDuration measures model call latency in seconds.
	// Labels: model
	LLMDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: model, type (input|output)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, outcome (success|unknown_tool|invalid_arguments|execution_failed|timeout)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ChannelMessages counts channel envelopes.
	// Labels: channel, direction (inbound|outbound)
	ChannelMessages *prometheus.CounterVec

	// HTTPRequests counts API requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures API request latency in seconds.
	// Labels: method, path
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by outcome",
		}, []string{"outcome"}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of a whole turn in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		Rounds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_rounds",
			Help:      "Model calls per turn",
			Buckets:   prometheus.LinearBuckets(1, 1, 12),
		}),
		LLMRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Model calls by model and status",
		}, []string{"model", "status"}),
		LLMDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of model calls in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		LLMTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens used by model and type",
		}, []string{"model", "type"}),
		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Duration of tool executions in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		ChannelMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_messages_total",
			Help:      "Channel messages by channel and direction",
		}, []string{"channel", "direction"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method, path, and status code",
		}, []string{"method", "path", "status_code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterEventDrops exports a counter backed by fn, typically the event
// bus's Dropped method.
func (m *Metrics) RegisterEventDrops(fn func() uint64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events skipped because a subscriber was full",
	}, func() float64 { return float64(fn()) }))
}

// RegisterHistoryUsers exports a gauge backed by fn, typically the history
// cache's user count.
func (m *Metrics) RegisterHistoryUsers(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "history_cached_users",
		Help:      "Users with a history cache entry",
	}, func() float64 { return float64(fn()) }))
}

// TurnCompleted records one finished turn.
func (m *Metrics) TurnCompleted(outcome string, rounds int, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(d.Seconds())
	if rounds > 0 {
		m.Rounds.Observe(float64(rounds))
	}
}

// LLMCall records one model call.
func (m *Metrics) LLMCall(model string, err error, inputTokens, outputTokens int, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMRequests.WithLabelValues(model, status).Inc()
	m.LLMDuration.WithLabelValues(model).Observe(d.Seconds())
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// ToolExecuted records one tool execution. It satisfies tools.Recorder.
func (m *Metrics) ToolExecuted(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ChannelMessage records one inbound or outbound channel envelope.
func (m *Metrics) ChannelMessage(channel, direction string) {
	if m == nil {
		return
	}
	m.ChannelMessages.WithLabelValues(channel, direction).Inc()
}

// HTTPRequest records one API request.
func (m *Metrics) HTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
