package agent

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is forwardable answer text. It never contains tool call
	// markup.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires when a requested tool is about to run.
	KindToolCallStart

	// KindToolCallDone fires when a tool execution completes.
	KindToolCallDone
)

// String returns the wire name of the kind.
func (k StreamEventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindToolCallStart:
		return "tool_start"
	case KindToolCallDone:
		return "tool_done"
	}
	return "unknown"
}

// StreamEvent represents a single event in a streaming turn.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolName is set for tool events.
	ToolName string

	// Outcome and Error are set for KindToolCallDone events. Outcome is
	// "success" or a failure kind.
	Outcome string
	Error   string
}

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
