// Package llm provides the language model client used by the agent loop.
package llm

import "context"

// Client is the interface a model backend must implement. The system
// prompt is passed separately from the conversation and is sent first.
type Client interface {
	// Chat sends a chat request and returns the complete response.
	Chat(ctx context.Context, system string, messages []Message) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. Text chunks are passed to
	// callback as they arrive; the returned response carries the full text.
	ChatStream(ctx context.Context, system string, messages []Message, callback StreamCallback) (*ChatResponse, error)

	// Embed returns a vector embedding of text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
