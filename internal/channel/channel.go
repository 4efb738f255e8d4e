// Package channel is the transport-agnostic boundary between chat
// transports and the agent loop. Adapters deliver Inbound envelopes; the
// Dispatcher runs each through the loop and hands back an Outbound reply.
package channel

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Well-known channel IDs.
const (
	ChannelAPI       = "api"
	ChannelWebSocket = "ws"
	ChannelCLI       = "cli"
	ChannelOllama    = "ollama"
)

// Inbound is a message received from a transport.
type Inbound struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channel_id"`
	UserID    string         `json:"user_id"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Outbound is a reply to deliver through a transport.
type Outbound struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// Validation errors for inbound envelopes.
var (
	ErrMissingUser    = errors.New("inbound message has no user_id")
	ErrMissingChannel = errors.New("inbound message has no channel_id")
	ErrEmptyContent   = errors.New("inbound message has no content")
)

// Validate checks the fields the dispatcher depends on.
func (m Inbound) Validate() error {
	switch {
	case strings.TrimSpace(m.UserID) == "":
		return ErrMissingUser
	case strings.TrimSpace(m.ChannelID) == "":
		return ErrMissingChannel
	case strings.TrimSpace(m.Content) == "":
		return ErrEmptyContent
	}
	return nil
}

// Adapter is implemented by transports that push messages into parley.
type Adapter interface {
	// Name identifies the transport; it is used as the channel ID.
	Name() string

	// Messages returns inbound messages. The channel is closed when the
	// transport has no more input.
	Messages() <-chan Inbound

	// Send delivers a reply.
	Send(ctx context.Context, msg Outbound) error
}
