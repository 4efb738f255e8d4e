package agent

import (
	"context"
	"fmt"
	"time"
)

// ChannelProvider injects a note describing the channel a message
// arrived on, so the model can adjust its style. Channels without a
// configured note get none.
type ChannelProvider struct {
	notes map[string]string
}

// NewChannelProvider creates a channel awareness provider from a map of
// channel ID to note.
func NewChannelProvider(notes map[string]string) *ChannelProvider {
	return &ChannelProvider{notes: notes}
}

// GetContext returns the note for the request's channel.
func (p *ChannelProvider) GetContext(_ context.Context, req *Request) (string, error) {
	if req.ChannelID == "" {
		return "", nil
	}
	if note, ok := p.notes[req.ChannelID]; ok {
		return fmt.Sprintf("[Source: %s. %s]", req.ChannelID, note), nil
	}
	return "", nil
}

// ClockProvider adds the current time to the system prompt.
type ClockProvider struct {
	now func() time.Time
}

// NewClockProvider creates a provider that reports the local time.
func NewClockProvider() *ClockProvider {
	return &ClockProvider{now: time.Now}
}

// GetContext returns the current time.
func (p *ClockProvider) GetContext(context.Context, *Request) (string, error) {
	return "Current time: " + p.now().Format("Monday, 2 January 2006 15:04 MST"), nil
}
