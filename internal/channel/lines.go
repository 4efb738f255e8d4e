package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LineAdapter is an Adapter over a line-oriented stream such as a
// terminal: each non-blank input line is one message from a fixed user,
// and replies are written to the output.
type LineAdapter struct {
	name   string
	userID string
	in     io.Reader
	out    io.Writer
	prompt string

	mu   sync.Mutex
	msgs chan Inbound
	once sync.Once
	done chan struct{}
}

// NewLineAdapter creates an adapter reading from in and writing to out.
// Reading starts on the first call to Messages.
func NewLineAdapter(name, userID string, in io.Reader, out io.Writer) *LineAdapter {
	return &LineAdapter{
		name:   name,
		userID: userID,
		in:     in,
		out:    out,
		msgs:   make(chan Inbound),
		done:   make(chan struct{}, 1),
	}
}

// SetPrompt sets text written before each input line is read.
func (l *LineAdapter) SetPrompt(p string) { l.prompt = p }

// Name returns the channel name.
func (l *LineAdapter) Name() string { return l.name }

// Messages starts reading input and returns the message channel. Each line
// waits for the previous reply before the next prompt is shown.
func (l *LineAdapter) Messages() <-chan Inbound {
	l.once.Do(func() { go l.read() })
	return l.msgs
}

func (l *LineAdapter) read() {
	defer close(l.msgs)
	scanner := bufio.NewScanner(l.in)
	for {
		l.writePrompt()
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		id, _ := uuid.NewV7()
		l.msgs <- Inbound{
			ID:        id.String(),
			ChannelID: l.name,
			UserID:    l.userID,
			Content:   line,
			Timestamp: time.Now(),
		}
		<-l.done
	}
}

func (l *LineAdapter) writePrompt() {
	if l.prompt == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.out, l.prompt)
}

// Send writes a reply and lets the reader continue.
func (l *LineAdapter) Send(_ context.Context, msg Outbound) error {
	l.mu.Lock()
	_, err := fmt.Fprintf(l.out, "%s\n\n", msg.Content)
	l.mu.Unlock()
	select {
	case l.done <- struct{}{}:
	default:
	}
	return err
}
