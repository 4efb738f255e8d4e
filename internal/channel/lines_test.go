package channel

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestLineAdapter(t *testing.T) {
	in := strings.NewReader("hello\n\n  \nsecond line\n/quit\nignored\n")
	var out bytes.Buffer
	a := NewLineAdapter("cli", "me", in, &out)
	a.SetPrompt("> ")

	if err := NewDispatcher(&fakeRunner{}, nil).Serve(context.Background(), a); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	// Blank lines re-prompt without producing a message.
	want := "> re: hello\n\n> > > re: second line\n\n> "
	if got := out.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestLineAdapterEnvelope(t *testing.T) {
	a := NewLineAdapter("cli", "me", strings.NewReader("ping\n"), &bytes.Buffer{})
	msg, ok := <-a.Messages()
	if !ok {
		t.Fatal("no message")
	}
	if msg.ChannelID != "cli" || msg.UserID != "me" || msg.Content != "ping" || msg.ID == "" || msg.Timestamp.IsZero() {
		t.Errorf("envelope = %+v", msg)
	}
	if err := a.Send(context.Background(), Outbound{Content: "pong"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-a.Messages(); ok {
		t.Error("channel still open after input ended")
	}
}
