package toolcall

import (
	"strings"
	"testing"
)

func feedAll(d *Detector, chunks []string) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = d.Feed(c)
	}
	return out
}

func TestDetector_ProseOnly(t *testing.T) {
	d := NewDetector()
	got := feedAll(d, []string{"Hello ", "there, ", "friend."})
	want := []string{"Hello ", "there, ", "friend."}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d forwarded %q, want %q", i, got[i], want[i])
		}
	}
	if rest := d.Flush(); rest != "" {
		t.Errorf("Flush() = %q, want empty", rest)
	}
}

func TestDetector_MarkerInChunk(t *testing.T) {
	d := NewDetector()
	got := feedAll(d, []string{
		"Let me check. <tool_call>{\"name\"",
		": \"list_directory\"}",
		"</tool_call> and then some prose",
	})
	if got[0] != "Let me check. " {
		t.Errorf("transition chunk forwarded %q, want %q", got[0], "Let me check. ")
	}
	for i := 1; i < len(got); i++ {
		if got[i] != "" {
			t.Errorf("chunk %d forwarded %q after detection", i, got[i])
		}
	}
	if rest := d.Flush(); rest != "" {
		t.Errorf("Flush() after detection = %q, want empty", rest)
	}
}

func TestDetector_MarkerSplitAcrossChunks(t *testing.T) {
	d := NewDetector()
	first := d.Feed("One moment <tool")
	second := d.Feed("_call>{}")
	if first != "One moment " {
		t.Errorf("first chunk forwarded %q, want %q", first, "One moment ")
	}
	if second != "" {
		t.Errorf("second chunk forwarded %q, want empty", second)
	}
	if more := d.Feed(" and more prose"); more != "" {
		t.Errorf("Feed() after split marker = %q, want empty", more)
	}
	if rest := d.Flush(); rest != "" {
		t.Errorf("Flush() after split marker = %q, want empty", rest)
	}
}

func TestDetector_FalsePartialReleased(t *testing.T) {
	d := NewDetector()
	var b strings.Builder
	b.WriteString(d.Feed("use a <t"))
	b.WriteString(d.Feed("able> element"))
	b.WriteString(d.Flush())
	if got, want := b.String(), "use a <table> element"; got != want {
		t.Errorf("forwarded %q, want %q", got, want)
	}
}

func TestDetector_FlushReleasesTrailingFragment(t *testing.T) {
	d := NewDetector()
	first := d.Feed("ends with <tool_")
	if first != "ends with " {
		t.Errorf("Feed() = %q, want %q", first, "ends with ")
	}
	if rest := d.Flush(); rest != "<tool_" {
		t.Errorf("Flush() = %q, want %q", rest, "<tool_")
	}
}

// Whatever the chunking, the forwarded text is exactly the prefix that
// precedes the first marker.
func TestDetector_NeverForwardsPastMarker(t *testing.T) {
	text := "Sure, checking <b>now</b>. <tool_call>{\"name\": \"x\", \"arguments\": {}}</tool_call> done <tool_call>"
	prefix := text[:strings.Index(text, OpenTag)]

	for size := 1; size <= len(text); size++ {
		d := NewDetector()
		var b strings.Builder
		for i := 0; i < len(text); i += size {
			end := i + size
			if end > len(text) {
				end = len(text)
			}
			b.WriteString(d.Feed(text[i:end]))
		}
		b.WriteString(d.Flush())
		if b.String() != prefix {
			t.Fatalf("chunk size %d: forwarded %q, want %q", size, b.String(), prefix)
		}
	}
}
