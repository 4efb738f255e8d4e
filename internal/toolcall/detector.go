package toolcall

import "strings"

// Detector decides, chunk by chunk, which parts of a streaming model
// response are safe to show a live listener. Everything before the first
// OpenTag is prose and is forwarded; nothing at or after it ever is.
//
// A Detector covers exactly one model response. It is not safe for
// concurrent use.
type Detector struct {
	buf       strings.Builder
	forwarded int
	detected  bool
}

// NewDetector returns a Detector ready for the first chunk of a response.
func NewDetector() *Detector {
	return &Detector{}
}

// Feed appends chunk to the response buffer and returns the portion that
// may be forwarded now. A trailing fragment that could be the start of
// OpenTag is held back until a later chunk (or Flush) settles it.
func (d *Detector) Feed(chunk string) string {
	d.buf.WriteString(chunk)
	if d.detected {
		return ""
	}
	buf := d.buf.String()

	if idx := strings.Index(buf, OpenTag); idx != -1 {
		d.detected = true
		out := ""
		if idx > d.forwarded {
			out = buf[d.forwarded:idx]
		}
		d.forwarded = len(buf)
		return out
	}

	safe := len(buf) - partialMarkerLen(buf)
	if safe <= d.forwarded {
		return ""
	}
	out := buf[d.forwarded:safe]
	d.forwarded = safe
	return out
}

// Flush releases any held-back fragment once the response has ended
// without a tool call. It returns "" after detection.
func (d *Detector) Flush() string {
	if d.detected {
		return ""
	}
	buf := d.buf.String()
	if d.forwarded >= len(buf) {
		return ""
	}
	out := buf[d.forwarded:]
	d.forwarded = len(buf)
	return out
}

// partialMarkerLen returns the length of the longest suffix of s that is a
// proper prefix of OpenTag.
func partialMarkerLen(s string) int {
	limit := len(OpenTag) - 1
	if limit > len(s) {
		limit = len(s)
	}
	for n := limit; n > 0; n-- {
		if strings.HasPrefix(OpenTag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
