package toolcall

import (
	"encoding/json"
	"strings"
)

// Clean strips protocol markup from model output so that it can be shown
// to a user. Text without markup is returned unchanged, and cleaning is
// idempotent.
func Clean(text string) string {
	out := text
	for {
		next := cleanOnce(out)
		if next == out {
			break
		}
		out = next
	}
	if out == text {
		return text
	}
	return strings.TrimSpace(out)
}

func cleanOnce(s string) string {
	s = closedTagRx.ReplaceAllString(s, "")

	// Whatever follows an unclosed open tag is call payload.
	if idx := strings.Index(s, OpenTag); idx != -1 {
		s = s[:idx]
	}
	s = strings.ReplaceAll(s, CloseTag, "")

	return fencedRx.ReplaceAllStringFunc(s, func(block string) string {
		m := fencedRx.FindStringSubmatch(block)
		if len(m) < 2 || !hasToolCallsKey(m[1]) {
			return block
		}
		return ""
	})
}

func hasToolCallsKey(body string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &obj); err != nil {
		return false
	}
	_, ok := obj["tool_calls"]
	return ok
}
