// Package toolcall implements the textual tool-calling protocol that the
// model uses inside its free-text output.
//
// Three request shapes are recognized, in precedence order:
//
//	<tool_call>{"name": "...", "arguments": {...}}</tool_call>
//	<tool_call>{"name": "...", "arguments": {...}}          (close tag forgotten)
//	```json
//	{"tool_calls": [{"name": "...", "arguments": {...}}]}
//	```
//
// The first shape that yields at least one valid call wins; later shapes
// are not consulted. Parsing never fails: malformed markup degrades to
// fewer calls, and zero calls means the text is a plain answer.
package toolcall

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Protocol markers. These are the wire contract with the model and must
// match the instructions rendered into the system prompt.
const (
	OpenTag  = "<tool_call>"
	CloseTag = "</tool_call>"
)

// Call is a single tool invocation requested by the model.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

var (
	closedTagRx = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	fencedRx    = regexp.MustCompile("(?s)```(?i:json)[ \t]*\\r?\\n?(.*?)```")
)

// Parse extracts tool calls from model output, in source order.
func Parse(text string) []Call {
	if calls := parseClosedTags(text); len(calls) > 0 {
		return calls
	}
	if calls := parseUnclosedTag(text); len(calls) > 0 {
		return calls
	}
	return parseFencedBlocks(text)
}

// parseClosedTags handles every <tool_call>...</tool_call> pair
// independently so one bad payload does not hide its neighbours.
func parseClosedTags(text string) []Call {
	var calls []Call
	for _, m := range closedTagRx.FindAllStringSubmatch(text, -1) {
		body := m[1]
		// A stray unclosed opener before this pair ends up inside the
		// match; the payload starts after the innermost open tag.
		if idx := strings.LastIndex(body, OpenTag); idx != -1 {
			body = body[idx+len(OpenTag):]
		}
		if c, ok := decodeCall([]byte(strings.TrimSpace(body))); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// parseUnclosedTag recovers a call whose close tag was never written.
// The first open tag not closed before the next opener is used. The
// payload is decoded greedily from its brace to the end of the text, then
// as the shortest balanced object when trailing prose broke the greedy
// capture.
func parseUnclosedTag(text string) []Call {
	rest, ok := firstUnclosed(text)
	if !ok {
		return nil
	}

	start := strings.Index(rest, "{")
	if end := strings.LastIndex(rest, "}"); end > start {
		if c, ok := decodeCall([]byte(rest[start : end+1])); ok {
			return []Call{c}
		}
	}
	if obj, ok := balancedObject(rest[start:]); ok {
		if c, ok := decodeCall([]byte(obj)); ok {
			return []Call{c}
		}
	}
	return nil
}

// firstUnclosed returns the text after the first open tag whose segment
// (up to the next open tag) has no close tag and contains an object.
func firstUnclosed(text string) (string, bool) {
	for {
		idx := strings.Index(text, OpenTag)
		if idx == -1 {
			return "", false
		}
		rest := text[idx+len(OpenTag):]
		segment := rest
		if next := strings.Index(rest, OpenTag); next != -1 {
			segment = rest[:next]
		}
		if !strings.Contains(segment, CloseTag) && strings.Contains(segment, "{") {
			return rest, true
		}
		text = rest
	}
}

// parseFencedBlocks handles ```json blocks carrying a tool_calls array.
// Each array entry is validated on its own.
func parseFencedBlocks(text string) []Call {
	var calls []Call
	for _, m := range fencedRx.FindAllStringSubmatch(text, -1) {
		var block struct {
			ToolCalls []json.RawMessage `json:"tool_calls"`
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &block); err != nil {
			continue
		}
		for _, raw := range block.ToolCalls {
			if c, ok := decodeCall(raw); ok {
				calls = append(calls, c)
			}
		}
	}
	return calls
}

// decodeCall decodes a {name, arguments} object. Arguments must be a
// JSON object; scalars, arrays, null, and absence are all rejected.
func decodeCall(data []byte) (Call, bool) {
	var wire struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Call{}, false
	}
	name := strings.TrimSpace(wire.Name)
	if name == "" {
		return Call{}, false
	}
	raw := strings.TrimSpace(string(wire.Arguments))
	if !strings.HasPrefix(raw, "{") {
		return Call{}, false
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return Call{}, false
	}
	return Call{Name: name, Arguments: args}, true
}

// balancedObject returns the shortest prefix of s that is a brace-balanced
// object, ignoring braces inside JSON strings. s must start with '{'.
func balancedObject(s string) (string, bool) {
	if s == "" || s[0] != '{' {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
