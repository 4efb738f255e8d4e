package prompts

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DefaultPersona is used when no persona is configured.
const DefaultPersona = `You are Parley, a helpful assistant. Answer clearly and concisely.
Use tools only when the user asks you to do or check something you cannot answer from the conversation.
For greetings and small talk, reply directly without tools.`

const protocolTemplate = `## Tools
You can call the tools listed below. To call a tool, write exactly one block per call:

<tool_call>
{"name": "tool_name", "arguments": {"param": "value"}}
</tool_call>

Rules:
- "arguments" must be a JSON object matching the tool's parameters.
- You may call several tools in one reply; they run in the order written.
- After a tool call, stop and wait. The results arrive in the next message.
- When you have what you need, answer the user in plain text with no tool_call blocks.

Available tools:
%s`

// ToolSpec describes a tool for the system prompt catalog.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SystemParams holds the dynamic parts of the system prompt.
type SystemParams struct {
	Persona     string
	Tools       []ToolSpec
	Preferences map[string]any
}

// SystemPrompt assembles the system prompt: persona, the tool protocol and
// catalog when any tool is available, then the user's preferences.
func SystemPrompt(p SystemParams) string {
	var b strings.Builder

	persona := strings.TrimSpace(p.Persona)
	if persona == "" {
		persona = DefaultPersona
	}
	b.WriteString(persona)

	if len(p.Tools) > 0 {
		b.WriteString("\n\n")
		fmt.Fprintf(&b, protocolTemplate, ToolCatalog(p.Tools))
	}

	if prefs := FormatPreferences(p.Preferences); prefs != "" {
		b.WriteString("\n\n## User Preferences\nRespect these preferences the user has stated:\n")
		b.WriteString(prefs)
	}
	return b.String()
}

// ToolCatalog renders one entry per tool with its JSON parameter schema.
func ToolCatalog(specs []ToolSpec) string {
	var b strings.Builder
	for i, s := range specs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		if len(s.Parameters) > 0 {
			schema, err := json.Marshal(s.Parameters)
			if err == nil {
				fmt.Fprintf(&b, "  parameters: %s\n", schema)
			}
		}
	}
	return b.String()
}

// FormatPreferences renders preferences as a sorted bullet list. Text
// values are written as-is, everything else as JSON.
func FormatPreferences(prefs map[string]any) string {
	if len(prefs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		var val string
		switch v := prefs[k].(type) {
		case string:
			val = v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				val = fmt.Sprint(v)
			} else {
				val = string(raw)
			}
		}
		fmt.Fprintf(&b, "- %s: %s\n", strings.ReplaceAll(k, "_", " "), val)
	}
	return b.String()
}
