package prompts

import (
	"fmt"
	"strings"
)

// Outcome kinds as rendered into feedback. They match tools.FailureKind
// values plus "success".
const (
	KindSuccess          = "success"
	KindUnknownTool      = "unknown_tool"
	KindInvalidArguments = "invalid_arguments"
	KindExecutionFailed  = "execution_failed"
	KindTimeout          = "timeout"
)

// RetryHint is appended to feedback when any tool call failed.
const RetryHint = "One or more tool calls failed. You may retry with corrected arguments, " +
	"use a different tool, or explain the problem to the user."

// ToolResult is one tool outcome to report back to the model.
type ToolResult struct {
	Tool    string
	Kind    string
	Output  string
	Message string
	Details []string
}

// ToolFeedback renders every outcome of a round into a single message,
// in execution order.
func ToolFeedback(results []ToolResult) string {
	var b strings.Builder
	b.WriteString("Tool results:\n")
	failed := false
	for _, r := range results {
		b.WriteString("\n")
		if r.Kind != KindSuccess {
			failed = true
		}
		b.WriteString(formatResult(r))
	}
	if failed {
		b.WriteString("\n")
		b.WriteString(RetryHint)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatResult(r ToolResult) string {
	var b strings.Builder
	switch r.Kind {
	case KindSuccess:
		fmt.Fprintf(&b, "[%s] succeeded:\n%s\n", r.Tool, r.Output)
	case KindUnknownTool:
		fmt.Fprintf(&b, "[%s] failed (unknown tool): %s\n", r.Tool, r.Message)
		if len(r.Details) > 0 {
			fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(r.Details, ", "))
		}
	case KindInvalidArguments:
		fmt.Fprintf(&b, "[%s] failed (invalid arguments): %s\n", r.Tool, r.Message)
		for _, d := range r.Details {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	case KindTimeout:
		fmt.Fprintf(&b, "[%s] failed (timeout): %s\n", r.Tool, r.Message)
		if len(r.Details) > 0 {
			fmt.Fprintf(&b, "Timeout: %s\n", r.Details[0])
		}
	default:
		fmt.Fprintf(&b, "[%s] failed (execution error): %s\n", r.Tool, r.Message)
	}
	return b.String()
}
