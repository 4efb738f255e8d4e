// Package tools provides the tool registry and execution framework.
//
// This file defines error types and the outcome taxonomy for tool
// execution.
package tools

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout may be returned (or wrapped) by a tool to signal that it
// gave up waiting on something. The executor classifies it the same way
// as its own deadline expiring.
var ErrTimeout = errors.New("tool timed out")

// ErrToolUnavailable is returned when a call targets a tool that is not
// present in the registry.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// FailureKind classifies why a tool call did not succeed.
type FailureKind string

// Failure kinds. All of them are recoverable by the model: they are fed
// back into the conversation rather than returned to the caller.
const (
	UnknownTool      FailureKind = "unknown_tool"
	InvalidArguments FailureKind = "invalid_arguments"
	ExecutionFailed  FailureKind = "execution_failed"
	Timeout          FailureKind = "timeout"
)

// Failure describes an unsuccessful tool call.
type Failure struct {
	Kind    FailureKind
	Message string
	// Details carries kind-specific context: registered tool names for
	// UnknownTool, per-field violations for InvalidArguments, and the
	// configured timeout for Timeout.
	Details []string
	Timeout time.Duration
}

// Outcome is the tagged result of one tool call. Failure is nil on
// success.
type Outcome struct {
	Tool     string
	Output   string
	Failure  *Failure
	Duration time.Duration
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Kind returns the failure kind, or "success".
func (o Outcome) Kind() string {
	if o.Failure == nil {
		return "success"
	}
	return string(o.Failure.Kind)
}
