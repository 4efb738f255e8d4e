// Package tools defines the tools available to the agent, the registry
// that holds them, and the executor that runs model-requested calls.
package tools

import (
	"context"
	"sort"
	"sync"
)

// Tool is a named capability the model can invoke. Schema returns a JSON
// Schema object describing the accepted arguments; it is rendered into the
// system prompt and used to validate arguments before Execute is called.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Result is what a tool reports after running. A tool that ran but could
// not do what was asked sets Failed and Error instead of returning a Go
// error; a Go error means the tool itself broke.
type Result struct {
	Output string
	Failed bool
	Error  string
}

// OK returns a successful Result.
func OK(output string) Result {
	return Result{Output: output}
}

// Fail returns a Result reporting a logical failure.
func Fail(msg string) Result {
	return Result{Failed: true, Error: msg}
}

// FuncTool adapts a plain handler function into a Tool.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Parameters      map[string]any
	Handler         func(ctx context.Context, args map[string]any) (Result, error)
}

// Name implements Tool.
func (t *FuncTool) Name() string { return t.ToolName }

// Description implements Tool.
func (t *FuncTool) Description() string { return t.ToolDescription }

// Schema implements Tool.
func (t *FuncTool) Schema() map[string]any { return t.Parameters }

// Execute implements Tool.
func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	return t.Handler(ctx, args)
}

// Registry holds available tools keyed by name. It is safe for concurrent
// use; registration is rare and lookups are frequent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry containing the given tools.
func NewRegistry(initial ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(initial))}
	for _, t := range initial {
		r.Register(t)
	}
	return r
}

// Register adds a tool. A later registration under the same name
// replaces the earlier one.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the registered tools in the function-definition
// shape used by the API's tool listing.
func (r *Registry) Definitions() []map[string]any {
	var result []map[string]any
	for _, t := range r.List() {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name(),
				"description": t.Description(),
				"parameters":  t.Schema(),
			},
		})
	}
	return result
}
