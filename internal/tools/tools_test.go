package tools

import (
	"context"
	"reflect"
	"sync"
	"testing"
)

func echoTool(name string) *FuncTool {
	return &FuncTool{
		ToolName:        name,
		ToolDescription: "echoes its text argument",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (Result, error) {
			s, _ := args["text"].(string)
			return OK(s), nil
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(echoTool("echo"))

	got, ok := r.Get("echo")
	if !ok {
		t.Fatal("Get(echo) not found")
	}
	if got.Name() != "echo" {
		t.Errorf("Name() = %q, want %q", got.Name(), "echo")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) found a tool")
	}
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	first := echoTool("echo")
	second := echoTool("echo")
	second.ToolDescription = "replacement"

	r.Register(first)
	r.Register(second)

	got, _ := r.Get("echo")
	if got.Description() != "replacement" {
		t.Errorf("Description() = %q, want replacement", got.Description())
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := NewRegistry(echoTool("zeta"), echoTool("alpha"), echoTool("mid"))
	want := []string{"alpha", "mid", "zeta"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	list := r.List()
	for i, tool := range list {
		if tool.Name() != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, tool.Name(), want[i])
		}
	}
}

func TestRegistry_Definitions(t *testing.T) {
	r := NewRegistry(echoTool("echo"))
	defs := r.Definitions()
	if len(defs) != 1 {
		t.Fatalf("Definitions() len = %d, want 1", len(defs))
	}
	fn, ok := defs[0]["function"].(map[string]any)
	if !ok || fn["name"] != "echo" {
		t.Errorf("Definitions()[0] = %v", defs[0])
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(echoTool(string(rune('a' + i))))
		}()
		go func() {
			defer wg.Done()
			_ = r.Names()
			_, _ = r.Get("a")
		}()
	}
	wg.Wait()
	if r.Len() != 20 {
		t.Errorf("Len() = %d, want 20", r.Len())
	}
}
