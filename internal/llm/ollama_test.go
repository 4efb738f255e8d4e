package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/nugget/parley/internal/buildinfo"
)

func newOllamaServer(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaClient(srv.URL, "test-model", 0, nil)
}

func TestOllamaClient_Chat(t *testing.T) {
	var got ollamaChatRequest
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ua := r.Header.Get("User-Agent"); ua != buildinfo.UserAgent() {
			t.Errorf("User-Agent = %q", ua)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		fmt.Fprint(w, `{"model":"test-model","message":{"role":"assistant","content":"hello"},"done":true,"prompt_eval_count":12,"eval_count":3}`)
	})

	resp, err := c.Chat(context.Background(), "be nice", []Message{
		{Role: RoleSystem, Content: "ignored"},
		{Role: RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" || resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("resp = %+v", resp)
	}

	want := []Message{{Role: RoleSystem, Content: "be nice"}, {Role: RoleUser, Content: "hi"}}
	if !reflect.DeepEqual(got.Messages, want) {
		t.Errorf("wire messages = %+v, want %+v", got.Messages, want)
	}
	if got.Stream || got.Model != "test-model" {
		t.Errorf("request = %+v", got)
	}
}

func TestOllamaClient_ChatStream(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("expected a streaming request")
		}
		for _, chunk := range []string{"Hel", "lo ", "there"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", chunk)
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":3}`+"\n")
	})

	var chunks []string
	resp, err := c.ChatStream(context.Background(), "", []Message{{Role: RoleUser, Content: "hi"}}, func(s string) {
		chunks = append(chunks, s)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "Hello there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if !reflect.DeepEqual(chunks, []string{"Hel", "lo ", "there"}) {
		t.Errorf("chunks = %q", chunks)
	}
	if !resp.Done || resp.OutputTokens != 3 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOllamaClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		stream  bool
		wantErr string
	}{
		{"http error", http.StatusInternalServerError, "boom", false, "API error 500: boom"},
		{"model error", http.StatusOK, `{"error":"model not found"}`, false, "model not found"},
		{"stream error", http.StatusOK, `{"message":{"content":"a"}}` + "\n" + `{"error":"out of memory"}`, true, "out of memory"},
		{"bad json", http.StatusOK, `{not json`, false, "decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			var cb StreamCallback
			if tt.stream {
				cb = func(string) {}
			}
			_, err := c.ChatStream(context.Background(), "", []Message{{Role: RoleUser, Content: "x"}}, cb)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestOllamaClient_Embed(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "embedder" || req["input"] != "hello" {
			t.Errorf("request = %v", req)
		}
		fmt.Fprint(w, `{"embeddings":[[0.1,0.2,0.3]]}`)
	})
	c.SetEmbedModel("embedder")

	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if !reflect.DeepEqual(vec, []float32{0.1, 0.2, 0.3}) {
		t.Errorf("vec = %v", vec)
	}
}

func TestOllamaClient_PingAndModels(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"qwen3:8b"},{"name":"nomic-embed-text"}]}`)
	})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if !reflect.DeepEqual(models, []string{"qwen3:8b", "nomic-embed-text"}) {
		t.Errorf("models = %v", models)
	}
}

func TestOllamaClient_ContextCancelled(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Chat(ctx, "", []Message{{Role: RoleUser, Content: "x"}}); err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}
