package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/channel"
)

// UserHeader selects the parley user for Ollama-compatible requests, which
// have no user field of their own.
const UserHeader = "X-Parley-User"

// OllamaChatRequest is the Ollama /api/chat request format.
type OllamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []OllamaChatMessage `json:"messages"`
	Stream   *bool               `json:"stream,omitempty"`
}

// OllamaChatMessage is the Ollama message format.
type OllamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaChatResponse is the Ollama /api/chat response format.
type OllamaChatResponse struct {
	Model         string            `json:"model"`
	CreatedAt     string            `json:"created_at"`
	Message       OllamaChatMessage `json:"message"`
	Done          bool              `json:"done"`
	DoneReason    string            `json:"done_reason,omitempty"`
	TotalDuration int64             `json:"total_duration,omitempty"`
}

// OllamaModel is one entry of the /api/tags response.
type OllamaModel struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// registerOllamaRoutes mounts an Ollama-compatible chat surface so Ollama
// clients can talk to parley as if it were a model.
func (s *Server) registerOllamaRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", s.handleOllamaChat)
	mux.HandleFunc("GET /api/tags", s.handleOllamaTags)
	mux.HandleFunc("GET /api/version", s.handleOllamaVersion)
}

// handleOllamaChat runs the newest user message as a parley turn. Earlier
// messages in the request are ignored; parley keeps its own history.
func (s *Server) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	var req OllamaChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		ollamaError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var content string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			content = req.Messages[i].Content
			break
		}
	}
	if content == "" {
		ollamaError(w, http.StatusBadRequest, "no user message")
		return
	}

	userID := r.Header.Get(UserHeader)
	if userID == "" {
		userID = agent.DefaultUserID
	}
	agentReq := &agent.Request{UserID: userID, Content: content, ChannelID: channel.ChannelOllama}

	model := s.model
	if req.Model != "" {
		model = req.Model
	}

	start := time.Now()
	if req.Stream == nil || *req.Stream {
		s.ollamaStream(w, r, agentReq, model, start)
		return
	}

	resp, err := s.loop.Run(r.Context(), agentReq, nil)
	if err != nil {
		s.logger.Error("agent loop failed", "error", err)
		ollamaError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, OllamaChatResponse{
		Model:         model,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Message:       OllamaChatMessage{Role: "assistant", Content: resp.Content},
		Done:          true,
		DoneReason:    "stop",
		TotalDuration: time.Since(start).Nanoseconds(),
	}, s.logger)
}

func (s *Server) ollamaStream(w http.ResponseWriter, r *http.Request, req *agent.Request, model string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		ollamaError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	write := func(chunk OllamaChatResponse) {
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			s.logger.Debug("failed to write stream chunk", "error", err)
			return
		}
		flusher.Flush()
	}

	streamed := false
	resp, err := s.loop.Run(r.Context(), req, func(ev agent.StreamEvent) {
		if ev.Kind != agent.KindToken {
			return
		}
		streamed = true
		write(OllamaChatResponse{
			Model:     model,
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Message:   OllamaChatMessage{Role: "assistant", Content: ev.Token},
		})
	})
	if err != nil {
		s.logger.Error("agent loop failed", "error", err)
		if !streamed {
			ollamaError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	final := OllamaChatResponse{
		Model:         model,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Message:       OllamaChatMessage{Role: "assistant"},
		Done:          true,
		DoneReason:    "stop",
		TotalDuration: time.Since(start).Nanoseconds(),
	}
	if !streamed {
		final.Message.Content = resp.Content
	}
	write(final)
}

func (s *Server) handleOllamaTags(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"models": []OllamaModel{{
			Name:       s.model,
			Model:      s.model,
			ModifiedAt: time.Now().UTC().Format(time.RFC3339),
			Digest:     buildinfo.Current().Commit,
		}},
	}, s.logger)
}

func (s *Server) handleOllamaVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"version": buildinfo.Version}, s.logger)
}

func ollamaError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
