package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/channel"
)

const (
	// maxBodyBytes bounds request bodies on JSON endpoints.
	maxBodyBytes = 1 << 20

	// statusClientClosedRequest is the nginx convention for a client that
	// went away before the reply was ready.
	statusClientClosedRequest = 499
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	// Format selects the reply rendering: "" or "text" for the raw
	// reply, "html" to add a rendered copy.
	Format string `json:"format,omitempty"`
}

// ChatResponse is the body returned by POST /v1/chat.
type ChatResponse struct {
	Response  string   `json:"response"`
	HTML      string   `json:"html,omitempty"`
	UserID    string   `json:"user_id"`
	RequestID string   `json:"request_id"`
	Rounds    int      `json:"rounds"`
	ToolCalls []string `json:"tool_calls,omitempty"`
	Forced    bool     `json:"forced,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Format != "" && req.Format != "text" && req.Format != "html" {
		s.errorResponse(w, http.StatusBadRequest, "format must be text or html")
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = agent.DefaultUserID
	}

	resp, err := s.loop.Run(r.Context(), &agent.Request{
		UserID:    userID,
		Content:   req.Message,
		ChannelID: channel.ChannelAPI,
	}, nil)
	if err != nil {
		s.turnError(w, err)
		return
	}

	out := ChatResponse{
		Response:  resp.Content,
		UserID:    userID,
		RequestID: resp.RequestID,
		Rounds:    resp.Rounds,
		ToolCalls: resp.ToolCalls,
		Forced:    resp.Forced,
	}
	if req.Format == "html" {
		html, err := renderHTML(resp.Content)
		if err != nil {
			s.logger.Warn("markdown rendering failed", "request_id", resp.RequestID, "error", err)
		}
		out.HTML = html
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// handleMessages accepts a channel inbound envelope and returns the
// outbound reply envelope.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		s.errorResponse(w, http.StatusNotFound, "channel dispatch not configured")
		return
	}
	var in channel.Inbound
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := in.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.dispatcher.Handle(r.Context(), in)
	if err != nil {
		s.turnError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// turnError maps a propagated turn failure onto a response.
func (s *Server) turnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		s.logger.Info("turn abandoned by client", "error", err)
		s.errorResponse(w, statusClientClosedRequest, "request cancelled")
	default:
		s.logger.Error("agent loop failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error: "+err.Error())
	}
}

// renderHTML renders reply markdown to an HTML fragment.
func renderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
