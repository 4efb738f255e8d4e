package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/channel"
)

const (
	wsMaxPayloadBytes = 64 << 10
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsQueuedTurns     = 4
)

// Frame types sent to WebSocket clients.
const (
	FrameToken     = "token"
	FrameToolStart = "tool_start"
	FrameToolDone  = "tool_done"
	FrameDone      = "done"
	FrameError     = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// ClientFrame is a chat message sent by a WebSocket client.
type ClientFrame struct {
	Message string `json:"message"`
	Format  string `json:"format,omitempty"`
}

// ServerFrame is one streamed event sent to a WebSocket client.
type ServerFrame struct {
	Type     string        `json:"type"`
	Token    string        `json:"token,omitempty"`
	Tool     string        `json:"tool,omitempty"`
	Outcome  string        `json:"outcome,omitempty"`
	Error    string        `json:"error,omitempty"`
	Response *ChatResponse `json:"response,omitempty"`
}

type wsSession struct {
	server *Server
	conn   *websocket.Conn
	userID string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan ServerFrame
	turns  chan ClientFrame
}

// handleChatWS streams turns over a WebSocket. Each client frame is one
// user message; turns on a connection run one at a time in arrival order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = agent.DefaultUserID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &wsSession{
		server: s,
		conn:   conn,
		userID: userID,
		logger: s.logger.With("user", userID, "transport", "ws"),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan ServerFrame, 64),
		turns:  make(chan ClientFrame, wsQueuedTurns),
	}
	sess.run()
}

func (s *wsSession) run() {
	s.logger.Debug("websocket session opened")
	done := make(chan struct{})
	go s.writeLoop()
	go func() {
		defer close(done)
		s.turnLoop()
	}()

	s.readLoop()

	s.cancel()
	close(s.turns)
	<-done
	_ = s.conn.Close()
	s.logger.Debug("websocket session closed")
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.emit(ServerFrame{Type: FrameError, Error: "invalid frame: " + err.Error()})
			continue
		}
		if strings.TrimSpace(frame.Message) == "" {
			s.emit(ServerFrame{Type: FrameError, Error: "message is required"})
			continue
		}

		select {
		case s.turns <- frame:
		default:
			s.emit(ServerFrame{Type: FrameError, Error: "too many queued messages"})
		}
	}
}

func (s *wsSession) turnLoop() {
	for frame := range s.turns {
		if s.ctx.Err() != nil {
			return
		}
		s.runTurn(frame)
	}
}

func (s *wsSession) runTurn(frame ClientFrame) {
	stream := func(ev agent.StreamEvent) {
		switch ev.Kind {
		case agent.KindToken:
			s.emit(ServerFrame{Type: FrameToken, Token: ev.Token})
		case agent.KindToolCallStart:
			s.emit(ServerFrame{Type: FrameToolStart, Tool: ev.ToolName})
		case agent.KindToolCallDone:
			s.emit(ServerFrame{Type: FrameToolDone, Tool: ev.ToolName, Outcome: ev.Outcome, Error: ev.Error})
		}
	}

	resp, err := s.server.loop.Run(s.ctx, &agent.Request{
		UserID:    s.userID,
		Content:   frame.Message,
		ChannelID: channel.ChannelWebSocket,
	}, stream)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("agent loop failed", "error", err)
		}
		s.emit(ServerFrame{Type: FrameError, Error: "agent error: " + err.Error()})
		return
	}

	out := &ChatResponse{
		Response:  resp.Content,
		UserID:    s.userID,
		RequestID: resp.RequestID,
		Rounds:    resp.Rounds,
		ToolCalls: resp.ToolCalls,
		Forced:    resp.Forced,
	}
	if frame.Format == "html" {
		out.HTML, _ = renderHTML(resp.Content)
	}
	s.emit(ServerFrame{Type: FrameDone, Response: out})
}

// emit queues a frame for the writer. Frames are discarded once the
// session is closing.
func (s *wsSession) emit(f ServerFrame) {
	select {
	case s.send <- f:
	case <-s.ctx.Done():
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				s.cancel()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.cancel()
				return
			}
		}
	}
}
