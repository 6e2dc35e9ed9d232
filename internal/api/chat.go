package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/bizpilot/bizpilot/internal/agent"
	"github.com/bizpilot/bizpilot/internal/auth"
	"github.com/bizpilot/bizpilot/internal/llm"
)

// ChatRequest is one conversational turn. History carries prior turns
// oldest-first when the client keeps the transcript.
type ChatRequest struct {
	Message        string        `json:"message"`
	ConversationID string        `json:"conversation_id,omitempty"`
	History        []llm.Message `json:"history,omitempty"`
}

// ChatResponse is the completed turn.
type ChatResponse struct {
	Reply          string         `json:"reply"`
	ReplyHTML      string         `json:"reply_html,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Model          string         `json:"model"`
	Iterations     int            `json:"iterations"`
	InputTokens    int            `json:"input_tokens"`
	OutputTokens   int            `json:"output_tokens"`
	Exhausted      bool           `json:"exhausted,omitempty"`
	ToolsCalled    map[string]int `json:"tools_called,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	}

	result, err := s.loop.Run(r.Context(), agent.Request{
		UserID:         user.ID,
		ConversationID: convID,
		Prompt:         req.Message,
		History:        req.History,
	})
	if err != nil {
		s.logger.Error("chat run failed", "user_id", user.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error: "+err.Error())
		return
	}

	writeJSON(w, chatResponse(result, convID, s.logger), s.logger)
}

func chatResponse(result *agent.Result, convID string, logger *slog.Logger) ChatResponse {
	resp := ChatResponse{
		Reply:          result.Content,
		ConversationID: convID,
		Model:          result.Model,
		Iterations:     result.Iterations,
		InputTokens:    result.InputTokens,
		OutputTokens:   result.OutputTokens,
		Exhausted:      result.Exhausted,
		ToolsCalled:    result.ToolsCalled,
	}
	html, err := markdownToHTML(result.Content)
	if err != nil {
		logger.Debug("reply render failed", "error", err)
	} else {
		resp.ReplyHTML = html
	}
	return resp
}

// markdownToHTML renders a model reply for clients that display rich
// text.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks are delegated to the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSEvent is one frame in the websocket chat stream.
type WSEvent struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Tool     string `json:"tool,omitempty"`
	Error    string `json:"error,omitempty"`
	Response any    `json:"response,omitempty"`
}

// handleChatWS runs the same loop as handleChat but streams progress
// over a websocket: token frames as the model produces text, tool
// frames around each capability call, then a final done frame with
// the completed ChatResponse.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req ChatRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.writeWSError(conn, "invalid request frame")
		return
	}
	if req.Message == "" {
		s.writeWSError(conn, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	}

	// The loop invokes the callback sequentially, which satisfies the
	// single-writer requirement of the connection.
	callback := func(event llm.StreamEvent) {
		var frame WSEvent
		switch event.Kind {
		case llm.KindToken:
			frame = WSEvent{Type: "token", Token: event.Token}
		case llm.KindToolCallStart:
			name := ""
			if event.ToolCall != nil {
				name = event.ToolCall.Function.Name
			}
			frame = WSEvent{Type: "tool_start", Tool: name}
		case llm.KindToolCallDone:
			frame = WSEvent{Type: "tool_done", Tool: event.ToolName}
		default:
			return
		}

		conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
		}
	}

	result, err := s.loop.RunStream(r.Context(), agent.Request{
		UserID:         user.ID,
		ConversationID: convID,
		Prompt:         req.Message,
		History:        req.History,
	}, callback)
	if err != nil {
		s.logger.Error("chat run failed", "user_id", user.ID, "error", err)
		s.writeWSError(conn, "agent error: "+err.Error())
		return
	}

	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := conn.WriteJSON(WSEvent{
		Type:     "done",
		Response: chatResponse(result, convID, s.logger),
	}); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) writeWSError(conn *websocket.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(WSEvent{Type: "error", Error: msg}); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""))
}
