package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"OpenMCP-Chat/internal/conversation"
	xerrors "OpenMCP-Chat/internal/errors"
	"OpenMCP-Chat/internal/llm"
	"OpenMCP-Chat/internal/session"
	"OpenMCP-Chat/internal/tools"
)

// EventStart 是流式接口的首帧，携带最终使用的会话 ID。
const EventStart = "start"

// StreamEvent 是 SSE 流中每一帧 data 的 JSON 结构。
type StreamEvent struct {
	Type      string                   `json:"type"`
	SessionID string                   `json:"session_id,omitempty"`
	Text      string                   `json:"text,omitempty"`
	Tool      *conversation.ToolEvent  `json:"tool,omitempty"`
	Usage     *conversation.Usage      `json:"usage,omitempty"`
	Retry     *conversation.RetryEvent `json:"retry,omitempty"`
	Result    *conversation.Result     `json:"result,omitempty"`
	Error     *ErrorResponse           `json:"error,omitempty"`
}

// StopRequest 是中止对话的请求体。
type StopRequest struct {
	UserID string `json:"user_id"`
}

// SessionResponse 返回会话的完整记录。
type SessionResponse struct {
	SessionID string     `json:"session_id"`
	Turns     []llm.Turn `json:"turns"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeError(w, unavailable("sessions"))
		return
	}
	var req session.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	reply, err := s.sessions.Chat(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeError(w, unavailable("sessions"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, xerrors.New(xerrors.CodeUnknown, "当前连接不支持流式输出"))
		return
	}
	var req session.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	// 占位失败等错误在写出 SSE 头之前以普通 JSON 返回。
	stream, err := s.sessions.Stream(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := s.writeFrame(w, StreamEvent{Type: EventStart, SessionID: stream.SessionID}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("客户端断开流式连接", slog.String("session_id", stream.SessionID))
			return
		case ev, ok := <-stream.Events:
			if !ok {
				return
			}
			if err := s.writeFrame(w, toStreamEvent(stream.SessionID, ev)); err != nil {
				s.logger.Warn("写入流式事件失败", slog.Any("error", err), slog.String("session_id", stream.SessionID))
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeFrame(w http.ResponseWriter, ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func toStreamEvent(sessionID string, ev conversation.Event) StreamEvent {
	out := StreamEvent{
		Type:   string(ev.Type),
		Text:   ev.Text,
		Tool:   ev.Tool,
		Usage:  ev.Usage,
		Retry:  ev.Retry,
		Result: ev.Result,
	}
	switch ev.Type {
	case conversation.EventCompleted:
		out.SessionID = sessionID
	case conversation.EventError:
		out.SessionID = sessionID
		if ev.Err != nil {
			body := errorBody(ev.Err)
			out.Error = &body
		}
	}
	return out
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeError(w, unavailable("sessions"))
		return
	}
	var req StopRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = session.DefaultUserID
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"stopped": s.sessions.Stop(userID),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		s.writeError(w, unavailable("sessions"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Active()})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeError(w, unavailable("sessions"))
		return
	}
	id := r.PathValue("id")
	turns, err := s.sessions.Transcript(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SessionResponse{SessionID: id, Turns: turns})
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeError(w, unavailable("sessions"))
		return
	}
	if err := s.sessions.Reset(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	list := []tools.Descriptor{}
	if s.tools != nil {
		list = append(list, s.tools.Tools()...)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": list, "count": len(list)})
}
