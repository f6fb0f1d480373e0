package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/jkaninda/dbchat/internal/session"
)

// wsQuestion is one inbound chat message on the WebSocket connection.
type wsQuestion struct {
	Question string `json:"question"`
}

// handleWebSocket upgrades the connection and runs an interactive chat
// loop. Each connection owns one database session, opened on upgrade and
// closed when the socket disconnects, so the session's credential lives
// exactly as long as the conversation.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleChat(r.Context(), conn)
}

func (s *Server) handleChat(ctx context.Context, conn *websocket.Conn) {
	var sess *session.Session
	defer func() {
		if sess != nil {
			s.sessions.Close(context.Background(), sess.ID)
			if s.limiter != nil {
				s.limiter.Forget(sess.ID.String())
			}
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	sess, err := s.sessions.Open(ctx)
	if err != nil {
		s.logger.Error("failed to open session", slog.String("error", err.Error()))
		s.writeEvent(ctx, conn, "error", SSEEvent{Content: "could not open a database session"})
		return
	}

	s.writeEvent(ctx, conn, "session", SSEEvent{Content: sess.ID.String()})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("chat client disconnected", slog.String("session_id", sess.ID.String()))
			} else {
				s.logger.Warn("chat connection error",
					slog.String("session_id", sess.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var q wsQuestion
		if err := json.Unmarshal(data, &q); err != nil || q.Question == "" {
			s.writeEvent(ctx, conn, "error", SSEEvent{Content: "expected {\"question\": \"...\"}"})
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Allow(sess.ID.String()); err != nil {
				s.writeEvent(ctx, conn, "error", SSEEvent{Content: "rate limit exceeded, slow down"})
				continue
			}
		}

		s.answerOverSocket(ctx, conn, sess, q.Question)
	}
}

// answerOverSocket runs one question through the chain and streams the
// result frames back. Chain failures produce a fallback answer and keep
// the connection alive.
func (s *Server) answerOverSocket(ctx context.Context, conn *websocket.Conn, sess *session.Session, question string) {
	res, err := sess.Ask(ctx, question)
	if err != nil {
		resp, ok := askFailure(sess.ID, err, 0)
		if !ok {
			s.logger.Error("question processing failed",
				slog.String("session_id", sess.ID.String()),
				slog.String("error", err.Error()),
			)
			s.writeEvent(ctx, conn, "error", SSEEvent{Content: "processing failed"})
			return
		}
		s.writeEvent(ctx, conn, "text", SSEEvent{Content: resp.Answer})
		s.writeEvent(ctx, conn, "done", SSEEvent{Type: "done"})
		return
	}

	if res.SQL != "" {
		s.writeEvent(ctx, conn, "sql", SSEEvent{SQL: res.SQL})
	}
	if len(res.Rows) > 0 {
		s.writeEvent(ctx, conn, "rows", SSEEvent{Columns: res.Columns, Rows: res.Rows})
	}
	s.writeEvent(ctx, conn, "text", SSEEvent{Content: res.Answer})
	s.writeEvent(ctx, conn, "done", SSEEvent{Type: "done"})
}

// wsFrame is the wire format for outbound WebSocket messages. It reuses
// the SSE event payload so both transports speak the same shapes.
type wsFrame struct {
	Event string   `json:"event"`
	Data  SSEEvent `json:"data"`
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, event string, payload SSEEvent) {
	data, err := json.Marshal(wsFrame{Event: event, Data: payload})
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}
