package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/defisage/defisage/internal/agent"
	"github.com/defisage/defisage/internal/history"
	"github.com/defisage/defisage/internal/stream"
	"github.com/defisage/defisage/pkg/provider/llm"
)

// maxChatTitleRunes caps the sidebar title derived from the first message.
const maxChatTitleRunes = 60

// clientMessage is one inbound websocket frame: a user turn to run.
type clientMessage struct {
	// ChatID resumes an existing chat. Empty starts a new one.
	ChatID string `json:"chatId,omitempty"`

	// Content is the user's message text.
	Content string `json:"content"`

	// ToolMode enables tool selection for this turn.
	ToolMode bool `json:"toolMode"`
}

// chatOpened tells the client which chat id a fresh conversation was
// assigned, before the first stream event arrives.
type chatOpened struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// handleWS upgrades the connection and serves chat turns until the client
// disconnects. Frames are processed sequentially; each one streams a full
// turn back before the next is read.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The UI is served from a separate origin during development.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server closing")

	ctx := r.Context()
	log := s.logger.With("remote", r.RemoteAddr)
	log.Debug("websocket session opened")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				log.Debug("websocket session closed", "status", status)
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			log.Debug("websocket read ended", "error", err)
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.emitError(ctx, conn, "invalid message: "+err.Error())
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			s.emitError(ctx, conn, "message content is empty")
			continue
		}

		if err := s.serveTurn(ctx, conn, msg, log); err != nil {
			log.Warn("chat turn failed", "chat_id", msg.ChatID, "error", err)
		}
	}
}

// serveTurn runs one conversation turn: resolves or creates the chat, replays
// stored context, streams the model output, and persists the new messages.
func (s *Server) serveTurn(ctx context.Context, conn *websocket.Conn, msg clientMessage, log *slog.Logger) error {
	chatID := msg.ChatID
	var prior []llm.Message

	if chatID == "" {
		chatID = uuid.NewString()
		now := time.Now().UTC()
		chat := history.Chat{
			ID:        chatID,
			Title:     chatTitle(msg.Content),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateChat(ctx, chat); err != nil {
			s.emitError(ctx, conn, "failed to create chat")
			return err
		}
		if err := writeFrame(ctx, conn, chatOpened{Type: "chat", ChatID: chatID}); err != nil {
			return err
		}
	} else {
		_, stored, err := s.store.GetChat(ctx, chatID)
		if err != nil {
			s.emitError(ctx, conn, "unknown chat")
			return err
		}
		prior = make([]llm.Message, 0, len(stored))
		for _, m := range stored {
			prior = append(prior, llm.Message{Role: m.Role, Content: m.Content})
		}
	}

	userMsg := history.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      "user",
		Content:   msg.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		s.emitError(ctx, conn, "failed to persist message")
		return err
	}

	msgs := append(prior, llm.Message{Role: "user", Content: msg.Content})

	recorder := &annotationRecorder{next: &wsSink{conn: conn}}
	ann := stream.NewAnnotator(recorder)

	res, err := s.runner.Run(ctx, agent.RunRequest{Messages: msgs, ToolMode: msg.ToolMode}, ann)
	if err != nil {
		// The loop already emitted an error marker on the stream.
		return err
	}

	s.persistTurn(ctx, chatID, res.Messages[len(msgs):], recorder.annotations(), log)
	return nil
}

// persistTurn appends the turn's new messages, attaching the collected
// tool-call annotations to the final assistant message so a resumed chat can
// re-render tool widgets. Persistence failures are logged, not surfaced; the
// client already has the streamed turn.
func (s *Server) persistTurn(ctx context.Context, chatID string, newMsgs []llm.Message, anns []byte, log *slog.Logger) {
	lastAssistant := -1
	for i, m := range newMsgs {
		if m.Role == "assistant" {
			lastAssistant = i
		}
	}

	for i, m := range newMsgs {
		stored := history.Message{
			ID:        uuid.NewString(),
			ChatID:    chatID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: time.Now().UTC(),
		}
		if i == lastAssistant {
			stored.Annotations = anns
		}
		if err := s.store.AppendMessage(ctx, stored); err != nil {
			log.Error("failed to persist turn message", "chat_id", chatID, "role", m.Role, "error", err)
			return
		}
	}
}

// emitError sends a terminal error event outside of a running turn.
func (s *Server) emitError(ctx context.Context, conn *websocket.Conn, msg string) {
	ev := stream.Event{Type: stream.EventError, Error: msg}
	if err := writeFrame(ctx, conn, ev); err != nil {
		s.logger.Debug("error frame dropped", "error", err)
	}
}

// chatTitle derives a sidebar title from the first user message.
func chatTitle(content string) string {
	title := strings.TrimSpace(content)
	runes := []rune(title)
	if len(runes) > maxChatTitleRunes {
		title = string(runes[:maxChatTitleRunes-1]) + "…"
	}
	return title
}

// writeFrame marshals v and sends it as a text frame.
func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// wsSink delivers stream events as websocket text frames.
type wsSink struct {
	conn *websocket.Conn
}

var _ stream.Sink = (*wsSink)(nil)

func (s *wsSink) Emit(ctx context.Context, ev stream.Event) error {
	return writeFrame(ctx, s.conn, ev)
}

// annotationRecorder tees tool-call events off the stream so they can be
// persisted alongside the assistant message.
type annotationRecorder struct {
	next stream.Sink
	anns []stream.ToolCallData
}

var _ stream.Sink = (*annotationRecorder)(nil)

func (r *annotationRecorder) Emit(ctx context.Context, ev stream.Event) error {
	if ev.Type == stream.EventToolCall && ev.ToolCall != nil {
		r.anns = append(r.anns, *ev.ToolCall)
	}
	return r.next.Emit(ctx, ev)
}

// annotations returns the collected tool-call events as JSON, or nil when
// the turn used no tools.
func (r *annotationRecorder) annotations() []byte {
	if len(r.anns) == 0 {
		return nil
	}
	data, err := json.Marshal(r.anns)
	if err != nil {
		return nil
	}
	return data
}
