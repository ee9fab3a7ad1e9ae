package handlers

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Avatar    string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

type homePageData struct {
	Chats         []chat
	CurrentChatID string
	Messages      []message
}

// Streaming states of a rendered message, used by the page script to decide whether to subscribe
// to the message's SSE topic.
const (
	streamingStateLoading = "loading"
	streamingStateEnded   = "ended"
)

// HandleHome renders the chat page. When chat_id is given, the chat's history is rendered in the chat
// box, otherwise an empty chat box is shown and the first submission starts a new chat.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	chatID := r.URL.Query().Get("chat_id")

	data := homePageData{
		Chats:         make([]chat, len(chats)),
		CurrentChatID: chatID,
	}
	for i, ch := range chats {
		data.Chats[i] = chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == chatID,
		}
	}

	if chatID != "" {
		messages, err := m.store.Messages(r.Context(), chatID)
		if err != nil {
			if errors.Is(err, models.ErrChatNotFound) {
				http.Error(w, "Chat not found", http.StatusNotFound)
				return
			}
			m.logger.Error("Failed to get messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		data.Messages, err = renderMessages(messages, m.streams.streaming)
		if err != nil {
			m.logger.Error("Failed to render messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// renderMessages prepares stored messages for the templates. Messages for which loading reports true are
// marked as loading, so the page follows their reply, every other message as ended.
func renderMessages(messages []models.Message, loading func(id string) bool) ([]message, error) {
	msgs := make([]message, len(messages))
	for i, msg := range messages {
		state := streamingStateEnded
		if loading(msg.ID) {
			state = streamingStateLoading
		}
		rendered, err := renderMessage(msg, state)
		if err != nil {
			return nil, err
		}
		msgs[i] = rendered
	}
	return msgs, nil
}

func renderMessage(msg models.Message, streamingState string) (message, error) {
	content, err := models.RenderContents(msg.Contents)
	if err != nil {
		return message{}, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
	}
	return message{
		ID:     msg.ID,
		Role:   string(msg.Role),
		Avatar: msg.Role.Avatar(),
		// RenderContents output is produced by the Markdown renderer with raw HTML disabled.
		Content:        template.HTML(content), //nolint:gosec
		Timestamp:      msg.Timestamp,
		StreamingState: streamingState,
	}, nil
}
