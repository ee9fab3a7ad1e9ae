package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
)

const titleTimeout = 30 * time.Second

// HandleChats processes chat submissions through HTTP POST requests, managing both new chat creation and
// message handling. It accepts the user's prompt and an optional image through form data, stores them as
// one user turn, and starts asynchronous processing for the AI response and the chat title.
//
// The handler expects a "message" field and/or an "image" file, and an optional "chat_id" field. If no
// chat_id is provided, it creates a new chat. The AI response is streamed through Server-Sent Events
// (SSE) on the topic of the assistant message.
//
// For successful requests, it renders either a complete chatbox template for new chats or the two new
// message templates for existing chats.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if m.limiter != nil && !m.limiter.Allow() {
		m.logger.Warn("Chat submission rate limited")
		http.Error(w, "Too many requests, please wait a moment", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, m.maxUploadBytes)
	sub, err := parseSubmission(r, m.maxUploadBytes)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.Is(err, errEmptyPrompt):
			http.Error(w, emptyPromptMessage, http.StatusBadRequest)
		case errors.Is(err, models.ErrUnsupportedImage):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.As(err, &maxBytesErr):
			http.Error(w, fmt.Sprintf("Upload exceeds %d bytes", maxBytesErr.Limit), http.StatusRequestEntityTooLarge)
		default:
			m.logger.Error("Failed to parse submission", slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Invalid form submission", http.StatusBadRequest)
		}
		return
	}

	chatID := sub.chatID
	// We track if this is a new chat to determine the appropriate template rendering strategy
	isNewChat := false
	if chatID == "" {
		chatID, err = m.newChat(r.Context())
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewChat = true
	}

	// We create two messages: user's input and a placeholder for AI response
	um := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Contents:  sub.contents(),
		Timestamp: time.Now(),
	}
	um.ID, err = m.store.AddMessage(r.Context(), chatID, um)
	if err != nil {
		if errors.Is(err, models.ErrChatNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to add user message",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Initialize empty AI message to be streamed later
	am := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}
	am.ID, err = m.store.AddMessage(r.Context(), chatID, am)
	if err != nil {
		m.logger.Error("Failed to add AI message",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.logger.Info("Chat submission",
		slog.String("chatID", chatID),
		slog.Bool("text", sub.text != ""),
		slog.Bool("image", sub.image != nil),
		slog.Int("history", len(messages)))

	// Start async processes for chat response and title generation
	m.streams.start(am.ID)
	go m.chat(chatID, messages)

	if isNewChat {
		go m.generateChatTitle(chatID, sub)

		msgs, err := renderMessages(messages, func(id string) bool { return id == am.ID })
		if err != nil {
			m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		data := homePageData{
			CurrentChatID: chatID,
			Messages:      msgs,
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			m.logger.Error("Failed to execute chatbox template", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	userMsg, err := renderMessage(um, streamingStateEnded)
	if err != nil {
		m.logger.Error("Failed to render user message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "user_message", userMsg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	aiMsg, err := renderMessage(am, streamingStateLoading)
	if err != nil {
		m.logger.Error("Failed to render AI message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", aiMsg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) newChat(ctx context.Context) (string, error) {
	newChat := models.Chat{
		ID: uuid.New().String(),
	}
	newChatID, err := m.store.AddChat(ctx, newChat)
	if err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}

	m.publishChats(ctx, newChatID)

	return newChatID, nil
}

// chat streams the AI response for the last message of messages, which must be the assistant
// placeholder. Every chunk is stored and the re-rendered message is published to the message topic.
func (m Main) chat(chatID string, messages []models.Message) {
	aiMsg := messages[len(messages)-1]
	topic := messageIDTopic(aiMsg.ID)
	defer m.streams.finish(aiMsg.ID)

	// Ensure SSE subscribers of this message are released on function exit
	defer func() {
		e := &sse.Message{Type: closeMessageSSEType}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, topic)
	}()

	history := messages[:len(messages)-1]

	var sb strings.Builder
	for chunk, err := range m.llm.Chat(m.ctx, history) {
		msg := sse.Message{
			Type: messagesSSEType,
		}
		if err != nil {
			m.logger.Error("Error from llm provider",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))

			rc, rerr := models.RenderContents([]models.Content{models.TextContent(sb.String())})
			if rerr != nil {
				rc = ""
			}
			msg.AppendData(rc + `<p class="error">` + html.EscapeString(err.Error()) + `</p>`)
			_ = m.sseSrv.Publish(&msg, topic)
			return
		}

		sb.WriteString(chunk)
		aiMsg.Contents = []models.Content{models.TextContent(sb.String())}

		if err := m.store.UpdateMessage(m.ctx, chatID, aiMsg); err != nil {
			m.logger.Error("Failed to update message",
				slog.String("chatID", chatID),
				slog.String("messageID", aiMsg.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}

		rc, err := models.RenderContents(aiMsg.Contents)
		if err != nil {
			m.logger.Error("Failed to render contents",
				slog.String("messageID", aiMsg.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		msg.AppendData(rc)
		if err := m.sseSrv.Publish(&msg, topic); err != nil {
			m.logger.Error("Failed to publish message",
				slog.String("messageID", aiMsg.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	m.logger.Debug("Chat response completed",
		slog.String("chatID", chatID),
		slog.Int("length", sb.Len()))
}

func (m Main) generateChatTitle(chatID string, sub submission) {
	title, useLLM := sub.titleSource()
	if useLLM && m.titleGenerator != nil {
		ctx, cancel := context.WithTimeout(m.ctx, titleTimeout)
		defer cancel()

		generated, err := m.titleGenerator.GenerateTitle(ctx, title)
		if err != nil {
			m.logger.Error("Error generating chat title",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		title = strings.TrimSpace(generated)
	}

	updatedChat := models.Chat{
		ID:    chatID,
		Title: title,
	}
	if err := m.store.UpdateChat(m.ctx, updatedChat); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	m.publishChats(m.ctx, chatID)
}

func (m Main) publishChats(ctx context.Context, activeID string) {
	divs, err := m.chatDivs(ctx, activeID)
	if err != nil {
		m.logger.Error("Failed to generate chat divs", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) chatDivs(ctx context.Context, activeID string) (string, error) {
	chats, err := m.store.Chats(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
