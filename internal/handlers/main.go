package handlers

import (
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"time"

	multimodalchat "github.com/MegaGrindStone/multimodal-chat"
	"github.com/MegaGrindStone/multimodal-chat/internal/models"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and a sequence of messages, returning an iterator that yields response chunks and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// TitleGenerator produces a short title for a chat from the user's first prompt.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Store defines the interface for managing chat and message persistence. It provides methods for
// creating, reading, and updating chats and their associated messages. The interface supports both
// atomic operations and bulk retrieval of chats and messages.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and interactions between the LLM and Store components.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	llm            LLM
	titleGenerator TitleGenerator
	store          Store

	// streams holds the assistant messages still being generated.
	streams *streams

	limiter        *rate.Limiter
	maxUploadBytes int64

	// ctx scopes the background streaming and title generation, it is cancelled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger
}

// Option configures optional behaviour of Main.
type Option func(*Main)

const (
	chatsSSETopic = "chats"
	errLoggerKey  = "err"

	// DefaultMaxUploadBytes bounds the size of a whole chat submission, image included.
	DefaultMaxUploadBytes = 10 << 20
)

// WithRateLimit limits chat submissions to perSecond on average with the given burst. A non-positive
// perSecond disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(m *Main) {
		if perSecond <= 0 {
			m.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMaxUploadBytes overrides DefaultMaxUploadBytes.
func WithMaxUploadBytes(n int64) Option {
	return func(m *Main) {
		if n > 0 {
			m.maxUploadBytes = n
		}
	}
}

// NewMain creates a new Main instance with the provided LLM, TitleGenerator and Store implementations. It
// initializes the SSE server and parses the required HTML templates from the embedded filesystem. The SSE
// server is configured to handle both default events and chat-specific topics.
func NewMain(
	llm LLM,
	titleGen TitleGenerator,
	store Store,
	logger *slog.Logger,
	opts ...Option,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		multimodalchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := Main{
		sseSrv: &sse.Server{
			Provider: &sse.Joe{Replayer: newMessageReplay(defaultReplayLimit)},
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// We create a message-specific topic if the client requests updates for a particular message
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:      tmpl,
		llm:            llm,
		titleGenerator: titleGen,
		store:          store,
		streams:        newStreams(),
		maxUploadBytes: DefaultMaxUploadBytes,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger.With(slog.String("module", "main")),
	}
	for _, opt := range opts {
		opt(&m)
	}

	return m, nil
}

func messageIDTopic(messageID string) string {
	return messageTopicPrefix + messageID
}

// HandleSSE serves the server-sent events stream. Clients pass message_id to follow a reply; the reply
// rendered so far, and its closeMessage when it already finished, are sent right after subscribing.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's SSE server and stops in-flight completions. It
// broadcasts a close message to all connected clients and waits up to 5 seconds for connections to
// terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.cancel()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
