package handlers_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/multimodal-chat/internal/handlers"
	"github.com/MegaGrindStone/multimodal-chat/internal/models"
)

type mockLLM struct {
	responses []string
	err       error

	mu       sync.Mutex
	received [][]models.Message
}

type mockTitleGenerator struct {
	title string
}

type mockStore struct {
	mu       sync.Mutex
	chats    []models.Chat
	messages map[string][]models.Message
	err      error
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newMockStore() *mockStore {
	return &mockStore{messages: map[string][]models.Message{}}
}

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(&mockLLM{}, mockTitleGenerator{}, newMockStore(), testLogger)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	store := newMockStore()
	store.chats = []models.Chat{{ID: "1", Title: "Test Chat"}}
	store.messages["1"] = []models.Message{
		{ID: "1", Role: models.RoleUser, Contents: []models.Content{models.TextContent("Hello **there**")}},
		{ID: "2", Role: models.RoleAssistant, Contents: []models.Content{models.TextContent("Hi")}},
	}

	main, err := handlers.NewMain(&mockLLM{}, mockTitleGenerator{}, store, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Home page without chat",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Test Chat", "Choose an image (optional)", "Ask me anything..."},
		},
		{
			name:       "Home page with chat",
			url:        "/?chat_id=1",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Hello <strong>there</strong>", "🙋🏼‍♂️", "🤖"},
		},
		{
			name:       "Unknown chat",
			url:        "/?chat_id=404",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}

			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
		})
	}
}

func TestHandleChats(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		message    string
		chatID     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			wantStatus: http.StatusBadRequest,
			wantBody:   "Please enter a prompt or upload an image.",
		},
		{
			name:       "Whitespace message",
			method:     http.MethodPost,
			message:    "   ",
			wantStatus: http.StatusBadRequest,
			wantBody:   "Please enter a prompt or upload an image.",
		},
		{
			name:       "New chat",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusOK,
			wantBody:   `id="chatbox"`,
		},
		{
			name:       "Existing chat",
			method:     http.MethodPost,
			message:    "Hello",
			chatID:     "1",
			wantStatus: http.StatusOK,
			wantBody:   `data-streaming-state="loading"`,
		},
		{
			name:       "Unknown chat",
			method:     http.MethodPost,
			message:    "Hello",
			chatID:     "404",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			store.chats = []models.Chat{{ID: "1"}}
			store.messages["1"] = nil

			main, err := handlers.NewMain(&mockLLM{responses: []string{"AI response"}}, mockTitleGenerator{}, store, testLogger)
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = main.Shutdown(context.Background()) }()

			form := url.Values{"message": {tt.message}, "chat_id": {tt.chatID}}
			req := httptest.NewRequest(tt.method, "/chats", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleChats() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleChatsStreamsResponse(t *testing.T) {
	llm := &mockLLM{responses: []string{"It is ", "a cat."}}
	store := newMockStore()

	main, err := handlers.NewMain(llm, mockTitleGenerator{title: "Cat talk"}, store, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = main.Shutdown(context.Background()) }()

	body, contentType := multipartBody(t, "What is this?", pngImage(t))
	req := httptest.NewRequest(http.MethodPost, "/chats", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	main.HandleChats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "data:image/png;base64,") {
		t.Error("HandleChats() body should render the uploaded image")
	}

	chatID := waitFor(t, func() (string, bool) {
		chats, _ := store.Chats(context.Background())
		if len(chats) != 1 || chats[0].Title != "Cat talk" {
			return "", false
		}
		msgs, _ := store.Messages(context.Background(), chats[0].ID)
		if len(msgs) != 2 || msgs[1].Text() != "It is a cat." {
			return "", false
		}
		return chats[0].ID, true
	})

	msgs, _ := store.Messages(context.Background(), chatID)
	user := msgs[0]
	if user.Role != models.RoleUser || len(user.Contents) != 2 {
		t.Fatalf("user message = %+v", user)
	}
	if user.Contents[0].Text != "What is this?" || user.Contents[1].MediaType != models.MediaTypePNG {
		t.Errorf("user contents should be text then image, got %+v", user.Contents)
	}

	sent := llm.lastReceived()
	if len(sent) != 1 || sent[0].Role != models.RoleUser {
		t.Errorf("LLM should receive the history without the placeholder, got %+v", sent)
	}
}

func TestHandleChatsImageOnly(t *testing.T) {
	store := newMockStore()
	main, err := handlers.NewMain(&mockLLM{responses: []string{"ok"}}, mockTitleGenerator{title: "unused"}, store, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = main.Shutdown(context.Background()) }()

	body, contentType := multipartBody(t, "", pngImage(t))
	req := httptest.NewRequest(http.MethodPost, "/chats", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	main.HandleChats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, body = %s", w.Code, w.Body.String())
	}

	waitFor(t, func() (string, bool) {
		chats, _ := store.Chats(context.Background())
		return "", len(chats) == 1 && chats[0].Title == "Image"
	})
}

func TestHandleChatsRejectsUploads(t *testing.T) {
	tests := []struct {
		name       string
		image      []byte
		opts       []handlers.Option
		wantStatus int
	}{
		{
			name:       "Unsupported image",
			image:      []byte("GIF89a not really"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Too large",
			image:      bytes.Repeat([]byte{0}, 4096),
			opts:       []handlers.Option{handlers.WithMaxUploadBytes(1024)},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			main, err := handlers.NewMain(&mockLLM{}, mockTitleGenerator{}, store, testLogger, tt.opts...)
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = main.Shutdown(context.Background()) }()

			body, contentType := multipartBody(t, "hi", tt.image)
			req := httptest.NewRequest(http.MethodPost, "/chats", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if len(store.chats) != 0 {
				t.Error("rejected submission should not create a chat")
			}
		})
	}
}

func TestHandleChatsRateLimit(t *testing.T) {
	main, err := handlers.NewMain(&mockLLM{responses: []string{"ok"}}, mockTitleGenerator{}, newMockStore(), testLogger,
		handlers.WithRateLimit(0.001, 1))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = main.Shutdown(context.Background()) }()

	codes := make([]int, 2)
	for i := range codes {
		form := url.Values{"message": {"Hello"}}
		req := httptest.NewRequest(http.MethodPost, "/chats", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		main.HandleChats(w, req)
		codes[i] = w.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("HandleChats() statuses = %v, want [200 429]", codes)
	}
}

func TestHandleChatsLLMError(t *testing.T) {
	store := newMockStore()
	main, err := handlers.NewMain(&mockLLM{err: errors.New("throttled")}, mockTitleGenerator{}, store, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = main.Shutdown(context.Background()) }()

	form := url.Values{"message": {"Hello"}}
	req := httptest.NewRequest(http.MethodPost, "/chats", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	main.HandleChats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v", w.Code)
	}

	// The placeholder stays empty so the next turn merges with this prompt.
	time.Sleep(50 * time.Millisecond)
	chats, _ := store.Chats(context.Background())
	msgs, _ := store.Messages(context.Background(), chats[0].ID)
	if len(msgs) != 2 || !msgs[1].IsEmpty() {
		t.Errorf("assistant placeholder should stay empty, got %+v", msgs)
	}
}

func multipartBody(t *testing.T, message string, img []byte) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("message", message); err != nil {
		t.Fatal(err)
	}
	if img != nil {
		fw, err := mw.CreateFormFile("image", "upload.png")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(img); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func pngImage(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func waitFor(t *testing.T, cond func() (string, bool)) string {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := cond(); ok {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
	return ""
}

func (m *mockLLM) Chat(_ context.Context, messages []models.Message) iter.Seq2[string, error] {
	m.mu.Lock()
	m.received = append(m.received, messages)
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		if m.err != nil {
			yield("", m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func (m *mockLLM) lastReceived() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.received) == 0 {
		return nil
	}
	return m.received[len(m.received)-1]
}

func (m mockTitleGenerator) GenerateTitle(_ context.Context, _ string) (string, error) {
	return m.title, nil
}

func (m *mockStore) Chats(_ context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.chats), nil
}

func (m *mockStore) AddChat(_ context.Context, chat models.Chat) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.chats = append(m.chats, chat)
	m.messages[chat.ID] = nil
	return chat.ID, nil
}

func (m *mockStore) UpdateChat(_ context.Context, chat models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.chats, func(c models.Chat) bool { return c.ID == chat.ID })
	if idx == -1 {
		return fmt.Errorf("chat not found")
	}
	m.chats[idx] = chat
	return m.err
}

func (m *mockStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	msgs, ok := m.messages[chatID]
	if !ok {
		return nil, models.ErrChatNotFound
	}
	return slices.Clone(msgs), nil
}

func (m *mockStore) AddMessage(_ context.Context, chatID string, msg models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if _, ok := m.messages[chatID]; !ok {
		return "", models.ErrChatNotFound
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	return msg.ID, nil
}

func (m *mockStore) UpdateMessage(_ context.Context, chatID string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[chatID]
	idx := slices.IndexFunc(msgs, func(mm models.Message) bool { return mm.ID == msg.ID })
	if idx != -1 {
		msgs[idx] = msg
	}
	return m.err
}
