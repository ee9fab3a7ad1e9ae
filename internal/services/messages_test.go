package services

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func conversation() []models.Message {
	return []models.Message{
		{Role: models.RoleUser, Contents: []models.Content{models.TextContent("What is this?")}},
		{Role: models.RoleUser, Contents: []models.Content{
			{Type: models.ContentTypeImage, MediaType: models.MediaTypeJPEG, Data: []byte("jpg")},
		}},
		{Role: models.RoleAssistant, Contents: []models.Content{models.TextContent("A cat.")}},
		{Role: models.RoleUser, Contents: []models.Content{models.TextContent("Sure?")}},
		{Role: models.RoleAssistant},
	}
}

func TestAnthropicMessages(t *testing.T) {
	got := anthropicMessages(conversation())

	b, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"role":"user","content":[{"type":"text","text":"What is this?"},` +
		`{"type":"image","source":{"type":"base64","media_type":"image/jpeg","data":"anBn"}}]},` +
		`{"role":"assistant","content":[{"type":"text","text":"A cat."}]},` +
		`{"role":"user","content":[{"type":"text","text":"Sure?"}]}]`
	if string(b) != want {
		t.Errorf("anthropicMessages() =\n%s\nwant\n%s", b, want)
	}
}

func TestAnthropicDelta(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantText string
		wantDone bool
		wantErr  string
	}{
		{
			name:     "Text delta",
			data:     `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
			wantText: "Hi",
		},
		{
			name: "Non text delta is ignored",
			data: `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{"}}`,
		},
		{
			name: "Message start is ignored",
			data: `{"type":"message_start","message":{"id":"msg_1"}}`,
		},
		{
			name:     "Message stop",
			data:     `{"type":"message_stop"}`,
			wantDone: true,
		},
		{
			name:    "Error event",
			data:    `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
			wantErr: "overloaded_error: Overloaded",
		},
		{
			name:    "Malformed",
			data:    `{`,
			wantErr: "error unmarshaling event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, done, err := anthropicDelta([]byte(tt.data))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("anthropicDelta() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("anthropicDelta() error = %v", err)
			}
			if text != tt.wantText || done != tt.wantDone {
				t.Errorf("anthropicDelta() = (%q, %v), want (%q, %v)", text, done, tt.wantText, tt.wantDone)
			}
		})
	}
}

func TestOpenAIMessages(t *testing.T) {
	got := openAIMessages(conversation())

	if len(got) != 3 {
		t.Fatalf("openAIMessages() returned %d messages, want 3", len(got))
	}
	if got[0].Content != "" || len(got[0].MultiContent) != 2 {
		t.Fatalf("first user message should only use MultiContent, got %+v", got[0])
	}
	if got[0].MultiContent[1].ImageURL == nil || got[0].MultiContent[1].ImageURL.URL != "data:image/jpeg;base64,anBn" {
		t.Errorf("image part = %+v", got[0].MultiContent[1])
	}
	if got[1].Role != "assistant" || got[1].Content != "A cat." {
		t.Errorf("assistant message = %+v", got[1])
	}
}

func TestOpenRouterMessages(t *testing.T) {
	b, err := json.Marshal(openRouterMessages(conversation()))
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"role":"user","content":[{"type":"text","text":"What is this?"},` +
		`{"type":"image_url","image_url":{"url":"data:image/jpeg;base64,anBn"}}]},` +
		`{"role":"assistant","content":"A cat."},` +
		`{"role":"user","content":[{"type":"text","text":"Sure?"}]}]`
	if string(b) != want {
		t.Errorf("openRouterMessages() =\n%s\nwant\n%s", b, want)
	}
}

func TestOllamaMessages(t *testing.T) {
	got := ollamaMessages(conversation())

	if len(got) != 3 {
		t.Fatalf("ollamaMessages() returned %d messages, want 3", len(got))
	}
	if got[0].Content != "What is this?" {
		t.Errorf("first message content = %q", got[0].Content)
	}
	if len(got[0].Images) != 1 || string(got[0].Images[0]) != "jpg" {
		t.Errorf("first message images = %v", got[0].Images)
	}
	if len(got[2].Images) != 0 {
		t.Errorf("last message should carry no images, got %d", len(got[2].Images))
	}
}

func TestOllamaMessagesAfterFailedReply(t *testing.T) {
	got := ollamaMessages([]models.Message{
		{Role: models.RoleUser, Contents: []models.Content{models.TextContent("Hello")}},
		{Role: models.RoleAssistant},
		{Role: models.RoleUser, Contents: []models.Content{models.TextContent("Again")}},
	})

	if len(got) != 1 {
		t.Fatalf("ollamaMessages() returned %d messages, want 1", len(got))
	}
	if got[0].Content != "Hello\n\nAgain" {
		t.Errorf("merged content = %q, want %q", got[0].Content, "Hello\n\nAgain")
	}
}
