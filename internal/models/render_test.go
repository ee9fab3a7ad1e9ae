package models_test

import (
	"strings"
	"testing"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
)

func TestRenderContents(t *testing.T) {
	tests := []struct {
		name        string
		contents    []models.Content
		wantContain []string
		wantAbsent  []string
	}{
		{
			name:        "Markdown text",
			contents:    []models.Content{models.TextContent("**bold** and `code`")},
			wantContain: []string{"<strong>bold</strong>", "<code>code</code>"},
		},
		{
			name:        "Raw HTML is not passed through",
			contents:    []models.Content{models.TextContent("<script>alert(1)</script>")},
			wantAbsent:  []string{"<script>"},
			wantContain: []string{"raw HTML omitted"},
		},
		{
			name: "Image",
			contents: []models.Content{
				{Type: models.ContentTypeImage, MediaType: models.MediaTypePNG, Data: []byte("abc")},
			},
			wantContain: []string{`<img class="chat-image"`, "data:image/png;base64,YWJj"},
		},
		{
			name:     "Empty contents render nothing",
			contents: []models.Content{models.TextContent(""), {Type: models.ContentTypeImage}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := models.RenderContents(tt.contents)
			if err != nil {
				t.Fatalf("RenderContents() error = %v", err)
			}
			if len(tt.wantContain) == 0 && len(tt.wantAbsent) == 0 && got != "" {
				t.Errorf("RenderContents() = %q, want empty", got)
			}
			for _, s := range tt.wantContain {
				if !strings.Contains(got, s) {
					t.Errorf("RenderContents() = %q, want to contain %q", got, s)
				}
			}
			for _, s := range tt.wantAbsent {
				if strings.Contains(got, s) {
					t.Errorf("RenderContents() = %q, should not contain %q", got, s)
				}
			}
		})
	}
}
