package models

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("github"),
		),
	),
)

// Base64 returns the standard base64 encoding of the content's image data.
func (c Content) Base64() string {
	return base64.StdEncoding.EncodeToString(c.Data)
}

// RenderContents renders a slice of Content into HTML. Text is treated as Markdown, raw HTML inside it
// is dropped by the renderer. Images are rendered as inline img tags.
func RenderContents(contents []Content) (string, error) {
	var sb strings.Builder
	for _, content := range contents {
		switch content.Type {
		case ContentTypeText:
			if content.Text == "" {
				continue
			}
			var buf bytes.Buffer
			if err := markdown.Convert([]byte(content.Text), &buf); err != nil {
				return "", fmt.Errorf("failed to render markdown: %w", err)
			}
			sb.Write(buf.Bytes())
		case ContentTypeImage:
			if len(content.Data) == 0 {
				continue
			}
			sb.WriteString(`<img class="chat-image" alt="uploaded image" src="`)
			sb.WriteString(html.EscapeString(content.DataURI()))
			sb.WriteString(`">`)
		}
	}
	return sb.String(), nil
}
