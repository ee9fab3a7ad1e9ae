package models

import (
	"errors"
	"strings"
	"time"
)

// ErrChatNotFound is returned by stores when a chat does not exist.
var ErrChatNotFound = errors.New("chat not found")

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads.
type Chat struct {
	ID    string
	Title string
}

// Message represents an individual communication entry within a chat. It contains the participant's
// role, the ordered contents submitted or generated in that turn, and the time when the message was
// created.
type Message struct {
	ID        string
	Role      Role
	Contents  []Content
	Timestamp time.Time
}

// Content is a message content with its type.
type Content struct {
	Type ContentType

	// Text would be filled if Type is ContentTypeText.
	Text string

	// MediaType would be filled if Type is ContentTypeImage, either MediaTypePNG or MediaTypeJPEG.
	MediaType string
	// Data holds the raw image bytes if Type is ContentTypeImage.
	Data []byte
}

// Role represents the role of a message participant.
type Role string

// ContentType represents the type of content in messages.
type ContentType string

const (
	// RoleUser represents a user message. A message with this role contains text and/or image content.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. A message with this role only contains text content.
	RoleAssistant Role = "assistant"

	// ContentTypeText represents text content.
	ContentTypeText ContentType = "text"
	// ContentTypeImage represents an uploaded image.
	ContentTypeImage ContentType = "image"
)

// Avatar returns the emoji shown next to messages of the role.
func (r Role) Avatar() string {
	if r == RoleUser {
		return "🙋🏼‍♂️"
	}
	return "🤖"
}

// TextContent is a shorthand for a text Content.
func TextContent(text string) Content {
	return Content{
		Type: ContentTypeText,
		Text: text,
	}
}

// IsEmpty reports whether the message carries nothing that could be sent to a model: no image and
// no non-empty text.
func (m Message) IsEmpty() bool {
	for _, c := range m.Contents {
		switch c.Type {
		case ContentTypeText:
			if c.Text != "" {
				return false
			}
		case ContentTypeImage:
			if len(c.Data) > 0 {
				return false
			}
		}
	}
	return true
}

// textSeparator joins the texts of coalesced turns for providers that take a single string per message.
const textSeparator = "\n\n"

// Text joins the non-empty text contents of the message with a blank line.
func (m Message) Text() string {
	var texts []string
	for _, c := range m.Contents {
		if c.Type == ContentTypeText && c.Text != "" {
			texts = append(texts, c.Text)
		}
	}
	return strings.Join(texts, textSeparator)
}

// MergeTurns prepares a conversation for a model request. Assistant messages without any content are
// dropped, and runs of consecutive user messages are coalesced into a single user message that holds
// all of their contents in order. The input slice is left untouched.
func MergeTurns(messages []Message) []Message {
	merged := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleAssistant && msg.IsEmpty() {
			continue
		}

		if msg.Role == RoleUser && len(merged) > 0 && merged[len(merged)-1].Role == RoleUser {
			last := &merged[len(merged)-1]
			last.Contents = append(last.Contents, msg.Contents...)
			continue
		}

		contents := make([]Content, len(msg.Contents))
		copy(contents, msg.Contents)
		msg.Contents = contents
		merged = append(merged, msg)
	}
	return merged
}
