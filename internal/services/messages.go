package services

import (
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
)

// LLMParameters holds optional sampling parameters shared by the providers. Nil fields are left to
// the provider's defaults.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	Stop        []string `yaml:"stop"`
}

// anthropicMessage is the message shape shared by the Anthropic Messages API and Anthropic models
// hosted on Bedrock.
type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// anthropicStreamEvent covers the stream events this package cares about. Both the SSE data of the
// Messages API and the Bedrock chunk payloads decode into it.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func anthropicMessages(messages []models.Message) []anthropicMessage {
	merged := models.MergeTurns(messages)

	msgs := make([]anthropicMessage, 0, len(merged))
	for _, msg := range merged {
		contents := make([]anthropicContent, 0, len(msg.Contents))
		for _, ct := range msg.Contents {
			switch ct.Type {
			case models.ContentTypeText:
				if ct.Text == "" {
					continue
				}
				contents = append(contents, anthropicContent{
					Type: "text",
					Text: ct.Text,
				})
			case models.ContentTypeImage:
				contents = append(contents, anthropicContent{
					Type: "image",
					Source: &anthropicImageSource{
						Type:      "base64",
						MediaType: ct.MediaType,
						Data:      ct.Base64(),
					},
				})
			}
		}
		if len(contents) == 0 {
			continue
		}
		msgs = append(msgs, anthropicMessage{
			Role:    string(msg.Role),
			Content: contents,
		})
	}
	return msgs
}

// anthropicDelta decodes one stream event and returns the text it contributes. The done flag is set
// on message_stop, and error events are returned as errors.
func anthropicDelta(data []byte) (text string, done bool, err error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", false, fmt.Errorf("error unmarshaling event: %w", err)
	}

	switch ev.Type {
	case "error":
		return "", false, fmt.Errorf("anthropic error %s: %s", ev.Error.Type, ev.Error.Message)
	case "message_stop":
		return "", true, nil
	case "content_block_delta":
		if ev.Delta.Type == "text_delta" {
			return ev.Delta.Text, false, nil
		}
	}
	return "", false, nil
}

func (r anthropicResponse) text() string {
	var text string
	for _, c := range r.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return text
}
