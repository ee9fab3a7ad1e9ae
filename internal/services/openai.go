package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the LLM interface for interacting with OpenAI's language models.
type OpenAI struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, model name, and system prompt.
// A non-empty baseURL points the client at an OpenAI compatible endpoint.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(messages []models.Message) []goopenai.ChatCompletionMessage {
	merged := models.MergeTurns(messages)

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(merged))
	for _, msg := range merged {
		if msg.Role == models.RoleAssistant {
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			})
			continue
		}

		parts := make([]goopenai.ChatMessagePart, 0, len(msg.Contents))
		for _, ct := range msg.Contents {
			switch ct.Type {
			case models.ContentTypeText:
				if ct.Text == "" {
					continue
				}
				parts = append(parts, goopenai.ChatMessagePart{
					Type: goopenai.ChatMessagePartTypeText,
					Text: ct.Text,
				})
			case models.ContentTypeImage:
				parts = append(parts, goopenai.ChatMessagePart{
					Type: goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{
						URL:    ct.DataURI(),
						Detail: goopenai.ImageURLDetailAuto,
					},
				})
			}
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:         goopenai.ChatMessageRoleUser,
			MultiContent: parts,
		})
	}
	return msgs
}

// Chat is a wrapper around the OpenAI chat completion streaming API.
func (o OpenAI) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := openAIMessages(messages)
		if o.systemPrompt != "" {
			msgs = slices.Insert(msgs, 0, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: o.systemPrompt,
			})
		}

		req := o.chatRequest(msgs, true)

		o.logger.Debug("Request", slog.String("model", o.model), slog.Int("messages", len(msgs)))

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			content := response.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			if !yield(content, nil) {
				return
			}
		}
	}
}

// GenerateTitle is a wrapper around the OpenAI chat completion API.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []goopenai.ChatCompletionMessage{
		{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		},
		{
			Role:    goopenai.ChatMessageRoleUser,
			Content: message,
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, o.chatRequest(msgs, false))
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return resp.Choices[0].Message.Content, nil
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage, stream bool) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   stream,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}

	return req
}
