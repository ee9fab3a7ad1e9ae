package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
	"github.com/ollama/ollama/api"
)

const defaultOllamaHost = "http://localhost:11434"

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions. Images are
// only understood by vision capable models such as llava.
type Ollama struct {
	model        string
	systemPrompt string
	params       LLMParameters

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server, an empty host means the local default.
func NewOllama(host, model, systemPrompt string, params LLMParameters, logger *slog.Logger) (Ollama, error) {
	if host == "" {
		host = defaultOllamaHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaMessages(messages []models.Message) []api.Message {
	merged := models.MergeTurns(messages)

	msgs := make([]api.Message, 0, len(merged))
	for _, msg := range merged {
		m := api.Message{
			Role:    string(msg.Role),
			Content: msg.Text(),
		}
		for _, ct := range msg.Contents {
			if ct.Type == models.ContentTypeImage {
				m.Images = append(m.Images, api.ImageData(ct.Data))
			}
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func (o Ollama) options() map[string]any {
	opts := map[string]any{}
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.Stop != nil {
		opts["stop"] = o.params.Stop
	}
	return opts
}

// Chat implements the LLM interface by streaming responses from the Ollama model. It accepts a context
// for cancellation and a slice of messages representing the conversation history. The function returns
// an iterator that yields response chunks as strings and potential errors.
func (o Ollama) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := ollamaMessages(messages)
		if o.systemPrompt != "" {
			msgs = slices.Insert(msgs, 0, api.Message{
				Role:    "system",
				Content: o.systemPrompt,
			})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}

// GenerateTitle generates a title for a given message using the Ollama API. It sends a single message to the
// Ollama API and returns the response content as the title.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    "system",
				Content: o.systemPrompt,
			},
			{
				Role:    "user",
				Content: message,
			},
		},
		Stream: &f,
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return title, nil
}
