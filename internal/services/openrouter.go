package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter provides an implementation of the LLM interface for interacting with OpenRouter's language models.
type OpenRouter struct {
	apiKey       string
	model        string
	systemPrompt string
	params       LLMParameters

	endpoint string
	client   *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	Temperature *float32            `json:"temperature,omitempty"`
	TopP        *float32            `json:"top_p,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Stream      bool                `json:"stream"`
}

// openRouterMessage carries either a plain string content or a list of openRouterContentPart.
type openRouterMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openRouterContentPart struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	ImageURL *openRouterImageURL `json:"image_url,omitempty"`
}

type openRouterImageURL struct {
	URL string `json:"url"`
}

type openRouterStreamingResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type openRouterResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key, model name, and system prompt.
func NewOpenRouter(apiKey, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenRouter {
	return OpenRouter{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		endpoint:     openRouterAPIEndpoint,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

func openRouterMessages(messages []models.Message) []openRouterMessage {
	merged := models.MergeTurns(messages)

	msgs := make([]openRouterMessage, 0, len(merged))
	for _, msg := range merged {
		if msg.Role == models.RoleAssistant {
			msgs = append(msgs, openRouterMessage{
				Role:    string(msg.Role),
				Content: msg.Text(),
			})
			continue
		}

		parts := make([]openRouterContentPart, 0, len(msg.Contents))
		for _, ct := range msg.Contents {
			switch ct.Type {
			case models.ContentTypeText:
				if ct.Text == "" {
					continue
				}
				parts = append(parts, openRouterContentPart{Type: "text", Text: ct.Text})
			case models.ContentTypeImage:
				parts = append(parts, openRouterContentPart{
					Type:     "image_url",
					ImageURL: &openRouterImageURL{URL: ct.DataURI()},
				})
			}
		}
		msgs = append(msgs, openRouterMessage{
			Role:    string(msg.Role),
			Content: parts,
		})
	}
	return msgs
}

// Chat streams responses from the OpenRouter API for a given sequence of messages. It returns an iterator
// that yields response chunks and potential errors. The context can be used to cancel ongoing requests.
func (o OpenRouter) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := openRouterMessages(messages)
		if o.systemPrompt != "" {
			msgs = slices.Insert(msgs, 0, openRouterMessage{
				Role:    "system",
				Content: o.systemPrompt,
			})
		}

		resp, err := o.doRequest(ctx, msgs, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}

			if ev.Data == "[DONE]" {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield("", fmt.Errorf("error unmarshaling response: %w", err))
				return
			}

			if len(res.Choices) == 0 || res.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(res.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

// GenerateTitle generates a title for a given message using the OpenRouter API. It sends a single message to the
// OpenRouter API and returns the first response content as the title.
func (o OpenRouter) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []openRouterMessage{
		{Role: "system", Content: o.systemPrompt},
		{Role: "user", Content: message},
	}

	resp, err := o.doRequest(ctx, msgs, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return res.Choices[0].Message.Content, nil
}

func (o OpenRouter) doRequest(ctx context.Context, msgs []openRouterMessage, stream bool) (*http.Response, error) {
	reqBody := openRouterChatRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: o.params.Temperature,
		TopP:        o.params.TopP,
		Stop:        o.params.Stop,
		Stream:      stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request", slog.String("model", o.model), slog.Int("messages", len(msgs)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/multimodal-chat/")
	req.Header.Set("X-Title", "Multimodal Chat")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
