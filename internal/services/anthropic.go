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

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the LLM interface and handles streaming chat completions using Claude models, including image inputs.
type Anthropic struct {
	apiKey       string
	model        string
	systemPrompt string
	maxTokens    int
	params       LLMParameters

	endpoint string
	client   *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicAPIVersion  = "2023-06-01"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, system prompt
// and maximum token limit.
func NewAnthropic(
	apiKey, model, systemPrompt string,
	maxTokens int,
	params LLMParameters,
	logger *slog.Logger,
) Anthropic {
	return Anthropic{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		params:       params,
		endpoint:     anthropicAPIEndpoint,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// Chat streams responses from the Anthropic API for a given sequence of messages. It returns an iterator
// that yields response chunks and potential errors. The context can be used to cancel ongoing requests.
func (a Anthropic) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := a.doRequest(ctx, a.systemPrompt, anthropicMessages(messages), true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}

			text, done, err := anthropicDelta([]byte(ev.Data))
			if err != nil {
				yield("", err)
				return
			}
			if done {
				return
			}
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// GenerateTitle asks the model for a title for the given message, using the title generator prompt the
// instance was created with as the system prompt.
func (a Anthropic) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []anthropicMessage{
		{
			Role:    string(models.RoleUser),
			Content: []anthropicContent{{Type: "text", Text: message}},
		},
	}

	resp, err := a.doRequest(ctx, a.systemPrompt, msgs, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	return res.text(), nil
}

func (a Anthropic) doRequest(
	ctx context.Context,
	system string,
	messages []anthropicMessage,
	stream bool,
) (*http.Response, error) {
	reqBody := anthropicChatRequest{
		Model:         a.model,
		Messages:      messages,
		System:        system,
		MaxTokens:     a.maxTokens,
		Temperature:   a.params.Temperature,
		TopP:          a.params.TopP,
		StopSequences: a.params.Stop,
		Stream:        stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	a.logger.Debug("Request", slog.String("model", a.model), slog.Int("messages", len(messages)))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
