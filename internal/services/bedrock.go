package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// Bedrock provides an implementation of the LLM interface for Anthropic models served by the AWS Bedrock
// runtime. Requests use the Anthropic messages body, and responses are read from the model response
// stream chunk by chunk.
type Bedrock struct {
	modelID      string
	systemPrompt string
	maxTokens    int
	params       LLMParameters

	client BedrockRuntimeAPI

	logger *slog.Logger
}

// BedrockRuntimeAPI is the subset of the Bedrock runtime client used by Bedrock.
type BedrockRuntimeAPI interface {
	InvokeModel(
		ctx context.Context,
		params *bedrockruntime.InvokeModelInput,
		optFns ...func(*bedrockruntime.Options),
	) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(
		ctx context.Context,
		params *bedrockruntime.InvokeModelWithResponseStreamInput,
		optFns ...func(*bedrockruntime.Options),
	) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// bedrockStream is satisfied by *bedrockruntime.InvokeModelWithResponseStreamEventStream.
type bedrockStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

type bedrockRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Temperature      *float32           `json:"temperature,omitempty"`
	TopP             *float32           `json:"top_p,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
}

const (
	// BedrockDefaultModel is the model used when none is configured.
	BedrockDefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	// BedrockDefaultMaxTokens is the completion budget used when none is configured.
	BedrockDefaultMaxTokens = 10000

	bedrockAnthropicVersion = "bedrock-2023-05-31"
)

// NewBedrockRuntimeClient builds a Bedrock runtime client for the region. When both static keys are
// given they are used as credentials, otherwise the AWS default credential chain applies.
func NewBedrockRuntimeClient(ctx context.Context, region, accessKeyID, secretAccessKey string) (*bedrockruntime.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

// NewBedrock creates a new Bedrock instance on top of the given runtime client. Empty modelID and
// non-positive maxTokens fall back to BedrockDefaultModel and BedrockDefaultMaxTokens.
func NewBedrock(
	client BedrockRuntimeAPI,
	modelID, systemPrompt string,
	maxTokens int,
	params LLMParameters,
	logger *slog.Logger,
) Bedrock {
	if modelID == "" {
		modelID = BedrockDefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = BedrockDefaultMaxTokens
	}
	return Bedrock{
		modelID:      modelID,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		params:       params,
		client:       client,
		logger:       logger.With(slog.String("module", "bedrock")),
	}
}

// Chat streams the model completion for the conversation. Only text deltas are yielded; the iterator
// stops on message_stop, on the end of the stream, or on the first error.
func (b Bedrock) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := b.requestBody(b.systemPrompt, anthropicMessages(messages))
		if err != nil {
			yield("", err)
			return
		}

		out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(b.modelID),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error invoking model: %w", err))
			return
		}

		stream := out.GetStream()
		if stream == nil {
			yield("", errors.New("error invoking model: no response stream"))
			return
		}
		readBedrockStream(stream, yield)
	}
}

func readBedrockStream(stream bedrockStream, yield func(string, error) bool) {
	defer stream.Close()

	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}

		text, done, err := anthropicDelta(chunk.Value.Bytes)
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

	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		yield("", fmt.Errorf("error reading response stream: %w", err))
	}
}

// GenerateTitle invokes the model without streaming and returns its text answer for the message.
func (b Bedrock) GenerateTitle(ctx context.Context, message string) (string, error) {
	body, err := b.requestBody(b.systemPrompt, []anthropicMessage{
		{
			Role:    string(models.RoleUser),
			Content: []anthropicContent{{Type: "text", Text: message}},
		},
	})
	if err != nil {
		return "", err
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("error invoking model: %w", err)
	}

	var res anthropicResponse
	if err := json.Unmarshal(out.Body, &res); err != nil {
		return "", fmt.Errorf("error unmarshaling response: %w", err)
	}
	return res.text(), nil
}

func (b Bedrock) requestBody(system string, messages []anthropicMessage) ([]byte, error) {
	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        b.maxTokens,
		System:           system,
		Temperature:      b.params.Temperature,
		TopP:             b.params.TopP,
		StopSequences:    b.params.Stop,
		Messages:         messages,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	b.logger.Debug("Request", slog.String("model", b.modelID), slog.Int("messages", len(messages)))

	return body, nil
}
