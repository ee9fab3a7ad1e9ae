package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/MegaGrindStone/multimodal-chat/internal/handlers"
	"github.com/MegaGrindStone/multimodal-chat/internal/services"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(ctx context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
	titleGen(ctx context.Context, systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type rateLimitConfig struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

type config struct {
	Port                 string          `yaml:"port"`
	LogLevel             string          `yaml:"logLevel"`
	SystemPrompt         string          `yaml:"systemPrompt"`
	TitleGeneratorPrompt string          `yaml:"titleGeneratorPrompt"`
	Store                string          `yaml:"store"`
	RateLimit            rateLimitConfig `yaml:"rateLimit"`
	MaxUploadBytes       int64           `yaml:"maxUploadBytes"`
	LLM                  llmConfig       `yaml:"llm"`
}

type bedrockConfig struct {
	BaseLLMConfig   `yaml:",inline"`
	MaxTokens       int    `yaml:"maxTokens"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

// secrets mirrors secrets.toml, which keeps credentials out of config.yaml.
type secrets struct {
	Bedrock struct {
		AWSAccessKeyID     string `toml:"aws_access_key_id"`
		AWSSecretAccessKey string `toml:"aws_secret_access_key"`
		RegionName         string `toml:"region_name"`
	} `toml:"bedrock"`
}

const (
	defaultPort                 = "8080"
	defaultTitleGeneratorPrompt = "Generate a short title of at most six words for a conversation that " +
		"starts with the following message. Respond with the title only."

	storeMemory = "memory"
	storeBolt   = "bolt"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string          `yaml:"port"`
		LogLevel             string          `yaml:"logLevel"`
		SystemPrompt         string          `yaml:"systemPrompt"`
		TitleGeneratorPrompt string          `yaml:"titleGeneratorPrompt"`
		Store                string          `yaml:"store"`
		RateLimit            rateLimitConfig `yaml:"rateLimit"`
		MaxUploadBytes       int64           `yaml:"maxUploadBytes"`
		LLM                  map[string]any  `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.SystemPrompt = rawConfig.SystemPrompt
	c.TitleGeneratorPrompt = rawConfig.TitleGeneratorPrompt
	c.Store = rawConfig.Store
	c.RateLimit = rawConfig.RateLimit
	c.MaxUploadBytes = rawConfig.MaxUploadBytes

	// Bedrock is the provider when none is named.
	llmProvider := "bedrock"
	if rawConfig.LLM != nil {
		p, ok := rawConfig.LLM["provider"]
		if ok {
			llmProvider, ok = p.(string)
			if !ok {
				return fmt.Errorf("llm provider must be a string")
			}
		}
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "bedrock":
		llm = &bedrockConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (c *config) setDefaults() {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.Store == "" {
		c.Store = storeMemory
	}
	if c.TitleGeneratorPrompt == "" {
		c.TitleGeneratorPrompt = defaultTitleGeneratorPrompt
	}
	if c.LLM == nil {
		c.LLM = &bedrockConfig{}
	}
}

func (c config) validate() error {
	switch c.Store {
	case storeMemory, storeBolt:
	default:
		return fmt.Errorf("unknown store: %s", c.Store)
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rateLimit.perSecond must not be negative")
	}
	return nil
}

func (c config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// applySecrets fills Bedrock credentials that config.yaml left empty.
func (c *config) applySecrets(s secrets) {
	b, ok := c.LLM.(*bedrockConfig)
	if !ok {
		return
	}
	if b.AccessKeyID == "" {
		b.AccessKeyID = s.Bedrock.AWSAccessKeyID
	}
	if b.SecretAccessKey == "" {
		b.SecretAccessKey = s.Bedrock.AWSSecretAccessKey
	}
	if b.Region == "" {
		b.Region = s.Bedrock.RegionName
	}
}

func loadSecrets(path string) (secrets, error) {
	var s secrets

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("error reading secrets file: %w", err)
	}

	if err := toml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("error decoding secrets file: %w", err)
	}
	return s, nil
}

func envOr(value, key string) string {
	if value != "" {
		return value
	}
	return strings.TrimSpace(os.Getenv(key))
}

func (b bedrockConfig) newBedrock(ctx context.Context, systemPrompt string, logger *slog.Logger) (services.Bedrock, error) {
	region := envOr(b.Region, "AWS_REGION")
	client, err := services.NewBedrockRuntimeClient(ctx, region, b.AccessKeyID, b.SecretAccessKey)
	if err != nil {
		return services.Bedrock{}, err
	}
	return services.NewBedrock(client, b.Model, systemPrompt, b.MaxTokens, b.Parameters, logger), nil
}

func (b bedrockConfig) llm(ctx context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return b.newBedrock(ctx, systemPrompt, logger)
}

func (b bedrockConfig) titleGen(
	ctx context.Context,
	systemPrompt string,
	logger *slog.Logger,
) (handlers.TitleGenerator, error) {
	return b.newBedrock(ctx, systemPrompt, logger)
}

func (a anthropicConfig) newAnthropic(systemPrompt string, logger *slog.Logger) (services.Anthropic, error) {
	if a.Model == "" {
		return services.Anthropic{}, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return services.Anthropic{}, fmt.Errorf("maxTokens is required")
	}

	apiKey := envOr(a.APIKey, "ANTHROPIC_API_KEY")
	return services.NewAnthropic(apiKey, a.Model, systemPrompt, a.MaxTokens, a.Parameters, logger), nil
}

func (a anthropicConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return a.newAnthropic(systemPrompt, logger)
}

func (a anthropicConfig) titleGen(
	_ context.Context,
	systemPrompt string,
	logger *slog.Logger,
) (handlers.TitleGenerator, error) {
	return a.newAnthropic(systemPrompt, logger)
}

func (o openAIConfig) newOpenAI(systemPrompt string, logger *slog.Logger) (services.OpenAI, error) {
	if o.Model == "" {
		return services.OpenAI{}, fmt.Errorf("model is required")
	}

	apiKey := envOr(o.APIKey, "OPENAI_API_KEY")
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openAIConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return o.newOpenAI(systemPrompt, logger)
}

func (o openAIConfig) titleGen(
	_ context.Context,
	systemPrompt string,
	logger *slog.Logger,
) (handlers.TitleGenerator, error) {
	return o.newOpenAI(systemPrompt, logger)
}

func (o openRouterConfig) newOpenRouter(systemPrompt string, logger *slog.Logger) (services.OpenRouter, error) {
	if o.Model == "" {
		return services.OpenRouter{}, fmt.Errorf("model is required")
	}

	apiKey := envOr(o.APIKey, "OPENROUTER_API_KEY")
	return services.NewOpenRouter(apiKey, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openRouterConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return o.newOpenRouter(systemPrompt, logger)
}

func (o openRouterConfig) titleGen(
	_ context.Context,
	systemPrompt string,
	logger *slog.Logger,
) (handlers.TitleGenerator, error) {
	return o.newOpenRouter(systemPrompt, logger)
}

func (o ollamaConfig) newOllama(systemPrompt string, logger *slog.Logger) (services.Ollama, error) {
	if o.Model == "" {
		return services.Ollama{}, fmt.Errorf("model is required")
	}

	host := envOr(o.Host, "OLLAMA_HOST")
	return services.NewOllama(host, o.Model, systemPrompt, o.Parameters, logger)
}

func (o ollamaConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return o.newOllama(systemPrompt, logger)
}

func (o ollamaConfig) titleGen(
	_ context.Context,
	systemPrompt string,
	logger *slog.Logger,
) (handlers.TitleGenerator, error) {
	return o.newOllama(systemPrompt, logger)
}
