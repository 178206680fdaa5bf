package perception

import (
	"time"
)

// DefaultZAIBaseURL is the Zhipu GLM open platform endpoint.
const DefaultZAIBaseURL = "https://open.bigmodel.cn/api/paas/v4"

// zaiMaxConcurrent is the provider's concurrent request limit.
const zaiMaxConcurrent = 5

// ZAIConfig holds configuration for ZAI client.
type ZAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int

	// DisableSemaphore drops the built-in concurrency cap when the caller
	// already bounds requests.
	DisableSemaphore bool
}

// DefaultZAIConfig returns sensible defaults.
func DefaultZAIConfig(apiKey string) ZAIConfig {
	return ZAIConfig{
		APIKey:      apiKey,
		BaseURL:     DefaultZAIBaseURL,
		Model:       "glm-4.5",
		Timeout:     5 * time.Minute,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// ZAIClient implements LLMClient for the Z.AI (Zhipu GLM) API. The wire
// format is OpenAI-compatible; the client adds the provider's concurrency
// cap and request pacing.
type ZAIClient struct {
	*OpenAIClient
}

// NewZAIClient creates a new ZAI client with default config.
func NewZAIClient(apiKey string) *ZAIClient {
	return NewZAIClientWithConfig(DefaultZAIConfig(apiKey))
}

// NewZAIClientWithConfig creates a new ZAI client with custom config.
func NewZAIClientWithConfig(cfg ZAIConfig) *ZAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultZAIBaseURL
	}
	maxConcurrent := zaiMaxConcurrent
	if cfg.DisableSemaphore {
		maxConcurrent = 0
	}
	return &ZAIClient{NewOpenAIClientWithConfig(OpenAIConfig{
		Provider:      ProviderZAI,
		APIKey:        cfg.APIKey,
		BaseURL:       cfg.BaseURL,
		Model:         cfg.Model,
		Timeout:       cfg.Timeout,
		Temperature:   cfg.Temperature,
		MaxTokens:     cfg.MaxTokens,
		MaxConcurrent: maxConcurrent,
		MinGap:        600 * time.Millisecond,
		MaxRetries:    3,
		RetryBase:     time.Second,
	})}
}
