package perception

import (
	"context"
	"fmt"
	"time"

	"github.com/Arashiailing/CQLLM/internal/config"
)

// NewClientFromConfig creates an LLM client for the configured provider.
func NewClientFromConfig(ctx context.Context, cfg config.LLMConfig, timeout time.Duration) (LLMClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch Provider(cfg.Provider) {
	case ProviderZAI:
		zc := DefaultZAIConfig(cfg.APIKey)
		applyCommon(&zc.BaseURL, &zc.Model, cfg)
		zc.Timeout = timeout
		zc.Temperature = cfg.Temperature
		if cfg.MaxTokens > 0 {
			zc.MaxTokens = cfg.MaxTokens
		}
		return NewZAIClientWithConfig(zc), nil

	case ProviderOpenAI, ProviderDeepSeek, ProviderLocal:
		oc := DefaultOpenAIConfig(cfg.APIKey)
		oc.Provider = Provider(cfg.Provider)
		if oc.Provider == ProviderDeepSeek {
			oc.BaseURL = DefaultDeepSeekBaseURL
			oc.Model = "deepseek-chat"
		}
		if oc.Provider == ProviderLocal {
			oc.MinGap = 0
		}
		applyCommon(&oc.BaseURL, &oc.Model, cfg)
		oc.Timeout = timeout
		oc.Temperature = cfg.Temperature
		if cfg.MaxTokens > 0 {
			oc.MaxTokens = cfg.MaxTokens
		}
		return NewOpenAIClientWithConfig(oc), nil

	case ProviderGemini:
		gc := DefaultGeminiConfig(cfg.APIKey)
		applyCommon(&gc.BaseURL, &gc.Model, cfg)
		gc.Timeout = timeout
		gc.Temperature = cfg.Temperature
		if cfg.MaxTokens > 0 {
			gc.MaxOutputTokens = cfg.MaxTokens
		}
		return NewGeminiClient(ctx, gc)

	case ProviderRAGFlow:
		return NewRAGFlowClient(RAGFlowConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Assistant:   cfg.RAGFlowAssistant,
			Timeout:     timeout,
			SessionName: "CodeQL assistant",
		}), nil
	}

	return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
}

func applyCommon(baseURL, model *string, cfg config.LLMConfig) {
	if cfg.BaseURL != "" {
		*baseURL = cfg.BaseURL
	}
	if cfg.Model != "" {
		*model = cfg.Model
	}
}
