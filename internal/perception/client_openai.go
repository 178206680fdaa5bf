package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Arashiailing/CQLLM/internal/logging"
	"github.com/Arashiailing/CQLLM/internal/usage"
)

// Default endpoints for the OpenAI-compatible providers.
const (
	DefaultOpenAIBaseURL   = "https://api.openai.com/v1"
	DefaultDeepSeekBaseURL = "https://api.deepseek.com/v1"
)

// OpenAIConfig configures any backend that speaks the OpenAI chat
// completions protocol: OpenAI itself, DeepSeek, and local vLLM or
// Xinference servers.
type OpenAIConfig struct {
	Provider    Provider
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int

	// MaxConcurrent bounds in-flight requests. Zero means unbounded.
	MaxConcurrent int
	// MinGap is the minimum pause between consecutive requests.
	MinGap time.Duration
	// MaxRetries applies to 429 and 5xx responses.
	MaxRetries int
	// RetryBase is the first retry pause; later retries double it.
	RetryBase time.Duration
}

// DefaultOpenAIConfig returns sensible defaults.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		Provider:    ProviderOpenAI,
		APIKey:      apiKey,
		BaseURL:     DefaultOpenAIBaseURL,
		Model:       "gpt-4o",
		Timeout:     5 * time.Minute,
		Temperature: 0.7,
		MaxTokens:   4096,
		MinGap:      100 * time.Millisecond,
		MaxRetries:  3,
		RetryBase:   time.Second,
	}
}

// OpenAIClient implements LLMClient over /chat/completions.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	limiter    rateLimiter
	sem        chan struct{}
}

// NewOpenAIClient creates a client with default config.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return NewOpenAIClientWithConfig(DefaultOpenAIConfig(apiKey))
}

// NewOpenAIClientWithConfig creates a client with custom config.
func NewOpenAIClientWithConfig(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Provider == "" {
		cfg.Provider = ProviderOpenAI
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	cfg.BaseURL = trimBaseURL(cfg.BaseURL)

	c := &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rateLimiter{gap: cfg.MinGap},
	}
	if cfg.MaxConcurrent > 0 {
		c.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return c
}

// ChatMessage is one message in a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the /chat/completions request body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// ChatResponse is the /chat/completions response body.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// Complete sends a prompt and returns the completion.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with an optional system message.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	name := string(c.cfg.Provider)
	if c.cfg.APIKey == "" && c.cfg.Provider != ProviderLocal {
		logging.APIError("[%s] API key not configured", name)
		return "", ErrNoAPIKey
	}

	release, err := acquire(ctx, c.sem)
	if err != nil {
		return "", err
	}
	defer release()

	messages := make([]ChatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: userPrompt})

	jsonData, err := json.Marshal(ChatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	logging.APIDebug("[%s] request: model=%s system_len=%d user_len=%d", name, c.cfg.Model, len(systemPrompt), len(userPrompt))

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			pause := c.cfg.RetryBase << uint(i-1)
			logging.APIWarn("[%s] retry %d/%d in %v: %v", name, i, c.cfg.MaxRetries, pause, lastErr)
			if err := sleep(ctx, pause); err != nil {
				return "", err
			}
		}
		if err := c.limiter.wait(ctx); err != nil {
			return "", err
		}

		text, retry, err := c.do(ctx, jsonData)
		if err == nil {
			logging.API("[%s] completion: model=%s duration=%v len=%d", name, c.cfg.Model, time.Since(start), len(text))
			return text, nil
		}
		if !retry || ctx.Err() != nil {
			logging.APIError("[%s] request failed: %v", name, err)
			return "", err
		}
		lastErr = err
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// do performs one request. retry reports whether the failure is transient.
func (c *OpenAIClient) do(ctx context.Context, body []byte) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", true, fmt.Errorf("rate limit exceeded (429)")
	case resp.StatusCode >= 500:
		return "", true, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(data))
	case resp.StatusCode != http.StatusOK:
		return "", false, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(data))
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(data, &chatResp); err != nil {
		return "", false, fmt.Errorf("failed to parse response: %w", err)
	}
	if chatResp.Error != nil {
		return "", false, fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", false, ErrEmptyResponse
	}

	if tracker := usage.FromContext(ctx); tracker != nil {
		tracker.Track(ctx, c.cfg.Model, string(c.cfg.Provider),
			chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens, "chat")
	}

	return strings.TrimSpace(chatResp.Choices[0].Message.Content), false, nil
}

// SetModel changes the model used for completions.
func (c *OpenAIClient) SetModel(model string) {
	c.cfg.Model = model
}

// GetModel returns the current model.
func (c *OpenAIClient) GetModel() string {
	return c.cfg.Model
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
