// Package perception holds the LLM clients cqllm talks to. Every provider
// satisfies LLMClient so the refine loop never knows which backend answered.
package perception

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// LLMClient defines the interface for LLM providers.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Provider names an LLM backend.
type Provider string

const (
	ProviderZAI      Provider = "zai"
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
	ProviderLocal    Provider = "local"
	ProviderGemini   Provider = "gemini"
	ProviderRAGFlow  Provider = "ragflow"
)

// ErrNoAPIKey is returned when a provider that needs a key has none.
var ErrNoAPIKey = errors.New("API key not configured")

// ErrEmptyResponse is returned when the provider answered with no text.
var ErrEmptyResponse = errors.New("no completion returned")

// rateLimiter enforces a minimum gap between requests.
type rateLimiter struct {
	mu          sync.Mutex
	gap         time.Duration
	lastRequest time.Time
}

func (r *rateLimiter) wait(ctx context.Context) error {
	if r.gap <= 0 {
		return nil
	}
	r.mu.Lock()
	elapsed := time.Since(r.lastRequest)
	var pause time.Duration
	if elapsed < r.gap {
		pause = r.gap - elapsed
	}
	r.lastRequest = time.Now().Add(pause)
	r.mu.Unlock()

	if pause == 0 {
		return nil
	}
	t := time.NewTimer(pause)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire takes a slot from sem, or returns immediately when sem is nil.
func acquire(ctx context.Context, sem chan struct{}) (func(), error) {
	if sem == nil {
		return func() {}, nil
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func trimBaseURL(u string) string {
	return strings.TrimRight(u, "/")
}
