// Package augment drives batch refinement of CodeQL queries: it finds the
// queries under a root, asks the model for a variant of each one and keeps
// only variants the codeql validator accepts.
package augment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Arashiailing/CQLLM/internal/perception"
	"github.com/Arashiailing/CQLLM/internal/prompt"
	"github.com/Arashiailing/CQLLM/internal/qlsource"
	"github.com/Arashiailing/CQLLM/internal/refine"
)

// PromptFunc builds the user prompt for one transform call.
type PromptFunc func(input string, prior *refine.Feedback) (string, error)

// LLMTransformer adapts an LLMClient to refine.Transformer. The reply is
// reduced to its QL code before it becomes a candidate.
type LLMTransformer struct {
	Client perception.LLMClient
	System string
	Prompt PromptFunc

	// Timeout bounds each model call. Zero leaves ctx as is.
	Timeout time.Duration
}

var _ refine.Transformer = (*LLMTransformer)(nil)

// Transform implements refine.Transformer.
func (t *LLMTransformer) Transform(ctx context.Context, input string, prior *refine.Feedback) (string, error) {
	user, err := t.Prompt(input, prior)
	if err != nil {
		return "", err
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	reply, err := t.Client.CompleteWithSystem(ctx, t.System, user)
	if err != nil {
		return "", err
	}
	code := strings.TrimSpace(qlsource.ExtractCode(reply))
	if code == "" {
		return "", fmt.Errorf("model reply contained no code")
	}
	return code + "\n", nil
}

// NewAugmentTransformer rewrites queries with the augment prompt and
// repairs rejected variants with the feedback prompt.
func NewAugmentTransformer(client perception.LLMClient, prompts *prompt.Set, timeout time.Duration) *LLMTransformer {
	return &LLMTransformer{
		Client:  client,
		System:  prompts.SystemPrompt(),
		Timeout: timeout,
		Prompt: func(input string, prior *refine.Feedback) (string, error) {
			if diag, ok := prior.Repair(); ok {
				return prompts.Render(prompt.AugmentFeedback, prompt.AugmentData{Code: input, Diagnostic: diag})
			}
			return prompts.Render(prompt.Augment, prompt.AugmentData{Code: input})
		},
	}
}
