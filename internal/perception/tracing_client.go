package perception

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Arashiailing/CQLLM/internal/logging"
)

// Trace captures one LLM interaction for later inspection.
type Trace struct {
	ID           string
	RunID        string
	Key          string // artifact the call was made for
	Provider     string
	SystemPrompt string
	UserPrompt   string
	Response     string
	DurationMs   int64
	Success      bool
	ErrorMessage string
	Timestamp    time.Time
}

// TraceStore persists traces.
type TraceStore interface {
	StoreTrace(ctx context.Context, trace *Trace) error
}

type traceKey struct{}

type traceScope struct {
	runID string
	key   string
}

// WithTraceScope attributes calls made under ctx to a run and artifact key.
func WithTraceScope(ctx context.Context, runID, key string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceScope{runID: runID, key: key})
}

// TracingClient wraps an LLMClient and records every call to a TraceStore.
// A store failure is logged and never fails the completion.
type TracingClient struct {
	underlying LLMClient
	store      TraceStore
	provider   string
}

// NewTracingClient wraps underlying.
func NewTracingClient(underlying LLMClient, store TraceStore, provider string) *TracingClient {
	return &TracingClient{underlying: underlying, store: store, provider: provider}
}

// Complete sends a prompt and records the exchange.
func (t *TracingClient) Complete(ctx context.Context, prompt string) (string, error) {
	return t.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message and records the exchange.
func (t *TracingClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	resp, err := t.underlying.CompleteWithSystem(ctx, systemPrompt, userPrompt)

	scope, _ := ctx.Value(traceKey{}).(traceScope)
	trace := &Trace{
		ID:           uuid.NewString(),
		RunID:        scope.runID,
		Key:          scope.key,
		Provider:     t.provider,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Response:     resp,
		DurationMs:   time.Since(start).Milliseconds(),
		Success:      err == nil,
		Timestamp:    start,
	}
	if err != nil {
		trace.ErrorMessage = err.Error()
	}
	// Record even when ctx is done so cancelled calls still show up.
	if storeErr := t.store.StoreTrace(context.WithoutCancel(ctx), trace); storeErr != nil {
		logging.APIWarn("failed to store trace %s: %v", trace.ID, storeErr)
	}
	return resp, err
}

// Unwrap returns the wrapped client.
func (t *TracingClient) Unwrap() LLMClient {
	return t.underlying
}
