package usage

import "time"

// UsageData is the persisted form of a workspace's token usage.
type UsageData struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// UsageEvent is one LLM call.
type UsageEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Command      string    `json:"command"`   // augment, generate, classify
	RunID        string    `json:"run_id"`    // ledger run, if any
	Operation    string    `json:"operation"` // chat, rag
}

// AggregatedStats holds counters broken down by various dimensions.
type AggregatedStats struct {
	TotalProject TokenCounts            `json:"total_project"`
	Calls        int64                  `json:"calls"`
	ByProvider   map[string]TokenCounts `json:"by_provider"`
	ByModel      map[string]TokenCounts `json:"by_model"`
	ByCommand    map[string]TokenCounts `json:"by_command"`
	ByOperation  map[string]TokenCounts `json:"by_operation"`
	ByRun        map[string]TokenCounts `json:"by_run"`
}

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

func (tc *TokenCounts) Add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
}
