package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type contextKey struct{}

type scopeKey struct{}

type scope struct {
	command string
	runID   string
}

// Tracker records token usage per workspace and persists it to
// .cqllm/usage.json.
type Tracker struct {
	mu       sync.Mutex
	data     UsageData
	filePath string
	dirty    bool
	last     UsageEvent
}

// NewTracker creates a tracker backed by the workspace's usage file.
// A corrupt file is ignored and counting starts over.
func NewTracker(workspacePath string) (*Tracker, error) {
	dir := filepath.Join(workspacePath, ".cqllm")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .cqllm dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dir, "usage.json"),
		data:     emptyData(),
	}
	if err := t.Load(); err != nil {
		t.data = emptyData()
	}
	return t, nil
}

func emptyData() UsageData {
	return UsageData{
		Version: "1.0",
		Aggregate: AggregatedStats{
			ByProvider:  make(map[string]TokenCounts),
			ByModel:     make(map[string]TokenCounts),
			ByCommand:   make(map[string]TokenCounts),
			ByOperation: make(map[string]TokenCounts),
			ByRun:       make(map[string]TokenCounts),
		},
	}
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	agg := &t.data.Aggregate
	for _, m := range []*map[string]TokenCounts{&agg.ByProvider, &agg.ByModel, &agg.ByCommand, &agg.ByOperation, &agg.ByRun} {
		if *m == nil {
			*m = make(map[string]TokenCounts)
		}
	}
	return nil
}

// Save writes the usage data to disk if anything changed since the last save.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return nil
	}
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(t.filePath, data, 0644); err != nil {
		return err
	}
	t.dirty = false
	return nil
}

// Track records one LLM call. Command and run attribution come from ctx.
func (t *Tracker) Track(ctx context.Context, model, provider string, input, output int, operation string) {
	sc := scopeFrom(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	agg := &t.data.Aggregate
	agg.TotalProject.Add(input, output)
	agg.Calls++
	addToMap(agg.ByProvider, provider, input, output)
	addToMap(agg.ByModel, model, input, output)
	addToMap(agg.ByCommand, sc.command, input, output)
	addToMap(agg.ByOperation, operation, input, output)
	if sc.runID != "" {
		addToMap(agg.ByRun, sc.runID, input, output)
	}

	t.last = UsageEvent{
		Timestamp:    time.Now(),
		Model:        model,
		Provider:     provider,
		InputTokens:  input,
		OutputTokens: output,
		Command:      sc.command,
		RunID:        sc.runID,
		Operation:    operation,
	}
	t.dirty = true
}

// Last returns the most recent event.
func (t *Tracker) Last() UsageEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByProvider = copyTokenCountsMap(stats.ByProvider)
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByCommand = copyTokenCountsMap(stats.ByCommand)
	stats.ByOperation = copyTokenCountsMap(stats.ByOperation)
	stats.ByRun = copyTokenCountsMap(stats.ByRun)
	return stats
}

// RunTotals returns the counts attributed to one ledger run.
func (t *Tracker) RunTotals(runID string) TokenCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Aggregate.ByRun[runID]
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	if key == "" {
		key = "unknown"
	}
	entry := m[key]
	entry.Add(input, output)
	m[key] = entry
}

// Context Helpers

// NewContext returns a new context carrying the tracker.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext retrieves the tracker from the context.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(contextKey{}).(*Tracker)
	return t
}

// WithScope attributes calls made under ctx to a command and ledger run.
func WithScope(ctx context.Context, command, runID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope{command: command, runID: runID})
}

func scopeFrom(ctx context.Context) scope {
	sc, _ := ctx.Value(scopeKey{}).(scope)
	return sc
}
