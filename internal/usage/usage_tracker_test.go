package usage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestTracker_TrackAggregatesAndPersists(t *testing.T) {
	ws := t.TempDir()
	tracker, err := NewTracker(ws)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	ctx := WithScope(context.Background(), "augment", "run-1")
	tracker.Track(ctx, "glm-4.5", "zai", 10, 5, "chat")
	tracker.Track(ctx, "glm-4.5", "zai", 2, 3, "chat")
	tracker.Track(context.Background(), "deepseek-chat", "deepseek", 1, 1, "chat")

	stats := tracker.Stats()
	if stats.TotalProject.Input != 13 || stats.TotalProject.Output != 9 || stats.TotalProject.Total != 22 {
		t.Fatalf("TotalProject=%+v, want input=13 output=9 total=22", stats.TotalProject)
	}
	if stats.Calls != 3 {
		t.Fatalf("Calls=%d, want 3", stats.Calls)
	}
	if got := stats.ByProvider["zai"]; got.Total != 20 {
		t.Fatalf("ByProvider[zai]=%+v, want total=20", got)
	}
	if got := stats.ByCommand["augment"]; got.Total != 20 {
		t.Fatalf("ByCommand[augment]=%+v, want total=20", got)
	}
	if got := stats.ByCommand["unknown"]; got.Total != 2 {
		t.Fatalf("ByCommand[unknown]=%+v, want total=2", got)
	}
	if got := tracker.RunTotals("run-1"); got.Total != 20 {
		t.Fatalf("RunTotals(run-1)=%+v, want total=20", got)
	}
	if last := tracker.Last(); last.Provider != "deepseek" || last.Command != "" {
		t.Fatalf("Last=%+v", last)
	}

	if err := tracker.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(ws, ".cqllm", "usage.json"))
	if err != nil {
		t.Fatalf("read usage.json: %v", err)
	}
	var persisted UsageData
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal usage.json: %v", err)
	}
	if persisted.Aggregate.TotalProject.Total != 22 {
		t.Fatalf("persisted total=%d, want 22", persisted.Aggregate.TotalProject.Total)
	}

	reloaded, err := NewTracker(ws)
	if err != nil {
		t.Fatalf("NewTracker reload: %v", err)
	}
	if got := reloaded.Stats().ByModel["glm-4.5"]; got.Total != 20 {
		t.Fatalf("reloaded ByModel=%+v, want total=20", got)
	}
}

func TestTracker_CorruptFileStartsOver(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, ".cqllm"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, ".cqllm", "usage.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	tracker, err := NewTracker(ws)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tracker.Track(context.Background(), "m", "p", 1, 2, "chat")
	if got := tracker.Stats().TotalProject.Total; got != 3 {
		t.Fatalf("total=%d, want 3", got)
	}
}

func TestContextHelpers(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Fatal("expected nil tracker on bare context")
	}
	tracker, err := NewTracker(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := NewContext(context.Background(), tracker)
	if FromContext(ctx) != tracker {
		t.Fatal("tracker not carried by context")
	}
}
