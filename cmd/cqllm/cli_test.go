package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Arashiailing/CQLLM/internal/config"
	"github.com/Arashiailing/CQLLM/internal/store"
)

// setupWorkspace points the globals at a fresh workspace with default config.
func setupWorkspace(t *testing.T) string {
	t.Helper()
	logger = zap.NewNop()
	ws := t.TempDir()
	workspace = ws
	cfg = config.DefaultConfig()
	t.Cleanup(func() {
		workspace = ""
		cfg = nil
	})
	return ws
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// fakeCodeQL installs a codeql stand-in: queries containing BROKEN fail to
// compile and "ROW " lines become result rows.
func fakeCodeQL(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake codeql is a shell script")
	}
	script := `#!/bin/sh
case "$1" in
  version)
    echo "2.19.3"
    exit 0 ;;
  query)
    q="$3"
    shift 3
    out=""
    while [ $# -gt 0 ]; do
      if [ "$1" = "--output" ]; then out="$2"; shift; fi
      shift
    done
    if grep -q BROKEN "$q"; then
      echo "ERROR: could not resolve type Foo" >&2
      exit 2
    fi
    if [ -n "$out" ]; then
      echo "col0" > "$out"
      grep '^ROW ' "$q" | sed 's/^ROW //' >> "$out"
    fi
    exit 0 ;;
  bqrs)
    cat "$3"
    exit 0 ;;
esac
exit 1
`
	bin := writeFile(t, filepath.Join(t.TempDir(), "codeql"), script)
	require.NoError(t, os.Chmod(bin, 0755))
	cfg.CodeQL.Binary = bin
	cfg.CodeQL.Database = "db"
}

func TestConfigInitAndShow(t *testing.T) {
	ws := setupWorkspace(t)
	cmd, buf := newTestCmd()

	require.NoError(t, runConfigInit(cmd, nil))
	path := filepath.Join(ws, config.DefaultConfigPath)
	assert.FileExists(t, path)
	assert.Contains(t, buf.String(), path)

	err := runConfigInit(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	configForce = true
	defer func() { configForce = false }()
	require.NoError(t, runConfigInit(cmd, nil))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	loaded.LLM.APIKey = "sk-secret"
	cfg = loaded

	cmd, buf = newTestCmd()
	require.NoError(t, runConfigShow(cmd, nil))
	assert.NotContains(t, buf.String(), "sk-secret")
	assert.Contains(t, buf.String(), "****")
	assert.Equal(t, "sk-secret", cfg.LLM.APIKey, "show must not mutate the config")
}

func TestCheckReportsFailures(t *testing.T) {
	ws := setupWorkspace(t)
	fakeCodeQL(t)
	root := filepath.Join(ws, "queries")
	writeFile(t, filepath.Join(root, "ok.ql"), "select 1\n")
	writeFile(t, filepath.Join(root, "bad.ql"), "BROKEN\n")
	writeFile(t, filepath.Join(root, "temp_aug_ok.ql"), "BROKEN\n")

	cmd, buf := newTestCmd()
	err := runCheck(cmd, []string{root})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 queries failed")
	assert.Contains(t, buf.String(), "bad.ql")
	assert.Contains(t, buf.String(), "could not resolve type Foo")

	require.NoError(t, os.Remove(filepath.Join(root, "bad.ql")))
	cmd, _ = newTestCmd()
	assert.NoError(t, runCheck(cmd, []string{root}))
}

func TestRunWritesReport(t *testing.T) {
	ws := setupWorkspace(t)
	fakeCodeQL(t)
	root := filepath.Join(ws, "queries")
	writeFile(t, filepath.Join(root, "CWE-079-xss.ql"), "ROW a\nROW b\n")
	writeFile(t, filepath.Join(root, "CWE-089-sqli.ql"), "select 1\n")

	runBQRSDir = filepath.Join(ws, "bqrs")
	runReport = filepath.Join(ws, "results.csv")
	defer func() { runBQRSDir, runReport = "bqrs", "results.csv" }()

	cmd, buf := newTestCmd()
	require.NoError(t, runExperiment(cmd, []string{root}))
	assert.Contains(t, buf.String(), "CWE-079")
	assert.Contains(t, buf.String(), "2 results")
	assert.Contains(t, buf.String(), "no results: CWE-089")

	report, err := os.ReadFile(runReport)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(report)), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "ql_path,vuln_count", lines[0])
}

func TestVersionWithoutCodeQL(t *testing.T) {
	setupWorkspace(t)
	cfg.CodeQL.Binary = filepath.Join(t.TempDir(), "missing-codeql")
	cmd, buf := newTestCmd()
	versionCmd.Run(cmd, nil)
	assert.Contains(t, buf.String(), "cqllm "+cfg.Version)
	assert.Contains(t, buf.String(), "unavailable")
}

func TestDatasetCommands(t *testing.T) {
	ws := setupWorkspace(t)
	a := writeFile(t, filepath.Join(ws, "a.json"), `[{"instruction":"i1","input":"","output":"o1"}]`)
	b := writeFile(t, filepath.Join(ws, "b.jsonl"), "{\"instruction\":\"i2\",\"input\":\"\",\"output\":\"o2\"}\n{\"instruction\":\"i3\",\"input\":\"\",\"output\":\"o3\"}\n")

	datasetCombineOut = filepath.Join(ws, "all.jsonl")
	defer func() { datasetCombineOut = "combined.json" }()
	cmd, buf := newTestCmd()
	require.NoError(t, runDatasetCombine(cmd, []string{a, b}))
	assert.Contains(t, buf.String(), "3 records from 2 files")

	cmd, buf = newTestCmd()
	conv := filepath.Join(ws, "all.json")
	require.NoError(t, runDatasetConvert(cmd, []string{datasetCombineOut, conv}))
	assert.Contains(t, buf.String(), "3 records")

	bad := writeFile(t, filepath.Join(ws, "bad.jsonl"), "{\"instruction\":\"x\"}\nnot json\n")
	cmd, buf = newTestCmd()
	err := runDatasetVerify(cmd, []string{conv, bad})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "ok")
	assert.Contains(t, err.Error(), "line 2")

	datasetTrainOut = filepath.Join(ws, "train.json")
	datasetValOut = filepath.Join(ws, "val.json")
	datasetRatio = 0.5
	defer func() { datasetTrainOut, datasetValOut, datasetRatio = "train.json", "val.json", 0.9 }()
	cmd, buf = newTestCmd()
	require.NoError(t, runDatasetSplit(cmd, []string{conv}))
	assert.Contains(t, buf.String(), "1 train")
	assert.Contains(t, buf.String(), "2 validation")
}

func TestDatasetStatsAndTrim(t *testing.T) {
	ws := setupWorkspace(t)
	root := filepath.Join(ws, "q")
	q := writeFile(t, filepath.Join(root, "x.ql"), "```ql\nimport python\nselect 1\n```\n")
	writeFile(t, filepath.Join(root, "lib", "y.qll"), "module Y {}\n")

	cmd, buf := newTestCmd()
	require.NoError(t, runDatasetStats(cmd, []string{root}))
	assert.Contains(t, buf.String(), ".qll")

	cmd, buf = newTestCmd()
	require.NoError(t, runDatasetTrim(cmd, []string{root}))
	assert.Contains(t, buf.String(), "1 files")
	data, err := os.ReadFile(q)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "```")
}

func TestDatasetRAGCommands(t *testing.T) {
	ws := setupWorkspace(t)
	table := writeFile(t, filepath.Join(ws, "modules.csv"), "import_path,section_type,entity_name\n"+
		"semmle.python.Concepts,Classes,SqlExecution\n"+
		",,\n"+
		"semmle.python.Concepts,Classes,SqlExecution\n"+
		"semmle.python.dataflow.new.DataFlow,Modules,\n")

	datasetRAGOut = filepath.Join(ws, "rag.jsonl")
	datasetIndexOut = filepath.Join(ws, "index.json")
	defer func() { datasetRAGOut, datasetIndexOut = "modules_rag.jsonl", "modules.json" }()

	cmd, buf := newTestCmd()
	require.NoError(t, runDatasetRAGFragments(cmd, []string{table}))
	assert.Contains(t, buf.String(), "3 fragments")

	cmd, buf = newTestCmd()
	require.NoError(t, runDatasetRAGIndex(cmd, []string{table}))
	assert.Contains(t, buf.String(), "1 modules, 1 entities")
	data, err := os.ReadFile(datasetIndexOut)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), `"SqlExecution"`))
}

func TestHistory(t *testing.T) {
	ws := setupWorkspace(t)
	l, err := store.Open(filepath.Join(ws, cfg.Store.DatabasePath))
	require.NoError(t, err)
	ctx := context.Background()
	id, err := l.StartRun(ctx, "augment", "queries/")
	require.NoError(t, err)
	require.NoError(t, l.FinishRun(ctx, id, store.RunCompleted, store.RunTotals{Total: 3, Succeeded: 2, Abandoned: 1}))
	require.NoError(t, l.Close())

	cmd, buf := newTestCmd()
	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, buf.String(), id)
	assert.Contains(t, buf.String(), "augment")

	cmd, buf = newTestCmd()
	require.NoError(t, runHistory(cmd, []string{id}))
	assert.Contains(t, buf.String(), "queries/")

	cmd, _ = newTestCmd()
	err = runHistory(cmd, []string{"no-such-run"})
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	historyKeep = 0
	defer func() { historyKeep = 50 }()
	cmd, buf = newTestCmd()
	require.NoError(t, runHistoryPrune(cmd, nil))
	assert.Contains(t, buf.String(), "1 runs removed")
}

func TestHistoryEmpty(t *testing.T) {
	setupWorkspace(t)
	cmd, buf := newTestCmd()
	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, buf.String(), "no runs recorded")
}

func TestUsageEmpty(t *testing.T) {
	setupWorkspace(t)
	cmd, buf := newTestCmd()
	require.NoError(t, runUsage(cmd, nil))
	assert.Contains(t, buf.String(), fmt.Sprintf("%d calls", 0))
}

func TestSessionRequiresProvider(t *testing.T) {
	setupWorkspace(t)
	cfg.LLM.Provider = "nope"
	_, err := openSession(context.Background(), "augment", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid LLM provider")
}
