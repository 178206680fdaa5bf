package codeql

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arashiailing/CQLLM/internal/refine"
	"github.com/Arashiailing/CQLLM/internal/tactile"
)

// fakeCodeQL writes a shell script that mimics the parts of the codeql CLI
// cqllm uses. Queries containing BROKEN fail to compile and QUIET ones fail
// with the reason on stdout only. SLOW ones hang. Lines starting with "ROW "
// become result rows.
func fakeCodeQL(t *testing.T) (binary, callLog string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake codeql is a shell script")
	}
	dir := t.TempDir()
	callLog = filepath.Join(dir, "calls.log")
	script := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %q
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
      echo "ERROR: could not resolve module Foo ($q:3,1-8)" >&2
      exit 2
    fi
    if grep -q QUIET "$q"; then
      echo "pack resolution failed"
      exit 3
    fi
    if grep -q SLOW "$q"; then
      sleep 10
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
echo "unknown command $1" >&2
exit 1
`, callLog)
	binary = filepath.Join(dir, "codeql")
	require.NoError(t, os.WriteFile(binary, []byte(script), 0755))
	return binary, callLog
}

func calls(t *testing.T, callLog string) []string {
	t.Helper()
	data, err := os.ReadFile(callLog)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func writeQuery(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestRunQuery(t *testing.T) {
	bin, _ := fakeCodeQL(t)
	dir := t.TempDir()
	r := NewRunner(nil, Options{Binary: bin, Database: "/db", MaxDiagnosticBytes: 4096})

	res, err := r.RunQuery(context.Background(), writeQuery(t, dir, "ok.ql", "select 1"), "")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.Diagnostic)

	broken := writeQuery(t, dir, "bad.ql", "BROKEN")
	res, err = r.RunQuery(context.Background(), broken, "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 2, res.ExitCode)
	assert.Contains(t, res.Diagnostic, "could not resolve module Foo")

	res, err = r.RunQuery(context.Background(), writeQuery(t, dir, "quiet.ql", "QUIET"), "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "pack resolution failed", res.Diagnostic)
}

func TestRunQuery_RequiresDatabase(t *testing.T) {
	r := NewRunner(nil, Options{})
	_, err := r.RunQuery(context.Background(), "q.ql", "")
	assert.ErrorIs(t, err, ErrNoDatabase)
}

func TestRunQuery_MissingBinaryIsError(t *testing.T) {
	r := NewRunner(nil, Options{Binary: "cqllm-no-such-codeql", Database: "/db"})
	_, err := r.RunQuery(context.Background(), "q.ql", "")
	assert.Error(t, err)
}

func TestRunQuery_Timeout(t *testing.T) {
	bin, _ := fakeCodeQL(t)
	r := NewRunner(nil, Options{Binary: bin, Database: "/db", Timeout: 200 * time.Millisecond})

	res, err := r.RunQuery(context.Background(), writeQuery(t, t.TempDir(), "slow.ql", "SLOW"), "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Diagnostic, "timeout")
}

func TestDecodeRowCount(t *testing.T) {
	bin, _ := fakeCodeQL(t)
	dir := t.TempDir()
	r := NewRunner(nil, Options{Binary: bin, Database: "/db"})

	q := writeQuery(t, dir, "CWE-079-reflected-xss.ql", "select x\nROW a\nROW b\nROW c\n")
	out := filepath.Join(dir, "out.bqrs")
	res, err := r.RunQuery(context.Background(), q, out)
	require.NoError(t, err)
	require.True(t, res.OK)

	n, err := r.DecodeRowCount(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestValidator(t *testing.T) {
	bin, callLog := fakeCodeQL(t)
	dir := t.TempDir()
	v := NewValidator(NewRunner(nil, Options{Binary: bin, Database: "/db"}))

	key := filepath.Join(dir, "aug_Query.ql")
	staged := writeQuery(t, dir, "temp_aug_Query_123.ql", "BROKEN")

	verdict, err := v.Validate(context.Background(), refine.Candidate{Key: key, Path: staged, Text: "BROKEN", Attempt: 1})
	require.NoError(t, err)
	assert.False(t, verdict.OK)
	assert.Contains(t, verdict.Diagnostic, "aug_Query.ql:3,1-8")
	assert.NotContains(t, verdict.Diagnostic, "temp_aug_", "staging path must not leak into feedback")
	assert.Len(t, calls(t, callLog), 1)
}

func TestValidator_VerdictCache(t *testing.T) {
	bin, callLog := fakeCodeQL(t)
	dir := t.TempDir()
	v := NewValidator(NewRunner(nil, Options{Binary: bin, Database: "/db"}), WithVerdictCache(time.Minute, 0))

	key := filepath.Join(dir, "aug_Query.ql")
	for i := 0; i < 3; i++ {
		staged := writeQuery(t, dir, fmt.Sprintf("temp_aug_%d.ql", i), "select 1")
		verdict, err := v.Validate(context.Background(), refine.Candidate{Key: key, Path: staged, Text: "select 1"})
		require.NoError(t, err)
		assert.True(t, verdict.OK)
	}
	assert.Len(t, calls(t, callLog), 1, "identical candidates must hit the cache")

	staged := writeQuery(t, dir, "temp_aug_other.ql", "select 2")
	_, err := v.Validate(context.Background(), refine.Candidate{Key: key, Path: staged, Text: "select 2"})
	require.NoError(t, err)
	assert.Len(t, calls(t, callLog), 2)
}

func TestValidator_InRefineWorkflow(t *testing.T) {
	bin, _ := fakeCodeQL(t)
	dir := t.TempDir()
	key := filepath.Join(dir, "aug_Query.ql")

	var priors []*refine.Feedback
	outputs := []string{"BROKEN", "select fixed"}
	wf := &refine.Workflow{
		Transformer: refine.TransformFunc(func(_ context.Context, _ string, prior *refine.Feedback) (string, error) {
			priors = append(priors, prior)
			return outputs[len(priors)-1], nil
		}),
		Validator:   NewValidator(NewRunner(nil, Options{Binary: bin, Database: "/db"})),
		Stager:      refine.NewFileStager(""),
		MaxAttempts: 3,
	}

	out, err := wf.Refine(context.Background(), refine.Request{Key: key, Original: "select 0"})
	require.NoError(t, err)
	require.True(t, out.Published())
	require.Len(t, priors, 2)
	assert.Contains(t, priors[1].Diagnostic, "could not resolve module Foo")

	data, err := os.ReadFile(key)
	require.NoError(t, err)
	assert.Equal(t, "select fixed", string(data))
}

func TestCheckAll(t *testing.T) {
	bin, _ := fakeCodeQL(t)
	dir := t.TempDir()
	r := NewRunner(nil, Options{Binary: bin, Database: "/db"})

	paths := []string{
		writeQuery(t, dir, "a.ql", "select 1"),
		writeQuery(t, dir, "b.ql", "BROKEN"),
		writeQuery(t, dir, "c.ql", "select 3"),
	}
	results, err := r.CheckAll(context.Background(), paths, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, paths[i], res.Path)
	}
	failed := Failed(results)
	require.Len(t, failed, 1)
	assert.Equal(t, paths[1], failed[0].Path)
}

// recordingExecutor captures commands and tracks concurrency.
type recordingExecutor struct {
	mu      sync.Mutex
	cmds    []tactile.Command
	active  int32
	maxSeen int32
	delay   time.Duration
}

func (e *recordingExecutor) Execute(_ context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	n := atomic.AddInt32(&e.active, 1)
	defer atomic.AddInt32(&e.active, -1)
	for {
		seen := atomic.LoadInt32(&e.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&e.maxSeen, seen, n) {
			break
		}
	}
	e.mu.Lock()
	e.cmds = append(e.cmds, cmd)
	e.mu.Unlock()
	time.Sleep(e.delay)
	return &tactile.ExecutionResult{Success: true, ExitCode: 0}, nil
}

func TestQueryArgs(t *testing.T) {
	exec := &recordingExecutor{}
	r := NewRunner(exec, Options{
		Database:        "/db",
		Threads:         4,
		RAM:             2048,
		AdditionalPacks: []string{"/packs/a"},
		Timeout:         time.Minute,
	})

	_, err := r.RunQuery(context.Background(), "q.ql", "/out/q.bqrs")
	require.NoError(t, err)
	require.Len(t, exec.cmds, 1)

	cmd := exec.cmds[0]
	assert.Equal(t, "codeql", cmd.Binary)
	assert.Equal(t, []string{
		"query", "run", "q.ql", "--database", "/db",
		"--output", "/out/q.bqrs",
		"--threads", "4", "--ram", "2048",
		"--additional-packs", "/packs/a",
	}, cmd.Arguments)
	require.NotNil(t, cmd.Limits)
	assert.Equal(t, int64(60000), cmd.Limits.TimeoutMs)
}

func TestRunner_MaxConcurrent(t *testing.T) {
	exec := &recordingExecutor{delay: 20 * time.Millisecond}
	r := NewRunner(exec, Options{Database: "/db", MaxConcurrent: 2})

	paths := make([]string, 8)
	for i := range paths {
		paths[i] = fmt.Sprintf("q%d.ql", i)
	}
	_, err := r.CheckAll(context.Background(), paths, 8)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&exec.maxSeen), int32(2))
	assert.Len(t, exec.cmds, 8)
}

func TestCountCSVRows(t *testing.T) {
	cases := map[string]int{
		"":                      0,
		"\n":                    0,
		"col0":                  0,
		"col0\na":               1,
		"col0\na\nb\n":          2,
		"\"x\",\"y\"\n1,2\n3,4": 2,
	}
	for in, want := range cases {
		assert.Equal(t, want, CountCSVRows(in), "input %q", in)
	}
}

func TestTrimDiagnostic(t *testing.T) {
	assert.Equal(t, "short", TrimDiagnostic("short", 100))
	assert.Equal(t, "anything", TrimDiagnostic("anything", 0))

	long := strings.Repeat("ERROR: line\n", 50)
	got := TrimDiagnostic(long, 60)
	assert.True(t, strings.HasPrefix(got, "ERROR: line\n"))
	assert.Contains(t, got, "bytes truncated")
	assert.Less(t, len(got), len(long))
}

func TestTrimDiagnostic_KeepsRunesWhole(t *testing.T) {
	diag := "ERROR: " + strings.Repeat("数据增强/漏洞", 20) + ".ql"
	for max := 8; max < 40; max++ {
		got := TrimDiagnostic(diag, max)
		require.True(t, utf8.ValidString(got), "max=%d: %q", max, got)
		head := strings.SplitN(got, "\n... (", 2)[0]
		assert.LessOrEqual(t, len(head), max)
		assert.True(t, strings.HasPrefix(diag, head))
	}
}
