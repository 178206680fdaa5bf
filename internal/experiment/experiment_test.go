package experiment

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arashiailing/CQLLM/internal/codeql"
	"github.com/Arashiailing/CQLLM/internal/qlsource"
)

// fakeCodeQL compiles anything without BROKEN and turns "ROW " lines into
// result rows. Result sets holding CORRUPT cannot be decoded.
func fakeCodeQL(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake codeql is a shell script")
	}
	script := `#!/bin/sh
case "$1" in
  query)
    q="$3"
    shift 3
    out=""
    while [ $# -gt 0 ]; do
      if [ "$1" = "--output" ]; then out="$2"; shift; fi
      shift
    done
    if grep -q BROKEN "$q"; then
      echo "ERROR: could not resolve module Broken" >&2
      exit 2
    fi
    echo "col0" > "$out"
    grep '^ROW ' "$q" | sed 's/^ROW //' >> "$out"
    grep -q CORRUPT "$q" && echo CORRUPT >> "$out"
    exit 0 ;;
  bqrs)
    if grep -q CORRUPT "$3"; then
      echo "not a bqrs file" >&2
      exit 1
    fi
    cat "$3"
    exit 0 ;;
esac
exit 1
`
	bin := filepath.Join(t.TempDir(), "codeql")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))
	return bin
}

func writeQuery(t *testing.T, dir, name string, rows int, extra string) string {
	t.Helper()
	body := "select x\n" + extra
	for i := 0; i < rows; i++ {
		body += fmt.Sprintf("ROW r%d\n", i)
	}
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func readReport(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return recs
}

func TestCWEOf(t *testing.T) {
	assert.Equal(t, "CWE-022", CWEOf("/q/CWE-022-path-injection.ql"))
	assert.Equal(t, "CWE-79", CWEOf("aug_CWE-79_xss.ql"))
	assert.Empty(t, CWEOf("/CWE-022/query.ql"))
}

func TestRun(t *testing.T) {
	bin := fakeCodeQL(t)
	root := t.TempDir()
	writeQuery(t, root, "CWE-022-a.ql", 3, "")
	writeQuery(t, root, "sub/CWE-022-b.ql", 2, "")
	writeQuery(t, root, "CWE-089-sql.ql", 0, "")
	writeQuery(t, root, "CWE-078-cmd.ql", 1, "BROKEN\n")
	writeQuery(t, root, "CWE-090-ldap.ql", 1, "CORRUPT\n")
	writeQuery(t, root, "misc.ql", 4, "")

	paths, err := qlsource.Find(root, qlsource.FindOptions{})
	require.NoError(t, err)
	require.Len(t, paths, 6)

	out := t.TempDir()
	report := filepath.Join(out, "report", "run.csv")
	var seen int
	e := &Experiment{
		Runner:     codeql.NewRunner(nil, codeql.Options{Binary: bin, Database: "/db"}),
		BQRSDir:    filepath.Join(out, "bqrs"),
		ReportPath: report,
		Workers:    3,
		OnResult:   func(Result) { seen++ },
	}
	rep, err := e.Run(context.Background(), paths)
	require.NoError(t, err)

	assert.Equal(t, 6, seen)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 9, rep.Total)
	assert.Equal(t, []CWETotal{
		{CWE: "CWE-022", Count: 5},
		{CWE: "CWE-089", Count: 0},
	}, rep.ByCWE())

	for _, res := range rep.Results {
		if filepath.Base(res.Query) == "CWE-078-cmd.ql" {
			assert.False(t, res.OK)
			assert.Contains(t, res.Diagnostic, "could not resolve module Broken")
		}
		if filepath.Base(res.Query) == "CWE-090-ldap.ql" {
			assert.False(t, res.OK)
			assert.Contains(t, res.Diagnostic, "not a bqrs file")
		}
	}
	assert.FileExists(t, filepath.Join(out, "bqrs", "CWE-022-a.bqrs"))

	recs := readReport(t, report)
	require.Len(t, recs, 5)
	assert.Equal(t, ReportHeader, recs[0])
}

func TestAppendReportWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.csv")
	require.NoError(t, AppendReport(path, "a.ql", 2))
	require.NoError(t, AppendReport(path, "b,c.ql", 0))

	recs := readReport(t, path)
	assert.Equal(t, [][]string{
		{"ql_path", "vuln_count"},
		{"a.ql", "2"},
		{"b,c.ql", "0"},
	}, recs)
}

func TestRunCancelled(t *testing.T) {
	bin := fakeCodeQL(t)
	root := t.TempDir()
	q := writeQuery(t, root, "CWE-022-a.ql", 1, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := &Experiment{
		Runner:  codeql.NewRunner(nil, codeql.Options{Binary: bin, Database: "/db", MaxConcurrent: 1}),
		BQRSDir: t.TempDir(),
	}
	_, err := e.Run(ctx, []string{q})
	assert.Error(t, err)
}
