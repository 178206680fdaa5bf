package dataset

import (
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arashiailing/CQLLM/internal/prompt"
	"github.com/Arashiailing/CQLLM/internal/qlsource"
)

const sqlQuery = `/**
 * @name SQL query built from user-controlled sources
 * @description Building a SQL query from user-controlled sources is vulnerable to insertion.
 * @id py/sql-injection
 */

import python
import semmle.python.security.dataflow.SqlInjectionQuery
from SqlInjectionFlow::PathNode source, SqlInjectionFlow::PathNode sink
where SqlInjectionFlow::flowPath(source, sink)
  and source.getNode().isUserControlled()
select sink.getNode(), source, sink, "This SQL query depends on a $@.", source.getNode(), "user-provided value"
`

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestBuildEntries(t *testing.T) {
	b := NewBuilder(prompt.Default(), 3, 42)
	entries, err := b.Entries(sqlQuery, "/q/SqlInjection.ql")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	gen := entries[0]
	assert.Contains(t, gen.Instruction, "@name SQL query built from user-controlled sources")
	assert.Contains(t, gen.Instruction, "@id py/sql-injection")
	assert.Equal(t, strings.TrimSpace(sqlQuery), gen.Output)
	assert.NotEmpty(t, gen.Input)

	allowed := map[string]bool{
		"where SqlInjectionFlow::flowPath(source, sink)":                                               true,
		"and source.getNode().isUserControlled()":                                                      true,
		"from SqlInjectionFlow::PathNode source, SqlInjectionFlow::PathNode sink":                      true,
		"* @name SQL query built from user-controlled sources":                                         true,
		"* @description Building a SQL query from user-controlled sources is vulnerable to insertion.": true,
		"* @id py/sql-injection":                                                                       true,
		"*/":                                                                                           true,
		"":                                                                                             true,
	}
	for _, e := range entries[1:] {
		assert.Equal(t, 1, strings.Count(e.Input, MissingMarker))
		assert.True(t, allowed[e.Output], "masked line %q must not be an import, select or comment start", e.Output)
	}

	again, err := NewBuilder(prompt.Default(), 3, 42).Entries(sqlQuery, "/q/SqlInjection.ql")
	require.NoError(t, err)
	assert.Equal(t, entries, again, "same seed, same masks")
}

func TestBuildShortQueryHasNoCompletions(t *testing.T) {
	b := NewBuilder(prompt.Default(), 2, 1)
	entries, err := b.Entries("import python\nfrom Call c\nselect c\n", "/q/Calls.ql")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Instruction, "py/calls", "id falls back to the file name")
}

func TestBuildTree(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "a", "Sql.ql"), sqlQuery)
	write(t, filepath.Join(root, "b", "Tiny.ql"), "select 1\n")
	write(t, filepath.Join(root, "b", "Lib.qll"), "module M {}\n")

	entries, err := NewBuilder(prompt.Default(), 2, 7).Build(root)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	out := filepath.Join(t.TempDir(), "ds.jsonl")
	require.NoError(t, WriteRecords(out, entries))
	n, err := Verify(out)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `\"user-provided value\"`)
	assert.NotContains(t, string(data), `\u003c`)

	recs, err := ReadRecords(out)
	require.NoError(t, err)
	var quoted bool
	for _, raw := range recs {
		var e Entry
		require.NoError(t, json.Unmarshal(raw, &e))
		if strings.Contains(e.Output, `"user-provided value"`) || strings.Contains(e.Input, `"user-provided value"`) {
			quoted = true
		}
	}
	assert.True(t, quoted, "quotes survive a round trip")
}

func TestMergeBatches(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"x/A.ql", "x/B.ql", "C.ql", "skip.qll"} {
		write(t, filepath.Join(root, name), strings.Repeat("q", 100))
	}
	out := t.TempDir()

	files, err := Merge(root, out, 300)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(out, "merged_1.json"), files[0])

	var first, second []MergedFile
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &first))
	data, err = os.ReadFile(files[1])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &second))

	assert.Len(t, first, 2)
	assert.Len(t, second, 1)
	assert.Equal(t, "C.ql", first[0].Filename)
	assert.Equal(t, "x/B.ql", second[0].Filename)
}

func TestMergeOversizedItemGetsOwnBatch(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "Big.ql"), strings.Repeat("q", 1000))
	files, err := Merge(root, t.TempDir(), 10)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestDedupe(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	write(t, filepath.Join(a, "one", "X.ql"), "select 1")
	write(t, filepath.Join(a, "Y.ql"), "select 2")
	write(t, filepath.Join(b, "one", "X.ql"), "select 1")
	write(t, filepath.Join(b, "other", "Z.ql"), "select 2")
	write(t, filepath.Join(b, "W.ql"), "select 3")

	out := filepath.Join(t.TempDir(), "merged")
	rep, err := Dedupe(out, a, b)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Copied)
	require.Len(t, rep.Duplicates, 2)
	assert.Equal(t, filepath.Join("one", "X.ql"), rep.Duplicates[0].Original)

	stats, err := Count(out)
	require.NoError(t, err)
	assert.Equal(t, Stats{Queries: 3}, stats)
	assert.FileExists(t, filepath.Join(out, "W.ql"))
	assert.NoFileExists(t, filepath.Join(out, "other", "Z.ql"))
}

func TestSplit(t *testing.T) {
	recs := make([]int, 10)
	for i := range recs {
		recs[i] = i
	}
	train, val, err := Split(recs, DefaultTrainRatio, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	assert.Len(t, train, 9)
	assert.Len(t, val, 1)
	assert.ElementsMatch(t, recs, append(append([]int(nil), train...), val...))
	assert.Equal(t, 0, recs[0], "input untouched")

	_, _, err = Split(recs, 1.5, rand.New(rand.NewSource(3)))
	assert.Error(t, err)
}

func TestConvertAndVerify(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.jsonl")
	write(t, in, `{"instruction":"a","input":"","output":"x"}`+"\n\n"+`{"instruction":"b","input":"","output":"y"}`+"\n")

	out := filepath.Join(dir, "out.json")
	n, err := Convert(in, out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got []Entry
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	if diff := cmp.Diff([]Entry{{Instruction: "a", Output: "x"}, {Instruction: "b", Output: "y"}}, got); diff != "" {
		t.Errorf("converted entries mismatch (-want +got):\n%s", diff)
	}

	back := filepath.Join(dir, "back.jsonl")
	_, err = Convert(out, back)
	require.NoError(t, err)
	n, err = Verify(back)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bad := filepath.Join(dir, "bad.jsonl")
	write(t, bad, "{\"a\":1}\n{oops\n")
	_, err = Verify(bad)
	var verr *VerifyError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 2, verr.Line)

	badJSON := filepath.Join(dir, "bad.json")
	write(t, badJSON, "[1, 2")
	_, err = Verify(badJSON)
	assert.Error(t, err)
}

func TestTrimAll(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "A.ql"), "```ql\nselect 1\n```\n")
	write(t, filepath.Join(root, "B.ql"), "one line")

	rep, err := TrimAll(root)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Trimmed)
	require.Len(t, rep.Failures, 1)
	assert.ErrorIs(t, rep.Failures[0].Err, qlsource.ErrTooShort)

	data, err := os.ReadFile(filepath.Join(root, "A.ql"))
	require.NoError(t, err)
	assert.Equal(t, "select 1\n", string(data))
}

const moduleTable = "\ufeffimport_path,section_type,entity_name\n" +
	"semmle.python.Concepts,Classes,SqlExecution\n" +
	",,\n" +
	"semmle.python.Concepts,Classes,SqlExecution\n" +
	"semmle.python.Concepts,Predicates,isSink\n" +
	"semmle.python.ApiGraphs,Modules,\n" +
	"semmle.python.Concepts,Classes,FileSystemAccess\n"

func TestReadModuleTable(t *testing.T) {
	frags, err := ReadModuleTable(strings.NewReader(moduleTable))
	require.NoError(t, err)
	require.Len(t, frags, 5, "the all-blank row is skipped")
	assert.Equal(t, Fragment{ImportPath: "semmle.python.Concepts", SectionType: "Classes", Entity: "SqlExecution"}, frags[0])
	assert.Equal(t, Fragment{ImportPath: "semmle.python.ApiGraphs", SectionType: "Modules"}, frags[3])

	out := filepath.Join(t.TempDir(), "modules_rag.jsonl")
	require.NoError(t, WriteRecords(out, frags))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, `{"import_path":"semmle.python.Concepts","section_type":"Classes","entity":"SqlExecution"}`, lines[0])

	_, err = ReadModuleTable(strings.NewReader("import_path,entity_name\na,b\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestIndexSkipsBlanksAndDedupes(t *testing.T) {
	frags, err := ReadModuleTable(strings.NewReader(moduleTable))
	require.NoError(t, err)

	idx := Index(frags)
	want := ModuleIndex{
		"semmle.python.Concepts": {
			"Classes":    {"SqlExecution", "FileSystemAccess"},
			"Predicates": {"isSink"},
		},
	}
	if diff := cmp.Diff(want, idx); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, idx.Entities())
	assert.NotContains(t, idx, "semmle.python.ApiGraphs", "a row without an entity is not indexed")

	out := filepath.Join(t.TempDir(), "index", "modules.json")
	require.NoError(t, WriteIndex(out, idx))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var back ModuleIndex
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, want, back)
}
