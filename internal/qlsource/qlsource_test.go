package qlsource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"plain", "  import python\nselect 1  ", "import python\nselect 1"},
		{"ql fence", "Here you go:\n```ql\nimport python\nselect 1\n```\nDone.", "import python\nselect 1"},
		{"codeql fence", "```CodeQL\nselect 2\n```", "select 2"},
		{"think removed", "<think>\nlet me reason ```ql nope```\n</think>\n```ql\nselect 3\n```", "select 3"},
		{"untagged fence", "```\nselect 4\n```", "select 4"},
		{"tagged beats untagged", "```python\nprint(1)\n```\n```ql\nselect 5\n```", "select 5"},
		{"multiple ql blocks", "```ql\nimport python\n```\ntext\n```ql\nselect 6\n```", "import python\n\nselect 6"},
		{"unterminated", "```ql\nimport python\nselect 7", "import python\nselect 7"},
		{"empty fence", "```ql\n```", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCode(tt.reply))
		})
	}
}

const sampleHeader = `/**
 * @name Reflected server-side cross-site scripting
 * @description Writing user input directly to a web page
 *              allows for a cross-site scripting vulnerability.
 * @kind path-problem
 * @problem.severity error
 * @precision high
 * @id py/reflective-xss
 * @tags security
 *       external/cwe/cwe-079
 *       external/cwe/cwe-116
 */

import python
select 1
`

func TestParseMetadata(t *testing.T) {
	meta, _, ok := ParseMetadata(sampleHeader)
	require.True(t, ok)
	assert.Equal(t, "Reflected server-side cross-site scripting", meta.Name)
	assert.Equal(t, "Writing user input directly to a web page allows for a cross-site scripting vulnerability.", meta.Description)
	assert.Equal(t, "py/reflective-xss", meta.ID)
	assert.Equal(t, "path-problem", meta.Kind)
	assert.Equal(t, "error", meta.Severity)
	assert.Equal(t, "high", meta.Precision)
	assert.Equal(t, []string{"security", "external/cwe/cwe-079", "external/cwe/cwe-116"}, meta.Tags)
	assert.Equal(t, []string{"CWE-079", "CWE-116"}, meta.CWEs())

	_, _, ok = ParseMetadata("import python\nselect 1")
	assert.False(t, ok)
}

func TestMetadataWithFallback(t *testing.T) {
	t.Run("complete header", func(t *testing.T) {
		meta := MetadataWithFallback(sampleHeader, "/q/ReflectedXss.ql")
		assert.Equal(t, "py/reflective-xss", meta.ID)
	})

	t.Run("name only", func(t *testing.T) {
		meta := MetadataWithFallback("/** @name Weak hash */\nselect 1", "/q/WeakHash.ql")
		assert.Equal(t, "Weak hash", meta.Name)
		assert.Equal(t, "Weak hash", meta.Description)
		assert.Equal(t, "py/weakhash", meta.ID)
	})

	t.Run("prose header", func(t *testing.T) {
		meta := MetadataWithFallback("/**\n * Finds calls to eval\n * with user input.\n */\nselect 1", "/q/Eval.ql")
		assert.Equal(t, "Query detecting Eval", meta.Name)
		assert.Equal(t, "Finds calls to eval with user input.", meta.Description)
		assert.Equal(t, "py/eval", meta.ID)
	})

	t.Run("no header", func(t *testing.T) {
		meta := MetadataWithFallback("select 1", "/q/Bare.ql")
		assert.Equal(t, "Query detecting Bare", meta.Name)
		assert.NotEmpty(t, meta.Description)
		assert.Equal(t, "py/bare", meta.ID)
	})
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	files := []string{
		"a/Query.ql",
		"a/aug_Query.ql",
		"a/temp_aug_Query_1.ql",
		"a/Lib.qll",
		"b/c/Other.ql",
		".git/Hidden.ql",
		"notes.txt",
	}
	for _, f := range files {
		p := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}

	got, err := Find(root, FindOptions{SkipPrefixes: []string{"aug_", "temp_aug_"}})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a/Query.ql"),
		filepath.Join(root, "b/c/Other.ql"),
	}, got)

	got, err = Find(root, FindOptions{Extensions: []string{".ql", ".qll"}})
	require.NoError(t, err)
	assert.Len(t, got, 5)

	assert.True(t, Matches("/x/Query.ql", FindOptions{}))
	assert.False(t, Matches("/x/aug_Query.ql", FindOptions{SkipPrefixes: []string{"aug_"}}))

	_, err = Find(filepath.Join(root, "missing"), FindOptions{})
	assert.Error(t, err)
}

func TestTrimOuterLines(t *testing.T) {
	got, err := TrimOuterLines("```ql\nimport python\nselect 1\n```\n")
	require.NoError(t, err)
	assert.Equal(t, "import python\nselect 1\n", got)

	got, err = TrimOuterLines("first\nlast")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	_, err = TrimOuterLines("only one line\n")
	assert.ErrorIs(t, err, ErrTooShort)
	_, err = TrimOuterLines("")
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestTrimOuterLinesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "q.ql")
	require.NoError(t, os.WriteFile(p, []byte("// begin\nselect 1\n// end\n"), 0644))
	require.NoError(t, TrimOuterLinesFile(p))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "select 1\n", string(data))
}
