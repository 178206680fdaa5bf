package generate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arashiailing/CQLLM/internal/augment"
	"github.com/Arashiailing/CQLLM/internal/prompt"
	"github.com/Arashiailing/CQLLM/internal/refine"
)

const table = "\ufeffCWE-id,Vul-type,Name,Description,Query_id\n" +
	"CWE-022,PathInjection,Uncontrolled data used in path expression,\"Accessing paths influenced by users, unchecked\",py/path-injection\n" +
	"CWE-079,,Reflected XSS,Writing user input directly to a web page,py/reflective-xss\n" +
	",,,,\n"

// fakeLLM writes a broken query first and fixes it once it sees the
// diagnostic.
type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
}

func (f *fakeLLM) Complete(ctx context.Context, p string) (string, error) {
	return f.CompleteWithSystem(ctx, "", p)
}

func (f *fakeLLM) CompleteWithSystem(_ context.Context, _, user string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, user)
	f.mu.Unlock()
	if strings.Contains(user, "failed with") {
		return "```ql\nimport python\nselect 1\n```", nil
	}
	return "<think>plan</think>\n```ql\nimport BROKEN\nselect 1\n```", nil
}

func (f *fakeLLM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

var noBroken = refine.ValidateFunc(func(_ context.Context, c refine.Candidate) (refine.Verdict, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return refine.Verdict{}, err
	}
	if strings.Contains(string(data), "BROKEN") {
		return refine.Verdict{Diagnostic: "ERROR: could not resolve module BROKEN"}, nil
	}
	return refine.Verdict{OK: true}, nil
})

func TestReadRows(t *testing.T) {
	rows, err := ReadRows(strings.NewReader(table))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "CWE-022", rows[0].CWE)
	assert.Equal(t, "PathInjection", rows[0].VulType)
	assert.Equal(t, "Accessing paths influenced by users, unchecked", rows[0].Description)
	assert.Equal(t, "py/path-injection", rows[0].QueryID)
	assert.Equal(t, 2, rows[0].Line)
	assert.Empty(t, rows[1].VulType)
}

func TestReadRowsMissingColumn(t *testing.T) {
	_, err := ReadRows(strings.NewReader("CWE-id,Name,Description\nCWE-1,a,b\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)
	assert.Contains(t, err.Error(), ColQueryID)

	_, err = ReadRows(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "CWE-022-path-injection.ql", OutputName(Row{CWE: "CWE-022", QueryID: "py/path-injection"}))
	assert.Equal(t, "CWE-079-js_xss.ql", OutputName(Row{CWE: "CWE-079", QueryID: "js/xss"}))
	assert.Equal(t, "CWE-1-a_b.ql", OutputName(Row{CWE: "CWE-1", QueryID: "a:b"}))
}

func TestTransformerPrompts(t *testing.T) {
	llm := &fakeLLM{}
	row := Row{CWE: "CWE-078", VulType: "CommandInjection", Name: "Command injection",
		Description: "Building a command line from user input", QueryID: "py/command-line-injection"}
	tr := NewTransformer(llm, prompt.Default(), row, true, time.Second)

	first, err := tr.Transform(context.Background(), "seed", nil)
	require.NoError(t, err)
	assert.Contains(t, first, "BROKEN")

	_, err = tr.Transform(context.Background(), first, &refine.Feedback{
		Attempt: 1, Outcome: refine.AttemptRejected, Diagnostic: "could not resolve module BROKEN",
	})
	require.NoError(t, err)

	require.Len(t, llm.prompts, 2)
	assert.Contains(t, llm.prompts[0], "CWE-078: CommandInjection")
	assert.Contains(t, llm.prompts[0], "@id py/command-line-injection")
	assert.Contains(t, llm.prompts[0], "knowledge base")
	assert.Contains(t, llm.prompts[1], "could not resolve module BROKEN")
	assert.Contains(t, llm.prompts[1], "import BROKEN")
}

func TestGenerateTable(t *testing.T) {
	out := filepath.Join(t.TempDir(), "generated")
	rows, err := ReadRows(strings.NewReader(table))
	require.NoError(t, err)

	llm := &fakeLLM{}
	jobs, err := Jobs(llm, prompt.Default(), rows, Options{OutDir: out, Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, filepath.Join(out, "CWE-022-path-injection.ql"), jobs[0].Key)
	assert.Contains(t, jobs[0].Original, "@name Uncontrolled data used in path expression")
	assert.NotContains(t, jobs[0].Original, "knowledge base")

	runner := &augment.Runner{
		Label: "generate",
		Workflow: refine.Workflow{
			Validator:   noBroken,
			Stager:      refine.NewFileStager("temp_gen_"),
			MaxAttempts: 3,
		},
		Workers: 2,
	}
	sum, err := runner.Run(context.Background(), jobs)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 4, llm.count())

	data, err := os.ReadFile(filepath.Join(out, "CWE-079-reflective-xss.ql"))
	require.NoError(t, err)
	assert.Equal(t, "import python\nselect 1\n", string(data))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no staging files left behind")
}

func TestGenerateAcceptAllSingleAttempt(t *testing.T) {
	out := t.TempDir()
	rows := []Row{
		{Line: 2, CWE: "CWE-089", Name: "SQL", Description: "d", QueryID: "py/sql-injection"},
		{Line: 3, CWE: "CWE-089", Name: "SQL again", Description: "d", QueryID: "py/sql-injection"},
	}
	llm := &fakeLLM{}
	jobs, err := Jobs(llm, prompt.Default(), rows, Options{OutDir: out})
	require.NoError(t, err)
	require.Len(t, jobs, 1, "duplicate output names collapse")

	runner := &augment.Runner{Workflow: refine.Workflow{
		Validator: refine.AcceptAll, Stager: refine.NewFileStager("temp_gen_"), MaxAttempts: 1,
	}}
	sum, err := runner.Run(context.Background(), jobs)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Results[0].Attempts)
	assert.FileExists(t, filepath.Join(out, "CWE-089-sql-injection.ql"))
}
