// Package generate writes new CodeQL queries from a table of vulnerability
// descriptions. Each row becomes one refine job whose key is the query file
// named after the row's CWE and query id.
package generate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Arashiailing/CQLLM/internal/augment"
	"github.com/Arashiailing/CQLLM/internal/perception"
	"github.com/Arashiailing/CQLLM/internal/prompt"
	"github.com/Arashiailing/CQLLM/internal/refine"
)

// Column headers of a prompt table.
const (
	ColCWE         = "CWE-id"
	ColVulType     = "Vul-type"
	ColName        = "Name"
	ColDescription = "Description"
	ColQueryID     = "Query_id"
)

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = errors.New("missing column")

// Row is one query to generate.
type Row struct {
	Line        int // 1-based record number, header included
	CWE         string
	VulType     string
	Name        string
	Description string
	QueryID     string
}

// ReadRows parses a prompt table. Vul-type is optional; every other column
// is required. Rows without a CWE or query id are skipped.
func ReadRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty table", ErrMissingColumn)
		}
		return nil, err
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, col := range []string{ColCWE, ColName, ColDescription, ColQueryID} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	field := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := Row{
			Line:        line,
			CWE:         field(rec, ColCWE),
			VulType:     field(rec, ColVulType),
			Name:        field(rec, ColName),
			Description: field(rec, ColDescription),
			QueryID:     field(rec, ColQueryID),
		}
		if row.CWE == "" || row.QueryID == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadRowsFile is ReadRows on a file.
func ReadRowsFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := ReadRows(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// OutputName is the query file name for row: "<CWE>-<query id>.ql" with the
// language prefix dropped and path separators replaced.
func OutputName(row Row) string {
	id := strings.TrimPrefix(row.QueryID, "py/")
	name := row.CWE + "-" + id
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, name)
	return name + ".ql"
}

// Data is the template data for row.
func (row Row) Data(restrictImports bool) prompt.GenerateData {
	return prompt.GenerateData{
		CWE:             row.CWE,
		VulType:         row.VulType,
		Name:            row.Name,
		Description:     row.Description,
		QueryID:         row.QueryID,
		RestrictImports: restrictImports,
	}
}

// NewTransformer writes a query for row. Until a query has been rejected the
// generation prompt is used; after that the rejected query is sent back with
// its diagnostic, even when a later model call failed.
func NewTransformer(client perception.LLMClient, prompts *prompt.Set, row Row, restrictImports bool, timeout time.Duration) *augment.LLMTransformer {
	return &augment.LLMTransformer{
		Client:  client,
		System:  prompts.SystemPrompt(),
		Timeout: timeout,
		Prompt: func(input string, prior *refine.Feedback) (string, error) {
			data := row.Data(restrictImports)
			if diag, ok := prior.Repair(); ok {
				data.Code = input
				data.Diagnostic = diag
				return prompts.Render(prompt.GenerateFeedback, data)
			}
			return prompts.Render(prompt.Generate, data)
		},
	}
}

// Options configures Jobs.
type Options struct {
	OutDir          string
	RestrictImports bool
	Timeout         time.Duration
}

// Jobs turns rows into refine jobs. Rows that map to the same file keep the
// first occurrence. The seed of each job is its generation prompt.
func Jobs(client perception.LLMClient, prompts *prompt.Set, rows []Row, opts Options) ([]augment.Job, error) {
	jobs := make([]augment.Job, 0, len(rows))
	for _, row := range rows {
		seed, err := prompts.Render(prompt.Generate, row.Data(opts.RestrictImports))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row.Line, err)
		}
		jobs = append(jobs, augment.Job{
			Source:      fmt.Sprintf("row %d (%s)", row.Line, row.QueryID),
			Key:         filepath.Join(opts.OutDir, OutputName(row)),
			Original:    seed,
			Transformer: NewTransformer(client, prompts, row, opts.RestrictImports, opts.Timeout),
		})
	}
	return augment.Dedupe(jobs), nil
}
