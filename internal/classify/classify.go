// Package classify labels the benchmark source file behind each row of a
// query table with the vulnerability classes the model finds in it.
package classify

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Arashiailing/CQLLM/internal/logging"
	"github.com/Arashiailing/CQLLM/internal/perception"
	"github.com/Arashiailing/CQLLM/internal/prompt"
)

// Table columns read and written.
const (
	ColCWE     = "CWE-id"
	ColQueryID = "Query_id"
	ColVulType = "Vul-type"
)

// DefaultMaxChars bounds the file content sent to the model.
const DefaultMaxChars = 24000

const truncMarker = "\n\n# --- TRUNCATED ---\n\n"

// Truncate keeps the head and tail of text when it exceeds max characters.
func Truncate(text string, max int) (string, bool) {
	r := []rune(text)
	if max <= 0 || len(r) <= max {
		return text, false
	}
	half := max / 2
	return string(r[:half]) + truncMarker + string(r[len(r)-half:]), true
}

// Table is a CSV file held in memory.
type Table struct {
	Header  []string
	Records [][]string
}

// ReadTable loads a CSV table.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	all, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%s: empty table", path)
	}
	all[0][0] = strings.TrimPrefix(all[0][0], "\ufeff")
	return &Table{Header: all[0], Records: all[1:]}, nil
}

// Column returns the index of name, or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}

// ensureColumn returns the index of name, appending the column if needed.
func (t *Table) ensureColumn(name string) int {
	if i := t.Column(name); i >= 0 {
		return i
	}
	t.Header = append(t.Header, name)
	return len(t.Header) - 1
}

func (t *Table) get(row, col int) string {
	if col < 0 || col >= len(t.Records[row]) {
		return ""
	}
	return strings.TrimSpace(t.Records[row][col])
}

func (t *Table) set(row, col int, v string) {
	for len(t.Records[row]) <= col {
		t.Records[row] = append(t.Records[row], "")
	}
	t.Records[row][col] = v
}

// Write saves the table as CSV, creating parent directories.
func (t *Table) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write(t.Header)
	w.WriteAll(t.Records)
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Classifier asks the model which labels apply to a source file.
type Classifier struct {
	Client   perception.LLMClient
	Prompts  *prompt.Set
	Labels   Labels
	MaxChars int
	Timeout  time.Duration
	Workers  int
	Logger   *zap.Logger
}

// Summary counts how rows were resolved.
type Summary struct {
	Rows       int
	Labelled   int
	NotFound   int
	Unmapped   int
	ModelError int
}

// ClassifyFile returns the table value for one file.
func (c *Classifier) ClassifyFile(ctx context.Context, path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return modelErrorPrefix + err.Error()
	}
	content, truncated := Truncate(string(data), c.maxChars())
	text, err := c.Prompts.Render(prompt.Classify, prompt.ClassifyData{
		Labels:     c.Labels.Known,
		OtherLabel: c.Labels.Other,
		NoneLabel:  c.Labels.None,
		Path:       path,
		Truncated:  truncated,
		Content:    content,
	})
	if err != nil {
		return modelErrorPrefix + err.Error()
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	reply, err := c.Client.Complete(ctx, text)
	if err != nil {
		return modelErrorPrefix + err.Error()
	}
	return c.Labels.Parse(reply)
}

// Run fills the Vul-type column of every row whose source file is found
// under the index. Model failures are recorded in the row and never stop
// the run; only cancellation does.
func (c *Classifier) Run(ctx context.Context, t *Table, idx *Index) (Summary, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "classify table")
	defer timer.Stop()

	cweCol, qidCol := t.Column(ColCWE), t.Column(ColQueryID)
	if cweCol < 0 || qidCol < 0 {
		return Summary{}, fmt.Errorf("table needs %s and %s columns", ColCWE, ColQueryID)
	}
	outCol := t.ensureColumn(ColVulType)

	values := make([]string, len(t.Records))
	workers := c.Workers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range t.Records {
		if ctx.Err() != nil {
			break
		}
		cwe, qid := t.get(i, cweCol), t.get(i, qidCol)
		g.Go(func() error {
			path := idx.Locate(cwe, qid)
			if path == "" {
				values[i] = FileNotFound
				return nil
			}
			values[i] = c.ClassifyFile(ctx, path)
			c.logger().Debug("Classified", zap.String("cwe", cwe), zap.String("query_id", qid),
				zap.String("file", path), zap.String("result", values[i]))
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}

	sum := Summary{Rows: len(t.Records)}
	for i, v := range values {
		t.set(i, outCol, v)
		switch {
		case v == FileNotFound:
			sum.NotFound++
		case strings.HasPrefix(v, unmappedPrefix):
			sum.Unmapped++
		case strings.HasPrefix(v, modelErrorPrefix):
			sum.ModelError++
		default:
			sum.Labelled++
		}
	}
	logging.API("classify: %d rows, %d labelled, %d not found, %d unmapped, %d model errors",
		sum.Rows, sum.Labelled, sum.NotFound, sum.Unmapped, sum.ModelError)
	return sum, nil
}

func (c *Classifier) maxChars() int {
	if c.MaxChars <= 0 {
		return DefaultMaxChars
	}
	return c.MaxChars
}

func (c *Classifier) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
