// Package experiment runs a set of queries against a database and reports
// how many results each one finds.
package experiment

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Arashiailing/CQLLM/internal/codeql"
	"github.com/Arashiailing/CQLLM/internal/logging"
)

// ReportHeader is the first row of a report file.
var ReportHeader = []string{"ql_path", "vuln_count"}

var cweRe = regexp.MustCompile(`CWE-\d+`)

// CWEOf returns the CWE id in a query's file name, or "".
func CWEOf(path string) string {
	return cweRe.FindString(filepath.Base(path))
}

// Result is the outcome of one query.
type Result struct {
	Query      string
	BQRS       string
	OK         bool
	Count      int
	Diagnostic string // compile or decode failure
	Duration   time.Duration
}

// CWETotal is the result count of every successful query for one CWE.
type CWETotal struct {
	CWE   string
	Count int
}

// Report summarizes a run.
type Report struct {
	Results []Result
	Total   int
	Failed  int
}

// ByCWE sums counts per CWE in id order. Queries without a CWE in their name
// are left out. CWEs whose queries all found nothing appear with zero.
func (r Report) ByCWE() []CWETotal {
	sums := make(map[string]int)
	for _, res := range r.Results {
		cwe := CWEOf(res.Query)
		if !res.OK || cwe == "" {
			continue
		}
		sums[cwe] += res.Count
	}
	out := make([]CWETotal, 0, len(sums))
	for cwe, n := range sums {
		out = append(out, CWETotal{CWE: cwe, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CWE < out[j].CWE })
	return out
}

// Experiment runs queries and appends successful counts to a CSV report.
type Experiment struct {
	Runner *codeql.Runner

	// BQRSDir receives one result set per query, named after the query.
	BQRSDir string
	// ReportPath, if set, is appended to. The header is written only when
	// the file is new.
	ReportPath string
	Workers    int

	// OnResult, if set, sees every finished query. Calls never overlap.
	OnResult func(Result)

	mu sync.Mutex
}

// Run executes paths. A query that fails to compile or decode is reported
// and skipped. Errors from codeql itself or from the report abort the run.
func (e *Experiment) Run(ctx context.Context, paths []string) (Report, error) {
	timer := logging.StartTimer(logging.CategoryCodeQL, "experiment run")
	defer timer.Stop()

	if err := os.MkdirAll(e.BQRSDir, 0755); err != nil {
		return Report{}, fmt.Errorf("bqrs dir: %w", err)
	}

	results := make([]Result, len(paths))
	done := make([]bool, len(paths))
	workers := e.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := e.runOne(gctx, p)
			if err != nil {
				return err
			}
			if err := e.finish(res); err != nil {
				return err
			}
			results[i] = res
			done[i] = true
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	var rep Report
	for i, res := range results {
		if !done[i] {
			continue
		}
		rep.Results = append(rep.Results, res)
		if res.OK {
			rep.Total += res.Count
		} else {
			rep.Failed++
		}
	}
	logging.CodeQL("experiment: %d queries, %d failed, %d results", len(rep.Results), rep.Failed, rep.Total)
	return rep, err
}

func (e *Experiment) runOne(ctx context.Context, query string) (Result, error) {
	stem := strings.TrimSuffix(filepath.Base(query), filepath.Ext(query))
	res := Result{Query: query, BQRS: filepath.Join(e.BQRSDir, stem+".bqrs")}

	qr, err := e.Runner.RunQuery(ctx, query, res.BQRS)
	if err != nil {
		return res, err
	}
	res.Duration = qr.Duration
	if !qr.OK {
		res.Diagnostic = qr.Diagnostic
		return res, nil
	}

	n, err := e.Runner.DecodeRowCount(ctx, res.BQRS)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Diagnostic = err.Error()
		return res, nil
	}
	res.OK = true
	res.Count = n
	return res, nil
}

// finish records res. Calls are serialized.
func (e *Experiment) finish(res Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res.OK && e.ReportPath != "" {
		if err := AppendReport(e.ReportPath, res.Query, res.Count); err != nil {
			return err
		}
	}
	if e.OnResult != nil {
		e.OnResult(res)
	}
	return nil
}

// AppendReport adds one row to the report at path, creating it with a
// header if needed.
func AppendReport(path, query string, count int) error {
	_, err := os.Stat(path)
	fresh := errors.Is(err, fs.ErrNotExist)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if fresh {
		w.Write(ReportHeader)
	}
	w.Write([]string{query, strconv.Itoa(count)})
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
