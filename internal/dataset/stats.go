package dataset

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/Arashiailing/CQLLM/internal/qlsource"
)

// Stats counts the query sources under a tree.
type Stats struct {
	Queries   int // .ql
	Libraries int // .qll
}

// Count walks root, hidden directories included.
func Count(root string) (Stats, error) {
	var s Stats
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".ql":
			s.Queries++
		case ".qll":
			s.Libraries++
		}
		return nil
	})
	return s, err
}

// TrimFailure is a query that could not be trimmed.
type TrimFailure struct {
	Path string
	Err  error
}

// TrimReport summarizes TrimAll.
type TrimReport struct {
	Trimmed  int
	Failures []TrimFailure
}

// TrimAll strips the first and last line of every .ql under root. Failures
// are collected, not fatal.
func TrimAll(root string) (TrimReport, error) {
	var rep TrimReport
	paths, err := qlsource.Find(root, qlsource.FindOptions{})
	if err != nil {
		return rep, err
	}
	for _, p := range paths {
		if err := qlsource.TrimOuterLinesFile(p); err != nil {
			rep.Failures = append(rep.Failures, TrimFailure{Path: p, Err: err})
			continue
		}
		rep.Trimmed++
	}
	return rep, nil
}
