package classify

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var cweSuffix = regexp.MustCompile(`(?i)-cwe-\d+$`)

// Index lists the files under a code directory once so every row can be
// located without walking the tree again.
type Index struct {
	files []string
}

// NewIndex walks root.
func NewIndex(root string) (*Index, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Index{files: files}, nil
}

// Patterns returns the glob patterns a row's source file may match, most
// specific first.
func Patterns(cwe, queryID string) []string {
	simple := queryID[strings.LastIndex(queryID, "/")+1:]
	simple = cweSuffix.ReplaceAllString(simple, "")
	alt := strings.ReplaceAll(cwe, "-", "_")
	return []string{
		cwe + "_" + simple + ".py",
		cwe + "_" + simple + ".*",
		cwe + "*" + simple + "*.py",
		cwe + "*" + simple + "*.*",
		alt + "_" + simple + ".py",
		alt + "*" + simple + "*.py",
	}
}

// Locate returns the best file for a row, or "" if none matches. When no
// pattern matches, any file whose name contains both the CWE and the query
// name is considered. Among candidates the shortest name, then the shortest
// path, wins.
func (x *Index) Locate(cwe, queryID string) string {
	var candidates []string
	for _, pat := range Patterns(cwe, queryID) {
		for _, f := range x.files {
			if ok, _ := filepath.Match(pat, filepath.Base(f)); ok {
				candidates = append(candidates, f)
			}
		}
	}
	if len(candidates) == 0 {
		simple := strings.ToLower(queryID[strings.LastIndex(queryID, "/")+1:])
		c := strings.ToLower(cwe)
		for _, f := range x.files {
			name := strings.ToLower(filepath.Base(f))
			if strings.Contains(name, c) && strings.Contains(name, simple) {
				candidates = append(candidates, f)
			}
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if la, lb := len(filepath.Base(a)), len(filepath.Base(b)); la != lb {
			return la < lb
		}
		return len(a) < len(b)
	})
	return candidates[0]
}
