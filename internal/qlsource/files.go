package qlsource

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindOptions filters Find.
type FindOptions struct {
	// Extensions to include, with dot. Empty means ".ql".
	Extensions []string
	// SkipPrefixes excludes files whose base name starts with any of them.
	SkipPrefixes []string
}

// Find walks root and returns matching files in lexical order. Hidden
// directories are skipped.
func Find(root string, opts FindOptions) ([]string, error) {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{".ql"}
	}

	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !hasExt(d.Name(), exts) || hasPrefix(d.Name(), opts.SkipPrefixes) {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Matches reports whether a single path passes opts.
func Matches(path string, opts FindOptions) bool {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{".ql"}
	}
	name := filepath.Base(path)
	return hasExt(name, exts) && !hasPrefix(name, opts.SkipPrefixes)
}

func hasExt(name string, exts []string) bool {
	ext := filepath.Ext(name)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func hasPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ErrTooShort is returned by TrimOuterLines for files under two lines.
var ErrTooShort = errors.New("file has fewer than two lines")

// TrimOuterLines drops the first and last line, the wrapper annotation tools
// leave around exported queries.
func TrimOuterLines(src string) (string, error) {
	lines := strings.SplitAfter(src, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if len(lines) < 2 {
		return "", ErrTooShort
	}
	return strings.Join(lines[1:len(lines)-1], ""), nil
}

// TrimOuterLinesFile applies TrimOuterLines to a file in place.
func TrimOuterLinesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	trimmed, err := TrimOuterLines(string(data))
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(trimmed), info.Mode().Perm())
}
