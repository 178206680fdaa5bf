// Package dataset turns a corpus of CodeQL queries into fine-tuning data
// and provides the small file chores around it: merging, deduplicating,
// splitting, converting and verifying.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Entry is one Alpaca-style training example.
type Entry struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// IsJSONL reports whether path names a JSON Lines file.
func IsJSONL(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".jsonl")
}

// ReadRecords reads a JSON array or a JSON Lines file, keeping each record
// undecoded. Blank lines in JSON Lines are ignored.
func ReadRecords(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !IsJSONL(path) {
		var out []json.RawMessage
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return out, nil
	}

	var out []json.RawMessage
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1<<20), 1<<30)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, fmt.Errorf("%s line %d: invalid JSON", path, n)
		}
		out = append(out, json.RawMessage(append([]byte(nil), line...)))
	}
	return out, sc.Err()
}

// WriteRecords writes values as an indented JSON array, or one per line when
// path ends in .jsonl. HTML characters are not escaped.
func WriteRecords[T any](path string, values []T) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if IsJSONL(path) {
		for _, v := range values {
			if err := enc.Encode(v); err != nil {
				return err
			}
		}
	} else {
		enc.SetIndent("", "  ")
		if values == nil {
			values = []T{}
		}
		if err := enc.Encode(values); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Convert rewrites in as out, switching between JSON and JSON Lines by
// extension. It returns the record count.
func Convert(in, out string) (int, error) {
	recs, err := ReadRecords(in)
	if err != nil {
		return 0, err
	}
	if err := WriteRecords(out, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// VerifyError locates the first malformed record.
type VerifyError struct {
	Path string
	Line int // 0 for whole-file JSON
	Err  error
}

func (e *VerifyError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s line %d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// Verify checks that path parses: the whole file for .json, each non-blank
// line for .jsonl. It returns the number of records.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if !IsJSONL(path) {
		var v any
		if err := json.NewDecoder(bufio.NewReader(f)).Decode(&v); err != nil {
			return 0, &VerifyError{Path: path, Err: err}
		}
		if arr, ok := v.([]any); ok {
			return len(arr), nil
		}
		return 1, nil
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<30)
	count := 0
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(line, &v); err != nil {
			return count, &VerifyError{Path: path, Line: n, Err: err}
		}
		count++
	}
	return count, sc.Err()
}
